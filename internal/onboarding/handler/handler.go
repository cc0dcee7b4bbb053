// Package handler is the payment webhook ingress.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	onboardingmetrics "securebase/internal/onboarding/metrics"
	"securebase/internal/onboarding/models"
	tenantmodels "securebase/internal/tenant/models"
	dErrors "securebase/pkg/domain-errors"
	"securebase/pkg/platform/httputil"
	"securebase/pkg/requestcontext"
)

// MaxBodyBytes matches the provider's documented payload ceiling.
const MaxBodyBytes = 65536

// Metadata keys set on the checkout session by the signup flow.
const (
	MetaTier        = "tier"
	MetaFramework   = "framework"
	MetaCompanyName = "company_name"
	MetaAccountID   = "aws_account_id"
	MetaRoleName    = "delegation_role"
)

// Acceptor durably records a payment event.
type Acceptor interface {
	Accept(ctx context.Context, req models.Request) (*models.Entry, error)
}

// Dispatcher starts processing of an accepted event without blocking.
type Dispatcher interface {
	Enqueue(eventID string) bool
}

type Handler struct {
	acceptor   Acceptor
	dispatcher Dispatcher
	secret     string
	tolerance  time.Duration
	logger     *slog.Logger
	metrics    *onboardingmetrics.Metrics
}

// New refuses an empty signing secret, since any caller can sign with it.
func New(acceptor Acceptor, dispatcher Dispatcher, secret string, tolerance time.Duration, logger *slog.Logger, m *onboardingmetrics.Metrics) (*Handler, error) {
	if secret == "" {
		return nil, errors.New("payment webhook secret is required")
	}
	return &Handler{
		acceptor:   acceptor,
		dispatcher: dispatcher,
		secret:     secret,
		tolerance:  tolerance,
		logger:     logger,
		metrics:    m,
	}, nil
}

// Register mounts the webhook. It is authenticated by signature, not by the
// gateway assertion.
func (h *Handler) Register(r chi.Router) {
	r.Post("/webhook/payments", h.HandlePayment)
}

type Response struct {
	Status  string `json:"status"`
	EventID string `json:"event_id,omitempty"`
}

// HandlePayment verifies the signed envelope, records the event as queued
// and answers 200. Processing continues on the worker pool.
func (h *Handler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		h.metrics.IncEvent("too_large")
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "payload too large"))
		return
	}

	event, err := h.verify(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		verr := verificationError(err)
		h.metrics.IncEvent(string(dErrors.CodeOf(verr)))
		h.logger.WarnContext(ctx, "payment webhook rejected",
			"reason", dErrors.CodeOf(verr),
			"request_id", requestID,
		)
		httputil.WriteError(w, verr)
		return
	}

	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		h.metrics.IncEvent("ignored")
		httputil.WriteJSON(w, http.StatusOK, Response{Status: "ignored", EventID: event.ID})
		return
	}

	req, err := requestFromEvent(event)
	if err != nil {
		h.metrics.IncEvent("malformed")
		httputil.WriteError(w, err)
		return
	}

	entry, err := h.acceptor.Accept(ctx, req)
	if err != nil {
		h.metrics.IncEvent("error")
		h.logger.ErrorContext(ctx, "failed to record payment event",
			"event_id", event.ID,
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	if entry.Status.IsTerminal() {
		h.metrics.IncEvent("duplicate")
		httputil.WriteJSON(w, http.StatusOK, Response{Status: string(entry.Status), EventID: entry.EventID})
		return
	}

	if !h.dispatcher.Enqueue(entry.EventID) {
		h.logger.WarnContext(ctx, "onboarding queue full, leaving event to the sweeper",
			"event_id", entry.EventID,
			"request_id", requestID,
		)
	}
	h.metrics.IncEvent("accepted")
	httputil.WriteJSON(w, http.StatusOK, Response{Status: string(models.OutcomeQueued), EventID: entry.EventID})
}

// verify checks the HMAC before the timestamp window, so a forged envelope
// is reported as a bad signature however old it claims to be.
func (h *Handler) verify(payload []byte, header string) (stripe.Event, error) {
	if err := webhook.ValidatePayloadIgnoringTolerance(payload, header, h.secret); err != nil {
		return stripe.Event{}, err
	}
	return webhook.ConstructEventWithOptions(payload, header, h.secret,
		webhook.ConstructEventOptions{Tolerance: h.tolerance, IgnoreAPIVersionMismatch: true})
}

// verificationError maps signature failures onto the error taxonomy. Only an
// envelope that verified but is too old counts as a replay.
func verificationError(err error) error {
	if errors.Is(err, webhook.ErrTooOld) {
		return dErrors.New(dErrors.CodeReplayRejected, "signed timestamp is outside the tolerance")
	}
	return dErrors.New(dErrors.CodeSignatureInvalid, "signature verification failed")
}

type checkoutSession struct {
	ID              string            `json:"id"`
	CustomerEmail   string            `json:"customer_email"`
	CustomerDetails *customerDetails  `json:"customer_details"`
	Metadata        map[string]string `json:"metadata"`
}

type customerDetails struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

func requestFromEvent(event stripe.Event) (models.Request, error) {
	if event.ID == "" || event.Data == nil {
		return models.Request{}, dErrors.New(dErrors.CodeValidation, "event is missing its id or data")
	}
	var session checkoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return models.Request{}, dErrors.New(dErrors.CodeValidation, "event data is not a checkout session")
	}

	contact := session.CustomerEmail
	name := session.Metadata[MetaCompanyName]
	if session.CustomerDetails != nil {
		if session.CustomerDetails.Email != "" {
			contact = session.CustomerDetails.Email
		}
		if name == "" {
			name = session.CustomerDetails.Name
		}
	}
	tier := tenantmodels.Tier(strings.ToLower(session.Metadata[MetaTier]))
	if tier == "" {
		tier = tenantmodels.TierStandard
	}
	return models.Request{
		EventID:   event.ID,
		Name:      name,
		Contact:   contact,
		Tier:      tier,
		Framework: session.Metadata[MetaFramework],
		Delegation: tenantmodels.Delegation{
			AccountID: session.Metadata[MetaAccountID],
			RoleName:  session.Metadata[MetaRoleName],
		},
	}, nil
}
