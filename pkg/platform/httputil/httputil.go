package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "securebase/pkg/domain-errors"
)

// ErrorResponse is the body written for every failed request.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Errors after WriteHeader cannot change the status code, so we ignore encoding errors.
	_ = json.NewEncoder(w).Encode(response)
}

// WriteError centralizes domain error translation to HTTP responses.
// Internal failures never leak their message; the cause stays in the logs.
func WriteError(w http.ResponseWriter, err error) {
	var domainErr *dErrors.Error
	if errors.As(err, &domainErr) && domainErr.Code != dErrors.CodeInternal {
		WriteJSON(w, DomainCodeToHTTPStatus(domainErr.Code), ErrorResponse{
			Error:            string(domainErr.Code),
			ErrorDescription: domainErr.Message,
		})
		return
	}

	WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:            string(dErrors.CodeInternal),
		ErrorDescription: "internal error",
	})
}

// DomainCodeToHTTPStatus translates domain error codes to HTTP status codes.
func DomainCodeToHTTPStatus(code dErrors.Code) int {
	switch code {
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case dErrors.CodeForbidden, dErrors.CodeDelegationDenied:
		return http.StatusForbidden
	case dErrors.CodeUnknownTenant:
		return http.StatusNotFound
	case dErrors.CodeConflict, dErrors.CodeReplayRejected:
		return http.StatusConflict
	case dErrors.CodeSignatureInvalid, dErrors.CodeValidation:
		return http.StatusBadRequest
	case dErrors.CodeUpstreamUnavailable:
		return http.StatusBadGateway
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
