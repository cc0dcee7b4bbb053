// Package main provides a CLI tool for generating test credentials for the
// SecureBase API: gateway assertions and signed payment webhook deliveries.
// They use dev keys and will NOT work in production.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82/webhook"

	"securebase/internal/gate"
	onboardinghandler "securebase/internal/onboarding/handler"
	"securebase/internal/tenant/models"
	id "securebase/pkg/domain"
)

const (
	// Matches GATEWAY_ASSERTION_KEY in the local .env
	devAssertionKey = "dev-gateway-assertion-key-change-me"

	// Matches PAYMENT_WEBHOOK_SECRET in the local .env
	devWebhookSecret = "whsec_dev_change_me"

	defaultIssuer = "securebase-gateway"
	defaultTTL    = 15 * time.Minute
)

type tokenOutput struct {
	Token     string            `json:"token"`
	Type      string            `json:"type"`
	ExpiresIn string            `json:"expires_in,omitempty"`
	Claims    map[string]any    `json:"claims,omitempty"`
	Usage     map[string]string `json:"usage"`
}

func main() {
	assertionCmd := flag.NewFlagSet("assertion", flag.ExitOnError)
	webhookCmd := flag.NewFlagSet("webhook", flag.ExitOnError)

	tenantID := assertionCmd.String("tenant-id", "", "Tenant ID (UUID). Generated if empty.")
	subject := assertionCmd.String("subject", "dev@securebase.local", "Principal subject")
	role := assertionCmd.String("role", string(models.RoleAdmin), "Role: admin, manager, analyst or viewer")
	ttl := assertionCmd.Duration("ttl", defaultTTL, "Assertion time-to-live")
	key := assertionCmd.String("key", devAssertionKey, "HMAC key")
	assertionJSON := assertionCmd.Bool("json", false, "Output as JSON")

	eventID := webhookCmd.String("event-id", "", "Payment event ID. Generated if empty.")
	contact := webhookCmd.String("contact", "owner@example.com", "Customer email")
	company := webhookCmd.String("name", "Example Co", "Company name")
	tier := webhookCmd.String("tier", string(models.TierStandard), "Tier: healthcare, fintech, government or standard")
	framework := webhookCmd.String("framework", "soc2", "Compliance framework")
	account := webhookCmd.String("account-id", "", "Cloud account ID for delegation")
	roleName := webhookCmd.String("role-name", "SecureBaseAuditRole", "Delegation role name")
	age := webhookCmd.Duration("age", 0, "Backdate the signature, e.g. 10m to exercise replay rejection")
	secret := webhookCmd.String("secret", devWebhookSecret, "Webhook signing secret")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "assertion":
		assertionCmd.Parse(os.Args[2:]) //nolint:errcheck // ExitOnError
		generateAssertion(*tenantID, *subject, *role, *key, *ttl, *assertionJSON)
	case "webhook":
		webhookCmd.Parse(os.Args[2:]) //nolint:errcheck // ExitOnError
		generateWebhook(checkout{
			eventID:   *eventID,
			contact:   *contact,
			name:      *company,
			tier:      *tier,
			framework: *framework,
			accountID: *account,
			roleName:  *roleName,
		}, *secret, *age)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`tokengen - Generate test credentials for the SecureBase API

WARNING: These use dev keys and will NOT work in production.
         Only use for local development and testing.

Usage:
  tokengen <command> [flags]

Commands:
  assertion   Generate a gateway assertion for a tenant principal
  webhook     Generate a signed checkout.session.completed delivery

Examples:
  # Admin assertion for a fresh tenant id
  tokengen assertion

  # Analyst assertion for an existing tenant
  tokengen assertion -tenant-id "550e8400-e29b-41d4-a716-446655440000" -role analyst

  # Signed webhook, ready to pipe into curl
  tokengen webhook -contact ops@acme.test -name Acme -tier fintech

  # Stale signature, rejected as a replay
  tokengen webhook -age 10m

Use "tokengen <command> -h" for more information about a command.`)
}

func generateAssertion(rawTenantID, subject, role, key string, ttl time.Duration, jsonOutput bool) {
	tenantID := id.TenantID(uuid.New())
	if rawTenantID != "" {
		parsed, err := id.ParseTenantID(rawTenantID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid tenant-id: %v\n", err)
			os.Exit(1)
		}
		tenantID = parsed
	}
	r := models.Role(role)
	if !r.IsValid() {
		fmt.Fprintf(os.Stderr, "Invalid role %q\n", role)
		os.Exit(1)
	}

	token, err := gate.NewIssuer([]byte(key), defaultIssuer).Issue(gate.Principal{
		TenantID: tenantID,
		Subject:  subject,
		Role:     r,
	}, ttl, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating assertion: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		printJSON(tokenOutput{
			Token:     token,
			Type:      "gateway_assertion",
			ExpiresIn: ttl.String(),
			Claims: map[string]any{
				"tenant_id": tenantID.String(),
				"sub":       subject,
				"role":      role,
				"iss":       defaultIssuer,
			},
			Usage: map[string]string{
				"header": gate.AssertionHeader + ": <token>",
			},
		})
		return
	}

	fmt.Println("Gateway Assertion (JWT)")
	fmt.Println("=======================")
	fmt.Printf("Expires In: %s\n", ttl)
	fmt.Printf("Tenant ID:  %s\n", tenantID)
	fmt.Printf("Subject:    %s\n", subject)
	fmt.Printf("Role:       %s\n", role)
	fmt.Println()
	fmt.Println("Token:")
	fmt.Println(token)
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  curl -H \"%s: <token>\" http://localhost:8080/tenants/%s\n", gate.AssertionHeader, tenantID)
}

type checkout struct {
	eventID   string
	contact   string
	name      string
	tier      string
	framework string
	accountID string
	roleName  string
}

func generateWebhook(c checkout, secret string, age time.Duration) {
	if c.eventID == "" {
		c.eventID = "evt_dev_" + uuid.NewString()[:8]
	}
	event := map[string]any{
		"id":     c.eventID,
		"object": "event",
		"type":   "checkout.session.completed",
		"data": map[string]any{
			"object": map[string]any{
				"object":           "checkout.session",
				"customer_details": map[string]any{"email": c.contact},
				"metadata": map[string]string{
					onboardinghandler.MetaCompanyName: c.name,
					onboardinghandler.MetaTier:        c.tier,
					onboardinghandler.MetaFramework:   c.framework,
					onboardinghandler.MetaAccountID:   c.accountID,
					onboardinghandler.MetaRoleName:    c.roleName,
				},
			},
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding event: %v\n", err)
		os.Exit(1)
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now().Add(-age),
	})

	printJSON(tokenOutput{
		Token: signed.Header,
		Type:  "webhook_signature",
		Claims: map[string]any{
			"event_id": c.eventID,
			"payload":  string(payload),
		},
		Usage: map[string]string{
			"header":   "Stripe-Signature: <token>",
			"endpoint": "POST http://localhost:8080/webhook/payments",
		},
	})
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}
