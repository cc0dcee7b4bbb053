package notification

import (
	"regexp"
	"strings"

	"securebase/internal/notification/models"
	dErrors "securebase/pkg/domain-errors"
)

// Template is rendered by plain {{name}} substitution. There is no logic.
type Template struct {
	Subject string
	Body    string
}

var placeholder = regexp.MustCompile(`\{\{\s*([a-z_]+)\s*\}\}`)

// DefaultTemplates are the onboarding messages.
var DefaultTemplates = map[string]Template{
	models.TemplateWelcome: {
		Subject: "Welcome to SecureBase, {{tenant_name}}",
		Body: "Your SecureBase workspace is ready.\n\n" +
			"Tenant: {{tenant_id}}\n" +
			"API key: {{api_key}}\n\n" +
			"This key is shown once. Store it in your secrets manager.",
	},
	models.TemplateAdminSetup: {
		Subject: "Finish setting up your SecureBase admin account",
		Body: "An administrator account was created for {{email}}.\n\n" +
			"Complete setup within 72 hours: {{setup_url}}",
	},
}

// Render substitutes vars into the template. Every placeholder must be
// supplied.
func Render(templates map[string]Template, templateID string, vars map[string]string) (subject, body string, err error) {
	tpl, ok := templates[templateID]
	if !ok {
		return "", "", dErrors.New(dErrors.CodeValidation, "unknown template "+templateID)
	}
	var missing []string
	substitute := func(text string) string {
		return placeholder.ReplaceAllStringFunc(text, func(m string) string {
			name := placeholder.FindStringSubmatch(m)[1]
			v, ok := vars[name]
			if !ok {
				missing = append(missing, name)
				return m
			}
			return v
		})
	}
	subject = substitute(tpl.Subject)
	body = substitute(tpl.Body)
	if len(missing) > 0 {
		return "", "", dErrors.New(dErrors.CodeValidation, "template "+templateID+" is missing variables: "+strings.Join(missing, ", "))
	}
	return subject, body, nil
}
