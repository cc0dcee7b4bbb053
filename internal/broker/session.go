// Package broker exchanges a tenant's delegation descriptor for short-lived
// cloud credentials and caches them per tenant.
package broker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"securebase/internal/tenant/models"
)

// Session is a delegation session. It is never persisted.
type Session struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiry          time.Time
}

// Credentials adapts the session for AWS SDK clients.
func (s Session) Credentials() aws.CredentialsProvider {
	return credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, s.SessionToken)
}

// LogValue keeps secret material out of logs.
func (s Session) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("access_key_id", s.AccessKeyID),
		slog.Time("expiry", s.Expiry),
	)
}

// RoleARN renders the IAM role the broker assumes for d. An empty role name
// falls back to fallbackRole.
func RoleARN(d models.Delegation, fallbackRole string) string {
	role := d.RoleName
	if role == "" {
		role = fallbackRole
	}
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", d.AccountID, role)
}
