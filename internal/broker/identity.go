package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"securebase/pkg/platform/sentinel"
)

// ErrDenied means the identity service refused the delegation. Anything else
// the identity service returns wraps sentinel.ErrUnavailable.
var ErrDenied = errors.New("delegation denied")

// AssumeRequest names the role to assume and the session to open.
type AssumeRequest struct {
	RoleARN     string
	SessionName string
	Duration    time.Duration
}

// IdentityService issues delegation sessions.
type IdentityService interface {
	AssumeRole(ctx context.Context, req AssumeRequest) (*Session, error)
}

// STSClient is the subset of the STS API the broker calls.
type STSClient interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// STS limits assumed-role sessions to at least 15 minutes.
const minSTSDuration = 15 * time.Minute

// deniedCodes are STS error codes that mean the tenant's trust policy, not
// the transport, refused us.
var deniedCodes = map[string]struct{}{
	"AccessDenied":            {},
	"AccessDeniedException":   {},
	"MalformedPolicyDocument": {},
	"RegionDisabledException": {},
	"ValidationError":         {},
}

type STSIdentity struct {
	client STSClient
}

func NewSTSIdentity(client STSClient) *STSIdentity {
	return &STSIdentity{client: client}
}

func (s *STSIdentity) AssumeRole(ctx context.Context, req AssumeRequest) (*Session, error) {
	duration := max(req.Duration, minSTSDuration)
	out, err := s.client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(req.RoleARN),
		RoleSessionName: aws.String(req.SessionName),
		DurationSeconds: aws.Int32(int32(duration / time.Second)),
	})
	if err != nil {
		return nil, classifySTSError(err)
	}
	if out.Credentials == nil || out.Credentials.Expiration == nil {
		return nil, fmt.Errorf("assume role returned no credentials: %w", sentinel.ErrUnavailable)
	}
	return &Session{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Expiry:          out.Credentials.Expiration.UTC(),
	}, nil
}

func classifySTSError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, denied := deniedCodes[apiErr.ErrorCode()]; denied {
			return fmt.Errorf("%w: %s", ErrDenied, apiErr.ErrorCode())
		}
		return fmt.Errorf("assume role %s: %w", apiErr.ErrorCode(), sentinel.ErrUnavailable)
	}
	return fmt.Errorf("assume role: %w", errors.Join(sentinel.ErrUnavailable, err))
}
