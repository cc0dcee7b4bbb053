package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securebase/internal/tenant/models"
	"securebase/pkg/platform/sentinel"
)

type fakeSTS struct {
	input *sts.AssumeRoleInput
	out   *sts.AssumeRoleOutput
	err   error
}

func (f *fakeSTS) AssumeRole(_ context.Context, in *sts.AssumeRoleInput, _ ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	f.input = in
	return f.out, f.err
}

func TestSTSIdentity(t *testing.T) {
	expiry := time.Date(2026, 4, 1, 11, 0, 0, 0, time.UTC)
	req := AssumeRequest{RoleARN: "arn:aws:iam::1:role/r", SessionName: "securebase-evidence", Duration: 5 * time.Minute}

	t.Run("maps credentials", func(t *testing.T) {
		client := &fakeSTS{out: &sts.AssumeRoleOutput{Credentials: &types.Credentials{
			AccessKeyId:     aws.String("ASIAEXAMPLE"),
			SecretAccessKey: aws.String("secret"),
			SessionToken:    aws.String("token"),
			Expiration:      aws.Time(expiry),
		}}}
		s, err := NewSTSIdentity(client).AssumeRole(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "ASIAEXAMPLE", s.AccessKeyID)
		assert.Equal(t, expiry, s.Expiry)
		assert.Equal(t, int32(900), aws.ToInt32(client.input.DurationSeconds), "clamped to the STS minimum")
		assert.Equal(t, "securebase-evidence", aws.ToString(client.input.RoleSessionName))
	})

	t.Run("access denied", func(t *testing.T) {
		client := &fakeSTS{err: &smithy.GenericAPIError{Code: "AccessDenied", Message: "not authorized"}}
		_, err := NewSTSIdentity(client).AssumeRole(context.Background(), req)
		assert.ErrorIs(t, err, ErrDenied)
	})

	t.Run("throttling is unavailable", func(t *testing.T) {
		client := &fakeSTS{err: &smithy.GenericAPIError{Code: "Throttling"}}
		_, err := NewSTSIdentity(client).AssumeRole(context.Background(), req)
		assert.ErrorIs(t, err, sentinel.ErrUnavailable)
		assert.NotErrorIs(t, err, ErrDenied)
	})

	t.Run("transport failure is unavailable", func(t *testing.T) {
		client := &fakeSTS{err: errors.New("dial tcp: connection refused")}
		_, err := NewSTSIdentity(client).AssumeRole(context.Background(), req)
		assert.ErrorIs(t, err, sentinel.ErrUnavailable)
	})

	t.Run("deadline passes through", func(t *testing.T) {
		client := &fakeSTS{err: context.DeadlineExceeded}
		_, err := NewSTSIdentity(client).AssumeRole(context.Background(), req)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("missing credentials", func(t *testing.T) {
		client := &fakeSTS{out: &sts.AssumeRoleOutput{}}
		_, err := NewSTSIdentity(client).AssumeRole(context.Background(), req)
		assert.ErrorIs(t, err, sentinel.ErrUnavailable)
	})
}

func TestRoleARN(t *testing.T) {
	assert.Equal(t, "arn:aws:iam::123:role/Custom", RoleARN(models.Delegation{AccountID: "123", RoleName: "Custom"}, "Default"))
	assert.Equal(t, "arn:aws:iam::123:role/Default", RoleARN(models.Delegation{AccountID: "123"}, "Default"))
}
