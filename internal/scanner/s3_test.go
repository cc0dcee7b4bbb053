package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securebase/pkg/platform/sentinel"
)

type fakeS3 struct {
	buckets    []string
	listErr    error
	encryption map[string]*types.ServerSideEncryptionConfiguration
	encErr     map[string]error
}

func (f *fakeS3) ListBuckets(context.Context, *s3.ListBucketsInput, ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := &s3.ListBucketsOutput{}
	for _, name := range f.buckets {
		out.Buckets = append(out.Buckets, types.Bucket{Name: aws.String(name)})
	}
	return out, nil
}

func (f *fakeS3) GetBucketEncryption(_ context.Context, in *s3.GetBucketEncryptionInput, _ ...func(*s3.Options)) (*s3.GetBucketEncryptionOutput, error) {
	name := aws.ToString(in.Bucket)
	if err := f.encErr[name]; err != nil {
		return nil, err
	}
	return &s3.GetBucketEncryptionOutput{ServerSideEncryptionConfiguration: f.encryption[name]}, nil
}

func apiError(code string, fault smithy.ErrorFault) error {
	return &smithy.GenericAPIError{Code: code, Message: "provider says no", Fault: fault}
}

func TestS3ListResources(t *testing.T) {
	r := NewS3Resources(&fakeS3{buckets: []string{"logs", "backups"}})
	names, err := r.ListResources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"logs", "backups"}, names)
}

func TestS3Configuration(t *testing.T) {
	fake := &fakeS3{
		encryption: map[string]*types.ServerSideEncryptionConfiguration{
			"encrypted": {Rules: []types.ServerSideEncryptionRule{{
				ApplyServerSideEncryptionByDefault: &types.ServerSideEncryptionByDefault{
					SSEAlgorithm: types.ServerSideEncryptionAwsKms,
				},
			}}},
		},
		encErr: map[string]error{
			"plain":     apiError("ServerSideEncryptionConfigurationNotFoundError", smithy.FaultClient),
			"locked":    apiError("AccessDenied", smithy.FaultClient),
			"throttled": apiError("SlowDown", smithy.FaultServer),
			"broken":    apiError("InternalError", smithy.FaultServer),
			"bad":       apiError("InvalidBucketName", smithy.FaultClient),
			"network":   errors.New("dial tcp: connection refused"),
		},
	}
	r := NewS3Resources(fake)
	ctx := context.Background()

	t.Run("present configuration is serialized", func(t *testing.T) {
		raw, err := r.Configuration(ctx, "encrypted", ControlEncryptionAtRest)
		require.NoError(t, err)
		var decoded types.ServerSideEncryptionConfiguration
		require.NoError(t, json.Unmarshal(raw, &decoded))
		require.Len(t, decoded.Rules, 1)
		assert.Equal(t, types.ServerSideEncryptionAwsKms, decoded.Rules[0].ApplyServerSideEncryptionByDefault.SSEAlgorithm)
	})

	t.Run("missing configuration", func(t *testing.T) {
		_, err := r.Configuration(ctx, "plain", ControlEncryptionAtRest)
		assert.ErrorIs(t, err, ErrNoConfiguration)
	})

	t.Run("empty rule set counts as missing", func(t *testing.T) {
		_, err := r.Configuration(ctx, "unknown", ControlEncryptionAtRest)
		assert.ErrorIs(t, err, ErrNoConfiguration)
	})

	t.Run("access denied", func(t *testing.T) {
		_, err := r.Configuration(ctx, "locked", ControlEncryptionAtRest)
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("server faults and throttling are retryable", func(t *testing.T) {
		for _, bucket := range []string{"throttled", "broken", "network"} {
			_, err := r.Configuration(ctx, bucket, ControlEncryptionAtRest)
			assert.ErrorIs(t, err, sentinel.ErrUnavailable, bucket)
		}
	})

	t.Run("client faults are not retryable", func(t *testing.T) {
		_, err := r.Configuration(ctx, "bad", ControlEncryptionAtRest)
		require.Error(t, err)
		assert.NotErrorIs(t, err, sentinel.ErrUnavailable)
	})

	t.Run("unsupported control", func(t *testing.T) {
		_, err := r.Configuration(ctx, "encrypted", "versioning")
		require.Error(t, err)
	})
}
