package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"securebase/internal/broker"
	"securebase/internal/platform/config"
	"securebase/pkg/platform/sentinel"
)

// S3API is the subset of the S3 client the scanner calls.
type S3API interface {
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	GetBucketEncryption(ctx context.Context, params *s3.GetBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.GetBucketEncryptionOutput, error)
}

const errCodeNoEncryption = "ServerSideEncryptionConfigurationNotFoundError"

var forbiddenCodes = map[string]struct{}{
	"AccessDenied":          {},
	"AllAccessDisabled":     {},
	"AccessDeniedException": {},
}

// S3Resources reads bucket configuration through S3.
type S3Resources struct {
	client S3API
}

func NewS3Resources(client S3API) *S3Resources {
	return &S3Resources{client: client}
}

// S3Factory returns a ClientFactory that builds an S3 client per session.
func S3Factory(cfg config.AWSConfig) ClientFactory {
	return func(session broker.Session) ResourceAPI {
		client := s3.NewFromConfig(aws.Config{
			Region:      cfg.Region,
			Credentials: session.Credentials(),
		}, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
		})
		return NewS3Resources(client)
	}
}

func (r *S3Resources) ListResources(ctx context.Context) ([]string, error) {
	var names []string
	paginator := s3.NewListBucketsPaginator(r.client, &s3.ListBucketsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3(err)
		}
		for _, b := range page.Buckets {
			names = append(names, aws.ToString(b.Name))
		}
	}
	return names, nil
}

func (r *S3Resources) Configuration(ctx context.Context, resource, control string) ([]byte, error) {
	if control != ControlEncryptionAtRest {
		return nil, fmt.Errorf("control %q is not supported", control)
	}
	out, err := r.client.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{Bucket: aws.String(resource)})
	if err != nil {
		return nil, classifyS3(err)
	}
	if out.ServerSideEncryptionConfiguration == nil || len(out.ServerSideEncryptionConfiguration.Rules) == 0 {
		return nil, ErrNoConfiguration
	}
	raw, err := json.Marshal(out.ServerSideEncryptionConfiguration)
	if err != nil {
		return nil, fmt.Errorf("encode encryption configuration: %w", err)
	}
	return raw, nil
}

func classifyS3(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == errCodeNoEncryption {
			return ErrNoConfiguration
		}
		if _, denied := forbiddenCodes[code]; denied {
			return fmt.Errorf("%s: %w", code, ErrForbidden)
		}
		if apiErr.ErrorFault() == smithy.FaultClient && code != "SlowDown" && code != "RequestTimeout" {
			return fmt.Errorf("s3 %s: %w", code, err)
		}
		return fmt.Errorf("s3 %s: %w", code, errors.Join(sentinel.ErrUnavailable, err))
	}
	return fmt.Errorf("s3 transport: %w", errors.Join(sentinel.ErrUnavailable, err))
}
