package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"securebase/internal/platform/config"
)

// awsClients are the clients built from the platform's own credentials.
// Tenant account access goes through the broker instead.
type awsClients struct {
	sts    *sts.Client
	ses    *sesv2.Client
	sqs    *sqs.Client
	dynamo *dynamodb.Client
}

func newAWSClients(ctx context.Context, cfg config.AWSConfig) (*awsClients, error) {
	base, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	var endpoint *string
	if cfg.Endpoint != "" {
		endpoint = aws.String(cfg.Endpoint)
	}
	return &awsClients{
		sts: sts.NewFromConfig(base, func(o *sts.Options) {
			o.BaseEndpoint = endpoint
		}),
		ses: sesv2.NewFromConfig(base, func(o *sesv2.Options) {
			o.BaseEndpoint = endpoint
		}),
		sqs: sqs.NewFromConfig(base, func(o *sqs.Options) {
			o.BaseEndpoint = endpoint
		}),
		dynamo: dynamodb.NewFromConfig(base, func(o *dynamodb.Options) {
			o.BaseEndpoint = endpoint
		}),
	}, nil
}
