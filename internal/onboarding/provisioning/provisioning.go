// Package provisioning publishes the downstream provisioning message that
// closes onboarding. Every backend keys the message by its derived id so a
// repeated publish can be collapsed downstream.
package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"securebase/internal/platform/kafka/producer"
	tenantmodels "securebase/internal/tenant/models"
	id "securebase/pkg/domain"
	"securebase/pkg/platform/sentinel"
)

// Message asks the provisioning service to prepare a tenant's account.
type Message struct {
	ID         id.MessageID            `json:"message_id"`
	TenantID   id.TenantID             `json:"tenant_id"`
	Tier       tenantmodels.Tier       `json:"tier"`
	Framework  string                  `json:"framework"`
	Delegation tenantmodels.Delegation `json:"delegation"`
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Kafka publishes onto a topic keyed by message id. Consumers deduplicate
// on the key.
type Kafka struct {
	producer producer.Publisher
	topic    string
}

func NewKafka(p producer.Publisher, topic string) *Kafka {
	return &Kafka{producer: p, topic: topic}
}

func (k *Kafka) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode provisioning message: %w", err)
	}
	err = k.producer.Produce(ctx, &producer.Message{
		Topic: k.topic,
		Key:   []byte(msg.ID.String()),
		Value: body,
		Headers: map[string]string{
			"message_type": "tenant.provision",
			"tenant_id":    msg.TenantID.String(),
		},
	})
	if err != nil {
		return errors.Join(sentinel.ErrUnavailable, fmt.Errorf("publish provisioning message: %w", err))
	}
	return nil
}

type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQS publishes to a FIFO queue. The queue drops a second message with the
// same deduplication id inside its five minute window.
type SQS struct {
	client   SQSAPI
	queueURL string
}

func NewSQS(client SQSAPI, queueURL string) *SQS {
	return &SQS{client: client, queueURL: queueURL}
}

func (q *SQS) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode provisioning message: %w", err)
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(q.queueURL),
		MessageBody:            aws.String(string(body)),
		MessageGroupId:         aws.String(msg.TenantID.String()),
		MessageDeduplicationId: aws.String(msg.ID.String()),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"message_type": {DataType: aws.String("String"), StringValue: aws.String("tenant.provision")},
		},
	})
	if err != nil {
		return errors.Join(sentinel.ErrUnavailable, fmt.Errorf("send provisioning message: %w", err))
	}
	return nil
}

// Log writes the message to the log. Used when no queue is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Publish(ctx context.Context, msg Message) error {
	l.logger.InfoContext(ctx, "provisioning message",
		"message_id", msg.ID,
		"tenant_id", msg.TenantID,
		"tier", msg.Tier,
		"account_id", msg.Delegation.AccountID,
	)
	return nil
}
