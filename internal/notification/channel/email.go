// Package channel delivers rendered notifications. Senders return errors
// wrapping sentinel.ErrUnavailable when a retry may succeed.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"securebase/internal/notification/models"
	"securebase/pkg/platform/sentinel"
)

// SESAPI is the subset of the SES v2 client the email channel calls.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

var transientSESCodes = map[string]struct{}{
	"TooManyRequestsException": {},
	"LimitExceededException":   {},
	"InternalFailure":          {},
	"ServiceUnavailable":       {},
	"ThrottlingException":      {},
}

type Email struct {
	client SESAPI
	from   string
}

func NewEmail(client SESAPI, from string) *Email {
	return &Email{client: client, from: from}
}

func (e *Email) Send(ctx context.Context, msg models.Message) error {
	_, err := e.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(e.from),
		Destination:      &types.Destination{ToAddresses: []string{msg.Recipient}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("notification_id"), Value: aws.String(msg.ID.String())},
		},
	})
	if err != nil {
		return classifySES(err)
	}
	return nil
}

func classifySES(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, transient := transientSESCodes[apiErr.ErrorCode()]; transient || apiErr.ErrorFault() == smithy.FaultServer {
			return fmt.Errorf("ses %s: %w", apiErr.ErrorCode(), sentinel.ErrUnavailable)
		}
		return fmt.Errorf("ses rejected message: %s", apiErr.ErrorCode())
	}
	return fmt.Errorf("ses transport: %w", errors.Join(sentinel.ErrUnavailable, err))
}
