package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"securebase/internal/notification/models"
	id "securebase/pkg/domain"
	"securebase/pkg/platform/sentinel"
)

const inboxRetention = 90 * 24 * time.Hour

// InApp writes notifications into a per-recipient Redis inbox: a hash of
// messages keyed by notification id plus a sorted index by time. Writing the
// same notification twice leaves one entry.
type InApp struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewInApp(client redis.UniversalClient) *InApp {
	return &InApp{client: client, now: time.Now}
}

type inboxItem struct {
	ID      string    `json:"id"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	SentAt  time.Time `json:"sent_at"`
}

func inboxKeys(tenantID id.TenantID, recipient string) (messages, index string) {
	base := "inbox:" + tenantID.String() + ":" + recipient
	return base + ":messages", base + ":index"
}

func (c *InApp) Send(ctx context.Context, msg models.Message) error {
	sentAt := c.now().UTC()
	payload, err := json.Marshal(inboxItem{ID: msg.ID.String(), Subject: msg.Subject, Body: msg.Body, SentAt: sentAt})
	if err != nil {
		return fmt.Errorf("encode inbox item: %w", err)
	}
	messages, index := inboxKeys(msg.TenantID, msg.Recipient)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, messages, msg.ID.String(), payload)
		pipe.ZAddNX(ctx, index, redis.Z{Score: float64(sentAt.UnixMilli()), Member: msg.ID.String()})
		pipe.Expire(ctx, messages, inboxRetention)
		pipe.Expire(ctx, index, inboxRetention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write inbox: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

// Inbox returns the recipient's messages, newest first.
func (c *InApp) Inbox(ctx context.Context, tenantID id.TenantID, recipient string, limit int64) ([]models.Message, error) {
	messages, index := inboxKeys(tenantID, recipient)
	ids, err := c.client.ZRevRange(ctx, index, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read inbox index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := c.client.HMGet(ctx, messages, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	out := make([]models.Message, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var item inboxItem
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			return nil, fmt.Errorf("decode inbox item: %w", err)
		}
		notificationID, err := id.ParseNotificationID(item.ID)
		if err != nil {
			return nil, fmt.Errorf("decode inbox item id: %w", err)
		}
		out = append(out, models.Message{ID: notificationID, TenantID: tenantID, Recipient: recipient, Subject: item.Subject, Body: item.Body})
	}
	return out, nil
}
