package notification

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
	"google.golang.org/protobuf/proto"

	id "securebase/pkg/domain"
)

// Sealer encrypts template variables at rest with AES-256-GCM. The tenant id
// is bound as additional data so a sealed blob cannot be replayed under
// another tenant.
type Sealer struct {
	wrapper wrapping.Wrapper
}

// NewSealer configures an AEAD wrapper from a base64 encoded 32 byte key.
func NewSealer(ctx context.Context, keyBase64, keyID string) (*Sealer, error) {
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode notification key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("notification key must be 32 bytes, got %d", len(key))
	}
	w := aead.NewWrapper()
	opts := []wrapping.Option{aead.WithKey(key)}
	if keyID != "" {
		opts = append(opts, wrapping.WithKeyId(keyID))
	}
	if _, err := w.SetConfig(ctx, opts...); err != nil {
		return nil, fmt.Errorf("configure notification sealer: %w", err)
	}
	return &Sealer{wrapper: w}, nil
}

func (s *Sealer) Seal(ctx context.Context, tenantID id.TenantID, vars map[string]string) ([]byte, error) {
	plain, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("encode notification vars: %w", err)
	}
	blob, err := s.wrapper.Encrypt(ctx, plain, wrapping.WithAad([]byte(tenantID.String())))
	if err != nil {
		return nil, fmt.Errorf("seal notification vars: %w", err)
	}
	raw, err := proto.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("encode sealed vars: %w", err)
	}
	return raw, nil
}

func (s *Sealer) Open(ctx context.Context, tenantID id.TenantID, sealed []byte) (map[string]string, error) {
	if len(sealed) == 0 {
		return map[string]string{}, nil
	}
	var blob wrapping.BlobInfo
	if err := proto.Unmarshal(sealed, &blob); err != nil {
		return nil, fmt.Errorf("decode sealed vars: %w", err)
	}
	plain, err := s.wrapper.Decrypt(ctx, &blob, wrapping.WithAad([]byte(tenantID.String())))
	if err != nil {
		return nil, fmt.Errorf("open notification vars: %w", err)
	}
	vars := map[string]string{}
	if err := json.Unmarshal(plain, &vars); err != nil {
		return nil, fmt.Errorf("decode notification vars: %w", err)
	}
	return vars, nil
}
