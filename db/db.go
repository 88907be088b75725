// ABOUTME: Shared helpers for repositories over the key-value primitive
// ABOUTME: JSON encoding of rows, id generation and the not-found error family
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harperreed/broadcast/kv"
	"github.com/oklog/ulid/v2"
)

var (
	ErrRecordNotFound   = errors.New("record not found")
	ErrListNotFound     = errors.New("list not found")
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrImportNotFound   = errors.New("import not found")
	ErrInvalidRecord    = errors.New("invalid record")
)

// Row kinds that are not records but share the org:{org}:{kind}:{id} layout.
const (
	kindList     = "list"
	kindCampaign = "campaign"
	kindUpload   = "upload"
)

// ValidateOrgID reports an org id that cannot scope keys as ErrInvalidRecord.
func ValidateOrgID(orgID string) error {
	if err := kv.CheckOrgID(orgID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	return nil
}

// NewID returns a lexically time-ordered id.
func NewID() string {
	return ulid.Make().String()
}

func getJSON(ctx context.Context, s kv.Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return nil
}

func putJSON(ctx context.Context, s kv.Store, key string, v any, opts ...kv.PutOption) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	return s.Put(ctx, key, data, opts...)
}

// notFound maps kv.ErrNotFound to the repository's own sentinel.
func notFound(err, sentinel error) error {
	if errors.Is(err, kv.ErrNotFound) {
		return sentinel
	}
	return err
}
