// ABOUTME: Key-value primitive used as the only persistent store
// ABOUTME: Point get/put/delete plus prefix listing with opaque continuation cursors
package kv

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("key not found")
	ErrInvalidCursor = errors.New("invalid list cursor")
	ErrEmptyKey      = errors.New("empty key")
)

// DefaultListLimit caps a single List call when the caller passes no limit.
const DefaultListLimit = 1000

// Store is a flat key-value store. Each call is atomic for its single key only:
// there are no multi-key transactions and no compare-and-swap.
type Store interface {
	// Get returns ErrNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) error
	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, opts ListOptions) (ListResult, error)
	Close() error
}

// ListOptions selects keys sharing Prefix, starting after Cursor.
type ListOptions struct {
	Prefix string
	Limit  int
	Cursor string
}

// ListResult holds one page of keys in lexical order.
type ListResult struct {
	Keys     []string
	Cursor   string
	Complete bool
}

type PutOptions struct {
	TTL time.Duration
}

type PutOption func(*PutOptions)

// WithTTL expires the key after d.
func WithTTL(d time.Duration) PutOption {
	return func(o *PutOptions) {
		o.TTL = d
	}
}

// ApplyPutOptions folds opts into a PutOptions value.
func ApplyPutOptions(opts []PutOption) PutOptions {
	var o PutOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	return o.Limit
}

// EncodeCursor turns the last returned key into an opaque cursor.
func EncodeCursor(lastKey string) string {
	if lastKey == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(lastKey))
}

// DecodeCursor reverses EncodeCursor. An empty cursor decodes to an empty key.
func DecodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return string(b), nil
}

// ScanPrefix walks every key under prefix, following cursors until the listing
// is complete. fn is called once per page of keys.
func ScanPrefix(ctx context.Context, s Store, prefix string, pageLimit int, fn func(keys []string) error) error {
	cursor := ""
	for {
		res, err := s.List(ctx, ListOptions{Prefix: prefix, Limit: pageLimit, Cursor: cursor})
		if err != nil {
			return fmt.Errorf("failed to list %q: %w", prefix, err)
		}
		if len(res.Keys) > 0 {
			if err := fn(res.Keys); err != nil {
				return err
			}
		}
		if res.Complete || res.Cursor == "" {
			return nil
		}
		cursor = res.Cursor
	}
}
