// ABOUTME: Charm KV backend for the key-value primitive with automatic sync support
// ABOUTME: Wraps values with an expiry header so TTL works on a store that has none

package charm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/charm/client"
	charmkv "github.com/charmbracelet/charm/kv"
	"github.com/dgraph-io/badger/v3"
	"github.com/harperreed/broadcast/kv"
)

// headerSize is the expiry prefix stored in front of every value.
const headerSize = 8

// backend is the subset of charm/kv.KV the client relies on.
type backend interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Keys() ([][]byte, error)
	Sync() error
	Reset() error
}

// Client implements kv.Store over charm KV.
type Client struct {
	kv     backend
	config *Config
	mu     sync.RWMutex
	now    func() time.Time
}

var _ kv.Store = (*Client)(nil)

// NewClient opens the charm KV database for this device.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// Set charm host before opening KV
	_ = os.Setenv("CHARM_HOST", cfg.Host)

	db, err := charmkv.OpenWithDefaults(AppName)
	if err != nil {
		return nil, fmt.Errorf("failed to open charm kv: %w", err)
	}

	c := newClient(db, cfg)

	// Sync on startup to pull remote changes
	if cfg.AutoSync {
		_ = db.Sync()
	}

	return c, nil
}

func newClient(b backend, cfg *Config) *Client {
	return &Client{
		kv:     b,
		config: cfg,
		now:    time.Now,
	}
}

// Close is a no-op: charm/kv doesn't expose Close() and the underlying
// BadgerDB is cleaned up on process exit.
func (c *Client) Close() error {
	return nil
}

// Config returns the client's config.
func (c *Client) Config() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// ID returns the charm user ID for this device.
func (c *Client) ID() (string, error) {
	cc, err := client.NewClientWithDefaults()
	if err != nil {
		return "", fmt.Errorf("failed to create charm client: %w", err)
	}
	return cc.ID()
}

// Sync performs a manual sync with the charm server.
func (c *Client) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kv.Sync()
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	raw, err := c.kv.Get([]byte(key))
	c.mu.RUnlock()
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	value, expired, err := c.unwrap(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	if expired {
		_ = c.Delete(ctx, key)
		return nil, kv.ErrNotFound
	}
	return value, nil
}

// Put stores a value and syncs if enabled.
func (c *Client) Put(ctx context.Context, key string, value []byte, opts ...kv.PutOption) error {
	if key == "" {
		return kv.ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	o := kv.ApplyPutOptions(opts)

	var expiresAt int64
	if o.TTL > 0 {
		expiresAt = c.now().Add(o.TTL).UnixNano()
	}
	buf := make([]byte, headerSize+len(value))
	binary.BigEndian.PutUint64(buf[:headerSize], uint64(expiresAt))
	copy(buf[headerSize:], value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.kv.Set([]byte(key), buf); err != nil {
		return err
	}

	// Sync while still holding lock to avoid race condition
	if c.config.AutoSync {
		_ = c.kv.Sync()
	}
	return nil
}

// Delete removes a key and syncs if enabled.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.kv.Delete([]byte(key)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}

	if c.config.AutoSync {
		_ = c.kv.Sync()
	}
	return nil
}

// List pages through keys with the given prefix. Charm KV only exposes a full
// key listing, so filtering and paging happen here. Expired keys are still
// listed until a Get observes them.
func (c *Client) List(ctx context.Context, opts kv.ListOptions) (kv.ListResult, error) {
	if err := ctx.Err(); err != nil {
		return kv.ListResult{}, err
	}
	after, err := kv.DecodeCursor(opts.Cursor)
	if err != nil {
		return kv.ListResult{}, err
	}

	c.mu.RLock()
	allKeys, err := c.kv.Keys()
	c.mu.RUnlock()
	if err != nil {
		return kv.ListResult{}, err
	}

	var matched []string
	for _, k := range allKeys {
		key := string(k)
		if strings.HasPrefix(key, opts.Prefix) && key > after {
			matched = append(matched, key)
		}
	}
	sort.Strings(matched)

	limit := opts.Limit
	if limit <= 0 {
		limit = kv.DefaultListLimit
	}
	if len(matched) <= limit {
		return kv.ListResult{Keys: matched, Complete: true}, nil
	}
	page := matched[:limit]
	return kv.ListResult{
		Keys:   page,
		Cursor: kv.EncodeCursor(page[len(page)-1]),
	}, nil
}

// Reset wipes all data from the KV store (use with caution!)
func (c *Client) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kv.Reset()
}

// KeyCount reports the number of stored keys, expired or not.
func (c *Client) KeyCount() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys, err := c.kv.Keys()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (c *Client) unwrap(raw []byte) ([]byte, bool, error) {
	if len(raw) < headerSize {
		return nil, false, errors.New("value shorter than expiry header")
	}
	expiresAt := int64(binary.BigEndian.Uint64(raw[:headerSize]))
	if expiresAt != 0 && c.now().UnixNano() >= expiresAt {
		return nil, true, nil
	}
	return raw[headerSize:], false, nil
}
