// ABOUTME: Round-robin assignment of team members to outbound work
// ABOUTME: A rotating pointer per tenant walks the active members in creation order
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/harperreed/broadcast/db"
	"github.com/harperreed/broadcast/kv"
	"github.com/harperreed/broadcast/models"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// RoundRobin picks the next active member of a tenant.
//
// Calls for one tenant are serialized inside this process. Two processes
// sharing a store can still read the same pointer and hand out the same member
// twice; the store offers no compare-and-swap to prevent it.
type RoundRobin struct {
	store   kv.Store
	records *db.RecordStore
	locks   *xsync.MapOf[string, *sync.Mutex]
	logger  *zap.Logger
}

func NewRoundRobin(s kv.Store, records *db.RecordStore, logger *zap.Logger) *RoundRobin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoundRobin{
		store:   s,
		records: records,
		locks:   xsync.NewMapOf[string, *sync.Mutex](),
		logger:  logger,
	}
}

// ActiveMembers returns members that are active and not opted out, oldest first.
func (r *RoundRobin) ActiveMembers(ctx context.Context, orgID string) ([]*models.Record, error) {
	all, err := r.records.Scan(ctx, orgID, models.KindMember)
	if err != nil {
		return nil, fmt.Errorf("failed to load members: %w", err)
	}
	active := all[:0]
	for _, m := range all {
		if m.IsActive && !m.OptedOut {
			active = append(active, m)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].ID < active[j].ID
	})
	return active, nil
}

func (r *RoundRobin) pointer(ctx context.Context, orgID string) (int, error) {
	data, err := r.store.Get(ctx, kv.RoundRobinKey(orgID))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		r.logger.Warn("ignoring malformed round robin pointer", zap.String("org_id", orgID), zap.ByteString("value", data))
		return 0, nil
	}
	return n, nil
}

// Next returns the member at the pointer and advances it. It returns nil
// without error when the tenant has no active members.
func (r *RoundRobin) Next(ctx context.Context, orgID string) (*models.Record, error) {
	if err := db.ValidateOrgID(orgID); err != nil {
		return nil, err
	}
	mu, _ := r.locks.LoadOrCompute(orgID, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	defer mu.Unlock()

	members, err := r.ActiveMembers(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	ptr, err := r.pointer(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to read round robin pointer: %w", err)
	}
	ptr %= len(members)
	next := (ptr + 1) % len(members)
	if err := r.store.Put(ctx, kv.RoundRobinKey(orgID), []byte(strconv.Itoa(next))); err != nil {
		return nil, fmt.Errorf("failed to advance round robin pointer: %w", err)
	}
	return members[ptr], nil
}
