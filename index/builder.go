// ABOUTME: Index Builder that rebuilds the paged listing, search map and metadata of a tenant
// ABOUTME: Concurrent triggers for one (org, kind) collapse into a single flight with a trailing rerun
package index

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/harperreed/broadcast/db"
	"github.com/harperreed/broadcast/kv"
	"github.com/harperreed/broadcast/models"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultPageSize is the number of items per cached index page.
const DefaultPageSize = 50

// Builder rebuilds derived projections from the Record Store.
type Builder struct {
	store    kv.Store
	proj     projections
	records  *db.RecordStore
	pageSize int
	logger   *zap.Logger
	now      func() time.Time

	flight    singleflight.Group
	requested *xsync.MapOf[string, *atomic.Int64]
}

type buildResult struct {
	meta *models.IndexMetadata
	gen  int64
}

// NewBuilder creates a builder. A pageSize <= 0 uses DefaultPageSize.
func NewBuilder(s kv.Store, records *db.RecordStore, pageSize int, logger *zap.Logger) *Builder {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		store:     s,
		proj:      projections{store: s},
		records:   records,
		pageSize:  pageSize,
		logger:    logger,
		now:       time.Now,
		requested: xsync.NewMapOf[string, *atomic.Int64](),
	}
}

// PageSize returns the capacity of one index page.
func (b *Builder) PageSize() int {
	return b.pageSize
}

func flightKey(orgID, kind string) string {
	return orgID + "\x00" + kind
}

// Rebuild regenerates every projection of (orgID, kind) and returns the new
// metadata. It only returns once a rebuild that started after this call has
// finished, so the caller's preceding writes are always reflected. Callers that
// arrive while a rebuild is running share the next one.
func (b *Builder) Rebuild(ctx context.Context, orgID, kind string) (*models.IndexMetadata, error) {
	if err := db.ValidateOrgID(orgID); err != nil {
		return nil, err
	}
	key := flightKey(orgID, kind)
	counter, _ := b.requested.LoadOrCompute(key, func() *atomic.Int64 { return new(atomic.Int64) })
	want := counter.Add(1)

	for {
		v, err, shared := b.flight.Do(key, func() (any, error) {
			gen := counter.Load()
			meta, err := b.rebuild(context.WithoutCancel(ctx), orgID, kind)
			return buildResult{meta: meta, gen: gen}, err
		})
		res, _ := v.(buildResult)
		if res.gen >= want {
			return res.meta, err
		}
		// Joined a rebuild that started before this trigger.
		b.logger.Debug("rebuild already in flight, queueing trailing run",
			zap.String("org_id", orgID),
			zap.String("kind", kind),
			zap.Bool("shared", shared))
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (b *Builder) rebuild(ctx context.Context, orgID, kind string) (*models.IndexMetadata, error) {
	start := b.now()

	records, err := b.records.Scan(ctx, orgID, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s records: %w", kind, err)
	}
	SortNewestFirst(records)

	old, err := b.proj.meta(ctx, orgID, kind)
	if err != nil {
		b.logger.Warn("failed to read previous index metadata",
			zap.String("org_id", orgID), zap.String("kind", kind), zap.Error(err))
	}
	oldPages := 0
	if old != nil {
		oldPages = old.TotalPages
	}

	if err := b.store.Delete(ctx, kv.IndexMetaKey(orgID, kind)); err != nil {
		return nil, fmt.Errorf("failed to clear index metadata: %w", err)
	}

	totalPages := models.TotalPagesFor(len(records), b.pageSize)
	for n := 1; n <= totalPages; n++ {
		lo := (n - 1) * b.pageSize
		hi := min(lo+b.pageSize, len(records))
		page := models.IndexPage{Page: n, Items: make([]models.PageItem, 0, hi-lo)}
		for _, rec := range records[lo:hi] {
			page.Items = append(page.Items, models.NewPageItem(rec))
		}
		if err := b.proj.put(ctx, kv.IndexPageKey(orgID, kind, n), page); err != nil {
			return nil, fmt.Errorf("failed to write index page %d: %w", n, err)
		}
	}

	stale, err := b.proj.clearPagesFrom(ctx, orgID, kind, totalPages+1, oldPages+1)
	if err != nil {
		return nil, fmt.Errorf("failed to delete stale pages: %w", err)
	}

	search := make(SearchMap, len(records))
	for _, rec := range records {
		search[rec.ID] = models.NewSearchEntry(rec)
	}
	if err := b.proj.put(ctx, kv.SearchKey(orgID, kind), search); err != nil {
		return nil, fmt.Errorf("failed to write search map: %w", err)
	}

	meta := &models.IndexMetadata{
		TotalRecords: len(records),
		TotalPages:   totalPages,
		PageSize:     b.pageSize,
		LastUpdated:  b.now().UTC(),
	}
	if err := b.proj.put(ctx, kv.IndexMetaKey(orgID, kind), meta); err != nil {
		return nil, fmt.Errorf("failed to write index metadata: %w", err)
	}

	b.logger.Info("index rebuilt",
		zap.String("org_id", orgID),
		zap.String("kind", kind),
		zap.Int("records", meta.TotalRecords),
		zap.Int("pages", meta.TotalPages),
		zap.Int("stale_pages", stale),
		zap.Duration("took", b.now().Sub(start)))
	return meta, nil
}

// Invalidate drops every projection of (orgID, kind). The next read rebuilds.
func (b *Builder) Invalidate(ctx context.Context, orgID, kind string) error {
	if err := db.ValidateOrgID(orgID); err != nil {
		return err
	}
	old, err := b.proj.meta(ctx, orgID, kind)
	if err != nil {
		return err
	}
	known := 0
	if old != nil {
		known = old.TotalPages
	}
	if err := b.store.Delete(ctx, kv.IndexMetaKey(orgID, kind)); err != nil {
		return fmt.Errorf("failed to clear index metadata: %w", err)
	}
	if err := b.store.Delete(ctx, kv.SearchKey(orgID, kind)); err != nil {
		return fmt.Errorf("failed to clear search map: %w", err)
	}
	if _, err := b.proj.clearPagesFrom(ctx, orgID, kind, 1, known); err != nil {
		return err
	}
	return nil
}

// LoadSearch returns the search map, rebuilding when it is absent.
func (b *Builder) LoadSearch(ctx context.Context, orgID, kind string) (SearchMap, error) {
	if err := db.ValidateOrgID(orgID); err != nil {
		return nil, err
	}
	m, err := b.proj.search(ctx, orgID, kind)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return m, nil
	}
	if _, err := b.Rebuild(ctx, orgID, kind); err != nil {
		return nil, err
	}
	m, err = b.proj.search(ctx, orgID, kind)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: search map missing after rebuild", ErrIndexInconsistent)
	}
	return m, nil
}

// SortNewestFirst orders records by CreatedAt descending, ties by id descending.
func SortNewestFirst(records []*models.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}
