// ABOUTME: Dedup Resolver that finds existing contacts for imported email/phone pairs
// ABOUTME: Matches against the search projection, then loads the full records
package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harperreed/broadcast/batch"
	"github.com/harperreed/broadcast/db"
	"github.com/harperreed/broadcast/index"
	"github.com/harperreed/broadcast/models"
	"go.uber.org/zap"
)

// Dedup defaults.
const (
	DefaultDedupBatchSize = 100
	DefaultDedupDelay     = 50 * time.Millisecond
)

// Pair is the identity of an incoming row.
type Pair struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Match links a pair to the existing record it identifies.
type Match struct {
	Pair   Pair
	Record *models.Record
}

// DedupConfig controls how pairs are batched during resolution.
type DedupConfig struct {
	BatchSize int           `json:"batch_size"`
	Delay     time.Duration `json:"delay"`
}

// Resolver finds existing contacts by email or phone.
type Resolver struct {
	builder *index.Builder
	records *db.RecordStore
	runner  *batch.Runner
	logger  *zap.Logger
}

func NewResolver(builder *index.Builder, records *db.RecordStore, cfg DedupConfig, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultDedupBatchSize
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	return &Resolver{
		builder: builder,
		records: records,
		runner:  batch.New(batch.Config{Size: cfg.BatchSize, Delay: cfg.Delay}, logger),
		logger:  logger,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizePhone(phone string) string {
	return strings.TrimSpace(phone)
}

// contactIndex looks up search entries by normalized email and phone.
type contactIndex struct {
	byEmail map[string]models.SearchEntry
	byPhone map[string]models.SearchEntry
}

func newContactIndex(search index.SearchMap) *contactIndex {
	ci := &contactIndex{
		byEmail: make(map[string]models.SearchEntry, len(search)),
		byPhone: make(map[string]models.SearchEntry, len(search)),
	}
	// The earliest record wins when two share an identity.
	keep := func(m map[string]models.SearchEntry, key string, e models.SearchEntry) {
		if key == "" {
			return
		}
		cur, ok := m[key]
		if !ok || e.CreatedAt.Before(cur.CreatedAt) || (e.CreatedAt.Equal(cur.CreatedAt) && e.ID < cur.ID) {
			m[key] = e
		}
	}
	for _, e := range search {
		keep(ci.byEmail, normalizeEmail(e.Email), e)
		keep(ci.byPhone, normalizePhone(e.Phone), e)
	}
	return ci
}

func (ci *contactIndex) find(p Pair) (string, bool) {
	if e, ok := ci.byEmail[normalizeEmail(p.Email)]; ok && normalizeEmail(p.Email) != "" {
		return e.ID, true
	}
	if e, ok := ci.byPhone[normalizePhone(p.Phone)]; ok && normalizePhone(p.Phone) != "" {
		return e.ID, true
	}
	return "", false
}

// FindMatches resolves pairs against the tenant's contacts. The search map is
// loaded once per call; unmatched pairs are omitted from the result, as are
// matches whose record disappeared since the last rebuild.
func (r *Resolver) FindMatches(ctx context.Context, orgID string, pairs []Pair) ([]Match, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	search, err := r.builder.LoadSearch(ctx, orgID, models.KindContact)
	if err != nil {
		return nil, fmt.Errorf("failed to load search map: %w", err)
	}
	ci := newContactIndex(search)

	var matches []Match
	loaded := make(map[string]*models.Record)
	failures, err := batch.Each(ctx, r.runner, pairs, func(ctx context.Context, chunk []Pair) error {
		var found []Match
		for _, p := range chunk {
			id, ok := ci.find(p)
			if !ok {
				continue
			}
			rec, seen := loaded[id]
			if !seen {
				var err error
				rec, err = r.records.Get(ctx, orgID, models.KindContact, id)
				if errors.Is(err, db.ErrRecordNotFound) {
					loaded[id] = nil
					continue
				}
				if err != nil {
					return err
				}
				loaded[id] = rec
			}
			if rec != nil {
				found = append(found, Match{Pair: p, Record: rec})
			}
		}
		matches = append(matches, found...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(failures) > 0 {
		return nil, fmt.Errorf("failed to resolve duplicates: %w", failures[0].Err)
	}

	r.logger.Debug("dedup resolved",
		zap.String("org_id", orgID),
		zap.Int("pairs", len(pairs)),
		zap.Int("matches", len(matches)))
	return matches, nil
}
