// ABOUTME: Pagination Cache serving listing pages from the derived projections
// ABOUTME: Misses trigger a rebuild; a page still missing afterwards is a consistency error
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/harperreed/broadcast/db"
	"github.com/harperreed/broadcast/kv"
	"github.com/harperreed/broadcast/models"
	"go.uber.org/zap"
)

// ErrIndexInconsistent means a projection was still missing after a rebuild.
var ErrIndexInconsistent = errors.New("index inconsistent")

// Page size bounds for requests.
const (
	DefaultRequestPageSize = 50
	MaxRequestPageSize     = 100
)

var errPageMissing = errors.New("index page missing")

// PageRequest selects one window of a tenant's listing.
type PageRequest struct {
	OrgID    string
	Kind     string
	Page     int
	PageSize int
	Search   string
}

// PageResult is one window of the listing plus navigation counters.
type PageResult struct {
	Items       []models.PageItem `json:"items"`
	TotalItems  int               `json:"totalItems"`
	TotalPages  int               `json:"totalPages"`
	CurrentPage int               `json:"currentPage"`
	HasNext     bool              `json:"hasNext"`
	HasPrev     bool              `json:"hasPrev"`
}

// Pager reads listing pages, rebuilding through the Builder on a miss.
type Pager struct {
	proj    projections
	builder *Builder
	logger  *zap.Logger
}

func NewPager(s kv.Store, builder *Builder, logger *zap.Logger) *Pager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pager{proj: projections{store: s}, builder: builder, logger: logger}
}

func normalize(req PageRequest) PageRequest {
	if req.Kind == "" {
		req.Kind = models.KindContact
	}
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 || req.PageSize > MaxRequestPageSize {
		req.PageSize = DefaultRequestPageSize
	}
	req.Search = strings.ToLower(strings.TrimSpace(req.Search))
	return req
}

// GetPage returns the requested window.
func (p *Pager) GetPage(ctx context.Context, req PageRequest) (*PageResult, error) {
	req = normalize(req)
	if err := db.ValidateOrgID(req.OrgID); err != nil {
		return nil, err
	}
	if req.Search != "" {
		return p.searchPage(ctx, req)
	}

	meta, err := p.proj.meta(ctx, req.OrgID, req.Kind)
	if err != nil {
		return nil, fmt.Errorf("failed to read index metadata: %w", err)
	}
	if meta == nil {
		p.logger.Debug("index metadata missing, rebuilding",
			zap.String("org_id", req.OrgID), zap.String("kind", req.Kind))
		if meta, err = p.builder.Rebuild(ctx, req.OrgID, req.Kind); err != nil {
			return nil, err
		}
	}

	res, err := p.fromPages(ctx, req, meta)
	if !errors.Is(err, errPageMissing) {
		return res, err
	}

	p.logger.Warn("index page missing, rebuilding",
		zap.String("org_id", req.OrgID),
		zap.String("kind", req.Kind),
		zap.Int("page", req.Page),
		zap.Error(err))
	if meta, err = p.builder.Rebuild(ctx, req.OrgID, req.Kind); err != nil {
		return nil, err
	}
	res, err = p.fromPages(ctx, req, meta)
	if errors.Is(err, errPageMissing) {
		return nil, fmt.Errorf("%w: %v", ErrIndexInconsistent, err)
	}
	return res, err
}

// fromPages assembles the window [offset, offset+size) from the index pages
// that cover it.
func (p *Pager) fromPages(ctx context.Context, req PageRequest, meta *models.IndexMetadata) (*PageResult, error) {
	total := meta.TotalRecords
	res := newResult(req, total)

	offset := (req.Page - 1) * req.PageSize
	if offset >= total {
		return res, nil
	}
	end := min(offset+req.PageSize, total)

	indexSize := meta.PageSize
	if indexSize <= 0 {
		indexSize = DefaultPageSize
	}
	first := offset/indexSize + 1
	last := (end-1)/indexSize + 1

	for n := first; n <= last; n++ {
		page, err := p.proj.page(ctx, req.OrgID, req.Kind, n)
		if err != nil {
			return nil, fmt.Errorf("failed to read index page %d: %w", n, err)
		}
		if page == nil {
			return nil, fmt.Errorf("%w: page %d of %d", errPageMissing, n, meta.TotalPages)
		}
		base := (n - 1) * indexSize
		lo := max(offset-base, 0)
		hi := min(end-base, len(page.Items))
		if lo < hi {
			res.Items = append(res.Items, page.Items[lo:hi]...)
		}
	}
	return res, nil
}

func (p *Pager) searchPage(ctx context.Context, req PageRequest) (*PageResult, error) {
	search, err := p.builder.LoadSearch(ctx, req.OrgID, req.Kind)
	if err != nil {
		return nil, err
	}

	var hits []models.PageItem
	for _, entry := range search {
		if strings.Contains(entry.SearchText, req.Search) {
			hits = append(hits, entry.PageItem)
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if !hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
			return hits[i].CreatedAt.After(hits[j].CreatedAt)
		}
		return hits[i].ID > hits[j].ID
	})

	res := newResult(req, len(hits))
	offset := (req.Page - 1) * req.PageSize
	if offset < len(hits) {
		res.Items = append(res.Items, hits[offset:min(offset+req.PageSize, len(hits))]...)
	}
	return res, nil
}

func newResult(req PageRequest, total int) *PageResult {
	totalPages := models.TotalPagesFor(total, req.PageSize)
	return &PageResult{
		Items:       []models.PageItem{},
		TotalItems:  total,
		TotalPages:  totalPages,
		CurrentPage: req.Page,
		HasNext:     req.Page < totalPages,
		HasPrev:     req.Page > 1,
	}
}
