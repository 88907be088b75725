// ABOUTME: Tests for the index builder and pagination cache
// ABOUTME: Covers rebuild idempotence and tenant isolation
package index

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/harperreed/broadcast/db"
	"github.com/harperreed/broadcast/kv"
	"github.com/harperreed/broadcast/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store   kv.Store
	records *db.RecordStore
	builder *Builder
	pager   *Pager
}

func newFixture(t *testing.T, s kv.Store) *fixture {
	t.Helper()
	if s == nil {
		s = kv.NewTestStore(t)
	}
	records := db.NewRecordStore(s)
	builder := NewBuilder(s, records, DefaultPageSize, zap.NewNop())
	return &fixture{
		store:   s,
		records: records,
		builder: builder,
		pager:   NewPager(s, builder, zap.NewNop()),
	}
}

// seed writes n contacts; contact i is created i minutes after epoch.
func (f *fixture) seed(t *testing.T, org string, n int) []*models.Record {
	t.Helper()
	out := make([]*models.Record, 0, n)
	for i := 0; i < n; i++ {
		rec := &models.Record{
			ID:        fmt.Sprintf("c%04d", i),
			OrgID:     org,
			Kind:      models.KindContact,
			FirstName: fmt.Sprintf("First%d", i),
			LastName:  "Tester",
			Email:     fmt.Sprintf("user%d@example.com", i),
			IsActive:  true,
			CreatedAt: epoch.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, f.records.Create(context.Background(), rec))
		out = append(out, rec)
	}
	return out
}

func (f *fixture) allPages(t *testing.T, org string, size int) []models.PageItem {
	t.Helper()
	var items []models.PageItem
	for page := 1; ; page++ {
		res, err := f.pager.GetPage(context.Background(), PageRequest{OrgID: org, Kind: models.KindContact, Page: page, PageSize: size})
		require.NoError(t, err)
		items = append(items, res.Items...)
		if !res.HasNext {
			return items
		}
	}
}

func TestRebuild_73RecordsTwoPages(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "acme", 73)

	meta, err := f.builder.Rebuild(ctx, "acme", models.KindContact)
	require.NoError(t, err)
	assert.Equal(t, 73, meta.TotalRecords)
	assert.Equal(t, 2, meta.TotalPages)
	assert.Equal(t, 50, meta.PageSize)

	p1, err := f.pager.GetPage(ctx, PageRequest{OrgID: "acme", Page: 1})
	require.NoError(t, err)
	assert.Len(t, p1.Items, 50)
	assert.True(t, p1.HasNext)
	assert.False(t, p1.HasPrev)
	assert.Equal(t, "c0072", p1.Items[0].ID, "newest first")

	p2, err := f.pager.GetPage(ctx, PageRequest{OrgID: "acme", Page: 2})
	require.NoError(t, err)
	assert.Len(t, p2.Items, 23)
	assert.False(t, p2.HasNext)
	assert.True(t, p2.HasPrev)
	assert.Equal(t, "c0000", p2.Items[22].ID)

	p3, err := f.pager.GetPage(ctx, PageRequest{OrgID: "acme", Page: 3})
	require.NoError(t, err)
	assert.Empty(t, p3.Items)
	assert.Equal(t, 73, p3.TotalItems)
}

func TestRebuild_ZeroRecords(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.pager.GetPage(context.Background(), PageRequest{OrgID: "empty", Page: 1, PageSize: 20})
	require.NoError(t, err)
	assert.Equal(t, &PageResult{Items: []models.PageItem{}, CurrentPage: 1}, res)
}

func TestRebuild_IsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "acme", 120)

	snapshot := func() ([]models.IndexPage, SearchMap) {
		meta, err := f.builder.Rebuild(ctx, "acme", models.KindContact)
		require.NoError(t, err)
		var pages []models.IndexPage
		for n := 1; n <= meta.TotalPages; n++ {
			pg, err := f.builder.proj.page(ctx, "acme", models.KindContact, n)
			require.NoError(t, err)
			require.NotNil(t, pg)
			pages = append(pages, *pg)
		}
		search, err := f.builder.proj.search(ctx, "acme", models.KindContact)
		require.NoError(t, err)
		return pages, search
	}

	pages1, search1 := snapshot()
	pages2, search2 := snapshot()
	if diff := cmp.Diff(pages1, pages2); diff != "" {
		t.Errorf("pages differ between rebuilds (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(search1, search2); diff != "" {
		t.Errorf("search map differs between rebuilds (-first +second):\n%s", diff)
	}
}

func TestPager_CompletenessAcrossPageSizes(t *testing.T) {
	f := newFixture(t, nil)
	seeded := f.seed(t, "acme", 137)

	want := make([]string, 0, len(seeded))
	for i := len(seeded) - 1; i >= 0; i-- {
		want = append(want, seeded[i].ID)
	}

	for _, size := range []int{1, 7, 20, 50, 64, 100} {
		t.Run(fmt.Sprintf("size_%d", size), func(t *testing.T) {
			items := f.allPages(t, "acme", size)
			got := make([]string, 0, len(items))
			for _, it := range items {
				got = append(got, it.ID)
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestPager_ClampsRequest(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "acme", 60)
	ctx := context.Background()

	tests := []struct {
		name      string
		req       PageRequest
		wantPage  int
		wantItems int
	}{
		{"page zero", PageRequest{OrgID: "acme", Page: 0, PageSize: 10}, 1, 10},
		{"negative page", PageRequest{OrgID: "acme", Page: -3, PageSize: 10}, 1, 10},
		{"size zero", PageRequest{OrgID: "acme", Page: 1, PageSize: 0}, 1, 50},
		{"size too large", PageRequest{OrgID: "acme", Page: 1, PageSize: 500}, 1, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.pager.GetPage(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPage, res.CurrentPage)
			assert.Len(t, res.Items, tt.wantItems)
		})
	}
}

func TestPager_SearchMatchesPagedListing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "acme", 30)
	require.NoError(t, f.records.Create(ctx, &models.Record{
		ID: "zz", OrgID: "acme", Kind: models.KindContact,
		FirstName: "Ada", LastName: "Lovelace", Company: "Analytical Engines",
		Metadata:  map[string]models.MetadataField{"city": {Value: "London"}},
		CreatedAt: epoch.Add(-time.Hour),
	}))

	res, err := f.pager.GetPage(ctx, PageRequest{OrgID: "acme", Search: "  LONDON "})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "zz", res.Items[0].ID)

	// Every search hit must also appear in the paged listing.
	res, err = f.pager.GetPage(ctx, PageRequest{OrgID: "acme", Search: "tester", PageSize: 100})
	require.NoError(t, err)
	assert.Equal(t, 30, res.TotalItems)
	listed := map[string]models.PageItem{}
	for _, it := range f.allPages(t, "acme", 50) {
		listed[it.ID] = it
	}
	for _, hit := range res.Items {
		item, ok := listed[hit.ID]
		require.True(t, ok, "search hit %s missing from listing", hit.ID)
		assert.Empty(t, cmp.Diff(item, hit))
	}
	assert.Equal(t, "c0029", res.Items[0].ID, "search results are newest first")
}

func TestRebuild_InterruptedScanWritesNothing(t *testing.T) {
	faulty := kv.NewFaultyStore(kv.NewTestStore(t))
	f := newFixture(t, faulty)
	ctx := context.Background()
	f.seed(t, "acme", 1100)

	before := faulty.Puts()
	faulty.FailListAfter(1)

	_, err := f.builder.Rebuild(ctx, "acme", models.KindContact)
	require.ErrorIs(t, err, kv.ErrInjected)
	assert.Equal(t, before, faulty.Puts())

	_, err = f.store.Get(ctx, kv.IndexMetaKey("acme", models.KindContact))
	assert.ErrorIs(t, err, kv.ErrNotFound)
	_, err = f.store.Get(ctx, kv.IndexPageKey("acme", models.KindContact, 1))
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestRebuild_ShrinkDeletesStalePages(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	seeded := f.seed(t, "acme", 160)

	meta, err := f.builder.Rebuild(ctx, "acme", models.KindContact)
	require.NoError(t, err)
	require.Equal(t, 4, meta.TotalPages)

	for _, rec := range seeded[:120] {
		require.NoError(t, f.records.Delete(ctx, "acme", models.KindContact, rec.ID))
	}
	meta, err = f.builder.Rebuild(ctx, "acme", models.KindContact)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.TotalPages)

	for n := 2; n <= 5; n++ {
		_, err := f.store.Get(ctx, kv.IndexPageKey("acme", models.KindContact, n))
		assert.ErrorIs(t, err, kv.ErrNotFound, "page %d should be gone", n)
	}
}

func TestPager_MissingPageTriggersRebuild(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "acme", 80)
	_, err := f.builder.Rebuild(ctx, "acme", models.KindContact)
	require.NoError(t, err)

	require.NoError(t, f.store.Delete(ctx, kv.IndexPageKey("acme", models.KindContact, 2)))

	res, err := f.pager.GetPage(ctx, PageRequest{OrgID: "acme", Page: 2})
	require.NoError(t, err)
	assert.Len(t, res.Items, 30)
}

// pageDroppingStore silently discards writes of index pages.
type pageDroppingStore struct {
	kv.Store
	prefix string
}

func (s pageDroppingStore) Put(ctx context.Context, key string, value []byte, opts ...kv.PutOption) error {
	if strings.HasPrefix(key, s.prefix) {
		return nil
	}
	return s.Store.Put(ctx, key, value, opts...)
}

func TestPager_SecondMissIsInconsistent(t *testing.T) {
	inner := kv.NewTestStore(t)
	f := newFixture(t, pageDroppingStore{Store: inner, prefix: "org:acme:contacts_index:"})
	f.seed(t, "acme", 10)

	_, err := f.pager.GetPage(context.Background(), PageRequest{OrgID: "acme", Page: 1})
	assert.ErrorIs(t, err, ErrIndexInconsistent)
}

func TestPager_RebuildFailureSurfaces(t *testing.T) {
	faulty := kv.NewFaultyStore(kv.NewTestStore(t))
	f := newFixture(t, faulty)
	ctx := context.Background()
	f.seed(t, "acme", 10)

	require.NoError(t, f.builder.proj.put(ctx, kv.IndexMetaKey("acme", models.KindContact),
		models.IndexMetadata{TotalRecords: 10, TotalPages: 1, PageSize: 50}))
	faulty.FailPuts(kv.IndexPageKey("acme", models.KindContact, 1), 1)

	_, err := f.pager.GetPage(ctx, PageRequest{OrgID: "acme", Page: 1})
	assert.ErrorIs(t, err, kv.ErrInjected)
}

func TestPager_StaleMetadataRebuildsToEmpty(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	meta := &models.IndexMetadata{TotalRecords: 5, TotalPages: 1, PageSize: 50}
	_, err := f.pager.fromPages(ctx, normalize(PageRequest{OrgID: "acme", Page: 1}), meta)
	assert.ErrorIs(t, err, errPageMissing)

	// With a stale metadata row and no records, the rebuild produces zero pages
	// and the request is served empty rather than inconsistent.
	require.NoError(t, f.builder.proj.put(ctx, kv.IndexMetaKey("acme", models.KindContact), meta))
	res, err := f.pager.GetPage(ctx, PageRequest{OrgID: "acme", Page: 1})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Equal(t, 0, res.TotalItems)
}

func TestBuilder_InvalidateThenRead(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "acme", 55)
	_, err := f.builder.Rebuild(ctx, "acme", models.KindContact)
	require.NoError(t, err)

	require.NoError(t, f.builder.Invalidate(ctx, "acme", models.KindContact))
	for _, key := range []string{
		kv.IndexMetaKey("acme", models.KindContact),
		kv.SearchKey("acme", models.KindContact),
		kv.IndexPageKey("acme", models.KindContact, 1),
		kv.IndexPageKey("acme", models.KindContact, 2),
	} {
		_, err := f.store.Get(ctx, key)
		assert.ErrorIs(t, err, kv.ErrNotFound, key)
	}

	res, err := f.pager.GetPage(ctx, PageRequest{OrgID: "acme", Page: 2})
	require.NoError(t, err)
	assert.Len(t, res.Items, 5)
}

func TestBuilder_ConcurrentRebuildsReflectEveryWrite(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := &models.Record{
				ID: fmt.Sprintf("r%02d", i), OrgID: "acme", Kind: models.KindContact,
				FirstName: "N", LastName: "M", Email: fmt.Sprintf("%d@x.io", i),
				CreatedAt: epoch.Add(time.Duration(i) * time.Second),
			}
			assert.NoError(t, f.records.Create(ctx, rec))
			meta, err := f.builder.Rebuild(ctx, "acme", models.KindContact)
			assert.NoError(t, err)
			// The rebuild this caller waited for started after its write.
			assert.GreaterOrEqual(t, meta.TotalRecords, 1)
			search, err := f.builder.LoadSearch(ctx, "acme", models.KindContact)
			assert.NoError(t, err)
			assert.Contains(t, search, rec.ID)
		}(i)
	}
	wg.Wait()

	res, err := f.pager.GetPage(ctx, PageRequest{OrgID: "acme", Page: 1})
	require.NoError(t, err)
	assert.Equal(t, 20, res.TotalItems)
}

func TestBuilder_TenantsAndKindsAreIsolated(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "a", 3)
	f.seed(t, "b", 7)
	require.NoError(t, f.records.Create(ctx, &models.Record{OrgID: "a", Kind: models.KindMember, FirstName: "M", LastName: "X"}))

	res, err := f.pager.GetPage(ctx, PageRequest{OrgID: "a", Kind: models.KindContact})
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalItems)

	res, err = f.pager.GetPage(ctx, PageRequest{OrgID: "a", Kind: models.KindMember})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalItems)
	assert.Equal(t, models.KindMember, res.Items[0].Kind)
}

func TestPager_ColonOrgCannotReachAnotherTenant(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "acme", 1)

	err := f.records.Create(ctx, &models.Record{
		OrgID: "acme:contact:x", Kind: models.KindContact, IsActive: true,
		FirstName: "Evil", LastName: "Row", Email: "evil@x.co",
	})
	assert.ErrorIs(t, err, kv.ErrInvalidOrgID)

	res, err := f.pager.GetPage(ctx, PageRequest{OrgID: "acme"})
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalItems)
	assert.Equal(t, "user0@example.com", res.Items[0].Email)

	res, err = f.pager.GetPage(ctx, PageRequest{OrgID: "acme", Search: "evil"})
	require.NoError(t, err)
	assert.Empty(t, res.Items)

	_, err = f.pager.GetPage(ctx, PageRequest{OrgID: "acme:contact"})
	assert.ErrorIs(t, err, db.ErrInvalidRecord)
	_, err = f.builder.Rebuild(ctx, "", models.KindContact)
	assert.ErrorIs(t, err, kv.ErrInvalidOrgID)
}
