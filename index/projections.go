// ABOUTME: Read and write helpers for the derived projections of one tenant
// ABOUTME: Pages, the search map and the metadata row are plain JSON values in the store
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harperreed/broadcast/kv"
	"github.com/harperreed/broadcast/models"
)

// SearchMap is the flattened search projection keyed by record id.
type SearchMap map[string]models.SearchEntry

type projections struct {
	store kv.Store
}

func (p projections) get(ctx context.Context, key string, v any) (bool, error) {
	data, err := p.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return true, nil
}

func (p projections) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	return p.store.Put(ctx, key, data)
}

// meta returns nil without error when no rebuild has completed.
func (p projections) meta(ctx context.Context, orgID, kind string) (*models.IndexMetadata, error) {
	var m models.IndexMetadata
	ok, err := p.get(ctx, kv.IndexMetaKey(orgID, kind), &m)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

func (p projections) page(ctx context.Context, orgID, kind string, n int) (*models.IndexPage, error) {
	var pg models.IndexPage
	ok, err := p.get(ctx, kv.IndexPageKey(orgID, kind, n), &pg)
	if err != nil || !ok {
		return nil, err
	}
	return &pg, nil
}

func (p projections) search(ctx context.Context, orgID, kind string) (SearchMap, error) {
	var m SearchMap
	ok, err := p.get(ctx, kv.SearchKey(orgID, kind), &m)
	if err != nil || !ok {
		return nil, err
	}
	if m == nil {
		m = SearchMap{}
	}
	return m, nil
}

// clearPagesFrom deletes page keys starting at first. Pages are contiguous, so
// deletion continues past known until the first page that does not exist.
func (p projections) clearPagesFrom(ctx context.Context, orgID, kind string, first, known int) (int, error) {
	deleted := 0
	for n := first; ; n++ {
		key := kv.IndexPageKey(orgID, kind, n)
		if n > known {
			_, err := p.store.Get(ctx, key)
			if errors.Is(err, kv.ErrNotFound) {
				return deleted, nil
			}
			if err != nil {
				return deleted, err
			}
		}
		if err := p.store.Delete(ctx, key); err != nil {
			return deleted, fmt.Errorf("failed to delete page %d: %w", n, err)
		}
		deleted++
	}
}
