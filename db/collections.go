// ABOUTME: Contact list (collection) storage
// ABOUTME: Lists hold member contact ids; appends are unions, never replacements
package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harperreed/broadcast/kv"
	"github.com/harperreed/broadcast/models"
)

// CollectionStore provides CRUD operations for contact lists.
type CollectionStore struct {
	store kv.Store
	now   func() time.Time
}

func NewCollectionStore(s kv.Store) *CollectionStore {
	return &CollectionStore{store: s, now: time.Now}
}

// Create stores a new list.
func (c *CollectionStore) Create(ctx context.Context, col *models.Collection) error {
	if col == nil {
		return fmt.Errorf("%w: list is required", ErrInvalidRecord)
	}
	if err := ValidateOrgID(col.OrgID); err != nil {
		return err
	}
	if strings.TrimSpace(col.Name) == "" {
		return fmt.Errorf("%w: list name is required", ErrInvalidRecord)
	}
	if col.ID == "" {
		col.ID = NewID()
	}
	now := c.now().UTC()
	col.CreatedAt = now
	col.UpdatedAt = now
	if col.ContactIDs == nil {
		col.ContactIDs = []string{}
	}
	return c.Put(ctx, col)
}

// Put writes the list as is.
func (c *CollectionStore) Put(ctx context.Context, col *models.Collection) error {
	if err := ValidateOrgID(col.OrgID); err != nil {
		return err
	}
	return putJSON(ctx, c.store, kv.RecordKey(col.OrgID, kindList, col.ID), col)
}

// Get retrieves a list by id.
func (c *CollectionStore) Get(ctx context.Context, orgID, id string) (*models.Collection, error) {
	if err := ValidateOrgID(orgID); err != nil {
		return nil, err
	}
	var col models.Collection
	if err := getJSON(ctx, c.store, kv.RecordKey(orgID, kindList, id), &col); err != nil {
		return nil, notFound(err, ErrListNotFound)
	}
	return &col, nil
}

// AppendContacts adds ids not yet present and writes the list once.
// It returns the written list and the number of ids added.
func (c *CollectionStore) AppendContacts(ctx context.Context, orgID, listID string, ids []string) (*models.Collection, int, error) {
	col, err := c.Get(ctx, orgID, listID)
	if err != nil {
		return nil, 0, err
	}

	present := make(map[string]bool, len(col.ContactIDs))
	for _, id := range col.ContactIDs {
		present[id] = true
	}

	added := 0
	for _, id := range ids {
		if id == "" || present[id] {
			continue
		}
		present[id] = true
		col.ContactIDs = append(col.ContactIDs, id)
		added++
	}

	col.UpdatedAt = c.now().UTC()
	if err := c.Put(ctx, col); err != nil {
		return nil, 0, fmt.Errorf("failed to write list: %w", err)
	}
	return col, added, nil
}

// List returns every list of a tenant.
func (c *CollectionStore) List(ctx context.Context, orgID string) ([]*models.Collection, error) {
	if err := ValidateOrgID(orgID); err != nil {
		return nil, err
	}
	var cols []*models.Collection
	err := kv.ScanPrefix(ctx, c.store, kv.RecordPrefix(orgID, kindList), ScanPageSize, func(keys []string) error {
		for _, key := range keys {
			var col models.Collection
			if err := getJSON(ctx, c.store, key, &col); err != nil {
				if errors.Is(err, kv.ErrNotFound) {
					continue
				}
				return err
			}
			cols = append(cols, &col)
		}
		return nil
	})
	return cols, err
}
