// ABOUTME: Per-tenant registry of custom field names seen on imported records
// ABOUTME: Registration is idempotent; existing keys are left untouched
package db

import (
	"context"
	"errors"

	"github.com/harperreed/broadcast/kv"
	"github.com/harperreed/broadcast/models"
)

type CustomFieldStore struct {
	store kv.Store
}

func NewCustomFieldStore(s kv.Store) *CustomFieldStore {
	return &CustomFieldStore{store: s}
}

// List returns the registered fields in registration order.
func (c *CustomFieldStore) List(ctx context.Context, orgID string) ([]models.CustomField, error) {
	if err := ValidateOrgID(orgID); err != nil {
		return nil, err
	}
	var fields []models.CustomField
	err := getJSON(ctx, c.store, kv.CustomFieldsKey(orgID), &fields)
	if errors.Is(err, kv.ErrNotFound) {
		return []models.CustomField{}, nil
	}
	return fields, err
}

// Register appends fields whose key is not yet known and reports how many were
// added. Nothing is written when every key is already present.
func (c *CustomFieldStore) Register(ctx context.Context, orgID string, fields []models.CustomField) (int, error) {
	existing, err := c.List(ctx, orgID)
	if err != nil {
		return 0, err
	}

	known := make(map[string]bool, len(existing))
	for _, f := range existing {
		known[f.Key] = true
	}

	added := 0
	for _, f := range fields {
		if f.Key == "" || known[f.Key] {
			continue
		}
		if f.DisplayName == "" {
			f.DisplayName = f.Key
		}
		known[f.Key] = true
		existing = append(existing, f)
		added++
	}

	if added == 0 {
		return 0, nil
	}
	return added, putJSON(ctx, c.store, kv.CustomFieldsKey(orgID), existing)
}
