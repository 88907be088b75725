// ABOUTME: Record Store, the source of truth for contacts and team members
// ABOUTME: One JSON blob per record at org:{org}:{kind}:{id}, full scans by prefix
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

// ScanPageSize is the number of keys requested per List call during full scans.
const ScanPageSize = 500

// RecordStore provides CRUD operations and full scans for records.
type RecordStore struct {
	store kv.Store
	now   func() time.Time
}

// NewRecordStore creates a record store over s.
func NewRecordStore(s kv.Store) *RecordStore {
	return &RecordStore{store: s, now: time.Now}
}

func validateRecord(rec *models.Record) error {
	if rec == nil {
		return ErrInvalidRecord
	}
	if err := ValidateOrgID(rec.OrgID); err != nil {
		return err
	}
	if rec.Kind != models.KindContact && rec.Kind != models.KindMember {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, rec.Kind)
	}
	if strings.Contains(rec.ID, ":") {
		return fmt.Errorf("%w: id must not contain ':'", ErrInvalidRecord)
	}
	return nil
}

// Create assigns an id and timestamps when missing and writes the record.
// Writing the same pre-assigned record twice is idempotent.
func (r *RecordStore) Create(ctx context.Context, rec *models.Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = NewID()
	}
	now := r.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	return r.Put(ctx, rec)
}

// Put writes the record as is.
func (r *RecordStore) Put(ctx context.Context, rec *models.Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if rec.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	return putJSON(ctx, r.store, kv.RecordKey(rec.OrgID, rec.Kind, rec.ID), rec)
}

// Get retrieves one record.
func (r *RecordStore) Get(ctx context.Context, orgID, kind, id string) (*models.Record, error) {
	if err := ValidateOrgID(orgID); err != nil {
		return nil, err
	}
	var rec models.Record
	if err := getJSON(ctx, r.store, kv.RecordKey(orgID, kind, id), &rec); err != nil {
		return nil, notFound(err, ErrRecordNotFound)
	}
	return &rec, nil
}

// Update overwrites an existing record and bumps UpdatedAt.
func (r *RecordStore) Update(ctx context.Context, rec *models.Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if _, err := r.Get(ctx, rec.OrgID, rec.Kind, rec.ID); err != nil {
		return err
	}
	rec.UpdatedAt = r.now().UTC()
	return r.Put(ctx, rec)
}

// Delete removes a record.
func (r *RecordStore) Delete(ctx context.Context, orgID, kind, id string) error {
	if _, err := r.Get(ctx, orgID, kind, id); err != nil {
		return err
	}
	return r.store.Delete(ctx, kv.RecordKey(orgID, kind, id))
}

// Scan loads every record of one kind for a tenant by walking the key prefix
// to exhaustion. Keys deleted between listing and loading are skipped.
func (r *RecordStore) Scan(ctx context.Context, orgID, kind string) ([]*models.Record, error) {
	if err := ValidateOrgID(orgID); err != nil {
		return nil, err
	}
	var records []*models.Record
	err := kv.ScanPrefix(ctx, r.store, kv.RecordPrefix(orgID, kind), ScanPageSize, func(keys []string) error {
		for _, key := range keys {
			var rec models.Record
			err := getJSON(ctx, r.store, key, &rec)
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
