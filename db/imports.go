// ABOUTME: Import job status persistence
// ABOUTME: Status rows expire after a TTL so abandoned jobs clean themselves up
package db

import (
	"context"
	"time"

	"github.com/harperreed/broadcast/kv"
	"github.com/harperreed/broadcast/models"
)

// DefaultStatusTTL bounds how long a polled import status survives.
const DefaultStatusTTL = 2 * time.Hour

// ImportStatusStore reads and writes ImportJobStatus rows.
type ImportStatusStore struct {
	store kv.Store
	ttl   time.Duration
}

func NewImportStatusStore(s kv.Store, ttl time.Duration) *ImportStatusStore {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &ImportStatusStore{store: s, ttl: ttl}
}

// Save overwrites the status and refreshes its TTL.
func (i *ImportStatusStore) Save(ctx context.Context, st *models.ImportJobStatus) error {
	if err := ValidateOrgID(st.OrgID); err != nil {
		return err
	}
	return putJSON(ctx, i.store, kv.RecordKey(st.OrgID, kindUpload, st.UploadID), st, kv.WithTTL(i.ttl))
}

// Get returns ErrImportNotFound for unknown or expired uploads.
func (i *ImportStatusStore) Get(ctx context.Context, orgID, uploadID string) (*models.ImportJobStatus, error) {
	if err := ValidateOrgID(orgID); err != nil {
		return nil, err
	}
	var st models.ImportJobStatus
	if err := getJSON(ctx, i.store, kv.RecordKey(orgID, kindUpload, uploadID), &st); err != nil {
		return nil, notFound(err, ErrImportNotFound)
	}
	return &st, nil
}
