// ABOUTME: Key naming convention shared by every repository
// ABOUTME: Source rows live at org:{org}:{kind}:{id}; derived state uses reserved suffixes
package kv

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidOrgID is returned for org ids that cannot be embedded in a key.
var ErrInvalidOrgID = errors.New("invalid org id")

// CheckOrgID rejects empty org ids and ids containing the ':' separator, which
// would let one tenant's keys fall under another tenant's scan prefix.
func CheckOrgID(orgID string) error {
	if strings.TrimSpace(orgID) == "" {
		return fmt.Errorf("%w: org id is required", ErrInvalidOrgID)
	}
	if strings.ContainsRune(orgID, ':') {
		return fmt.Errorf("%w: %q must not contain ':'", ErrInvalidOrgID, orgID)
	}
	return nil
}

// RecordPrefix is the scan prefix for every source row of one kind in one tenant.
func RecordPrefix(orgID, kind string) string {
	return fmt.Sprintf("org:%s:%s:", orgID, kind)
}

// RecordKey is the key of a single source row.
func RecordKey(orgID, kind, id string) string {
	return RecordPrefix(orgID, kind) + id
}

// IDFromKey returns the trailing id segment of a record key.
func IDFromKey(key string) string {
	if i := strings.LastIndexByte(key, ':'); i >= 0 {
		return key[i+1:]
	}
	return key
}

// IndexPageKey is a cached listing page. Page numbers start at 1.
func IndexPageKey(orgID, kind string, page int) string {
	return fmt.Sprintf("org:%s:%ss_index:page_%d", orgID, kind, page)
}

// IndexMetaKey holds the aggregate counters of the last successful rebuild.
func IndexMetaKey(orgID, kind string) string {
	return fmt.Sprintf("org:%s:%ss_meta", orgID, kind)
}

// SearchKey holds the flattened search map.
func SearchKey(orgID, kind string) string {
	return fmt.Sprintf("org:%s:%ss_search", orgID, kind)
}

// RoundRobinKey holds the rotating member pointer.
func RoundRobinKey(orgID string) string {
	return fmt.Sprintf("org:%s:members:round_robin_index", orgID)
}

// CustomFieldsKey holds the per-tenant list of observed custom fields.
func CustomFieldsKey(orgID string) string {
	return fmt.Sprintf("org:%s:custom_fields", orgID)
}
