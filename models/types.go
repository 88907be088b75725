// ABOUTME: Data models for tenants' records, derived index projections and import jobs
// ABOUTME: Defines Record, IndexPage, SearchEntry, IndexMetadata, ImportJobStatus, Collection and Campaign
package models

import (
	"sort"
	"strings"
	"time"
)

// Record kinds. Each kind has its own key family and its own index.
const (
	KindContact = "contact"
	KindMember  = "member"
)

// MetadataField is a free-form attribute with an optional human label.
type MetadataField struct {
	Value       string `json:"value"`
	DisplayName string `json:"display_name,omitempty"`
}

// Record is a contact or team member. It is owned by exactly one tenant.
type Record struct {
	ID        string                   `json:"id"`
	OrgID     string                   `json:"org_id"`
	Kind      string                   `json:"kind"`
	FirstName string                   `json:"first_name"`
	LastName  string                   `json:"last_name"`
	Email     string                   `json:"email,omitempty"`
	Phone     string                   `json:"phone,omitempty"`
	Company   string                   `json:"company,omitempty"`
	Role      string                   `json:"role,omitempty"`
	Metadata  map[string]MetadataField `json:"metadata,omitempty"`
	ListIDs   []string                 `json:"list_ids,omitempty"`
	IsActive  bool                     `json:"is_active"`
	OptedOut  bool                     `json:"opted_out"`
	CreatedAt time.Time                `json:"created_at"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// FullName joins first and last name.
func (r *Record) FullName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// InList reports whether the record belongs to the collection.
func (r *Record) InList(listID string) bool {
	for _, id := range r.ListIDs {
		if id == listID {
			return true
		}
	}
	return false
}

// AddList appends listID to the membership if absent.
func (r *Record) AddList(listID string) bool {
	if listID == "" || r.InList(listID) {
		return false
	}
	r.ListIDs = append(r.ListIDs, listID)
	return true
}

// MergeMetadata copies incoming fields over the record's. Empty incoming
// values never erase existing ones.
func (r *Record) MergeMetadata(incoming map[string]MetadataField) {
	if len(incoming) == 0 {
		return
	}
	if r.Metadata == nil {
		r.Metadata = make(map[string]MetadataField, len(incoming))
	}
	for k, v := range incoming {
		if v.Value == "" {
			continue
		}
		if v.DisplayName == "" {
			v.DisplayName = r.Metadata[k].DisplayName
		}
		r.Metadata[k] = v
	}
}

// Reachable reports whether a message on channel can be delivered.
func (r *Record) Reachable(channel string) bool {
	if !r.IsActive || r.OptedOut {
		return false
	}
	switch channel {
	case ChannelSMS:
		return r.Phone != ""
	default:
		return r.Email != ""
	}
}

// PageItem is the lightweight projection used for list rendering.
type PageItem struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Company   string    `json:"company,omitempty"`
	Role      string    `json:"role,omitempty"`
	ListCount int       `json:"list_count"`
	IsActive  bool      `json:"is_active"`
	OptedOut  bool      `json:"opted_out"`
	CreatedAt time.Time `json:"created_at"`
}

// NewPageItem projects a record.
func NewPageItem(r *Record) PageItem {
	return PageItem{
		ID:        r.ID,
		Kind:      r.Kind,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Email:     r.Email,
		Phone:     r.Phone,
		Company:   r.Company,
		Role:      r.Role,
		ListCount: len(r.ListIDs),
		IsActive:  r.IsActive,
		OptedOut:  r.OptedOut,
		CreatedAt: r.CreatedAt,
	}
}

// IndexPage is one cached, pre-paginated slice of the listing.
type IndexPage struct {
	Page  int        `json:"page"`
	Items []PageItem `json:"items"`
}

// SearchEntry is a record flattened for substring search and dedup matching.
type SearchEntry struct {
	PageItem
	SearchText string `json:"search_text"`
}

// NewSearchEntry builds the lowercase search text from every searchable field.
func NewSearchEntry(r *Record) SearchEntry {
	parts := []string{r.FirstName, r.LastName, r.Email, r.Phone, r.Company, r.Role}
	keys := make([]string, 0, len(r.Metadata))
	for k := range r.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, r.Metadata[k].Value)
	}

	nonEmpty := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}

	return SearchEntry{
		PageItem:   NewPageItem(r),
		SearchText: strings.ToLower(strings.Join(nonEmpty, " ")),
	}
}

// IndexMetadata is the per-tenant aggregate written last by a rebuild.
type IndexMetadata struct {
	TotalRecords int       `json:"total_records"`
	TotalPages   int       `json:"total_pages"`
	PageSize     int       `json:"page_size"`
	LastUpdated  time.Time `json:"last_updated"`
}

// TotalPagesFor returns ceil(total / pageSize).
func TotalPagesFor(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

// Import job statuses.
const (
	ImportStatusProcessing = "processing"
	ImportStatusComplete   = "complete"
	ImportStatusFailed     = "failed"
)

// ImportJobStatus is the polled progress record of one bulk import.
type ImportJobStatus struct {
	UploadID    string     `json:"upload_id"`
	OrgID       string     `json:"org_id"`
	ListID      string     `json:"list_id"`
	Status      string     `json:"status"`
	Stage       string     `json:"stage"`
	Processed   int        `json:"processed"`
	Total       int        `json:"total"`
	Created     int        `json:"created"`
	Updated     int        `json:"updated"`
	Skipped     int        `json:"skipped"`
	Invalid     int        `json:"invalid"`
	Errors      []string   `json:"errors"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// AddError appends msg unless the list already holds max entries.
func (s *ImportJobStatus) AddError(msg string, max int) {
	if len(s.Errors) >= max {
		return
	}
	s.Errors = append(s.Errors, msg)
}

// Collection is a named contact list that campaigns target.
type Collection struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	Name       string    `json:"name"`
	ContactIDs []string  `json:"contact_ids"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Campaign channels.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// Campaign statuses.
const (
	CampaignDraft   = "draft"
	CampaignSending = "sending"
	CampaignSent    = "sent"
)

// CampaignStats counts outcomes of the last dispatch.
type CampaignStats struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Campaign is a message fanned out to every reachable contact of a list.
type Campaign struct {
	ID      string        `json:"id"`
	OrgID   string        `json:"org_id"`
	Name    string        `json:"name"`
	ListID  string        `json:"list_id"`
	Channel string        `json:"channel"`
	Subject string        `json:"subject,omitempty"`
	Body    string        `json:"body"`
	Status  string        `json:"status"`
	Stats   CampaignStats `json:"stats"`
	// DeliveredIDs lists contacts already sent to by an interrupted dispatch.
	DeliveredIDs []string   `json:"delivered_ids,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// CustomField is a metadata key observed on imported records.
type CustomField struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
}
