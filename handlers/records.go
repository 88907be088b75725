// ABOUTME: Contact and member MCP tool handlers
// ABOUTME: Implements add, update, opt-out, delete and paged listing over the cached index
package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/harperreed/broadcast/crm"
	"github.com/harperreed/broadcast/index"
	"github.com/harperreed/broadcast/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type RecordHandlers struct {
	crm   *crm.Service
	pager *index.Pager
}

func NewRecordHandlers(service *crm.Service, pager *index.Pager) *RecordHandlers {
	return &RecordHandlers{crm: service, pager: pager}
}

type AddRecordInput struct {
	OrgID     string            `json:"org_id" jsonschema:"Organization ID (required)"`
	FirstName string            `json:"first_name" jsonschema:"First name (required)"`
	LastName  string            `json:"last_name" jsonschema:"Last name (required)"`
	Email     string            `json:"email,omitempty" jsonschema:"Email address (email or phone required)"`
	Phone     string            `json:"phone,omitempty" jsonschema:"Phone number (email or phone required)"`
	Company   string            `json:"company,omitempty" jsonschema:"Company name"`
	Role      string            `json:"role,omitempty" jsonschema:"Job title or role"`
	Metadata  map[string]string `json:"metadata,omitempty" jsonschema:"Custom fields keyed by metadata key"`
}

type RecordOutput struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	FirstName string            `json:"first_name"`
	LastName  string            `json:"last_name"`
	Email     string            `json:"email,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	Company   string            `json:"company,omitempty"`
	Role      string            `json:"role,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	ListIDs   []string          `json:"list_ids,omitempty"`
	IsActive  bool              `json:"is_active"`
	OptedOut  bool              `json:"opted_out"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
}

func metadataInput(in map[string]string) map[string]models.MetadataField {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]models.MetadataField, len(in))
	for k, v := range in {
		out[k] = models.MetadataField{Value: v}
	}
	return out
}

func (in AddRecordInput) record() crm.RecordInput {
	return crm.RecordInput{
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Email:     in.Email,
		Phone:     in.Phone,
		Company:   in.Company,
		Role:      in.Role,
		Metadata:  metadataInput(in.Metadata),
	}
}

func (h *RecordHandlers) AddContact(ctx context.Context, request *mcp.CallToolRequest, input AddRecordInput) (*mcp.CallToolResult, RecordOutput, error) {
	if input.OrgID == "" {
		return nil, RecordOutput{}, fmt.Errorf("org_id is required")
	}
	rec, err := h.crm.CreateContact(ctx, input.OrgID, input.record())
	if err != nil {
		return nil, RecordOutput{}, fmt.Errorf("failed to create contact: %w", err)
	}
	return nil, recordToOutput(rec), nil
}

func (h *RecordHandlers) AddMember(ctx context.Context, request *mcp.CallToolRequest, input AddRecordInput) (*mcp.CallToolResult, RecordOutput, error) {
	if input.OrgID == "" {
		return nil, RecordOutput{}, fmt.Errorf("org_id is required")
	}
	rec, err := h.crm.CreateMember(ctx, input.OrgID, input.record())
	if err != nil {
		return nil, RecordOutput{}, fmt.Errorf("failed to create member: %w", err)
	}
	return nil, recordToOutput(rec), nil
}

type UpdateRecordInput struct {
	OrgID     string            `json:"org_id" jsonschema:"Organization ID (required)"`
	ID        string            `json:"id" jsonschema:"Record ID (required)"`
	FirstName string            `json:"first_name,omitempty" jsonschema:"Updated first name"`
	LastName  string            `json:"last_name,omitempty" jsonschema:"Updated last name"`
	Email     string            `json:"email,omitempty" jsonschema:"Updated email address"`
	Phone     string            `json:"phone,omitempty" jsonschema:"Updated phone number"`
	Company   string            `json:"company,omitempty" jsonschema:"Updated company"`
	Role      string            `json:"role,omitempty" jsonschema:"Updated role"`
	IsActive  *bool             `json:"is_active,omitempty" jsonschema:"Activate or deactivate the record"`
	Metadata  map[string]string `json:"metadata,omitempty" jsonschema:"Custom fields to merge"`
}

// patch treats empty strings as unchanged.
func (in UpdateRecordInput) patch() crm.RecordPatch {
	opt := func(s string) *string {
		if s == "" {
			return nil
		}
		return &s
	}
	return crm.RecordPatch{
		FirstName: opt(in.FirstName),
		LastName:  opt(in.LastName),
		Email:     opt(in.Email),
		Phone:     opt(in.Phone),
		Company:   opt(in.Company),
		Role:      opt(in.Role),
		IsActive:  in.IsActive,
		Metadata:  metadataInput(in.Metadata),
	}
}

func (in UpdateRecordInput) check() error {
	if in.OrgID == "" {
		return fmt.Errorf("org_id is required")
	}
	if in.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

func (h *RecordHandlers) UpdateContact(ctx context.Context, request *mcp.CallToolRequest, input UpdateRecordInput) (*mcp.CallToolResult, RecordOutput, error) {
	if err := input.check(); err != nil {
		return nil, RecordOutput{}, err
	}
	rec, err := h.crm.UpdateContact(ctx, input.OrgID, input.ID, input.patch())
	if err != nil {
		return nil, RecordOutput{}, fmt.Errorf("failed to update contact: %w", err)
	}
	return nil, recordToOutput(rec), nil
}

func (h *RecordHandlers) UpdateMember(ctx context.Context, request *mcp.CallToolRequest, input UpdateRecordInput) (*mcp.CallToolResult, RecordOutput, error) {
	if err := input.check(); err != nil {
		return nil, RecordOutput{}, err
	}
	rec, err := h.crm.UpdateMember(ctx, input.OrgID, input.ID, input.patch())
	if err != nil {
		return nil, RecordOutput{}, fmt.Errorf("failed to update member: %w", err)
	}
	return nil, recordToOutput(rec), nil
}

type SetOptOutInput struct {
	OrgID    string `json:"org_id" jsonschema:"Organization ID (required)"`
	ID       string `json:"id" jsonschema:"Contact ID (required)"`
	OptedOut bool   `json:"opted_out" jsonschema:"True to stop all messages to this contact"`
}

func (h *RecordHandlers) SetOptOut(ctx context.Context, request *mcp.CallToolRequest, input SetOptOutInput) (*mcp.CallToolResult, RecordOutput, error) {
	if input.OrgID == "" || input.ID == "" {
		return nil, RecordOutput{}, fmt.Errorf("org_id and id are required")
	}
	rec, err := h.crm.SetOptOut(ctx, input.OrgID, input.ID, input.OptedOut)
	if err != nil {
		return nil, RecordOutput{}, fmt.Errorf("failed to set opt-out: %w", err)
	}
	return nil, recordToOutput(rec), nil
}

type DeleteRecordInput struct {
	OrgID string `json:"org_id" jsonschema:"Organization ID (required)"`
	ID    string `json:"id" jsonschema:"Record ID (required)"`
}

type DeleteOutput struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

func (h *RecordHandlers) DeleteContact(ctx context.Context, request *mcp.CallToolRequest, input DeleteRecordInput) (*mcp.CallToolResult, DeleteOutput, error) {
	if input.OrgID == "" || input.ID == "" {
		return nil, DeleteOutput{}, fmt.Errorf("org_id and id are required")
	}
	if err := h.crm.DeleteContact(ctx, input.OrgID, input.ID); err != nil {
		return nil, DeleteOutput{}, fmt.Errorf("failed to delete contact: %w", err)
	}
	return nil, DeleteOutput{ID: input.ID, Deleted: true}, nil
}

func (h *RecordHandlers) DeleteMember(ctx context.Context, request *mcp.CallToolRequest, input DeleteRecordInput) (*mcp.CallToolResult, DeleteOutput, error) {
	if input.OrgID == "" || input.ID == "" {
		return nil, DeleteOutput{}, fmt.Errorf("org_id and id are required")
	}
	if err := h.crm.DeleteMember(ctx, input.OrgID, input.ID); err != nil {
		return nil, DeleteOutput{}, fmt.Errorf("failed to delete member: %w", err)
	}
	return nil, DeleteOutput{ID: input.ID, Deleted: true}, nil
}

type ListRecordsInput struct {
	OrgID    string `json:"org_id" jsonschema:"Organization ID (required)"`
	Page     int    `json:"page,omitempty" jsonschema:"Page number starting at 1 (default 1)"`
	PageSize int    `json:"page_size,omitempty" jsonschema:"Items per page, 1 to 100 (default 50)"`
	Query    string `json:"query,omitempty" jsonschema:"Case-insensitive substring search across all fields"`
}

type ListItemOutput struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Company   string `json:"company,omitempty"`
	Role      string `json:"role,omitempty"`
	ListCount int    `json:"list_count"`
	IsActive  bool   `json:"is_active"`
	OptedOut  bool   `json:"opted_out"`
	CreatedAt string `json:"created_at"`
}

type ListRecordsOutput struct {
	Items       []ListItemOutput `json:"items"`
	TotalItems  int              `json:"total_items"`
	TotalPages  int              `json:"total_pages"`
	CurrentPage int              `json:"current_page"`
	HasNext     bool             `json:"has_next"`
	HasPrev     bool             `json:"has_prev"`
}

func (h *RecordHandlers) ListContacts(ctx context.Context, request *mcp.CallToolRequest, input ListRecordsInput) (*mcp.CallToolResult, ListRecordsOutput, error) {
	return h.list(ctx, models.KindContact, input)
}

func (h *RecordHandlers) ListMembers(ctx context.Context, request *mcp.CallToolRequest, input ListRecordsInput) (*mcp.CallToolResult, ListRecordsOutput, error) {
	return h.list(ctx, models.KindMember, input)
}

func (h *RecordHandlers) list(ctx context.Context, kind string, input ListRecordsInput) (*mcp.CallToolResult, ListRecordsOutput, error) {
	if input.OrgID == "" {
		return nil, ListRecordsOutput{}, fmt.Errorf("org_id is required")
	}
	res, err := h.pager.GetPage(ctx, index.PageRequest{
		OrgID:    input.OrgID,
		Kind:     kind,
		Page:     input.Page,
		PageSize: input.PageSize,
		Search:   input.Query,
	})
	if err != nil {
		return nil, ListRecordsOutput{}, fmt.Errorf("failed to list %ss: %w", kind, err)
	}

	out := ListRecordsOutput{
		Items:       make([]ListItemOutput, len(res.Items)),
		TotalItems:  res.TotalItems,
		TotalPages:  res.TotalPages,
		CurrentPage: res.CurrentPage,
		HasNext:     res.HasNext,
		HasPrev:     res.HasPrev,
	}
	for i, it := range res.Items {
		out.Items[i] = ListItemOutput{
			ID:        it.ID,
			FirstName: it.FirstName,
			LastName:  it.LastName,
			Email:     it.Email,
			Phone:     it.Phone,
			Company:   it.Company,
			Role:      it.Role,
			ListCount: it.ListCount,
			IsActive:  it.IsActive,
			OptedOut:  it.OptedOut,
			CreatedAt: it.CreatedAt.Format(time.RFC3339),
		}
	}
	return nil, out, nil
}

func recordToOutput(rec *models.Record) RecordOutput {
	out := RecordOutput{
		ID:        rec.ID,
		Kind:      rec.Kind,
		FirstName: rec.FirstName,
		LastName:  rec.LastName,
		Email:     rec.Email,
		Phone:     rec.Phone,
		Company:   rec.Company,
		Role:      rec.Role,
		ListIDs:   rec.ListIDs,
		IsActive:  rec.IsActive,
		OptedOut:  rec.OptedOut,
		CreatedAt: rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt: rec.UpdatedAt.Format(time.RFC3339),
	}
	if len(rec.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(rec.Metadata))
		for k, f := range rec.Metadata {
			out.Metadata[k] = f.Value
		}
	}
	return out
}
