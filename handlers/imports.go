// ABOUTME: Bulk import MCP tool handlers
// ABOUTME: Implements import_contacts, import_status and list_custom_fields tools
package handlers

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/harperreed/broadcast/db"
	"github.com/harperreed/broadcast/importer"
	"github.com/harperreed/broadcast/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type ImportHandlers struct {
	pipeline *importer.Pipeline
	statuses *db.ImportStatusStore
	fields   *db.CustomFieldStore
}

func NewImportHandlers(pipeline *importer.Pipeline, statuses *db.ImportStatusStore, fields *db.CustomFieldStore) *ImportHandlers {
	return &ImportHandlers{pipeline: pipeline, statuses: statuses, fields: fields}
}

type ImportContactsInput struct {
	OrgID      string              `json:"org_id" jsonschema:"Organization ID (required)"`
	ListID     string              `json:"list_id" jsonschema:"Target contact list ID (required)"`
	Rows       []map[string]string `json:"rows" jsonschema:"Rows keyed by CSV column name (required)"`
	Mapping    map[string]string   `json:"mapping,omitempty" jsonschema:"Column to field mapping; guessed from column names when omitted"`
	Reactivate bool                `json:"reactivate,omitempty" jsonschema:"Clear opt-out on matched contacts that opted out"`
}

type ImportStartedOutput struct {
	UploadID string `json:"upload_id"`
	Status   string `json:"status"`
}

// columns returns every column name seen across rows.
func columns(rows []map[string]string) []string {
	seen := map[string]bool{}
	var cols []string
	for _, r := range rows {
		for c := range r {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

func (h *ImportHandlers) ImportContacts(ctx context.Context, request *mcp.CallToolRequest, input ImportContactsInput) (*mcp.CallToolResult, ImportStartedOutput, error) {
	if input.OrgID == "" || input.ListID == "" {
		return nil, ImportStartedOutput{}, fmt.Errorf("org_id and list_id are required")
	}
	if len(input.Rows) == 0 {
		return nil, ImportStartedOutput{}, fmt.Errorf("rows are required")
	}

	mapping := importer.FieldMapping(input.Mapping)
	if len(mapping) == 0 {
		mapping = importer.AutoMapping(columns(input.Rows))
	}

	uploadID, err := h.pipeline.Start(ctx, importer.ImportRequest{
		OrgID:      input.OrgID,
		ListID:     input.ListID,
		Rows:       importer.ApplyMapping(input.Rows, mapping),
		Reactivate: input.Reactivate,
	})
	if err != nil {
		return nil, ImportStartedOutput{}, fmt.Errorf("failed to start import: %w", err)
	}
	return nil, ImportStartedOutput{UploadID: uploadID, Status: models.ImportStatusProcessing}, nil
}

type ImportStatusInput struct {
	OrgID    string `json:"org_id" jsonschema:"Organization ID (required)"`
	UploadID string `json:"upload_id" jsonschema:"Upload ID returned by import_contacts (required)"`
}

type ImportStatusOutput struct {
	UploadID    string   `json:"upload_id"`
	ListID      string   `json:"list_id"`
	Status      string   `json:"status"`
	Stage       string   `json:"stage"`
	Processed   int      `json:"processed"`
	Total       int      `json:"total"`
	Created     int      `json:"created"`
	Updated     int      `json:"updated"`
	Skipped     int      `json:"skipped"`
	Invalid     int      `json:"invalid"`
	Errors      []string `json:"errors"`
	Error       string   `json:"error,omitempty"`
	StartedAt   string   `json:"started_at"`
	CompletedAt *string  `json:"completed_at,omitempty"`
	FailedAt    *string  `json:"failed_at,omitempty"`
}

func (h *ImportHandlers) ImportStatus(ctx context.Context, request *mcp.CallToolRequest, input ImportStatusInput) (*mcp.CallToolResult, ImportStatusOutput, error) {
	if input.OrgID == "" || input.UploadID == "" {
		return nil, ImportStatusOutput{}, fmt.Errorf("org_id and upload_id are required")
	}
	st, err := h.statuses.Get(ctx, input.OrgID, input.UploadID)
	if err != nil {
		return nil, ImportStatusOutput{}, fmt.Errorf("failed to get import status: %w", err)
	}
	return nil, statusToOutput(st), nil
}

type ListCustomFieldsInput struct {
	OrgID string `json:"org_id" jsonschema:"Organization ID (required)"`
}

type CustomFieldOutput struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
}

type ListCustomFieldsOutput struct {
	Fields []CustomFieldOutput `json:"fields"`
}

func (h *ImportHandlers) ListCustomFields(ctx context.Context, request *mcp.CallToolRequest, input ListCustomFieldsInput) (*mcp.CallToolResult, ListCustomFieldsOutput, error) {
	if input.OrgID == "" {
		return nil, ListCustomFieldsOutput{}, fmt.Errorf("org_id is required")
	}
	fields, err := h.fields.List(ctx, input.OrgID)
	if err != nil {
		return nil, ListCustomFieldsOutput{}, fmt.Errorf("failed to list custom fields: %w", err)
	}
	out := ListCustomFieldsOutput{Fields: make([]CustomFieldOutput, len(fields))}
	for i, f := range fields {
		out.Fields[i] = CustomFieldOutput{Key: f.Key, DisplayName: f.DisplayName}
	}
	return nil, out, nil
}

func statusToOutput(st *models.ImportJobStatus) ImportStatusOutput {
	stamp := func(t *time.Time) *string {
		if t == nil {
			return nil
		}
		s := t.Format(time.RFC3339)
		return &s
	}
	errs := st.Errors
	if errs == nil {
		errs = []string{}
	}
	return ImportStatusOutput{
		UploadID:    st.UploadID,
		ListID:      st.ListID,
		Status:      st.Status,
		Stage:       st.Stage,
		Processed:   st.Processed,
		Total:       st.Total,
		Created:     st.Created,
		Updated:     st.Updated,
		Skipped:     st.Skipped,
		Invalid:     st.Invalid,
		Errors:      errs,
		Error:       st.Error,
		StartedAt:   st.StartedAt.Format(time.RFC3339),
		CompletedAt: stamp(st.CompletedAt),
		FailedAt:    stamp(st.FailedAt),
	}
}
