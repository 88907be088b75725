// ABOUTME: List, campaign and assignment MCP tool handlers
// ABOUTME: Implements create_list, add_to_list, create_campaign, dispatch_campaign and next_member tools
package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/harperreed/broadcast/crm"
	"github.com/harperreed/broadcast/fanout"
	"github.com/harperreed/broadcast/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type CampaignHandlers struct {
	crm        *crm.Service
	dispatcher *fanout.Dispatcher
	rr         *fanout.RoundRobin
}

func NewCampaignHandlers(service *crm.Service, dispatcher *fanout.Dispatcher, rr *fanout.RoundRobin) *CampaignHandlers {
	return &CampaignHandlers{crm: service, dispatcher: dispatcher, rr: rr}
}

type CreateListInput struct {
	OrgID string `json:"org_id" jsonschema:"Organization ID (required)"`
	Name  string `json:"name" jsonschema:"List name (required)"`
}

type ListOutput struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      int    `json:"size"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func (h *CampaignHandlers) CreateList(ctx context.Context, request *mcp.CallToolRequest, input CreateListInput) (*mcp.CallToolResult, ListOutput, error) {
	if input.OrgID == "" || input.Name == "" {
		return nil, ListOutput{}, fmt.Errorf("org_id and name are required")
	}
	col, err := h.crm.CreateList(ctx, input.OrgID, input.Name)
	if err != nil {
		return nil, ListOutput{}, fmt.Errorf("failed to create list: %w", err)
	}
	return nil, listToOutput(col), nil
}

type ListListsInput struct {
	OrgID string `json:"org_id" jsonschema:"Organization ID (required)"`
}

type ListListsOutput struct {
	Lists []ListOutput `json:"lists"`
}

func (h *CampaignHandlers) ListLists(ctx context.Context, request *mcp.CallToolRequest, input ListListsInput) (*mcp.CallToolResult, ListListsOutput, error) {
	if input.OrgID == "" {
		return nil, ListListsOutput{}, fmt.Errorf("org_id is required")
	}
	cols, err := h.crm.Lists(ctx, input.OrgID)
	if err != nil {
		return nil, ListListsOutput{}, fmt.Errorf("failed to list lists: %w", err)
	}
	out := ListListsOutput{Lists: make([]ListOutput, len(cols))}
	for i, col := range cols {
		out.Lists[i] = listToOutput(col)
	}
	return nil, out, nil
}

type AddToListInput struct {
	OrgID      string   `json:"org_id" jsonschema:"Organization ID (required)"`
	ListID     string   `json:"list_id" jsonschema:"List ID (required)"`
	ContactIDs []string `json:"contact_ids" jsonschema:"Contact IDs to append (required)"`
}

func (h *CampaignHandlers) AddToList(ctx context.Context, request *mcp.CallToolRequest, input AddToListInput) (*mcp.CallToolResult, ListOutput, error) {
	if input.OrgID == "" || input.ListID == "" {
		return nil, ListOutput{}, fmt.Errorf("org_id and list_id are required")
	}
	if len(input.ContactIDs) == 0 {
		return nil, ListOutput{}, fmt.Errorf("contact_ids are required")
	}
	col, err := h.crm.AddToList(ctx, input.OrgID, input.ListID, input.ContactIDs)
	if err != nil {
		return nil, ListOutput{}, fmt.Errorf("failed to add to list: %w", err)
	}
	return nil, listToOutput(col), nil
}

type CreateCampaignInput struct {
	OrgID   string `json:"org_id" jsonschema:"Organization ID (required)"`
	ListID  string `json:"list_id" jsonschema:"Target list ID (required)"`
	Name    string `json:"name" jsonschema:"Campaign name (required)"`
	Channel string `json:"channel,omitempty" jsonschema:"email or sms (default email)"`
	Subject string `json:"subject,omitempty" jsonschema:"Subject template, e.g. Hello {{.FirstName}}"`
	Body    string `json:"body" jsonschema:"Body template rendered per contact (required)"`
}

type CampaignOutput struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	ListID    string  `json:"list_id"`
	Channel   string  `json:"channel"`
	Status    string  `json:"status"`
	Sent      int     `json:"sent"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
	SentAt    *string `json:"sent_at,omitempty"`
	CreatedAt string  `json:"created_at"`
}

func (h *CampaignHandlers) CreateCampaign(ctx context.Context, request *mcp.CallToolRequest, input CreateCampaignInput) (*mcp.CallToolResult, CampaignOutput, error) {
	if input.OrgID == "" || input.ListID == "" || input.Name == "" {
		return nil, CampaignOutput{}, fmt.Errorf("org_id, list_id and name are required")
	}
	camp, err := h.crm.CreateCampaign(ctx, &models.Campaign{
		OrgID:   input.OrgID,
		ListID:  input.ListID,
		Name:    input.Name,
		Channel: input.Channel,
		Subject: input.Subject,
		Body:    input.Body,
	})
	if err != nil {
		return nil, CampaignOutput{}, fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil, campaignToOutput(camp), nil
}

type DispatchCampaignInput struct {
	OrgID      string `json:"org_id" jsonschema:"Organization ID (required)"`
	CampaignID string `json:"campaign_id" jsonschema:"Campaign ID (required)"`
}

type DispatchOutput struct {
	CampaignID string   `json:"campaign_id"`
	Sent       int      `json:"sent"`
	Failed     int      `json:"failed"`
	Skipped    int      `json:"skipped"`
	Errors     []string `json:"errors"`
}

func (h *CampaignHandlers) DispatchCampaign(ctx context.Context, request *mcp.CallToolRequest, input DispatchCampaignInput) (*mcp.CallToolResult, DispatchOutput, error) {
	if input.OrgID == "" || input.CampaignID == "" {
		return nil, DispatchOutput{}, fmt.Errorf("org_id and campaign_id are required")
	}
	res, err := h.dispatcher.Dispatch(ctx, input.OrgID, input.CampaignID)
	if err != nil {
		return nil, DispatchOutput{}, fmt.Errorf("failed to dispatch campaign: %w", err)
	}
	errs := res.Errors
	if errs == nil {
		errs = []string{}
	}
	return nil, DispatchOutput{
		CampaignID: input.CampaignID,
		Sent:       res.Sent,
		Failed:     res.Failed,
		Skipped:    res.Skipped,
		Errors:     errs,
	}, nil
}

type NextMemberInput struct {
	OrgID string `json:"org_id" jsonschema:"Organization ID (required)"`
}

type NextMemberOutput struct {
	Assigned bool          `json:"assigned"`
	Member   *RecordOutput `json:"member,omitempty"`
}

// NextMember advances the rotation; assigned is false when no member is active.
func (h *CampaignHandlers) NextMember(ctx context.Context, request *mcp.CallToolRequest, input NextMemberInput) (*mcp.CallToolResult, NextMemberOutput, error) {
	if input.OrgID == "" {
		return nil, NextMemberOutput{}, fmt.Errorf("org_id is required")
	}
	m, err := h.rr.Next(ctx, input.OrgID)
	if err != nil {
		return nil, NextMemberOutput{}, fmt.Errorf("failed to pick member: %w", err)
	}
	if m == nil {
		return nil, NextMemberOutput{}, nil
	}
	out := recordToOutput(m)
	return nil, NextMemberOutput{Assigned: true, Member: &out}, nil
}

func listToOutput(col *models.Collection) ListOutput {
	return ListOutput{
		ID:        col.ID,
		Name:      col.Name,
		Size:      len(col.ContactIDs),
		CreatedAt: col.CreatedAt.Format(time.RFC3339),
		UpdatedAt: col.UpdatedAt.Format(time.RFC3339),
	}
}

func campaignToOutput(camp *models.Campaign) CampaignOutput {
	out := CampaignOutput{
		ID:        camp.ID,
		Name:      camp.Name,
		ListID:    camp.ListID,
		Channel:   camp.Channel,
		Status:    camp.Status,
		Sent:      camp.Stats.Sent,
		Failed:    camp.Stats.Failed,
		Skipped:   camp.Stats.Skipped,
		CreatedAt: camp.CreatedAt.Format(time.RFC3339),
	}
	if camp.SentAt != nil {
		s := camp.SentAt.Format(time.RFC3339)
		out.SentAt = &s
	}
	return out
}
