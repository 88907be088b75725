// ABOUTME: Tests for the MCP tool handlers
// ABOUTME: Calls handler methods directly against an app wired over an in-memory store
package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harperreed/broadcast/config"
	"github.com/harperreed/broadcast/db"
	"github.com/harperreed/broadcast/kv"
	"github.com/harperreed/broadcast/models"
	"go.uber.org/zap"
)

func setupTestApp(t *testing.T) *config.App {
	t.Helper()
	cfg := config.Default()
	cfg.Import.BatchDelay = config.Duration{Duration: time.Millisecond}
	cfg.Import.BaseDelay = config.Duration{Duration: time.Millisecond}
	cfg.Dedup.Delay = config.Duration{Duration: time.Millisecond}
	app := config.NewApp(cfg, kv.NewTestStore(t), zap.NewNop())
	t.Cleanup(app.Pipeline.Wait)
	return app
}

func TestAddAndListContacts(t *testing.T) {
	app := setupTestApp(t)
	h := NewRecordHandlers(app.CRM, app.Pager)
	ctx := context.Background()

	_, ada, err := h.AddContact(ctx, nil, AddRecordInput{
		OrgID: "acme", FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com",
		Metadata: map[string]string{"city": "London"},
	})
	if err != nil {
		t.Fatalf("AddContact failed: %v", err)
	}
	if ada.ID == "" || ada.Kind != models.KindContact {
		t.Errorf("unexpected contact output: %+v", ada)
	}
	if ada.Metadata["city"] != "London" {
		t.Errorf("Expected city metadata 'London', got %q", ada.Metadata["city"])
	}

	if _, _, err := h.AddContact(ctx, nil, AddRecordInput{OrgID: "acme", FirstName: "Alan", LastName: "Turing", Phone: "+44 20 7946 0958"}); err != nil {
		t.Fatalf("AddContact failed: %v", err)
	}

	_, page, err := h.ListContacts(ctx, nil, ListRecordsInput{OrgID: "acme"})
	if err != nil {
		t.Fatalf("ListContacts failed: %v", err)
	}
	if page.TotalItems != 2 || len(page.Items) != 2 {
		t.Fatalf("Expected 2 contacts, got %d (%d items)", page.TotalItems, len(page.Items))
	}

	_, found, err := h.ListContacts(ctx, nil, ListRecordsInput{OrgID: "acme", Query: "london"})
	if err != nil {
		t.Fatalf("ListContacts with query failed: %v", err)
	}
	if found.TotalItems != 1 || found.Items[0].ID != ada.ID {
		t.Errorf("Expected search to find Ada, got %+v", found)
	}

	_, members, err := h.ListMembers(ctx, nil, ListRecordsInput{OrgID: "acme"})
	if err != nil {
		t.Fatalf("ListMembers failed: %v", err)
	}
	if members.TotalItems != 0 || members.Items == nil {
		t.Errorf("Expected an empty, non-nil member page, got %+v", members)
	}
}

func TestAddContactValidation(t *testing.T) {
	app := setupTestApp(t)
	h := NewRecordHandlers(app.CRM, app.Pager)
	ctx := context.Background()

	if _, _, err := h.AddContact(ctx, nil, AddRecordInput{FirstName: "No", LastName: "Org", Email: "a@b.co"}); err == nil {
		t.Error("Expected error for missing org_id")
	}

	_, _, err := h.AddContact(ctx, nil, AddRecordInput{OrgID: "acme", FirstName: "No", LastName: "Channel"})
	if !errors.Is(err, db.ErrInvalidRecord) {
		t.Errorf("Expected ErrInvalidRecord, got %v", err)
	}
}

func TestUpdateOptOutAndDeleteContact(t *testing.T) {
	app := setupTestApp(t)
	h := NewRecordHandlers(app.CRM, app.Pager)
	ctx := context.Background()

	_, c, err := h.AddContact(ctx, nil, AddRecordInput{OrgID: "acme", FirstName: "Grace", LastName: "Hopper", Email: "grace@example.com"})
	if err != nil {
		t.Fatalf("AddContact failed: %v", err)
	}

	_, updated, err := h.UpdateContact(ctx, nil, UpdateRecordInput{OrgID: "acme", ID: c.ID, Company: "Navy"})
	if err != nil {
		t.Fatalf("UpdateContact failed: %v", err)
	}
	if updated.Company != "Navy" || updated.Email != "grace@example.com" {
		t.Errorf("Expected company set and email kept, got %+v", updated)
	}

	_, opted, err := h.SetOptOut(ctx, nil, SetOptOutInput{OrgID: "acme", ID: c.ID, OptedOut: true})
	if err != nil {
		t.Fatalf("SetOptOut failed: %v", err)
	}
	if !opted.OptedOut {
		t.Error("Expected contact to be opted out")
	}

	_, del, err := h.DeleteContact(ctx, nil, DeleteRecordInput{OrgID: "acme", ID: c.ID})
	if err != nil {
		t.Fatalf("DeleteContact failed: %v", err)
	}
	if !del.Deleted {
		t.Error("Expected deleted to be true")
	}

	_, page, err := h.ListContacts(ctx, nil, ListRecordsInput{OrgID: "acme"})
	if err != nil {
		t.Fatalf("ListContacts failed: %v", err)
	}
	if page.TotalItems != 0 {
		t.Errorf("Expected no contacts after delete, got %d", page.TotalItems)
	}

	_, _, err = h.UpdateContact(ctx, nil, UpdateRecordInput{OrgID: "acme", ID: c.ID, Company: "X"})
	if !errors.Is(err, db.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
}

func TestImportContactsAndStatus(t *testing.T) {
	app := setupTestApp(t)
	ih := NewImportHandlers(app.Pipeline, app.Statuses, app.Fields)
	ch := NewCampaignHandlers(app.CRM, app.Dispatcher, app.RoundRobin)
	ctx := context.Background()

	_, list, err := ch.CreateList(ctx, nil, CreateListInput{OrgID: "acme", Name: "Newsletter"})
	if err != nil {
		t.Fatalf("CreateList failed: %v", err)
	}

	_, started, err := ih.ImportContacts(ctx, nil, ImportContactsInput{
		OrgID:  "acme",
		ListID: list.ID,
		Rows: []map[string]string{
			{"First Name": "Ada", "Last Name": "Lovelace", "Email": "ada@example.com", "Favourite Colour": "green"},
			{"First Name": "Alan", "Last Name": "Turing", "Email": "alan@example.com"},
			{"First Name": "Ada", "Last Name": "L", "Email": "ADA@example.com"},
			{"First Name": "", "Last Name": "Nobody", "Email": "nobody@example.com"},
		},
	})
	if err != nil {
		t.Fatalf("ImportContacts failed: %v", err)
	}
	if started.UploadID == "" {
		t.Fatal("Expected an upload id")
	}

	app.Pipeline.Wait()

	_, st, err := ih.ImportStatus(ctx, nil, ImportStatusInput{OrgID: "acme", UploadID: started.UploadID})
	if err != nil {
		t.Fatalf("ImportStatus failed: %v", err)
	}
	if st.Status != models.ImportStatusComplete {
		t.Fatalf("Expected complete status, got %s (%s)", st.Status, st.Error)
	}
	if st.Created != 2 || st.Invalid != 1 {
		t.Errorf("Expected 2 created and 1 invalid, got %+v", st)
	}
	if st.CompletedAt == nil {
		t.Error("Expected completed_at to be set")
	}

	_, fields, err := ih.ListCustomFields(ctx, nil, ListCustomFieldsInput{OrgID: "acme"})
	if err != nil {
		t.Fatalf("ListCustomFields failed: %v", err)
	}
	if len(fields.Fields) != 1 || fields.Fields[0].Key != "favourite_colour" || fields.Fields[0].DisplayName != "Favourite Colour" {
		t.Errorf("Unexpected custom fields: %+v", fields.Fields)
	}

	_, _, err = ih.ImportStatus(ctx, nil, ImportStatusInput{OrgID: "acme", UploadID: "missing"})
	if !errors.Is(err, db.ErrImportNotFound) {
		t.Errorf("Expected ErrImportNotFound, got %v", err)
	}
}

func TestImportContactsUnknownList(t *testing.T) {
	app := setupTestApp(t)
	ih := NewImportHandlers(app.Pipeline, app.Statuses, app.Fields)

	_, _, err := ih.ImportContacts(context.Background(), nil, ImportContactsInput{
		OrgID: "acme", ListID: "nope",
		Rows: []map[string]string{{"email": "a@example.com"}},
	})
	if !errors.Is(err, db.ErrListNotFound) {
		t.Errorf("Expected ErrListNotFound, got %v", err)
	}
}

func TestCampaignLifecycle(t *testing.T) {
	app := setupTestApp(t)
	rh := NewRecordHandlers(app.CRM, app.Pager)
	ch := NewCampaignHandlers(app.CRM, app.Dispatcher, app.RoundRobin)
	ctx := context.Background()

	_, none, err := ch.NextMember(ctx, nil, NextMemberInput{OrgID: "acme"})
	if err != nil {
		t.Fatalf("NextMember failed: %v", err)
	}
	if none.Assigned || none.Member != nil {
		t.Errorf("Expected no assignment without members, got %+v", none)
	}

	_, rep, err := rh.AddMember(ctx, nil, AddRecordInput{OrgID: "acme", FirstName: "Sam", LastName: "Rep", Email: "sam@team.io"})
	if err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}

	var ids []string
	for _, email := range []string{"one@example.com", "two@example.com"} {
		_, c, err := rh.AddContact(ctx, nil, AddRecordInput{OrgID: "acme", FirstName: "Pat", LastName: "C", Email: email})
		if err != nil {
			t.Fatalf("AddContact failed: %v", err)
		}
		ids = append(ids, c.ID)
	}

	_, list, err := ch.CreateList(ctx, nil, CreateListInput{OrgID: "acme", Name: "Launch"})
	if err != nil {
		t.Fatalf("CreateList failed: %v", err)
	}
	_, list, err = ch.AddToList(ctx, nil, AddToListInput{OrgID: "acme", ListID: list.ID, ContactIDs: ids})
	if err != nil {
		t.Fatalf("AddToList failed: %v", err)
	}
	if list.Size != 2 {
		t.Errorf("Expected list size 2, got %d", list.Size)
	}

	_, lists, err := ch.ListLists(ctx, nil, ListListsInput{OrgID: "acme"})
	if err != nil {
		t.Fatalf("ListLists failed: %v", err)
	}
	if len(lists.Lists) != 1 {
		t.Errorf("Expected 1 list, got %d", len(lists.Lists))
	}

	_, camp, err := ch.CreateCampaign(ctx, nil, CreateCampaignInput{
		OrgID: "acme", ListID: list.ID, Name: "Launch", Subject: "Hi {{.FirstName}}", Body: "Hello",
	})
	if err != nil {
		t.Fatalf("CreateCampaign failed: %v", err)
	}
	if camp.Status != models.CampaignDraft || camp.Channel != models.ChannelEmail {
		t.Errorf("Unexpected campaign: %+v", camp)
	}

	_, res, err := ch.DispatchCampaign(ctx, nil, DispatchCampaignInput{OrgID: "acme", CampaignID: camp.ID})
	if err != nil {
		t.Fatalf("DispatchCampaign failed: %v", err)
	}
	if res.Sent != 2 || res.Failed != 0 || res.Skipped != 0 {
		t.Errorf("Unexpected dispatch result: %+v", res)
	}

	_, next, err := ch.NextMember(ctx, nil, NextMemberInput{OrgID: "acme"})
	if err != nil {
		t.Fatalf("NextMember failed: %v", err)
	}
	if !next.Assigned || next.Member.ID != rep.ID {
		t.Errorf("Expected the only member to be assigned, got %+v", next)
	}

	if _, _, err := ch.DispatchCampaign(ctx, nil, DispatchCampaignInput{OrgID: "acme", CampaignID: camp.ID}); err == nil {
		t.Error("Expected error dispatching a sent campaign")
	}
}

func TestNewServerRegistersTools(t *testing.T) {
	app := setupTestApp(t)
	if NewServer(app, "test") == nil {
		t.Fatal("Expected a server")
	}
}
