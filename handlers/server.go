// ABOUTME: MCP server construction
// ABOUTME: Registers every broadcast tool against the wired application services
package handlers

import (
	"github.com/harperreed/broadcast/config"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewServer builds an MCP server exposing the tools over app.
func NewServer(app *config.App, version string) *mcp.Server {
	records := NewRecordHandlers(app.CRM, app.Pager)
	imports := NewImportHandlers(app.Pipeline, app.Statuses, app.Fields)
	campaigns := NewCampaignHandlers(app.CRM, app.Dispatcher, app.RoundRobin)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    config.AppName,
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_contacts",
		Description: "List contacts one page at a time, optionally filtered by a search query",
	}, records.ListContacts)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_contact",
		Description: "Add a new contact to an organization",
	}, records.AddContact)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "update_contact",
		Description: "Update an existing contact's information",
	}, records.UpdateContact)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "set_opt_out",
		Description: "Opt a contact out of (or back into) campaign messages",
	}, records.SetOptOut)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_contact",
		Description: "Delete a contact",
	}, records.DeleteContact)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_members",
		Description: "List team members one page at a time",
	}, records.ListMembers)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_member",
		Description: "Add a team member who can be assigned as a campaign sender",
	}, records.AddMember)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "update_member",
		Description: "Update a team member, including activating or deactivating them",
	}, records.UpdateMember)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_member",
		Description: "Delete a team member",
	}, records.DeleteMember)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "next_member",
		Description: "Pick the next active team member in round-robin order",
	}, campaigns.NextMember)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_list",
		Description: "Create an empty contact list",
	}, campaigns.CreateList)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_lists",
		Description: "List the contact lists of an organization",
	}, campaigns.ListLists)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_to_list",
		Description: "Append existing contacts to a contact list",
	}, campaigns.AddToList)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_campaign",
		Description: "Create a draft campaign targeting a contact list",
	}, campaigns.CreateCampaign)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "dispatch_campaign",
		Description: "Send a draft campaign to every reachable contact of its list",
	}, campaigns.DispatchCampaign)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "import_contacts",
		Description: "Start a bulk import of rows into a contact list; returns an upload id to poll",
	}, imports.ImportContacts)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "import_status",
		Description: "Get the progress of a bulk import",
	}, imports.ImportStatus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_custom_fields",
		Description: "List the custom fields registered by imports",
	}, imports.ListCustomFields)

	return server
}
