// ABOUTME: Routing for `broadcast crm <command>`
// ABOUTME: Maps subcommand names to their handlers and prints usage

package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/harperreed/broadcast/config"
)

type command struct {
	run   func(ctx context.Context, app *config.App, out io.Writer, args []string) error
	usage string
}

var crmCommands = map[string]command{
	"add-contact":     {AddContactCommand, "Add a contact"},
	"list-contacts":   {ListContactsCommand, "List contacts one page at a time"},
	"opt-out":         {OptOutCommand, "Opt a contact out of campaigns"},
	"delete-contact":  {DeleteContactCommand, "Delete a contact"},
	"add-member":      {AddMemberCommand, "Add a team member"},
	"list-members":    {ListMembersCommand, "List team members"},
	"delete-member":   {DeleteMemberCommand, "Delete a team member"},
	"next-member":     {NextMemberCommand, "Pick the next member in round-robin order"},
	"create-list":     {CreateListCommand, "Create a contact list"},
	"lists":           {ListListsCommand, "Show contact lists"},
	"add-to-list":     {AddToListCommand, "Add contacts to a list"},
	"import":          {ImportCommand, "Import a CSV file into a list"},
	"import-status":   {ImportStatusCommand, "Show the progress of an import"},
	"create-campaign": {CreateCampaignCommand, "Draft a campaign for a list"},
	"dispatch":        {DispatchCommand, "Send a campaign"},
}

// CRMCommand runs one crm subcommand.
func CRMCommand(ctx context.Context, app *config.App, out io.Writer, args []string) error {
	if len(args) == 0 {
		PrintCRMUsage(out)
		return nil
	}
	cmd, ok := crmCommands[args[0]]
	if !ok {
		PrintCRMUsage(out)
		return fmt.Errorf("unknown crm command: %s", args[0])
	}
	return cmd.run(ctx, app, out, args[1:])
}

func PrintCRMUsage(out io.Writer) {
	names := make([]string, 0, len(crmCommands))
	for name := range crmCommands {
		names = append(names, name)
	}
	sort.Strings(names)

	_, _ = fmt.Fprintln(out, "Usage: broadcast crm <command> [flags]")
	_, _ = fmt.Fprintln(out, "\nCommands:")
	for _, name := range names {
		_, _ = fmt.Fprintf(out, "  %-16s %s\n", name, crmCommands[name].usage)
	}
}
