// ABOUTME: List and campaign CLI commands
// ABOUTME: Create lists, add contacts, draft campaigns and dispatch them

package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/harperreed/broadcast/config"
	"github.com/harperreed/broadcast/models"
)

// CreateListCommand creates an empty contact list.
func CreateListCommand(ctx context.Context, app *config.App, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("create-list", flag.ContinueOnError)
	org := fs.String("org", "", "Organization ID (required)")
	name := fs.String("name", "", "List name (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *org == "" || *name == "" {
		return fmt.Errorf("--org and --name are required")
	}

	col, err := app.CRM.CreateList(ctx, *org, *name)
	if err != nil {
		return fmt.Errorf("failed to create list: %w", err)
	}
	newPrinter(out).ok("List created: %s (ID: %s)", col.Name, col.ID)
	return nil
}

// ListListsCommand prints every list of the organization.
func ListListsCommand(ctx context.Context, app *config.App, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("lists", flag.ContinueOnError)
	org := fs.String("org", "", "Organization ID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *org == "" {
		return fmt.Errorf("--org is required")
	}

	cols, err := app.CRM.Lists(ctx, *org)
	if err != nil {
		return fmt.Errorf("failed to list lists: %w", err)
	}
	p := newPrinter(out)
	p.heading("Lists (%d)", len(cols))
	if len(cols) == 0 {
		p.line("No lists found")
		return nil
	}
	w := p.table()
	_, _ = fmt.Fprintln(w, "ID\tNAME\tCONTACTS\tUPDATED")
	for _, col := range cols {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", col.ID, col.Name, len(col.ContactIDs), col.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

// AddToListCommand appends contacts to a list.
func AddToListCommand(ctx context.Context, app *config.App, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("add-to-list", flag.ContinueOnError)
	org := fs.String("org", "", "Organization ID (required)")
	list := fs.String("list", "", "List ID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *org == "" || *list == "" || fs.NArg() == 0 {
		return fmt.Errorf("usage: broadcast crm add-to-list --org ORG --list LIST CONTACT_ID...")
	}

	col, err := app.CRM.AddToList(ctx, *org, *list, fs.Args())
	if err != nil {
		return fmt.Errorf("failed to add to list: %w", err)
	}
	newPrinter(out).ok("%s now has %d contacts", col.Name, len(col.ContactIDs))
	return nil
}

// CreateCampaignCommand drafts a campaign. The body may be read from a file.
func CreateCampaignCommand(ctx context.Context, app *config.App, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("create-campaign", flag.ContinueOnError)
	org := fs.String("org", "", "Organization ID (required)")
	list := fs.String("list", "", "Target list ID (required)")
	name := fs.String("name", "", "Campaign name (required)")
	channel := fs.String("channel", models.ChannelEmail, "email or sms")
	subject := fs.String("subject", "", "Subject template")
	body := fs.String("body", "", "Body template")
	bodyFile := fs.String("body-file", "", "Read the body template from a file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *org == "" || *list == "" || *name == "" {
		return fmt.Errorf("--org, --list and --name are required")
	}
	if *bodyFile != "" {
		data, err := os.ReadFile(*bodyFile)
		if err != nil {
			return fmt.Errorf("failed to read body file: %w", err)
		}
		*body = string(data)
	}

	camp, err := app.CRM.CreateCampaign(ctx, &models.Campaign{
		OrgID:   *org,
		ListID:  *list,
		Name:    *name,
		Channel: strings.ToLower(*channel),
		Subject: *subject,
		Body:    *body,
	})
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	newPrinter(out).ok("Campaign drafted: %s (ID: %s)", camp.Name, camp.ID)
	return nil
}

// DispatchCommand sends a campaign.
func DispatchCommand(ctx context.Context, app *config.App, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	org := fs.String("org", "", "Organization ID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *org == "" || fs.NArg() != 1 {
		return fmt.Errorf("usage: broadcast crm dispatch --org ORG CAMPAIGN_ID")
	}

	res, err := app.Dispatcher.Dispatch(ctx, *org, fs.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to dispatch: %w", err)
	}
	p := newPrinter(out)
	p.heading("Campaign %s", fs.Arg(0))
	p.line("Sent:     %d", res.Sent)
	p.line("Failed:   %d", res.Failed)
	p.line("Skipped:  %d", res.Skipped)
	for _, e := range res.Errors {
		p.line("  - %s", e)
	}
	return nil
}
