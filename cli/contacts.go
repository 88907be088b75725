// ABOUTME: Contact and member CLI commands
// ABOUTME: Human-friendly commands for adding, listing, opting out and deleting records

package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/harperreed/broadcast/config"
	"github.com/harperreed/broadcast/crm"
	"github.com/harperreed/broadcast/index"
	"github.com/harperreed/broadcast/models"
)

// metaFlag collects repeated --meta key=value pairs.
type metaFlag map[string]models.MetadataField

func (m metaFlag) String() string {
	pairs := make([]string, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, k+"="+v.Value)
	}
	return strings.Join(pairs, ",")
}

func (m metaFlag) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	m[strings.TrimSpace(k)] = models.MetadataField{Value: strings.TrimSpace(val)}
	return nil
}

type recordFlags struct {
	org   *string
	first *string
	last  *string
	email *string
	phone *string
	comp  *string
	role  *string
	meta  metaFlag
}

func newRecordFlags(fs *flag.FlagSet) *recordFlags {
	f := &recordFlags{
		org:   fs.String("org", "", "Organization ID (required)"),
		first: fs.String("first", "", "First name (required)"),
		last:  fs.String("last", "", "Last name (required)"),
		email: fs.String("email", "", "Email address"),
		phone: fs.String("phone", "", "Phone number"),
		comp:  fs.String("company", "", "Company name"),
		role:  fs.String("role", "", "Role or job title"),
		meta:  metaFlag{},
	}
	fs.Var(f.meta, "meta", "Custom field as key=value (repeatable)")
	return f
}

func (f *recordFlags) input() crm.RecordInput {
	return crm.RecordInput{
		FirstName: *f.first,
		LastName:  *f.last,
		Email:     *f.email,
		Phone:     *f.phone,
		Company:   *f.comp,
		Role:      *f.role,
		Metadata:  f.meta,
	}
}

// AddContactCommand adds a new contact.
func AddContactCommand(ctx context.Context, app *config.App, out io.Writer, args []string) error {
	return addRecord(ctx, app, out, models.KindContact, args)
}

// AddMemberCommand adds a new team member.
func AddMemberCommand(ctx context.Context, app *config.App, out io.Writer, args []string) error {
	return addRecord(ctx, app, out, models.KindMember, args)
}

func addRecord(ctx context.Context, app *config.App, out io.Writer, kind string, args []string) error {
	fs := flag.NewFlagSet("add-"+kind, flag.ContinueOnError)
	f := newRecordFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *f.org == "" {
		return fmt.Errorf("--org is required")
	}

	var rec *models.Record
	var err error
	if kind == models.KindMember {
		rec, err = app.CRM.CreateMember(ctx, *f.org, f.input())
	} else {
		rec, err = app.CRM.CreateContact(ctx, *f.org, f.input())
	}
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", kind, err)
	}

	p := newPrinter(out)
	p.ok("%s created: %s (ID: %s)", strings.ToUpper(kind[:1])+kind[1:], rec.FullName(), rec.ID)
	if rec.Email != "" {
		p.line("  Email: %s", rec.Email)
	}
	if rec.Phone != "" {
		p.line("  Phone: %s", rec.Phone)
	}
	return nil
}

// ListContactsCommand prints one page of contacts.
func ListContactsCommand(ctx context.Context, app *config.App, out io.Writer, args []string) error {
	return listRecords(ctx, app, out, models.KindContact, args)
}

// ListMembersCommand prints one page of team members.
func ListMembersCommand(ctx context.Context, app *config.App, out io.Writer, args []string) error {
	return listRecords(ctx, app, out, models.KindMember, args)
}

func listRecords(ctx context.Context, app *config.App, out io.Writer, kind string, args []string) error {
	fs := flag.NewFlagSet("list-"+kind+"s", flag.ContinueOnError)
	org := fs.String("org", "", "Organization ID (required)")
	page := fs.Int("page", 1, "Page number")
	size := fs.Int("page-size", index.DefaultRequestPageSize, "Items per page (1-100)")
	query := fs.String("query", "", "Search across all fields")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *org == "" {
		return fmt.Errorf("--org is required")
	}

	res, err := app.Pager.GetPage(ctx, index.PageRequest{
		OrgID: *org, Kind: kind, Page: *page, PageSize: *size, Search: *query,
	})
	if err != nil {
		return fmt.Errorf("failed to list %ss: %w", kind, err)
	}

	p := newPrinter(out)
	p.heading("%ss: page %d of %d (%d total)", strings.ToUpper(kind[:1])+kind[1:], res.CurrentPage, res.TotalPages, res.TotalItems)
	if len(res.Items) == 0 {
		p.line("No %ss found", kind)
		return nil
	}

	w := p.table()
	_, _ = fmt.Fprintln(w, "ID\tNAME\tEMAIL\tPHONE\tCOMPANY\tLISTS\tSTATUS")
	for _, it := range res.Items {
		state := "active"
		switch {
		case it.OptedOut:
			state = "opted out"
		case !it.IsActive:
			state = "inactive"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s %s\t%s\t%s\t%s\t%d\t%s\n",
			it.ID, it.FirstName, it.LastName, it.Email, it.Phone, it.Company, it.ListCount, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if res.HasNext {
		p.line("\nMore results: --page %d", res.CurrentPage+1)
	}
	return nil
}

// OptOutCommand opts a contact out of campaigns, or back in with --undo.
func OptOutCommand(ctx context.Context, app *config.App, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("opt-out", flag.ContinueOnError)
	org := fs.String("org", "", "Organization ID (required)")
	undo := fs.Bool("undo", false, "Opt the contact back in")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *org == "" || fs.NArg() != 1 {
		return fmt.Errorf("usage: broadcast crm opt-out --org ORG [--undo] CONTACT_ID")
	}

	rec, err := app.CRM.SetOptOut(ctx, *org, fs.Arg(0), !*undo)
	if err != nil {
		return fmt.Errorf("failed to update opt-out: %w", err)
	}
	if rec.OptedOut {
		newPrinter(out).ok("%s opted out", rec.FullName())
	} else {
		newPrinter(out).ok("%s opted back in", rec.FullName())
	}
	return nil
}

// DeleteContactCommand deletes a contact.
func DeleteContactCommand(ctx context.Context, app *config.App, out io.Writer, args []string) error {
	return deleteRecord(ctx, app, out, models.KindContact, args)
}

// DeleteMemberCommand deletes a team member.
func DeleteMemberCommand(ctx context.Context, app *config.App, out io.Writer, args []string) error {
	return deleteRecord(ctx, app, out, models.KindMember, args)
}

func deleteRecord(ctx context.Context, app *config.App, out io.Writer, kind string, args []string) error {
	fs := flag.NewFlagSet("delete-"+kind, flag.ContinueOnError)
	org := fs.String("org", "", "Organization ID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *org == "" || fs.NArg() != 1 {
		return fmt.Errorf("usage: broadcast crm delete-%s --org ORG ID", kind)
	}

	var err error
	if kind == models.KindMember {
		err = app.CRM.DeleteMember(ctx, *org, fs.Arg(0))
	} else {
		err = app.CRM.DeleteContact(ctx, *org, fs.Arg(0))
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	newPrinter(out).ok("Deleted %s %s", kind, fs.Arg(0))
	return nil
}

// NextMemberCommand prints the next member in the rotation.
func NextMemberCommand(ctx context.Context, app *config.App, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("next-member", flag.ContinueOnError)
	org := fs.String("org", "", "Organization ID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *org == "" {
		return fmt.Errorf("--org is required")
	}

	m, err := app.RoundRobin.Next(ctx, *org)
	if err != nil {
		return err
	}
	if m == nil {
		newPrinter(out).line("No active members")
		return nil
	}
	newPrinter(out).ok("Assigned %s <%s> (ID: %s)", m.FullName(), m.Email, m.ID)
	return nil
}
