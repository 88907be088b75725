// ABOUTME: CSV import and import status CLI commands
// ABOUTME: Maps CSV columns by template or header guess and runs the ingestion pipeline

package cli

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/harperreed/broadcast/config"
	"github.com/harperreed/broadcast/importer"
	"github.com/harperreed/broadcast/models"
)

// ReadCSV reads a header row followed by data rows. Rows shorter than the
// header leave the missing columns out.
func ReadCSV(r io.Reader) ([]string, []map[string]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	headers, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("csv file is empty")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	for i, h := range headers {
		headers[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	var rows []map[string]string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read csv row %d: %w", len(rows)+1, err)
		}
		row := make(map[string]string, len(headers))
		for i, v := range rec {
			if i < len(headers) && headers[i] != "" {
				row[headers[i]] = v
			}
		}
		rows = append(rows, row)
	}
	return headers, rows, nil
}

// ImportCommand imports a CSV file into a contact list and waits for the
// pipeline to finish.
func ImportCommand(ctx context.Context, app *config.App, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	org := fs.String("org", "", "Organization ID (required)")
	list := fs.String("list", "", "Target list ID (required)")
	tplPath := fs.String("template", "", "YAML mapping template (default: guess from headers)")
	reactivate := fs.Bool("reactivate", false, "Clear opt-out on matched contacts")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *org == "" || *list == "" || fs.NArg() != 1 {
		return fmt.Errorf("usage: broadcast crm import --org ORG --list LIST [--template FILE] FILE.csv")
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open csv: %w", err)
	}
	defer func() { _ = f.Close() }()

	headers, raw, err := ReadCSV(f)
	if err != nil {
		return err
	}

	mapping := importer.AutoMapping(headers)
	if *tplPath != "" {
		tpl, err := importer.LoadTemplate(*tplPath)
		if err != nil {
			return err
		}
		mapping = tpl.Columns
	}

	st, err := app.Pipeline.Run(ctx, importer.ImportRequest{
		OrgID:      *org,
		ListID:     *list,
		Rows:       importer.ApplyMapping(raw, mapping),
		Reactivate: *reactivate,
	})
	if st != nil {
		printStatus(newPrinter(out), st)
	}
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	return nil
}

// ImportStatusCommand prints the status of an import.
func ImportStatusCommand(ctx context.Context, app *config.App, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("import-status", flag.ContinueOnError)
	org := fs.String("org", "", "Organization ID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *org == "" || fs.NArg() != 1 {
		return fmt.Errorf("usage: broadcast crm import-status --org ORG UPLOAD_ID")
	}

	st, err := app.Statuses.Get(ctx, *org, fs.Arg(0))
	if err != nil {
		return err
	}
	printStatus(newPrinter(out), st)
	return nil
}

func printStatus(p *printer, st *models.ImportJobStatus) {
	p.heading("Import %s", st.UploadID)
	p.line("Status:    %s (%s)", p.status(st.Status), st.Stage)
	p.line("Progress:  %d/%d", st.Processed, st.Total)
	p.line("Created:   %d", st.Created)
	p.line("Updated:   %d", st.Updated)
	p.line("Skipped:   %d", st.Skipped)
	p.line("Invalid:   %d", st.Invalid)
	if st.Error != "" {
		p.line("Error:     %s", st.Error)
	}
	for _, e := range st.Errors {
		p.line("  - %s", e)
	}
}
