// ABOUTME: Maintenance utility that rebuilds the cached listing indexes of tenants.
// ABOUTME: Provides dry-run reporting and an invalidate-first mode for repairing stale projections.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/harperreed/broadcast/config"
	"github.com/harperreed/broadcast/kv"
	"github.com/harperreed/broadcast/models"
)

type options struct {
	orgs       []string
	kinds      []string
	dryRun     bool
	invalidate bool
}

func main() {
	configPath := flag.String("config", "", "Config file (default: $XDG_CONFIG_HOME/broadcast/config.json)")
	orgs := flag.String("org", "", "Comma-separated organization IDs (required)")
	kind := flag.String("kind", "all", "Record kind to rebuild: contact, member or all")
	dryRun := flag.Bool("dry-run", false, "Report what would be rebuilt without writing")
	invalidate := flag.Bool("invalidate", false, "Drop the cached metadata before rebuilding")
	flag.Parse()

	opts, err := parseOptions(*orgs, *kind)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	opts.dryRun = *dryRun
	opts.invalidate = *invalidate

	_ = config.LoadEnvFiles()
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	app, err := config.Open(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer func() { _ = app.Close() }()

	if err := reindex(context.Background(), app, opts, os.Stdout); err != nil {
		log.Printf("Reindex failed: %v", err)
		_ = app.Close()
		os.Exit(1)
	}
}

func parseOptions(orgs, kind string) (options, error) {
	var opts options
	for _, o := range strings.Split(orgs, ",") {
		if o = strings.TrimSpace(o); o != "" {
			opts.orgs = append(opts.orgs, o)
		}
	}
	if len(opts.orgs) == 0 {
		return opts, fmt.Errorf("-org is required")
	}
	switch kind {
	case "all", "":
		opts.kinds = []string{models.KindContact, models.KindMember}
	case models.KindContact, models.KindMember:
		opts.kinds = []string{kind}
	default:
		return opts, fmt.Errorf("unknown kind %q", kind)
	}
	return opts, nil
}

func currentMeta(ctx context.Context, s kv.Store, org, kind string) (*models.IndexMetadata, error) {
	raw, err := s.Get(ctx, kv.IndexMetaKey(org, kind))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta models.IndexMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode index metadata: %w", err)
	}
	return &meta, nil
}

func reindex(ctx context.Context, app *config.App, opts options, out io.Writer) error {
	for _, org := range opts.orgs {
		for _, kind := range opts.kinds {
			before, err := currentMeta(ctx, app.Store, org, kind)
			if err != nil {
				return fmt.Errorf("%s/%s: %w", org, kind, err)
			}
			cached := "none"
			if before != nil {
				cached = fmt.Sprintf("%d records, %d pages", before.TotalRecords, before.TotalPages)
			}

			if opts.dryRun {
				recs, err := app.Records.Scan(ctx, org, kind)
				if err != nil {
					return fmt.Errorf("%s/%s: failed to scan: %w", org, kind, err)
				}
				_, _ = fmt.Fprintf(out, "[DRY RUN] %s/%s: cached %s; would write %d records in %d pages\n",
					org, kind, cached, len(recs), models.TotalPagesFor(len(recs), app.Builder.PageSize()))
				continue
			}

			if opts.invalidate {
				if err := app.Builder.Invalidate(ctx, org, kind); err != nil {
					return fmt.Errorf("%s/%s: failed to invalidate: %w", org, kind, err)
				}
			}
			meta, err := app.Builder.Rebuild(ctx, org, kind)
			if err != nil {
				return fmt.Errorf("%s/%s: %w", org, kind, err)
			}
			_, _ = fmt.Fprintf(out, "%s/%s: cached %s; rebuilt %d records in %d pages\n",
				org, kind, cached, meta.TotalRecords, meta.TotalPages)
		}
	}
	return nil
}
