// ABOUTME: Opens the configured store and wires every service over it
// ABOUTME: The App owns the store lifetime; callers must Close it
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/harperreed/broadcast/charm"
	"github.com/harperreed/broadcast/crm"
	"github.com/harperreed/broadcast/db"
	"github.com/harperreed/broadcast/fanout"
	"github.com/harperreed/broadcast/importer"
	"github.com/harperreed/broadcast/index"
	"github.com/harperreed/broadcast/kv"
	"go.uber.org/zap"
)

// OpenStore opens the key-value backend named in cfg.
func OpenStore(cfg StoreConfig) (kv.Store, error) {
	switch cfg.Backend {
	case BackendBadger:
		path := cfg.Path
		if path == "" {
			path = filepath.Join(DataDir(), "store")
		}
		if err := os.MkdirAll(path, 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		s, err := kv.OpenBadger(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendMemory:
		s, err := kv.OpenInMemory()
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendCharm:
		ccfg, err := charm.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load charm config: %w", err)
		}
		c, err := charm.NewClient(ccfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// App bundles the wired services.
type App struct {
	Config *Config
	Logger *zap.Logger
	Store  kv.Store

	Records   *db.RecordStore
	Lists     *db.CollectionStore
	Campaigns *db.CampaignStore
	Statuses  *db.ImportStatusStore
	Fields    *db.CustomFieldStore

	Builder    *index.Builder
	Pager      *index.Pager
	Resolver   *importer.Resolver
	Pipeline   *importer.Pipeline
	CRM        *crm.Service
	RoundRobin *fanout.RoundRobin
	Dispatcher *fanout.Dispatcher
}

// NewApp wires services over an already open store.
func NewApp(cfg *Config, store kv.Store, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Records:   db.NewRecordStore(store),
		Lists:     db.NewCollectionStore(store),
		Campaigns: db.NewCampaignStore(store),
		Statuses:  db.NewImportStatusStore(store, cfg.Import.StatusTTL.Duration),
		Fields:    db.NewCustomFieldStore(store),
	}
	a.Builder = index.NewBuilder(store, a.Records, cfg.Index.PageSize, logger.Named("index"))
	a.Pager = index.NewPager(store, a.Builder, logger.Named("pager"))
	a.Resolver = importer.NewResolver(a.Builder, a.Records, cfg.DedupSettings(), logger.Named("dedup"))
	a.Pipeline = importer.NewPipeline(importer.Deps{
		Records:  a.Records,
		Lists:    a.Lists,
		Statuses: a.Statuses,
		Fields:   a.Fields,
		Resolver: a.Resolver,
		Builder:  a.Builder,
	}, cfg.PipelineConfig(), logger.Named("import"))
	a.CRM = crm.NewService(a.Records, a.Lists, a.Campaigns, a.Builder, logger.Named("crm"))
	a.RoundRobin = fanout.NewRoundRobin(store, a.Records, logger.Named("roundrobin"))
	a.Dispatcher = fanout.NewDispatcher(fanout.DispatcherDeps{
		Campaigns: a.Campaigns,
		Lists:     a.Lists,
		Records:   a.Records,
		Assigner:  a.RoundRobin,
	}, cfg.Fanout.Concurrency, logger.Named("fanout"))
	return a
}

// Open opens the configured store and wires the services.
func Open(cfg *Config, logger *zap.Logger) (*App, error) {
	store, err := OpenStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return NewApp(cfg, store, logger), nil
}

// Close waits for background imports and closes the store.
func (a *App) Close() error {
	a.Pipeline.Wait()
	return a.Store.Close()
}
