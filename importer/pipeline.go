// ABOUTME: Bulk Ingestion Pipeline that classifies, writes and assigns imported contacts
// ABOUTME: Stages report progress through a polled ImportJobStatus row
package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harperreed/broadcast/batch"
	"github.com/harperreed/broadcast/db"
	"github.com/harperreed/broadcast/index"
	"github.com/harperreed/broadcast/models"
	"go.uber.org/zap"
)

// ErrVerificationMismatch means the collection did not contain every assigned
// contact when re-read after the append.
var ErrVerificationMismatch = errors.New("collection verification mismatch")

// Stage labels written to the job status.
const (
	StageQueued      = "queued"
	StageValidating  = "validating"
	StageClassifying = "classifying"
	StageCreating    = "creating"
	StageUpdating    = "updating"
	StageAssigning   = "assigning"
	StageIndexing    = "indexing"
	StageDone        = "done"
)

// DefaultMaxErrors caps the error list kept on a job status.
const DefaultMaxErrors = 10

// Config tunes the write stages.
type Config struct {
	Create    batch.Config `json:"create"`
	Update    batch.Config `json:"update"`
	MaxErrors int          `json:"max_errors"`
}

// DefaultConfig returns batch sizes of 15 for creates and 10 for updates,
// 150ms pacing and three attempts with a doubling 500ms base delay.
func DefaultConfig() Config {
	return Config{
		Create: batch.Config{
			Size:        15,
			Delay:       batch.DefaultDelay,
			MaxAttempts: batch.DefaultMaxAttempts,
			BaseDelay:   batch.DefaultBaseDelay,
		},
		Update: batch.Config{
			Size:        10,
			Delay:       batch.DefaultDelay,
			MaxAttempts: batch.DefaultMaxAttempts,
			BaseDelay:   batch.DefaultBaseDelay,
		},
		MaxErrors: DefaultMaxErrors,
	}
}

// ImportRequest is one upload of mapped rows into a collection.
type ImportRequest struct {
	OrgID      string `json:"orgId"`
	UploadID   string `json:"uploadId,omitempty"`
	ListID     string `json:"listId"`
	Rows       []Row  `json:"rows"`
	Reactivate bool   `json:"reactivate"`
}

// Deps are the stores and services the pipeline writes through.
type Deps struct {
	Records  *db.RecordStore
	Lists    *db.CollectionStore
	Statuses *db.ImportStatusStore
	Fields   *db.CustomFieldStore
	Resolver *Resolver
	Builder  *index.Builder
}

// Pipeline runs bulk imports.
type Pipeline struct {
	deps      Deps
	creator   *batch.Runner
	updater   *batch.Runner
	maxErrors int
	logger    *zap.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

func NewPipeline(deps Deps, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = DefaultMaxErrors
	}
	return &Pipeline{
		deps:      deps,
		creator:   batch.New(cfg.Create, logger.Named("create")),
		updater:   batch.New(cfg.Update, logger.Named("update")),
		maxErrors: cfg.MaxErrors,
		logger:    logger,
		now:       time.Now,
	}
}

func (p *Pipeline) prepare(ctx context.Context, req *ImportRequest) error {
	if err := db.ValidateOrgID(req.OrgID); err != nil {
		return err
	}
	if req.ListID == "" {
		return fmt.Errorf("%w: list id is required", db.ErrInvalidRecord)
	}
	if req.UploadID == "" {
		req.UploadID = uuid.New().String()
	}
	if _, err := p.deps.Lists.Get(ctx, req.OrgID, req.ListID); err != nil {
		return err
	}
	return nil
}

// Start records a processing status and runs the import in the background on
// a context detached from ctx. It returns the upload id to poll.
func (p *Pipeline) Start(ctx context.Context, req ImportRequest) (string, error) {
	if err := p.prepare(ctx, &req); err != nil {
		return "", err
	}
	now := p.now().UTC()
	st := &models.ImportJobStatus{
		UploadID:  req.UploadID,
		OrgID:     req.OrgID,
		ListID:    req.ListID,
		Status:    models.ImportStatusProcessing,
		Stage:     StageQueued,
		Total:     len(req.Rows),
		Errors:    []string{},
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := p.deps.Statuses.Save(ctx, st); err != nil {
		return "", fmt.Errorf("failed to save import status: %w", err)
	}

	bg := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.run(bg, req, st); err != nil {
			p.logger.Error("import failed",
				zap.String("org_id", req.OrgID),
				zap.String("upload_id", req.UploadID),
				zap.Error(err))
		}
	}()
	return req.UploadID, nil
}

// Wait blocks until every import started with Start has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Run executes the import synchronously and returns the final status.
func (p *Pipeline) Run(ctx context.Context, req ImportRequest) (*models.ImportJobStatus, error) {
	if err := p.prepare(ctx, &req); err != nil {
		return nil, err
	}
	now := p.now().UTC()
	st := &models.ImportJobStatus{
		UploadID:  req.UploadID,
		OrgID:     req.OrgID,
		ListID:    req.ListID,
		Status:    models.ImportStatusProcessing,
		Total:     len(req.Rows),
		Errors:    []string{},
		StartedAt: now,
		UpdatedAt: now,
	}
	return p.run(ctx, req, st)
}

type action int

const (
	actionCreate action = iota
	actionUpdate
	actionSkip
)

// plan is the outcome of classifying one distinct contact of the upload.
type plan struct {
	row    int
	action action
	rec    *models.Record
	ok     bool
	err    error
}

type job struct {
	p      *Pipeline
	req    ImportRequest
	st     *models.ImportJobStatus
	logger *zap.Logger
}

func (j *job) save(ctx context.Context, stage string) {
	if stage != "" {
		j.st.Stage = stage
	}
	j.st.UpdatedAt = j.p.now().UTC()
	if err := j.p.deps.Statuses.Save(ctx, j.st); err != nil {
		j.logger.Warn("failed to save import status", zap.String("stage", j.st.Stage), zap.Error(err))
	}
}

func (j *job) fail(ctx context.Context, err error) (*models.ImportJobStatus, error) {
	now := j.p.now().UTC()
	j.st.Status = models.ImportStatusFailed
	j.st.Error = err.Error()
	j.st.FailedAt = &now
	j.save(ctx, "")
	return j.st, err
}

func (p *Pipeline) run(ctx context.Context, req ImportRequest, st *models.ImportJobStatus) (*models.ImportJobStatus, error) {
	j := &job{
		p:   p,
		req: req,
		st:  st,
		logger: p.logger.With(
			zap.String("org_id", req.OrgID),
			zap.String("upload_id", req.UploadID)),
	}
	j.logger.Info("import started", zap.Int("rows", len(req.Rows)))

	valid := j.validate(ctx)
	if err := j.registerFields(ctx, valid); err != nil {
		return j.fail(ctx, err)
	}

	plans, err := j.classify(ctx, valid)
	if err != nil {
		return j.fail(ctx, err)
	}

	update := func(ctx context.Context, rec *models.Record) error {
		err := p.deps.Records.Update(ctx, rec)
		if errors.Is(err, db.ErrRecordNotFound) {
			return batch.Permanent(err)
		}
		return err
	}
	if err := j.write(ctx, StageCreating, p.creator, plans, actionCreate, func(ctx context.Context, rec *models.Record) error {
		return p.deps.Records.Create(ctx, rec)
	}); err != nil {
		return j.fail(ctx, err)
	}
	if err := j.write(ctx, StageUpdating, p.updater, plans, actionUpdate, update); err != nil {
		return j.fail(ctx, err)
	}
	if err := j.write(ctx, StageUpdating, p.updater, plans, actionSkip, update); err != nil {
		return j.fail(ctx, err)
	}

	if err := j.assign(ctx, plans); err != nil {
		return j.fail(ctx, err)
	}

	j.save(ctx, StageIndexing)
	if _, err := p.deps.Builder.Rebuild(ctx, req.OrgID, models.KindContact); err != nil {
		return j.fail(ctx, fmt.Errorf("failed to rebuild index: %w", err))
	}

	now := p.now().UTC()
	st.Status = models.ImportStatusComplete
	st.Processed = st.Total
	st.CompletedAt = &now
	j.save(ctx, StageDone)
	j.logger.Info("import complete",
		zap.Int("created", st.Created),
		zap.Int("updated", st.Updated),
		zap.Int("skipped", st.Skipped),
		zap.Int("invalid", st.Invalid))
	return st, nil
}

type indexedRow struct {
	index int
	row   Row
}

func (j *job) validate(ctx context.Context) []indexedRow {
	j.save(ctx, StageValidating)
	valid := make([]indexedRow, 0, len(j.req.Rows))
	for i, row := range j.req.Rows {
		if errs := ValidateRow(i, row); len(errs) > 0 {
			j.st.Invalid++
			j.st.Processed++
			for _, e := range errs {
				j.st.AddError(e.Error(), j.p.maxErrors)
			}
			continue
		}
		valid = append(valid, indexedRow{index: i, row: row})
	}
	return valid
}

func (j *job) registerFields(ctx context.Context, rows []indexedRow) error {
	seen := make(map[string]bool)
	var fields []models.CustomField
	for _, r := range rows {
		keys := make([]string, 0, len(r.row.Metadata))
		for k := range r.row.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if seen[k] {
				continue
			}
			seen[k] = true
			fields = append(fields, models.CustomField{Key: k, DisplayName: r.row.Metadata[k].DisplayName})
		}
	}
	if len(fields) == 0 {
		return nil
	}
	added, err := j.p.deps.Fields.Register(ctx, j.req.OrgID, fields)
	if err != nil {
		return fmt.Errorf("failed to register custom fields: %w", err)
	}
	if added > 0 {
		j.logger.Info("registered custom fields", zap.Int("added", added))
	}
	return nil
}

// fillFrom copies row values onto rec. Blank values never erase.
func fillFrom(rec *models.Record, row Row) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&rec.FirstName, row.FirstName)
	set(&rec.LastName, row.LastName)
	set(&rec.Email, row.Email)
	set(&rec.Phone, row.Phone)
	set(&rec.Company, row.Company)
	set(&rec.Role, row.Role)
	rec.MergeMetadata(row.Metadata)
}

func (j *job) classify(ctx context.Context, rows []indexedRow) ([]*plan, error) {
	j.save(ctx, StageClassifying)

	pairs := make([]Pair, 0, len(rows))
	for _, r := range rows {
		pairs = append(pairs, Pair{Email: r.row.Email, Phone: r.row.Phone})
	}
	matches, err := j.p.deps.Resolver.FindMatches(ctx, j.req.OrgID, pairs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve duplicates: %w", err)
	}
	existing := make(map[Pair]*models.Record, len(matches))
	for _, m := range matches {
		existing[m.Pair] = m.Record
	}

	var plans []*plan
	byEmail := make(map[string]*plan)
	byPhone := make(map[string]*plan)
	byRecord := make(map[string]*plan)
	remember := func(pl *plan, row Row) {
		if e := normalizeEmail(row.Email); e != "" {
			if _, ok := byEmail[e]; !ok {
				byEmail[e] = pl
			}
		}
		if ph := normalizePhone(row.Phone); ph != "" {
			if _, ok := byPhone[ph]; !ok {
				byPhone[ph] = pl
			}
		}
	}

	now := j.p.now().UTC()
	for _, r := range rows {
		row := r.row

		// Same identity earlier in this upload: fold into that occurrence.
		pl := byEmail[normalizeEmail(row.Email)]
		if pl == nil {
			pl = byPhone[normalizePhone(row.Phone)]
		}
		if pl == nil {
			if rec := existing[Pair{Email: row.Email, Phone: row.Phone}]; rec != nil {
				pl = byRecord[rec.ID]
			}
		}
		if pl != nil {
			if pl.action != actionSkip {
				fillFrom(pl.rec, row)
			}
			remember(pl, row)
			j.st.Processed++
			continue
		}

		if rec := existing[Pair{Email: row.Email, Phone: row.Phone}]; rec != nil {
			updated := *rec
			pl = &plan{row: r.index, rec: &updated}
			if rec.OptedOut && !j.req.Reactivate {
				// Fields stay untouched; only the list membership is written.
				pl.action = actionSkip
				j.st.Skipped++
				if pl.rec.InList(j.req.ListID) {
					pl.ok = true
					j.st.Processed++
				} else {
					pl.rec.ListIDs = append([]string(nil), rec.ListIDs...)
					pl.rec.AddList(j.req.ListID)
				}
			} else {
				pl.action = actionUpdate
				fillFrom(pl.rec, row)
				pl.rec.AddList(j.req.ListID)
				if j.req.Reactivate {
					pl.rec.OptedOut = false
					pl.rec.IsActive = true
				}
			}
			byRecord[rec.ID] = pl
		} else {
			rec := &models.Record{
				ID:        db.NewID(),
				OrgID:     j.req.OrgID,
				Kind:      models.KindContact,
				ListIDs:   []string{j.req.ListID},
				IsActive:  true,
				CreatedAt: now,
				UpdatedAt: now,
			}
			fillFrom(rec, row)
			pl = &plan{row: r.index, action: actionCreate, rec: rec}
		}
		remember(pl, row)
		plans = append(plans, pl)
	}

	j.logger.Info("rows classified",
		zap.Int("distinct", len(plans)),
		zap.Int("matches", len(matches)))
	return plans, nil
}

// write runs fn over every plan with the given action, in paced batches.
// Each plan is written once: a retried batch only repeats the plans that have
// not gone through yet. Plans still failing after retries are recorded in the
// status and left out of assignment; the remaining batches still run.
func (j *job) write(ctx context.Context, stage string, runner *batch.Runner, plans []*plan, act action,
	fn func(ctx context.Context, rec *models.Record) error) error {
	var todo []*plan
	for _, pl := range plans {
		if pl.action == act {
			todo = append(todo, pl)
		}
	}
	j.save(ctx, stage)
	if len(todo) == 0 {
		return nil
	}

	failures, err := batch.Each(ctx, runner, todo, func(ctx context.Context, chunk []*plan) error {
		var failed error
		written := 0
		for _, pl := range chunk {
			if pl.ok {
				continue
			}
			if err := fn(ctx, pl.rec); err != nil {
				pl.err = err
				// Prefer a transient error so the runner retries the rest.
				if failed == nil || (batch.IsPermanent(failed) && !batch.IsPermanent(err)) {
					failed = err
				}
				continue
			}
			pl.ok, pl.err = true, nil
			written++
		}
		if written > 0 {
			switch act {
			case actionCreate:
				j.st.Created += written
			case actionUpdate:
				j.st.Updated += written
			}
			j.st.Processed += written
			j.save(ctx, "")
		}
		return failed
	})
	if err != nil {
		return err
	}
	for _, f := range failures {
		for _, pl := range todo[f.Start:f.End] {
			if pl.ok {
				continue
			}
			j.st.AddError(fmt.Sprintf("row %d: %v", pl.row+1, pl.err), j.p.maxErrors)
			j.st.Processed++
		}
		j.logger.Warn("batch failed", zap.String("stage", stage), zap.Error(f))
	}
	if len(failures) > 0 {
		j.save(ctx, "")
	}
	return nil
}

func (j *job) assign(ctx context.Context, plans []*plan) error {
	j.save(ctx, StageAssigning)

	ids := make([]string, 0, len(plans))
	for _, pl := range plans {
		if pl.ok {
			ids = append(ids, pl.rec.ID)
		}
	}
	if _, _, err := j.p.deps.Lists.AppendContacts(ctx, j.req.OrgID, j.req.ListID, ids); err != nil {
		return fmt.Errorf("failed to assign contacts to list: %w", err)
	}

	col, err := j.p.deps.Lists.Get(ctx, j.req.OrgID, j.req.ListID)
	if err != nil {
		return fmt.Errorf("failed to re-read list: %w", err)
	}
	members := make(map[string]bool, len(col.ContactIDs))
	for _, id := range col.ContactIDs {
		members[id] = true
	}
	missing := 0
	for _, id := range ids {
		if !members[id] {
			missing++
		}
	}
	if missing > 0 {
		return fmt.Errorf("%w: %d of %d contacts missing from list %s", ErrVerificationMismatch, missing, len(ids), j.req.ListID)
	}
	j.logger.Info("contacts assigned", zap.Int("assigned", len(ids)), zap.Int("list_size", len(col.ContactIDs)))
	return nil
}
