// ABOUTME: Campaign fan-out: render one message per reachable contact and send it
// ABOUTME: Each message is attributed to a team member picked by round robin
package fanout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/harperreed/broadcast/db"
	"github.com/harperreed/broadcast/models"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds in-flight sends per dispatch.
const DefaultConcurrency = 8

const maxDispatchErrors = 10

// ErrCampaignSent is returned when dispatching a campaign that already went out.
var ErrCampaignSent = errors.New("campaign already sent")

// Message is one rendered outbound message.
type Message struct {
	OrgID      string `json:"org_id"`
	CampaignID string `json:"campaign_id"`
	Channel    string `json:"channel"`
	ContactID  string `json:"contact_id"`
	To         string `json:"to"`
	MemberID   string `json:"member_id,omitempty"`
	From       string `json:"from,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body"`
}

// Sender delivers a message and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// Renderer expands a template against a record.
type Renderer interface {
	Render(tpl string, rec *models.Record) (string, error)
}

// TemplateRenderer renders text/template templates. Parsed templates are cached
// by source text.
type TemplateRenderer struct {
	cache *xsync.MapOf[string, *template.Template]
}

func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{cache: xsync.NewMapOf[string, *template.Template]()}
}

func recordView(rec *models.Record) map[string]any {
	meta := make(map[string]string, len(rec.Metadata))
	for k, v := range rec.Metadata {
		meta[k] = v.Value
	}
	return map[string]any{
		"FirstName": rec.FirstName,
		"LastName":  rec.LastName,
		"FullName":  rec.FullName(),
		"Email":     rec.Email,
		"Phone":     rec.Phone,
		"Company":   rec.Company,
		"Role":      rec.Role,
		"Metadata":  meta,
	}
}

func (r *TemplateRenderer) Render(tpl string, rec *models.Record) (string, error) {
	if tpl == "" {
		return "", nil
	}
	t, ok := r.cache.Load(tpl)
	if !ok {
		parsed, err := template.New("message").Option("missingkey=zero").Parse(tpl)
		if err != nil {
			return "", fmt.Errorf("failed to parse template: %w", err)
		}
		t, _ = r.cache.LoadOrStore(tpl, parsed)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, recordView(rec)); err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return buf.String(), nil
}

// LogSender writes messages to the log instead of a provider.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) (string, error) {
	id := uuid.New().String()
	s.logger.Info("message sent",
		zap.String("message_id", id),
		zap.String("org_id", msg.OrgID),
		zap.String("campaign_id", msg.CampaignID),
		zap.String("channel", msg.Channel),
		zap.String("to", msg.To),
		zap.String("from", msg.From),
		zap.Int("body_bytes", len(msg.Body)))
	return id, nil
}

// DispatchResult summarizes one fan-out.
type DispatchResult struct {
	Sent    int      `json:"sent"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors"`
}

// Dispatcher fans a campaign out to its list.
type Dispatcher struct {
	campaigns   *db.CampaignStore
	lists       *db.CollectionStore
	records     *db.RecordStore
	assigner    *RoundRobin
	renderer    Renderer
	sender      Sender
	concurrency int
	logger      *zap.Logger
	now         func() time.Time
}

// DispatcherDeps are the collaborators of a Dispatcher.
type DispatcherDeps struct {
	Campaigns *db.CampaignStore
	Lists     *db.CollectionStore
	Records   *db.RecordStore
	Assigner  *RoundRobin
	Renderer  Renderer
	Sender    Sender
}

func NewDispatcher(deps DispatcherDeps, concurrency int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if deps.Renderer == nil {
		deps.Renderer = NewTemplateRenderer()
	}
	if deps.Sender == nil {
		deps.Sender = NewLogSender(logger)
	}
	return &Dispatcher{
		campaigns:   deps.Campaigns,
		lists:       deps.Lists,
		records:     deps.Records,
		assigner:    deps.Assigner,
		renderer:    deps.Renderer,
		sender:      deps.Sender,
		concurrency: concurrency,
		logger:      logger,
		now:         time.Now,
	}
}

func destination(rec *models.Record, channel string) string {
	if channel == models.ChannelSMS {
		return rec.Phone
	}
	return rec.Email
}

// Dispatch sends the campaign to every reachable contact of its list and
// stores the outcome on the campaign.
func (d *Dispatcher) Dispatch(ctx context.Context, orgID, campaignID string) (*DispatchResult, error) {
	camp, err := d.campaigns.Get(ctx, orgID, campaignID)
	if err != nil {
		return nil, err
	}
	if camp.Status == models.CampaignSent {
		return nil, fmt.Errorf("%w: %s", ErrCampaignSent, campaignID)
	}
	col, err := d.lists.Get(ctx, orgID, camp.ListID)
	if err != nil {
		return nil, err
	}

	camp.Status = models.CampaignSending
	camp.UpdatedAt = d.now().UTC()
	if err := d.campaigns.Put(ctx, camp); err != nil {
		return nil, fmt.Errorf("failed to mark campaign sending: %w", err)
	}

	logger := d.logger.With(zap.String("org_id", orgID), zap.String("campaign_id", campaignID))
	delivered := make(map[string]bool, len(camp.DeliveredIDs))
	for _, id := range camp.DeliveredIDs {
		delivered[id] = true
	}
	if len(delivered) > 0 {
		logger.Info("resuming interrupted dispatch", zap.Int("already_delivered", len(delivered)))
	}

	res := &DispatchResult{Errors: []string{}}
	var mu sync.Mutex
	record := func(contactID string, sent bool, errMsg string) {
		mu.Lock()
		defer mu.Unlock()
		if sent {
			res.Sent++
			camp.DeliveredIDs = append(camp.DeliveredIDs, contactID)
			return
		}
		res.Failed++
		if len(res.Errors) < maxDispatchErrors {
			res.Errors = append(res.Errors, errMsg)
		}
	}

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	var loopErr error
	for _, id := range col.ContactIDs {
		if delivered[id] {
			continue
		}
		rec, err := d.records.Get(ctx, orgID, models.KindContact, id)
		if errors.Is(err, db.ErrRecordNotFound) {
			res.Skipped++
			continue
		}
		if err != nil {
			loopErr = err
			break
		}
		if !rec.Reachable(camp.Channel) {
			res.Skipped++
			continue
		}

		msg := Message{
			OrgID:      orgID,
			CampaignID: camp.ID,
			Channel:    camp.Channel,
			ContactID:  rec.ID,
			To:         destination(rec, camp.Channel),
		}
		member, err := d.assigner.Next(ctx, orgID)
		if err != nil {
			loopErr = err
			break
		}
		if member != nil {
			msg.MemberID = member.ID
			msg.From = destination(member, camp.Channel)
		}
		if msg.Subject, err = d.renderer.Render(camp.Subject, rec); err != nil {
			record(rec.ID, false, fmt.Sprintf("contact %s: %v", rec.ID, err))
			continue
		}
		if msg.Body, err = d.renderer.Render(camp.Body, rec); err != nil {
			record(rec.ID, false, fmt.Sprintf("contact %s: %v", rec.ID, err))
			continue
		}

		g.Go(func() error {
			if _, err := d.sender.Send(ctx, msg); err != nil {
				record(msg.ContactID, false, fmt.Sprintf("contact %s: %v", msg.ContactID, err))
				return nil
			}
			record(msg.ContactID, true, "")
			return nil
		})
	}
	_ = g.Wait()
	if loopErr != nil {
		// Stays in sending; DeliveredIDs are skipped on the next attempt.
		camp.UpdatedAt = d.now().UTC()
		if err := d.campaigns.Put(ctx, camp); err != nil {
			logger.Error("failed to save dispatch progress", zap.Int("delivered", len(camp.DeliveredIDs)), zap.Error(err))
		}
		return nil, fmt.Errorf("dispatch aborted: %w", loopErr)
	}

	now := d.now().UTC()
	camp.Status = models.CampaignSent
	camp.Stats = models.CampaignStats{Sent: len(camp.DeliveredIDs), Failed: res.Failed, Skipped: res.Skipped}
	camp.SentAt = &now
	camp.UpdatedAt = now
	if err := d.campaigns.Put(ctx, camp); err != nil {
		return res, fmt.Errorf("failed to save campaign stats: %w", err)
	}

	logger.Info("campaign dispatched",
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped))
	return res, nil
}
