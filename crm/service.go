// ABOUTME: Mutation service for contacts, team members, lists and campaigns
// ABOUTME: Every record write is followed by one rebuild of that tenant's index
package crm

import (
	"context"
	"fmt"
	"strings"

	"github.com/harperreed/broadcast/db"
	"github.com/harperreed/broadcast/importer"
	"github.com/harperreed/broadcast/index"
	"github.com/harperreed/broadcast/models"
	"go.uber.org/zap"
)

// Service applies mutations and keeps the derived projections current.
type Service struct {
	records   *db.RecordStore
	lists     *db.CollectionStore
	campaigns *db.CampaignStore
	builder   *index.Builder
	logger    *zap.Logger
}

func NewService(records *db.RecordStore, lists *db.CollectionStore, campaigns *db.CampaignStore, builder *index.Builder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		records:   records,
		lists:     lists,
		campaigns: campaigns,
		builder:   builder,
		logger:    logger,
	}
}

// RecordInput carries the fields of a new contact or member.
type RecordInput struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
	Company   string
	Role      string
	Metadata  map[string]models.MetadataField
}

// RecordPatch changes only the non-nil fields.
type RecordPatch struct {
	FirstName *string
	LastName  *string
	Email     *string
	Phone     *string
	Company   *string
	Role      *string
	IsActive  *bool
	Metadata  map[string]models.MetadataField
}

func validate(rec *models.Record) error {
	errs := importer.ValidateRow(0, importer.Row{
		FirstName: rec.FirstName,
		LastName:  rec.LastName,
		Email:     rec.Email,
		Phone:     rec.Phone,
	})
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Field+" "+e.Reason)
	}
	return fmt.Errorf("%w: %s", db.ErrInvalidRecord, strings.Join(msgs, "; "))
}

func (s *Service) reindex(ctx context.Context, orgID, kind string) error {
	if _, err := s.builder.Rebuild(ctx, orgID, kind); err != nil {
		return fmt.Errorf("failed to rebuild %s index: %w", kind, err)
	}
	return nil
}

func (s *Service) create(ctx context.Context, orgID, kind string, in RecordInput) (*models.Record, error) {
	rec := &models.Record{
		OrgID:     orgID,
		Kind:      kind,
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Email:     strings.TrimSpace(in.Email),
		Phone:     strings.TrimSpace(in.Phone),
		Company:   strings.TrimSpace(in.Company),
		Role:      strings.TrimSpace(in.Role),
		IsActive:  true,
	}
	rec.MergeMetadata(in.Metadata)
	if err := validate(rec); err != nil {
		return nil, err
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", kind, err)
	}
	s.logger.Info("record created", zap.String("org_id", orgID), zap.String("kind", kind), zap.String("id", rec.ID))
	return rec, s.reindex(ctx, orgID, kind)
}

func (s *Service) update(ctx context.Context, orgID, kind, id string, patch RecordPatch) (*models.Record, error) {
	rec, err := s.records.Get(ctx, orgID, kind, id)
	if err != nil {
		return nil, err
	}
	apply := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	apply(&rec.FirstName, patch.FirstName)
	apply(&rec.LastName, patch.LastName)
	apply(&rec.Email, patch.Email)
	apply(&rec.Phone, patch.Phone)
	apply(&rec.Company, patch.Company)
	apply(&rec.Role, patch.Role)
	if patch.IsActive != nil {
		rec.IsActive = *patch.IsActive
	}
	rec.MergeMetadata(patch.Metadata)

	if err := validate(rec); err != nil {
		return nil, err
	}
	if err := s.records.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", kind, err)
	}
	return rec, s.reindex(ctx, orgID, kind)
}

func (s *Service) remove(ctx context.Context, orgID, kind, id string) error {
	if err := s.records.Delete(ctx, orgID, kind, id); err != nil {
		return err
	}
	s.logger.Info("record deleted", zap.String("org_id", orgID), zap.String("kind", kind), zap.String("id", id))
	if err := s.builder.Invalidate(ctx, orgID, kind); err != nil {
		return fmt.Errorf("failed to invalidate %s index: %w", kind, err)
	}
	return s.reindex(ctx, orgID, kind)
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, orgID, kind, id string) (*models.Record, error) {
	return s.records.Get(ctx, orgID, kind, id)
}

func (s *Service) CreateContact(ctx context.Context, orgID string, in RecordInput) (*models.Record, error) {
	return s.create(ctx, orgID, models.KindContact, in)
}

func (s *Service) UpdateContact(ctx context.Context, orgID, id string, patch RecordPatch) (*models.Record, error) {
	return s.update(ctx, orgID, models.KindContact, id, patch)
}

// SetOptOut flips the opt-out flag of a contact.
func (s *Service) SetOptOut(ctx context.Context, orgID, id string, optedOut bool) (*models.Record, error) {
	rec, err := s.records.Get(ctx, orgID, models.KindContact, id)
	if err != nil {
		return nil, err
	}
	if rec.OptedOut == optedOut {
		return rec, nil
	}
	rec.OptedOut = optedOut
	if err := s.records.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to update contact: %w", err)
	}
	return rec, s.reindex(ctx, orgID, models.KindContact)
}

func (s *Service) DeleteContact(ctx context.Context, orgID, id string) error {
	return s.remove(ctx, orgID, models.KindContact, id)
}

func (s *Service) CreateMember(ctx context.Context, orgID string, in RecordInput) (*models.Record, error) {
	return s.create(ctx, orgID, models.KindMember, in)
}

func (s *Service) UpdateMember(ctx context.Context, orgID, id string, patch RecordPatch) (*models.Record, error) {
	return s.update(ctx, orgID, models.KindMember, id, patch)
}

func (s *Service) DeleteMember(ctx context.Context, orgID, id string) error {
	return s.remove(ctx, orgID, models.KindMember, id)
}

// CreateList creates an empty contact list.
func (s *Service) CreateList(ctx context.Context, orgID, name string) (*models.Collection, error) {
	col := &models.Collection{OrgID: orgID, Name: strings.TrimSpace(name)}
	if err := s.lists.Create(ctx, col); err != nil {
		return nil, err
	}
	return col, nil
}

// Lists returns every contact list of the tenant.
func (s *Service) Lists(ctx context.Context, orgID string) ([]*models.Collection, error) {
	return s.lists.List(ctx, orgID)
}

// AddToList appends existing contacts to a list and records the membership on
// each contact. Unknown contact ids fail the whole call before any write.
func (s *Service) AddToList(ctx context.Context, orgID, listID string, contactIDs []string) (*models.Collection, error) {
	if _, err := s.lists.Get(ctx, orgID, listID); err != nil {
		return nil, err
	}
	recs := make([]*models.Record, 0, len(contactIDs))
	for _, id := range contactIDs {
		rec, err := s.records.Get(ctx, orgID, models.KindContact, id)
		if err != nil {
			return nil, fmt.Errorf("contact %s: %w", id, err)
		}
		recs = append(recs, rec)
	}

	col, _, err := s.lists.AppendContacts(ctx, orgID, listID, contactIDs)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if !rec.AddList(listID) {
			continue
		}
		if err := s.records.Update(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to record list membership: %w", err)
		}
	}
	return col, s.reindex(ctx, orgID, models.KindContact)
}

// CreateCampaign stores a draft campaign targeting an existing list.
func (s *Service) CreateCampaign(ctx context.Context, camp *models.Campaign) (*models.Campaign, error) {
	if camp == nil {
		return nil, db.ErrInvalidRecord
	}
	if _, err := s.lists.Get(ctx, camp.OrgID, camp.ListID); err != nil {
		return nil, err
	}
	if err := s.campaigns.Create(ctx, camp); err != nil {
		return nil, err
	}
	return camp, nil
}

// Campaign returns one campaign.
func (s *Service) Campaign(ctx context.Context, orgID, id string) (*models.Campaign, error) {
	return s.campaigns.Get(ctx, orgID, id)
}
