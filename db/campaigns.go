// ABOUTME: Campaign storage
// ABOUTME: A campaign targets one contact list on one channel
package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harperreed/broadcast/kv"
	"github.com/harperreed/broadcast/models"
)

type CampaignStore struct {
	store kv.Store
	now   func() time.Time
}

func NewCampaignStore(s kv.Store) *CampaignStore {
	return &CampaignStore{store: s, now: time.Now}
}

// Create validates and stores a draft campaign.
func (c *CampaignStore) Create(ctx context.Context, camp *models.Campaign) error {
	if camp == nil {
		return fmt.Errorf("%w: campaign is required", ErrInvalidRecord)
	}
	if err := ValidateOrgID(camp.OrgID); err != nil {
		return err
	}
	if camp.ListID == "" {
		return fmt.Errorf("%w: campaign requires a list", ErrInvalidRecord)
	}
	if strings.TrimSpace(camp.Body) == "" {
		return fmt.Errorf("%w: campaign body is required", ErrInvalidRecord)
	}
	switch camp.Channel {
	case "":
		camp.Channel = models.ChannelEmail
	case models.ChannelEmail, models.ChannelSMS:
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidRecord, camp.Channel)
	}

	if camp.ID == "" {
		camp.ID = uuid.New().String()
	}
	now := c.now().UTC()
	camp.CreatedAt = now
	camp.UpdatedAt = now
	camp.Status = models.CampaignDraft
	return c.Put(ctx, camp)
}

func (c *CampaignStore) Put(ctx context.Context, camp *models.Campaign) error {
	if err := ValidateOrgID(camp.OrgID); err != nil {
		return err
	}
	return putJSON(ctx, c.store, kv.RecordKey(camp.OrgID, kindCampaign, camp.ID), camp)
}

func (c *CampaignStore) Get(ctx context.Context, orgID, id string) (*models.Campaign, error) {
	if err := ValidateOrgID(orgID); err != nil {
		return nil, err
	}
	var camp models.Campaign
	if err := getJSON(ctx, c.store, kv.RecordKey(orgID, kindCampaign, id), &camp); err != nil {
		return nil, notFound(err, ErrCampaignNotFound)
	}
	return &camp, nil
}
