package store

import (
	"context"
	"errors"

	"outreachly/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// Store is the persistence collaborator the engine talks to. It behaves as a
// transactional key-value store keyed by entity id with read-your-writes
// consistency within one scheduling tick.
type Store interface {
	GetCampaign(ctx context.Context, id uint) (*models.Campaign, error)
	ListActiveCampaigns(ctx context.Context) ([]models.Campaign, error)
	SaveCampaign(ctx context.Context, c *models.Campaign) error
	IncrCampaignStat(ctx context.Context, id uint, column string, delta int) error
	IncrStepStat(ctx context.Context, stepID uint, column string, delta int) error

	GetLead(ctx context.Context, id uint) (*models.Lead, error)
	SaveLead(ctx context.Context, l *models.Lead) error

	GetSequenceState(ctx context.Context, campaignID, leadID uint) (*models.SequenceState, error)
	ListSequenceStates(ctx context.Context, campaignID uint) ([]models.SequenceState, error)
	SaveSequenceState(ctx context.Context, s *models.SequenceState) error
	CountNonTerminalStates(ctx context.Context, campaignID uint) (int64, error)

	RecordActivity(ctx context.Context, a *models.EmailActivity) error
	HasActivity(ctx context.Context, messageID string) (bool, error)
	FindActivityByMessageID(ctx context.Context, messageID string) (*models.EmailActivity, error)
}
