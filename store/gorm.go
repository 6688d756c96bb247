package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"outreachly/models"
)

// GormStore is the Postgres-backed Store implementation.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) GetCampaign(ctx context.Context, id uint) (*models.Campaign, error) {
	var campaign models.Campaign
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_number ASC") }).
		First(&campaign, id).Error
	if err != nil {
		return nil, wrapErr(err)
	}
	return &campaign, nil
}

func (s *GormStore) ListActiveCampaigns(ctx context.Context) ([]models.Campaign, error) {
	var campaigns []models.Campaign
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_number ASC") }).
		Where("status = ?", models.CampaignActive).
		Find(&campaigns).Error
	if err != nil {
		return nil, wrapErr(err)
	}
	return campaigns, nil
}

func (s *GormStore) SaveCampaign(ctx context.Context, c *models.Campaign) error {
	return wrapErr(s.db.WithContext(ctx).Save(c).Error)
}

func (s *GormStore) IncrCampaignStat(ctx context.Context, id uint, column string, delta int) error {
	return wrapErr(s.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ?", id).
		Update(column, gorm.Expr(column+" + ?", delta)).Error)
}

func (s *GormStore) IncrStepStat(ctx context.Context, stepID uint, column string, delta int) error {
	return wrapErr(s.db.WithContext(ctx).Model(&models.SequenceStep{}).
		Where("id = ?", stepID).
		Update(column, gorm.Expr(column+" + ?", delta)).Error)
}

func (s *GormStore) GetLead(ctx context.Context, id uint) (*models.Lead, error) {
	var lead models.Lead
	err := s.db.WithContext(ctx).Preload("CustomFields").First(&lead, id).Error
	if err != nil {
		return nil, wrapErr(err)
	}
	return &lead, nil
}

func (s *GormStore) SaveLead(ctx context.Context, l *models.Lead) error {
	return wrapErr(s.db.WithContext(ctx).Save(l).Error)
}

func (s *GormStore) GetSequenceState(ctx context.Context, campaignID, leadID uint) (*models.SequenceState, error) {
	var state models.SequenceState
	err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND lead_id = ?", campaignID, leadID).
		First(&state).Error
	if err != nil {
		return nil, wrapErr(err)
	}
	return &state, nil
}

func (s *GormStore) ListSequenceStates(ctx context.Context, campaignID uint) ([]models.SequenceState, error) {
	var states []models.SequenceState
	err := s.db.WithContext(ctx).
		Preload("Lead").
		Where("campaign_id = ?", campaignID).
		Find(&states).Error
	if err != nil {
		return nil, wrapErr(err)
	}
	return states, nil
}

func (s *GormStore) SaveSequenceState(ctx context.Context, st *models.SequenceState) error {
	return wrapErr(s.db.WithContext(ctx).Save(st).Error)
}

func (s *GormStore) CountNonTerminalStates(ctx context.Context, campaignID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.SequenceState{}).
		Where("campaign_id = ? AND status NOT IN ?", campaignID,
			[]string{models.StatusBooked, models.StatusUnsubscribed, models.StatusDead}).
		Count(&count).Error
	return count, wrapErr(err)
}

func (s *GormStore) RecordActivity(ctx context.Context, a *models.EmailActivity) error {
	err := s.db.WithContext(ctx).Create(a).Error
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: message %s", ErrDuplicate, a.MessageID)
	}
	return wrapErr(err)
}

func (s *GormStore) HasActivity(ctx context.Context, messageID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.EmailActivity{}).
		Where("message_id = ?", messageID).
		Count(&count).Error
	return count > 0, wrapErr(err)
}

func (s *GormStore) FindActivityByMessageID(ctx context.Context, messageID string) (*models.EmailActivity, error) {
	var activity models.EmailActivity
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID).First(&activity).Error
	if err != nil {
		return nil, wrapErr(err)
	}
	return &activity, nil
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// isUniqueViolation matches the Postgres duplicate-key error without pulling
// the pgx error types into the store's surface.
func isUniqueViolation(err error) bool {
	return err != nil && (errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "SQLSTATE 23505"))
}
