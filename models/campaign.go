package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Campaign definition problems surfaced by Validate.
var (
	ErrNoSteps             = errors.New("campaign has no sequence steps")
	ErrStepsOutOfOrder     = errors.New("sequence steps are not numbered contiguously from 0")
	ErrStepMissingTemplate = errors.New("sequence step has no template id")
	ErrStepBadDelay        = errors.New("sequence step has a negative delay or non-positive silence window")
	ErrBadMaxFollowUps     = errors.New("campaign max follow-ups is negative")
)

// Campaign lifecycle states. Draft -> Active is the only entry into
// scheduling; Active <-> Paused is operator-controlled.
const (
	CampaignDraft     = "draft"
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignArchived  = "archived"
)

// Campaign represents a multi-step outreach campaign
type Campaign struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"default:'draft'" json:"status"`

	// Scheduling
	MaxFollowUps int        `gorm:"default:3" json:"max_follow_ups"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`

	// Statistics (denormalized for performance)
	EnrolledCount    int `gorm:"default:0" json:"enrolled_count"`
	SentCount        int `gorm:"default:0" json:"sent_count"`
	ReplyCount       int `gorm:"default:0" json:"reply_count"`
	BookedCount      int `gorm:"default:0" json:"booked_count"`
	UnsubscribeCount int `gorm:"default:0" json:"unsubscribe_count"`
	DeadCount        int `gorm:"default:0" json:"dead_count"`

	// Relations
	Steps          []SequenceStep  `gorm:"foreignKey:CampaignID" json:"steps,omitempty"`
	SequenceStates []SequenceState `gorm:"foreignKey:CampaignID" json:"enrollments,omitempty"`
}

// Validate reports whether the campaign definition is runnable. A failure
// here is a configuration error: the campaign gets auto-paused, other
// campaigns are unaffected.
func (c *Campaign) Validate() error {
	if len(c.Steps) == 0 {
		return ErrNoSteps
	}
	for i := range c.Steps {
		s := &c.Steps[i]
		if s.StepNumber != i {
			return ErrStepsOutOfOrder
		}
		if s.TemplateID == "" {
			return ErrStepMissingTemplate
		}
		if s.DelayHours < 0 || s.SilenceHours <= 0 {
			return ErrStepBadDelay
		}
	}
	if c.MaxFollowUps < 0 {
		return ErrBadMaxFollowUps
	}
	return nil
}
