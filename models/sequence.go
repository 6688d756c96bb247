package models

import (
	"time"

	"gorm.io/gorm"
)

// SequenceState statuses. Unsubscribed and Dead are terminal; Booked ends
// the funnel. Sent exists only as a bookkeeping transition and is never
// persisted: a successful send lands directly in AwaitingReply.
const (
	StatusPending       = "pending"
	StatusSent          = "sent"
	StatusAwaitingReply = "awaiting_reply"
	StatusReplied       = "replied"
	StatusBooked        = "booked"
	StatusUnsubscribed  = "unsubscribed"
	StatusDead          = "dead"
)

// SequenceStep represents one ordered step in a campaign's sequence
type SequenceStep struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`

	StepNumber int    `gorm:"not null" json:"step_number"` // 0-based
	TemplateID string `gorm:"not null" json:"template_id"`
	Channel    string `gorm:"default:'email'" json:"channel"`

	// Prompt is the base generation prompt for this step; the AI fills in
	// lead-specific personalization around it.
	Prompt string `gorm:"type:text" json:"prompt"`

	// DelayHours is the minimum age of the previous action before this step
	// may go out: enrollment for the first step, the prior send for
	// follow-ups, where it can stretch that step's silence window.
	DelayHours   int `gorm:"not null" json:"delay_hours"`
	SilenceHours int `gorm:"not null" json:"silence_hours"` // no-reply window before a follow-up

	// Tracking
	SentCount  int `gorm:"default:0" json:"sent_count"`
	ReplyCount int `gorm:"default:0" json:"reply_count"`
}

// SequenceState tracks one lead's progress through one campaign. Exactly one
// row exists per (lead, campaign); it is created on enrollment and retained
// for the life of the campaign for audit.
type SequenceState struct {
	gorm.Model
	CampaignID uint `gorm:"not null;uniqueIndex:idx_campaign_lead" json:"campaign_id"`
	LeadID     uint `gorm:"not null;uniqueIndex:idx_campaign_lead" json:"lead_id"`

	// CurrentStepIndex is the last step sent. -1 means nothing sent yet.
	CurrentStepIndex int    `gorm:"default:-1" json:"current_step_index"`
	Status           string `gorm:"default:'pending';index" json:"status"`

	LastActionAt  *time.Time `json:"last_action_at"`
	FollowUpCount int        `gorm:"default:0" json:"follow_up_count"`

	// ManualReview parks the enrollment until an operator clears it.
	ManualReview       bool   `gorm:"default:false" json:"manual_review"`
	ManualReviewReason string `json:"manual_review_reason"`

	// Relations
	Campaign Campaign `json:"-"`
	Lead     Lead     `json:"-"`
}

// Terminal reports whether no further scheduling can happen for this state.
func (s *SequenceState) Terminal() bool {
	switch s.Status {
	case StatusBooked, StatusUnsubscribed, StatusDead:
		return true
	}
	return false
}
