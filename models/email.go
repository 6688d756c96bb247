package models

import (
	"time"

	"gorm.io/gorm"
)

// EmailActivity kinds.
const (
	ActivitySent  = "sent"
	ActivityReply = "reply"
)

// EmailActivity is the audit trail of outbound sends and inbound replies.
// MessageID carries the provider message id; its unique index is what makes
// at-least-once reply delivery safe to re-apply.
type EmailActivity struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`
	LeadID     uint `gorm:"not null;index" json:"lead_id"`

	ActivityType string `gorm:"not null" json:"activity_type"`
	StepNumber   int    `json:"step_number"`
	MessageID    string `gorm:"uniqueIndex;not null" json:"message_id"`

	Subject string `json:"subject"`
	Body    string `gorm:"type:text" json:"body"`

	SentAt     *time.Time `json:"sent_at"`
	ReceivedAt *time.Time `json:"received_at"`

	// Relations
	Campaign Campaign `json:"-"`
	Lead     Lead     `json:"-"`
}
