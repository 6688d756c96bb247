package models

import (
	"gorm.io/gorm"
)

// Lead score buckets. Empty score means the lead has not been scored yet.
const (
	ScoreHot  = "hot"
	ScoreWarm = "warm"
	ScoreCold = "cold"
)

// Lead represents a single contact/lead
type Lead struct {
	gorm.Model
	UserID uint `gorm:"not null;uniqueIndex:idx_user_email" json:"user_id"`

	Email     string `gorm:"not null;uniqueIndex:idx_user_email" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Position  string `json:"position"`
	Industry  string `json:"industry"`
	Phone     string `json:"phone"`
	Website   string `json:"website"`

	// Free-form attributes used for personalization
	CompanyDescription string   `gorm:"type:text" json:"company_description"`
	PainPoints         []string `gorm:"type:jsonb;serializer:json" json:"pain_points"`

	// Priority bucket assigned at enrollment
	Score string `gorm:"index" json:"score"`

	// Status
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`

	// Metadata
	Source string `json:"source"` // manual, csv, api

	// Relations
	CustomFields   []LeadCustomField `gorm:"foreignKey:LeadID" json:"custom_fields,omitempty"`
	SequenceStates []SequenceState   `gorm:"foreignKey:LeadID" json:"sequence_states,omitempty"`
}

// FullName joins first and last name for prompts and meeting invites.
func (l *Lead) FullName() string {
	if l.FirstName == "" {
		return l.LastName
	}
	if l.LastName == "" {
		return l.FirstName
	}
	return l.FirstName + " " + l.LastName
}

// LeadCustomField represents open-ended extension attributes on a lead
type LeadCustomField struct {
	gorm.Model
	LeadID uint   `gorm:"not null;index" json:"lead_id"`
	Name   string `gorm:"not null;index" json:"name"`
	Value  string `gorm:"type:text" json:"value"`
}
