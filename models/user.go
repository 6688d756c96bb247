package models

import "gorm.io/gorm"

// User owns campaigns and leads. Accounts are provisioned by an operator;
// there is no self-service signup flow.
type User struct {
	gorm.Model
	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	Name     string `json:"name"`
	IsActive bool   `gorm:"default:true" json:"is_active"`

	Campaigns []Campaign `gorm:"foreignKey:UserID" json:"campaigns,omitempty"`
	Leads     []Lead     `gorm:"foreignKey:UserID" json:"leads,omitempty"`
}
