package models

import "gorm.io/gorm"

// Migrate runs the schema migration for every persisted entity.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Lead{},
		&LeadCustomField{},
		&Campaign{},
		&SequenceStep{},
		&SequenceState{},
		&EmailActivity{},
	)
}
