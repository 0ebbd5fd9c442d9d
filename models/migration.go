package models

import (
	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&LedgerEntry{},
		&Submission{},
		&Offer{},
		&Redemption{},
		&UserBadge{},
		&RewardSyncMessage{},
		&IdempotencyKey{},
	)
}
