package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cityconnect/ecocoins_backend/config"
	"github.com/cityconnect/ecocoins_backend/rewardsync"
	"gorm.io/gorm"
)

// Outbox delivery statuses for RewardSyncMessage.Status.
const (
	OutboxStatusPending    = "PENDING"
	OutboxStatusProcessing = "PROCESSING"
	OutboxStatusSent       = "SENT"
	OutboxStatusFailed     = "FAILED"
	OutboxStatusDead       = "DEAD"
)

// RewardSyncMessage is the transactional outbox for the external reward ledger.
// Rows are written in the same transaction as the local mutation and delivered after commit.
type RewardSyncMessage struct {
	ID            int        `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	Kind          string     `gorm:"size:20;not null" json:"kind"`
	DedupeKey     string     `gorm:"size:191;not null;unique" json:"dedupe_key"`
	UserId        *int       `gorm:"index" json:"user_id"`
	Payload       string     `gorm:"type:text;not null" json:"payload"`
	Status        string     `gorm:"size:20;not null;default:'PENDING';index;index:idx_outbox_dispatch,priority:1" json:"status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt      *time.Time `gorm:"index" json:"locked_at"`
	LockedBy      *string    `gorm:"size:100" json:"locked_by"`
	LastError     *string    `gorm:"type:text" json:"last_error"`
	SentAt        *time.Time `json:"sent_at"`
	ExternalId    *string    `gorm:"size:255" json:"external_id"`
	CorrelationId string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnqueueRewardSync writes an outbox row inside tx. A repeated dedupeKey returns the existing row.
func EnqueueRewardSync(tx *gorm.DB, kind string, dedupeKey string, userId *int, payload any, correlationId string) (*RewardSyncMessage, error) {
	raw, err := rewardsync.EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	rec := RewardSyncMessage{
		Kind:          kind,
		DedupeKey:     dedupeKey,
		UserId:        userId,
		Payload:       string(raw),
		Status:        OutboxStatusPending,
		CorrelationId: correlationId,
	}
	if err := tx.Create(&rec).Error; err != nil {
		if !IsDuplicateKeyErr(err) {
			return nil, err
		}
		var existing RewardSyncMessage
		if err := tx.Where("dedupe_key = ?", dedupeKey).Take(&existing).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	}
	return &rec, nil
}

func (rec *RewardSyncMessage) Envelope() config.RewardSyncEnvelope {
	return config.RewardSyncEnvelope{
		OutboxId:      rec.ID,
		Kind:          rec.Kind,
		DedupeKey:     rec.DedupeKey,
		Payload:       json.RawMessage(rec.Payload),
		CorrelationId: rec.CorrelationId,
	}
}

// ReplayDeadRewardSync moves DEAD rows back to PENDING with a fresh attempt budget.
func ReplayDeadRewardSync(ctx context.Context, db *gorm.DB) (int64, error) {
	res := db.WithContext(ctx).Model(&RewardSyncMessage{}).
		Where("status = ?", OutboxStatusDead).
		Updates(map[string]interface{}{
			"status":          OutboxStatusPending,
			"attempts":        0,
			"next_attempt_at": nil,
			"locked_at":       nil,
			"locked_by":       nil,
		})
	return res.RowsAffected, res.Error
}

type OutboxStatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

func CountRewardSyncByStatus(ctx context.Context, db *gorm.DB) ([]OutboxStatusCount, error) {
	var rows []OutboxStatusCount
	err := db.WithContext(ctx).Model(&RewardSyncMessage{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Order("status").
		Scan(&rows).Error
	return rows, err
}
