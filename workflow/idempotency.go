package workflow

import (
	"errors"
	"time"

	"github.com/cityconnect/ecocoins_backend/models"
	"gorm.io/gorm"
)

var (
	ErrIdempotencyInProgress = errors.New("idempotency in progress")
	// ErrIdempotencyKeyReused means the key already completed a different request.
	ErrIdempotencyKeyReused = errors.New("idempotency key reused for a different request")
)

// BeginIdempotency inserts STARTED. If SUCCEEDED exists, returns (true, existing) meaning "skip safely".
func BeginIdempotency(tx *gorm.DB, scope, handlerName, messageId string) (skip bool, existing *models.IdempotencyKey, err error) {
	key := models.IdempotencyKey{
		Scope:       scope,
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
	}
	if err := tx.Create(&key).Error; err == nil {
		return false, nil, nil
	} else if !models.IsDuplicateKeyErr(err) {
		return false, nil, err
	}

	var found models.IdempotencyKey
	if err := tx.Where("scope = ? AND handler_name = ? AND message_id = ?", scope, handlerName, messageId).
		First(&found).Error; err != nil {
		return false, nil, err
	}

	switch found.Status {
	case models.IdempotencyStatusSucceeded:
		return true, &found, nil
	case models.IdempotencyStatusStarted:
		// Another worker may still be on it; a stale STARTED row is taken over.
		if time.Since(found.UpdatedAt) < 5*time.Minute {
			return false, nil, ErrIdempotencyInProgress
		}
	}
	return false, nil, tx.Model(&models.IdempotencyKey{}).
		Where("id = ?", found.ID).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
}

func MarkIdempotencySucceeded(tx *gorm.DB, scope, handlerName, messageId string, resultRef *int) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("scope = ? AND handler_name = ? AND message_id = ?", scope, handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "result_ref": resultRef, "last_error": nil}).Error
}

func MarkIdempotencyFailed(tx *gorm.DB, scope, handlerName, messageId string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return tx.Model(&models.IdempotencyKey{}).
		Where("scope = ? AND handler_name = ? AND message_id = ?", scope, handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
}
