package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cityconnect/ecocoins_backend/config"
	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/cityconnect/ecocoins_backend/rewardsync"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Deliverer pushes one outbox row to the external reward ledger.
// The returned id is stored as the row's external id when non-empty.
type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, rec *models.RewardSyncMessage) (string, error)
}

// HTTPDeliverer calls the reward ledger API directly.
type HTTPDeliverer struct {
	Client *rewardsync.Client
}

func (d HTTPDeliverer) Name() string { return "http" }

func (d HTTPDeliverer) Deliver(ctx context.Context, rec *models.RewardSyncMessage) (string, error) {
	return "", d.Client.Deliver(ctx, rec.Kind, json.RawMessage(rec.Payload))
}

// PubSubDeliverer hands the row to Pub/Sub; the push endpoint does the HTTP call.
type PubSubDeliverer struct{}

func (PubSubDeliverer) Name() string { return "pubsub" }

func (PubSubDeliverer) Deliver(ctx context.Context, rec *models.RewardSyncMessage) (string, error) {
	return config.PublishRewardSync(ctx, rec.Envelope())
}

// NewDeliverer picks the delivery path from REWARD_SYNC_VIA_PUBSUB.
func NewDeliverer(client *rewardsync.Client) Deliverer {
	if config.RewardSyncViaPubSub() {
		return PubSubDeliverer{}
	}
	return HTTPDeliverer{Client: client}
}

// RewardNotifier makes a best-effort immediate delivery of a committed outbox row.
type RewardNotifier interface {
	NotifyNow(ctx context.Context, outboxId int) error
}

type OutboxDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Deliverer    Deliverer
	Metrics      *Metrics
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	NotifyTimeout  time.Duration
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger, deliverer Deliverer) *OutboxDispatcher {
	return &OutboxDispatcher{
		DB:             db,
		Logger:         logger,
		Deliverer:      deliverer,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
		NotifyTimeout:  rewardsync.DefaultTimeout,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.dispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

func (d *OutboxDispatcher) dispatchOnce(ctx context.Context) int {
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)
	db := d.DB
	if db == nil || d.Deliverer == nil {
		return 0
	}

	var claimed []models.RewardSyncMessage
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible: PENDING/FAILED and due, or PROCESSING with a stale lock.
		q := tx.
			Where(`
				(
					status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{models.OutboxStatusPending, models.OutboxStatusFailed}, now, models.OutboxStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			if d.MaxAttempts > 0 && claimed[i].Attempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max delivery attempts exceeded (%d)", d.MaxAttempts)
				claimed[i].Status = models.OutboxStatusDead
				if err := tx.Model(&models.RewardSyncMessage{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"status":          models.OutboxStatusDead,
					"last_error":      &msg,
					"next_attempt_at": nil,
					"locked_at":       nil,
					"locked_by":       nil,
				}).Error; err != nil {
					return err
				}
				d.Metrics.dead()
				continue
			}

			claimed[i].Status = models.OutboxStatusProcessing
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &d.DispatcherID
			claimed[i].Attempts++
			if err := tx.Model(&models.RewardSyncMessage{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"status":          claimed[i].Status,
				"locked_at":       claimed[i].LockedAt,
				"locked_by":       claimed[i].LockedBy,
				"attempts":        gorm.Expr("attempts + 1"),
				"last_error":      nil,
				"next_attempt_at": nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if d.Logger != nil && !errors.Is(err, context.Canceled) {
			config.LogError(d.Logger, "outboxDispatcher.go", "dispatchOnce", "claim", nil, err)
		}
		return 0
	}

	delivered := 0
	for i := range claimed {
		rec := &claimed[i]
		if rec.Status == models.OutboxStatusDead {
			continue
		}
		if d.deliver(ctx, rec, "dispatcher") == nil {
			delivered++
		}
	}
	return delivered
}

// NotifyNow claims a PENDING row and delivers it right away. A row that the
// dispatcher already holds, or that was already sent, is left alone.
func (d *OutboxDispatcher) NotifyNow(ctx context.Context, outboxId int) error {
	if d == nil || d.DB == nil || d.Deliverer == nil {
		return rewardsync.ErrSyncNotConfigured
	}
	if d.NotifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.NotifyTimeout)
		defer cancel()
	}

	now := time.Now().UTC()
	res := d.DB.WithContext(ctx).Model(&models.RewardSyncMessage{}).
		Where("id = ? AND status = ?", outboxId, models.OutboxStatusPending).
		Updates(map[string]interface{}{
			"status":    models.OutboxStatusProcessing,
			"locked_at": &now,
			"locked_by": &d.DispatcherID,
			"attempts":  gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}

	var rec models.RewardSyncMessage
	if err := d.DB.WithContext(ctx).Where("id = ?", outboxId).Take(&rec).Error; err != nil {
		return err
	}
	return d.deliver(ctx, &rec, "immediate")
}

func (d *OutboxDispatcher) deliver(ctx context.Context, rec *models.RewardSyncMessage, path string) error {
	externalId, err := d.Deliverer.Deliver(ctx, rec)
	if err != nil {
		d.Metrics.syncDelivery(path, "failed")
		d.markFailed(rec, err)
		return err
	}
	d.Metrics.syncDelivery(path, "sent")
	d.markSent(rec, externalId)
	return nil
}

// markSent and markFailed write with a fresh context so a cancelled caller
// does not leave the row stuck in PROCESSING until the lock goes stale.
func (d *OutboxDispatcher) markSent(rec *models.RewardSyncMessage, externalId string) {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":          models.OutboxStatusSent,
		"sent_at":         &now,
		"locked_at":       nil,
		"locked_by":       nil,
		"next_attempt_at": nil,
		"last_error":      nil,
	}
	if externalId != "" {
		updates["external_id"] = &externalId
	}
	if err := d.DB.Model(&models.RewardSyncMessage{}).Where("id = ?", rec.ID).Updates(updates).Error; err != nil && d.Logger != nil {
		config.LogError(d.Logger, "outboxDispatcher.go", "markSent", rec.DedupeKey, nil, err)
	}
}

func (d *OutboxDispatcher) markFailed(rec *models.RewardSyncMessage, err error) {
	now := time.Now().UTC()
	msg := err.Error()
	attempt := rec.Attempts

	if d.MaxAttempts > 0 && attempt >= d.MaxAttempts {
		_ = d.DB.Model(&models.RewardSyncMessage{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"status":          models.OutboxStatusDead,
				"last_error":      &msg,
				"next_attempt_at": nil,
				"locked_at":       nil,
				"locked_by":       nil,
			}).Error
		d.Metrics.dead()

		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":          "OutboxDispatcher",
				"dedupe_key":     rec.DedupeKey,
				"record_id":      rec.ID,
				"attempt":        attempt,
				"correlation_id": rec.CorrelationId,
			}).Error("reward sync moved to DEAD after max attempts: " + msg)
		}
		return
	}

	next := now.Add(d.backoff(attempt))
	_ = d.DB.Model(&models.RewardSyncMessage{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"status":          models.OutboxStatusFailed,
			"last_error":      &msg,
			"next_attempt_at": &next,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error

	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":           "OutboxDispatcher",
			"dedupe_key":      rec.DedupeKey,
			"record_id":       rec.ID,
			"attempt":         attempt,
			"next_attempt_at": next.Format(time.RFC3339Nano),
			"correlation_id":  rec.CorrelationId,
		}).Warn("reward sync failed: " + msg)
	}
}

func (d *OutboxDispatcher) backoff(attempt int) time.Duration {
	backoff := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > time.Minute*10 {
			return time.Minute * 10
		}
	}
	return backoff
}

const pushHandlerName = "reward-sync-push"

// ProcessPushedRewardSync is the Pub/Sub push processor. Each Pub/Sub message id is
// delivered to the reward ledger at most once.
func ProcessPushedRewardSync(db *gorm.DB, client *rewardsync.Client, logger *logrus.Logger) rewardsync.PushProcessor {
	return func(ctx context.Context, messageId string, env config.RewardSyncEnvelope) error {
		if messageId == "" {
			messageId = env.DedupeKey
		}
		var skip bool
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			skip, _, err = BeginIdempotency(tx, env.Kind, pushHandlerName, messageId)
			return err
		})
		if err != nil {
			return err
		}
		if skip {
			return nil
		}

		deliverErr := client.Deliver(ctx, env.Kind, env.Payload)
		if deliverErr != nil {
			if logger != nil {
				config.LogWarning(logger, "outboxDispatcher.go", "ProcessPushedRewardSync", logrus.Fields{
					"message_id":     messageId,
					"dedupe_key":     env.DedupeKey,
					"correlation_id": env.CorrelationId,
				}, deliverErr)
			}
			_ = MarkIdempotencyFailed(db.WithContext(ctx), env.Kind, pushHandlerName, messageId, deliverErr)
			if errors.Is(deliverErr, rewardsync.ErrUnknownKind) {
				// Redelivery cannot help.
				return nil
			}
			return deliverErr
		}
		ref := env.OutboxId
		return MarkIdempotencySucceeded(db.WithContext(ctx), env.Kind, pushHandlerName, messageId, &ref)
	}
}
