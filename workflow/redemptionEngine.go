package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/cityconnect/ecocoins_backend/config"
	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
)

// ErrVoucherExhausted means every candidate code collided. Callers should retry later.
var ErrVoucherExhausted = errors.New("could not allocate a unique voucher code")

var errVoucherCollision = errors.New("voucher code collision")

const redeemHandlerName = "redeem"

type RedemptionEngine struct {
	DB                 *gorm.DB
	Locker             *redislock.Client
	Logger             *logrus.Logger
	Metrics            *Metrics
	Now                func() time.Time
	NewVoucherCode     func() string
	MaxVoucherAttempts int
	LeaderboardSize    int
}

// DefaultVoucherCode is the first segment of a random uuid, uppercased.
func DefaultVoucherCode() string {
	return strings.ToUpper(strings.SplitN(uuid.NewString(), "-", 2)[0])
}

func (e *RedemptionEngine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *RedemptionEngine) voucherCode() string {
	if e.NewVoucherCode != nil {
		return e.NewVoucherCode()
	}
	return DefaultVoucherCode()
}

func (e *RedemptionEngine) maxAttempts() int {
	if e.MaxVoucherAttempts > 0 {
		return e.MaxVoucherAttempts
	}
	return 5
}

// Redeem spends the offer cost from userId and takes one unit of stock.
func (e *RedemptionEngine) Redeem(ctx context.Context, userId int, offerId int) (*models.Redemption, error) {
	return e.RedeemWithKey(ctx, userId, offerId, "")
}

// RedeemWithKey is Redeem with an optional client idempotency key. Repeating a
// key that already succeeded returns the original redemption without charging again.
func (e *RedemptionEngine) RedeemWithKey(ctx context.Context, userId int, offerId int, idempotencyKey string) (*models.Redemption, error) {
	ctx, span := tracer.Start(ctx, "RedemptionEngine.Redeem")
	defer span.End()
	span.SetAttributes(attribute.Int("user_id", userId), attribute.Int("offer_id", offerId))

	release := obtainOfferLock(ctx, e.Locker, e.Logger, offerId)
	defer release()

	scope := fmt.Sprintf("user:%d", userId)
	idempotencyKey = strings.TrimSpace(idempotencyKey)

	var (
		redemption *models.Redemption
		offer      *models.Offer
		replayId   *int
	)
	err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if idempotencyKey != "" {
			skip, existing, err := BeginIdempotency(tx, scope, redeemHandlerName, idempotencyKey)
			if err != nil {
				return err
			}
			if skip {
				if existing == nil || existing.ResultRef == nil {
					return ErrIdempotencyInProgress
				}
				var prior models.Redemption
				if err := tx.Select("id", "offer_id").Where("id = ?", *existing.ResultRef).Take(&prior).Error; err != nil {
					return err
				}
				if prior.OfferId != offerId {
					return ErrIdempotencyKeyReused
				}
				replayId = existing.ResultRef
				return nil
			}
		}

		var err error
		offer, err = models.LockOffer(tx, offerId)
		if err != nil {
			return err
		}
		balance, err := models.LockUserBalance(tx, userId)
		if err != nil {
			return err
		}

		if balance < offer.Cost {
			return models.ErrInsufficientBalance
		}
		if !offer.IsActive || !offer.WithinWindow(e.now()) {
			return models.ErrOfferUnavailable
		}
		if offer.Stock <= 0 {
			return models.ErrOutOfStock
		}

		redemption, err = e.commitRedemption(tx, userId, offer)
		if err != nil {
			return err
		}
		if idempotencyKey != "" {
			return MarkIdempotencySucceeded(tx, scope, redeemHandlerName, idempotencyKey, &redemption.ID)
		}
		return nil
	})
	if err != nil {
		e.Metrics.redemption(redemptionOutcome(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if replayId != nil {
		e.Metrics.redemption("replayed")
		r, err := models.GetRedemption(ctx, *replayId)
		if err != nil {
			return nil, err
		}
		r.Offer, _ = models.GetOffer(ctx, r.OfferId)
		return r, nil
	}

	e.Metrics.redemption("success")
	e.Metrics.debited(redemption.CostPaid)
	if err := invalidateLeaderboard(e.LeaderboardSize); err != nil && e.Logger != nil {
		config.LogWarning(e.Logger, "redemptionEngine.go", "Redeem", logrus.Fields{"user_id": userId}, err)
	}

	offer.Stock--
	redemption.Offer = offer
	if e.Logger != nil {
		e.Logger.WithFields(logrus.Fields{
			"field":         "RedemptionEngine",
			"user_id":       userId,
			"offer_id":      offerId,
			"redemption_id": redemption.ID,
			"cost_paid":     redemption.CostPaid,
		}).Info("offer redeemed")
	}
	return redemption, nil
}

// commitRedemption debits, decrements stock and writes the redemption under a
// savepoint per voucher candidate, so a collision discards only that attempt.
func (e *RedemptionEngine) commitRedemption(tx *gorm.DB, userId int, offer *models.Offer) (*models.Redemption, error) {
	for attempt := 1; attempt <= e.maxAttempts(); attempt++ {
		code := e.voucherCode()
		exists, err := models.VoucherCodeExists(tx, code)
		if err != nil {
			return nil, err
		}
		if exists {
			e.Metrics.voucherCollision()
			continue
		}

		var redemption *models.Redemption
		err = tx.Transaction(func(sp *gorm.DB) error {
			reason := models.LedgerReason("redeem:%s", offer.Name)
			if _, err := models.DebitCredits(sp, userId, offer.Cost, reason, models.RedemptionReferenceKey(code)); err != nil {
				if errors.Is(err, models.ErrDuplicateLedgerReference) {
					return errVoucherCollision
				}
				return err
			}
			if err := models.DecrementOfferStock(sp, offer.ID); err != nil {
				return err
			}
			r := models.Redemption{
				UserId:      userId,
				OfferId:     offer.ID,
				CostPaid:    offer.Cost,
				VoucherCode: code,
				Status:      models.RedemptionStatusCompleted,
			}
			if err := sp.Create(&r).Error; err != nil {
				if models.IsDuplicateKeyErr(err) {
					return errVoucherCollision
				}
				return err
			}
			redemption = &r
			return nil
		})
		if errors.Is(err, errVoucherCollision) {
			e.Metrics.voucherCollision()
			continue
		}
		if err != nil {
			return nil, err
		}
		return redemption, nil
	}
	return nil, ErrVoucherExhausted
}

func redemptionOutcome(err error) string {
	switch {
	case errors.Is(err, models.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, models.ErrOfferUnavailable):
		return "unavailable"
	case errors.Is(err, models.ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, models.ErrOfferNotFound):
		return "not_found"
	case errors.Is(err, ErrVoucherExhausted):
		return "voucher_exhausted"
	case errors.Is(err, ErrIdempotencyKeyReused):
		return "key_reused"
	default:
		return "error"
	}
}
