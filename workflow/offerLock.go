package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

const offerLockTTL = 5 * time.Second

// obtainOfferLock takes lock:offer:<id> across instances. It never fails the caller:
// without Redis, or when the lock is busy past the retry budget, the offer row lock
// in the redemption transaction still serializes redemptions.
func obtainOfferLock(ctx context.Context, locker *redislock.Client, logger *logrus.Logger, offerId int) func() {
	if locker == nil {
		return func() {}
	}
	key := fmt.Sprintf("lock:offer:%d", offerId)
	lock, err := locker.Obtain(ctx, key, offerLockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 40),
	})
	if err != nil {
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"field":    "RedemptionEngine",
				"offer_id": offerId,
			}).Warn("could not obtain redis offer lock; proceeding with row lock only: " + err.Error())
		}
		return func() {}
	}
	return func() {
		if releaseErr := lock.Release(context.Background()); releaseErr != nil && releaseErr != redislock.ErrLockNotHeld && logger != nil {
			logger.WithFields(logrus.Fields{
				"field":    "RedemptionEngine",
				"offer_id": offerId,
			}).Warn("failed to release redis offer lock: " + releaseErr.Error())
		}
	}
}
