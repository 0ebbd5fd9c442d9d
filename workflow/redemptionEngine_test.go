package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cityconnect/ecocoins_backend/dbtest"
	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var redeemDay = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)

func newEngine(db *gorm.DB) *RedemptionEngine {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return &RedemptionEngine{
		DB:      db,
		Logger:  logger,
		Metrics: NewMetrics(prometheus.NewRegistry()),
		Now:     func() time.Time { return redeemDay },
	}
}

func createOffer(t *testing.T, name string, cost, stock int) *models.Offer {
	t.Helper()
	o, err := models.CreateOffer(context.Background(), &models.NewOffer{
		Name:      name,
		Cost:      cost,
		OfferType: models.OfferTypeShopOffer,
		Stock:     stock,
		StartDate: redeemDay.AddDate(0, 0, -1),
		EndDate:   redeemDay.AddDate(0, 0, 1),
	}, 1)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	return o
}

func stockOf(t *testing.T, offerId int) int {
	t.Helper()
	o, err := models.GetOffer(context.Background(), offerId)
	if err != nil {
		t.Fatalf("GetOffer: %v", err)
	}
	return o.Stock
}

func TestRedeem_DebitsSnapshotsCostAndTakesStock(t *testing.T) {
	db := newTestDB(t)
	u := createCitizen(t, "ria", 100)
	offer := createOffer(t, "Cinema pass", 60, 3)
	e := newEngine(db)

	r, err := e.Redeem(context.Background(), u.ID, offer.ID)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if r.CostPaid != 60 || r.Status != models.RedemptionStatusCompleted || len(r.VoucherCode) != 8 {
		t.Fatalf("redemption = %+v", r)
	}
	if got := balanceOf(t, u.ID); got != 40 {
		t.Fatalf("balance = %d, want 40", got)
	}
	if got := stockOf(t, offer.ID); got != 2 {
		t.Fatalf("stock = %d, want 2", got)
	}
	ok, err := models.LedgerReferenceExists(db, models.RedemptionReferenceKey(r.VoucherCode))
	if err != nil || !ok {
		t.Fatalf("ledger entry for voucher missing: %v", err)
	}

	// a later price change does not touch what was paid
	if err := db.Model(&models.Offer{}).Where("id = ?", offer.ID).Update("coins_required", 10).Error; err != nil {
		t.Fatalf("reprice: %v", err)
	}
	stored, err := models.GetRedemption(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("GetRedemption: %v", err)
	}
	if stored.CostPaid != 60 {
		t.Fatalf("cost paid = %d after reprice, want 60", stored.CostPaid)
	}
}

func TestRedeem_InsufficientBalanceChangesNothing(t *testing.T) {
	db := newTestDB(t)
	u := createCitizen(t, "sam", 49)
	offer := createOffer(t, "Bus card", 50, 5)
	e := newEngine(db)

	_, err := e.Redeem(context.Background(), u.ID, offer.ID)
	if !errors.Is(err, models.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if got := balanceOf(t, u.ID); got != 49 {
		t.Fatalf("balance = %d, want 49", got)
	}
	if got := stockOf(t, offer.ID); got != 5 {
		t.Fatalf("stock = %d, want 5", got)
	}
	var n int64
	db.Model(&models.Redemption{}).Count(&n)
	if n != 0 {
		t.Fatalf("redemptions = %d, want 0", n)
	}
}

func TestRedeem_ValidationOrder(t *testing.T) {
	db := newTestDB(t)
	poor := createCitizen(t, "tom", 5)
	rich := createCitizen(t, "uma", 500)
	e := newEngine(db)

	paused := createOffer(t, "Paused", 50, 0)
	if _, err := models.SetOfferActive(context.Background(), paused.ID, false); err != nil {
		t.Fatalf("SetOfferActive: %v", err)
	}
	// balance is checked before availability and stock
	if _, err := e.Redeem(context.Background(), poor.ID, paused.ID); !errors.Is(err, models.ErrInsufficientBalance) {
		t.Fatalf("poor user err = %v, want ErrInsufficientBalance", err)
	}
	// availability before stock
	if _, err := e.Redeem(context.Background(), rich.ID, paused.ID); !errors.Is(err, models.ErrOfferUnavailable) {
		t.Fatalf("inactive offer err = %v, want ErrOfferUnavailable", err)
	}

	soldOut := createOffer(t, "Sold out", 50, 0)
	if _, err := e.Redeem(context.Background(), rich.ID, soldOut.ID); !errors.Is(err, models.ErrOutOfStock) {
		t.Fatalf("sold out err = %v, want ErrOutOfStock", err)
	}

	future := createOffer(t, "Next month", 50, 5)
	if err := db.Model(&models.Offer{}).Where("id = ?", future.ID).
		Updates(map[string]interface{}{"start_date": redeemDay.AddDate(0, 1, 0), "end_date": redeemDay.AddDate(0, 2, 0)}).Error; err != nil {
		t.Fatalf("move window: %v", err)
	}
	if _, err := e.Redeem(context.Background(), rich.ID, future.ID); !errors.Is(err, models.ErrOfferUnavailable) {
		t.Fatalf("future offer err = %v, want ErrOfferUnavailable", err)
	}

	if _, err := e.Redeem(context.Background(), rich.ID, 9999); !errors.Is(err, models.ErrOfferNotFound) {
		t.Fatalf("unknown offer err = %v, want ErrOfferNotFound", err)
	}
	if got := balanceOf(t, rich.ID); got != 500 {
		t.Fatalf("failed redemptions changed balance to %d", got)
	}
}

func TestRedeem_LastUnitGoesToExactlyOneCaller(t *testing.T) {
	checkLastUnitGoesToOneCaller(t, newTestDB(t))
}

func TestRedeem_ConcurrentNeverOversells(t *testing.T) {
	checkConcurrentNeverOversells(t, newTestDB(t), 4, 12)
}

// sqlite serializes on its single connection; these run the same races against real row locks.
func TestRedeem_ConcurrencyMySQL(t *testing.T) {
	db := dbtest.StartMySQL(t)
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Run("last unit", func(t *testing.T) {
		checkLastUnitGoesToOneCaller(t, db)
	})
	t.Run("many callers", func(t *testing.T) {
		checkConcurrentNeverOversells(t, db, 5, 30)
	})
}

func checkLastUnitGoesToOneCaller(t *testing.T, db *gorm.DB) {
	t.Helper()
	a := createCitizen(t, "val", 100)
	b := createCitizen(t, "wes", 100)
	offer := createOffer(t, "Last ticket", 30, 1)
	e := newEngine(db)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, uid := range []int{a.ID, b.ID} {
		wg.Add(1)
		go func(i, uid int) {
			defer wg.Done()
			_, errs[i] = e.Redeem(context.Background(), uid, offer.ID)
		}(i, uid)
	}
	wg.Wait()

	successes, outOfStock := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, models.ErrOutOfStock):
			outOfStock++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || outOfStock != 1 {
		t.Fatalf("successes = %d, out of stock = %d", successes, outOfStock)
	}
	if got := stockOf(t, offer.ID); got != 0 {
		t.Fatalf("stock = %d, want 0", got)
	}
	if total := balanceOf(t, a.ID) + balanceOf(t, b.ID); total != 170 {
		t.Fatalf("combined balance = %d, want 170", total)
	}
}

func checkConcurrentNeverOversells(t *testing.T, db *gorm.DB, stock, callers int) {
	t.Helper()
	offer := createOffer(t, "Tote bag", 10, stock)
	users := make([]*models.User, callers)
	for i := range users {
		users[i] = createCitizen(t, fmt.Sprintf("oversell%02d", i), 25)
	}
	e := newEngine(db)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for _, u := range users {
		wg.Add(1)
		go func(uid int) {
			defer wg.Done()
			if _, err := e.Redeem(context.Background(), uid, offer.ID); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else if !errors.Is(err, models.ErrOutOfStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}(u.ID)
	}
	wg.Wait()

	if successes != stock {
		t.Fatalf("successes = %d, want %d", successes, stock)
	}
	if got := stockOf(t, offer.ID); got != 0 {
		t.Fatalf("stock = %d, want 0", got)
	}
	var vouchers int64
	db.Model(&models.Redemption{}).Where("offer_id = ?", offer.ID).Distinct("voucher_code").Count(&vouchers)
	if vouchers != int64(stock) {
		t.Fatalf("distinct vouchers = %d, want %d", vouchers, stock)
	}
	total := 0
	for _, u := range users {
		total += balanceOf(t, u.ID)
	}
	if want := callers*25 - stock*10; total != want {
		t.Fatalf("combined balance = %d, want %d", total, want)
	}
}

func TestRedeem_VoucherCollisionForcesNewCode(t *testing.T) {
	db := newTestDB(t)
	u := createCitizen(t, "xia", 100)
	offer := createOffer(t, "Coffee", 10, 5)
	e := newEngine(db)

	codes := []string{"DUPE0001", "DUPE0001", "FRESH002"}
	var mu sync.Mutex
	e.NewVoucherCode = func() string {
		mu.Lock()
		defer mu.Unlock()
		c := codes[0]
		if len(codes) > 1 {
			codes = codes[1:]
		}
		return c
	}

	first, err := e.Redeem(context.Background(), u.ID, offer.ID)
	if err != nil {
		t.Fatalf("first Redeem: %v", err)
	}
	second, err := e.Redeem(context.Background(), u.ID, offer.ID)
	if err != nil {
		t.Fatalf("second Redeem: %v", err)
	}
	if first.VoucherCode != "DUPE0001" || second.VoucherCode != "FRESH002" {
		t.Fatalf("codes = %s, %s", first.VoucherCode, second.VoucherCode)
	}
	if got := balanceOf(t, u.ID); got != 80 {
		t.Fatalf("balance = %d, want 80", got)
	}
}

func TestRedeem_VoucherExhaustedRollsBack(t *testing.T) {
	db := newTestDB(t)
	u := createCitizen(t, "yan", 100)
	offer := createOffer(t, "Coffee", 10, 5)
	e := newEngine(db)
	e.NewVoucherCode = func() string { return "SAMECODE" }
	e.MaxVoucherAttempts = 3

	if _, err := e.Redeem(context.Background(), u.ID, offer.ID); err != nil {
		t.Fatalf("first Redeem: %v", err)
	}
	if _, err := e.Redeem(context.Background(), u.ID, offer.ID); !errors.Is(err, ErrVoucherExhausted) {
		t.Fatalf("err = %v, want ErrVoucherExhausted", err)
	}
	if got := balanceOf(t, u.ID); got != 90 {
		t.Fatalf("balance = %d, want 90", got)
	}
	if got := stockOf(t, offer.ID); got != 4 {
		t.Fatalf("stock = %d, want 4", got)
	}
}

func TestRedeemWithKey_ReplaysWithoutCharging(t *testing.T) {
	db := newTestDB(t)
	u := createCitizen(t, "zed", 100)
	offer := createOffer(t, "Plant", 20, 5)
	e := newEngine(db)

	first, err := e.RedeemWithKey(context.Background(), u.ID, offer.ID, "req-1")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	again, err := e.RedeemWithKey(context.Background(), u.ID, offer.ID, "req-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again.ID != first.ID || again.VoucherCode != first.VoucherCode {
		t.Fatalf("replay returned %d/%s, want %d/%s", again.ID, again.VoucherCode, first.ID, first.VoucherCode)
	}
	if got := balanceOf(t, u.ID); got != 80 {
		t.Fatalf("balance = %d, want 80", got)
	}

	other, err := e.RedeemWithKey(context.Background(), u.ID, offer.ID, "req-2")
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("a new key must create a new redemption")
	}
}

func TestRedeemWithKey_FailedAttemptIsNotRemembered(t *testing.T) {
	db := newTestDB(t)
	u := createCitizen(t, "amy", 10)
	offer := createOffer(t, "Plant", 20, 5)
	e := newEngine(db)

	if _, err := e.RedeemWithKey(context.Background(), u.ID, offer.ID, "retry-me"); !errors.Is(err, models.ErrInsufficientBalance) {
		t.Fatalf("err = %v", err)
	}
	if err := models.WithLedgerTx(context.Background(), db, func(tx *gorm.DB) error {
		_, err := models.AwardCredits(tx, u.ID, 10, "top up", "")
		return err
	}); err != nil {
		t.Fatalf("top up: %v", err)
	}
	if _, err := e.RedeemWithKey(context.Background(), u.ID, offer.ID, "retry-me"); err != nil {
		t.Fatalf("retry after top up: %v", err)
	}
}

func TestRedeemWithKey_RejectsKeyFromAnotherOffer(t *testing.T) {
	db := newTestDB(t)
	u := createCitizen(t, "bea", 100)
	plant := createOffer(t, "Plant", 20, 5)
	coffee := createOffer(t, "Coffee", 10, 5)
	e := newEngine(db)

	if _, err := e.RedeemWithKey(context.Background(), u.ID, plant.ID, "req-shared"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := e.RedeemWithKey(context.Background(), u.ID, coffee.ID, "req-shared"); !errors.Is(err, ErrIdempotencyKeyReused) {
		t.Fatalf("err = %v, want ErrIdempotencyKeyReused", err)
	}
	if got := balanceOf(t, u.ID); got != 80 {
		t.Fatalf("balance = %d, want 80", got)
	}
	if got := stockOf(t, coffee.ID); got != 5 {
		t.Fatalf("coffee stock = %d, want 5", got)
	}
}
