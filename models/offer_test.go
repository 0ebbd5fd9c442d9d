package models_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/cityconnect/ecocoins_backend/rewardsync"
)

var catalogToday = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

func newOfferInput(name string, cost, stock int) *models.NewOffer {
	return &models.NewOffer{
		Name:      name,
		Cost:      cost,
		OfferType: models.OfferTypeShopOffer,
		Stock:     stock,
		StartDate: catalogToday.AddDate(0, 0, -5),
		EndDate:   catalogToday.AddDate(0, 0, 5),
	}
}

func TestOffer_WithinWindowIsInclusiveByDate(t *testing.T) {
	o := models.Offer{
		StartDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		IsActive:  true,
		Stock:     1,
	}
	cases := []struct {
		day  time.Time
		want bool
	}{
		{time.Date(2026, 2, 28, 23, 59, 0, 0, time.UTC), false},
		{time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), true},
		{time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC), true},
		{time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), false},
	}
	for _, c := range cases {
		if got := o.WithinWindow(c.day); got != c.want {
			t.Fatalf("WithinWindow(%s) = %v, want %v", c.day, got, c.want)
		}
	}

	o.Stock = 0
	if o.Available(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("out of stock offer must not be available")
	}
}

func TestCreateOffer_ValidatesAndQueuesSync(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	bad := newOfferInput("Free coffee", 0, 5)
	if _, err := models.CreateOffer(ctx, bad, 1); err == nil {
		t.Fatalf("expected validation error for zero cost")
	}
	backwards := newOfferInput("Backwards", 10, 5)
	backwards.EndDate = backwards.StartDate.AddDate(0, 0, -1)
	if _, err := models.CreateOffer(ctx, backwards, 1); err == nil {
		t.Fatalf("expected validation error for end before start")
	}

	offer, err := models.CreateOffer(ctx, newOfferInput("Free coffee", 40, 5), 1)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if !offer.IsActive {
		t.Fatalf("offers are active by default")
	}

	var rec models.RewardSyncMessage
	if err := db.Where("dedupe_key = ?", models.OfferSyncDedupeKey(offer.ID)).Take(&rec).Error; err != nil {
		t.Fatalf("outbox row missing: %v", err)
	}
	if rec.Kind != rewardsync.KindOffer || rec.Status != models.OutboxStatusPending {
		t.Fatalf("outbox row = %+v", rec)
	}
	if rec.Payload != `{"name":"Free coffee","cost":40,"quantity":5}` {
		t.Fatalf("payload = %s", rec.Payload)
	}
}

func TestListAvailableOffers_FiltersAndSorts(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()

	mustCreate := func(in *models.NewOffer) *models.Offer {
		t.Helper()
		o, err := models.CreateOffer(ctx, in, 1)
		if err != nil {
			t.Fatalf("CreateOffer(%s): %v", in.Name, err)
		}
		return o
	}
	cheap := mustCreate(newOfferInput("Bike repair voucher", 20, 3))
	pricey := mustCreate(newOfferInput("Concert ticket", 90, 1))
	mustCreate(newOfferInput("Sold out tote", 10, 0))
	expired := newOfferInput("Old deal", 5, 10)
	expired.StartDate = catalogToday.AddDate(0, -2, 0)
	expired.EndDate = catalogToday.AddDate(0, -1, 0)
	mustCreate(expired)
	inactive := newOfferInput("Paused", 5, 10)
	off := false
	inactive.IsActive = &off
	mustCreate(inactive)
	gift := newOfferInput("Tree sapling", 30, 4)
	gift.OfferType = models.OfferTypeEcoReward
	gift.Description = "Plant it in your neighbourhood"
	mustCreate(gift)

	all, err := models.ListAvailableOffers(ctx, models.OfferQuery{Sort: models.OfferSortCoinsAsc}, catalogToday)
	if err != nil {
		t.Fatalf("ListAvailableOffers: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("available = %d, want 3", len(all))
	}
	if all[0].ID != cheap.ID || all[2].ID != pricey.ID {
		t.Fatalf("coins_asc order = %s, %s, %s", all[0].Name, all[1].Name, all[2].Name)
	}

	found, _ := models.ListAvailableOffers(ctx, models.OfferQuery{Search: "NEIGHBOUR"}, catalogToday)
	if len(found) != 1 || found[0].Name != "Tree sapling" {
		t.Fatalf("search by description = %v", found)
	}

	category := models.OfferTypeEcoReward
	byType, _ := models.ListAvailableOffers(ctx, models.OfferQuery{Category: &category}, catalogToday)
	if len(byType) != 1 {
		t.Fatalf("category filter = %d offers, want 1", len(byType))
	}
}

func TestOfferStockMutations(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	offer, err := models.CreateOffer(ctx, newOfferInput("Mug", 15, 1), 1)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	if err := models.DecrementOfferStock(db, offer.ID); err != nil {
		t.Fatalf("first decrement: %v", err)
	}
	if err := models.DecrementOfferStock(db, offer.ID); !errors.Is(err, models.ErrOutOfStock) {
		t.Fatalf("second decrement err = %v, want ErrOutOfStock", err)
	}

	if _, err := models.UpdateOfferStock(ctx, offer.ID, -1); !errors.Is(err, models.ErrInvalidStock) {
		t.Fatalf("negative restock err = %v", err)
	}
	restocked, err := models.UpdateOfferStock(ctx, offer.ID, 12)
	if err != nil {
		t.Fatalf("UpdateOfferStock: %v", err)
	}
	if restocked.Stock != 12 {
		t.Fatalf("stock = %d, want 12", restocked.Stock)
	}

	if _, err := models.SetOfferActive(ctx, 999, false); !errors.Is(err, models.ErrOfferNotFound) {
		t.Fatalf("SetOfferActive unknown err = %v", err)
	}
}

func TestGetOfferDetail_CanAfford(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := createCitizen(t, ctx, "hana")
	award(t, ctx, db, u.ID, 40, "")
	offer, err := models.CreateOffer(ctx, newOfferInput("Lunch", 50, 2), 1)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	detail, err := models.GetOfferDetail(ctx, offer.ID, u.ID, catalogToday)
	if err != nil {
		t.Fatalf("GetOfferDetail: %v", err)
	}
	if detail.CanAfford || !detail.Available || detail.UserCoins != 40 {
		t.Fatalf("detail = %+v", detail)
	}

	award(t, ctx, db, u.ID, 10, "")
	detail, _ = models.GetOfferDetail(ctx, offer.ID, u.ID, catalogToday)
	if !detail.CanAfford {
		t.Fatalf("balance equal to cost must be affordable")
	}

	if _, err := models.GetOfferDetail(ctx, 777, u.ID, catalogToday); !errors.Is(err, models.ErrOfferNotFound) {
		t.Fatalf("unknown offer err = %v", err)
	}
}
