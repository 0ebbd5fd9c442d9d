package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cityconnect/ecocoins_backend/config"
	"github.com/cityconnect/ecocoins_backend/rewardsync"
	"github.com/cityconnect/ecocoins_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Offer.Stock is decremented only by the redemption engine; admins restock with UpdateOfferStock.
type Offer struct {
	ID             int       `gorm:"primary_key" json:"id"`
	Name           string    `gorm:"size:255;not null" json:"name"`
	Description    string    `gorm:"type:text" json:"description"`
	Cost           int       `gorm:"column:coins_required;not null;check:coins_required > 0" json:"coins_required"`
	OfferType      OfferType `gorm:"size:20;not null;default:shop_offer;index" json:"offer_type"`
	LocationName   string    `gorm:"size:255" json:"location_name"`
	LocationMapUrl string    `gorm:"size:500" json:"location_map_url"`
	Stock          int       `gorm:"not null;default:0;check:stock >= 0" json:"stock"`
	StartDate      time.Time `gorm:"not null" json:"start_date"`
	EndDate        time.Time `gorm:"not null" json:"end_date"`
	AddedById      *int      `gorm:"index" json:"added_by_id"`
	IsActive       bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewOffer struct {
	Name           string    `json:"name" validate:"required,max=255"`
	Description    string    `json:"description"`
	Cost           int       `json:"coins_required" validate:"required,gt=0"`
	OfferType      OfferType `json:"offer_type" validate:"required,oneof=shop_offer donor_gift event_ticket eco_reward"`
	LocationName   string    `json:"location_name" validate:"max=255"`
	LocationMapUrl string    `json:"location_map_url" validate:"omitempty,url,max=500"`
	Stock          int       `json:"stock" validate:"gte=0"`
	StartDate      time.Time `json:"start_date" validate:"required"`
	EndDate        time.Time `json:"end_date" validate:"required,gtefield=StartDate"`
	IsActive       *bool     `json:"is_active"`
}

func (input *NewOffer) validate() error {
	return utils.ValidateStruct(input)
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// WithinWindow reports whether today falls in [StartDate, EndDate], compared by calendar date.
func (o *Offer) WithinWindow(today time.Time) bool {
	day := dateOnly(today)
	return !day.Before(dateOnly(o.StartDate)) && !day.After(dateOnly(o.EndDate))
}

// Available is active, in stock and within the validity window.
func (o *Offer) Available(today time.Time) bool {
	return o.IsActive && o.Stock > 0 && o.WithinWindow(today)
}

func OfferSyncDedupeKey(offerId int) string {
	return fmt.Sprintf("offer:%d:created", offerId)
}

// CreateOffer saves the offer and queues the ledger announcement in one transaction.
func CreateOffer(ctx context.Context, input *NewOffer, addedById int) (*Offer, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}
	offer := Offer{
		Name:           strings.TrimSpace(input.Name),
		Description:    input.Description,
		Cost:           input.Cost,
		OfferType:      input.OfferType,
		LocationName:   input.LocationName,
		LocationMapUrl: input.LocationMapUrl,
		Stock:          input.Stock,
		StartDate:      dateOnly(input.StartDate),
		EndDate:        dateOnly(input.EndDate),
		AddedById:      &addedById,
		IsActive:       input.IsActive == nil || *input.IsActive,
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&offer).Error; err != nil {
			return err
		}
		payload := rewardsync.OfferRequest{Name: offer.Name, Cost: offer.Cost, Quantity: offer.Stock}
		_, err := EnqueueRewardSync(tx, rewardsync.KindOffer, OfferSyncDedupeKey(offer.ID), nil, payload, correlationId)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &offer, nil
}

func GetOffer(ctx context.Context, id int) (*Offer, error) {
	db := config.GetDB()
	var offer Offer
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&offer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOfferNotFound
		}
		return nil, err
	}
	return &offer, nil
}

// LockOffer reads the offer FOR UPDATE inside tx.
func LockOffer(tx *gorm.DB, id int) (*Offer, error) {
	var offer Offer
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&offer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOfferNotFound
		}
		return nil, err
	}
	return &offer, nil
}

// DecrementOfferStock takes exactly one unit; it never drives stock below zero.
func DecrementOfferStock(tx *gorm.DB, id int) error {
	res := tx.Model(&Offer{}).
		Where("id = ? AND stock > 0", id).
		UpdateColumn("stock", gorm.Expr("stock - 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOutOfStock
	}
	return nil
}

// UpdateOfferStock is the admin restock (absolute value).
func UpdateOfferStock(ctx context.Context, id int, stock int) (*Offer, error) {
	if stock < 0 {
		return nil, ErrInvalidStock
	}
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := LockOffer(tx, id); err != nil {
			return err
		}
		return tx.Model(&Offer{}).Where("id = ?", id).Update("stock", stock).Error
	})
	if err != nil {
		return nil, err
	}
	return GetOffer(ctx, id)
}

func SetOfferActive(ctx context.Context, id int, active bool) (*Offer, error) {
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&Offer{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrOfferNotFound
	}
	return GetOffer(ctx, id)
}

type OfferSort string

const (
	OfferSortName      OfferSort = "name"
	OfferSortCoinsAsc  OfferSort = "coins_asc"
	OfferSortCoinsDesc OfferSort = "coins_desc"
	OfferSortStock     OfferSort = "stock"
	OfferSortNewest    OfferSort = "newest"
)

func (s OfferSort) orderClause() string {
	switch s {
	case OfferSortName:
		return "name ASC, id ASC"
	case OfferSortCoinsAsc:
		return "coins_required ASC, id ASC"
	case OfferSortCoinsDesc:
		return "coins_required DESC, id ASC"
	case OfferSortStock:
		return "stock DESC, id ASC"
	default:
		return "created_at DESC, id DESC"
	}
}

type OfferQuery struct {
	Search   string
	Category *OfferType
	Sort     OfferSort
}

// ListAvailableOffers returns what a citizen can redeem today.
// The date window is checked in Go so the comparison is the same on every driver.
func ListAvailableOffers(ctx context.Context, query OfferQuery, today time.Time) ([]*Offer, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("is_active = ? AND stock > 0", true)
	if search := strings.ToLower(strings.TrimSpace(query.Search)); search != "" {
		like := "%" + search + "%"
		dbCtx = dbCtx.Where("LOWER(name) LIKE ? OR LOWER(description) LIKE ? OR LOWER(location_name) LIKE ?", like, like, like)
	}
	if query.Category != nil {
		dbCtx = dbCtx.Where("offer_type = ?", *query.Category)
	}

	var offers []*Offer
	if err := dbCtx.Order(query.Sort.orderClause()).Find(&offers).Error; err != nil {
		return nil, err
	}
	results := make([]*Offer, 0, len(offers))
	for _, o := range offers {
		if o.WithinWindow(today) {
			results = append(results, o)
		}
	}
	return results, nil
}

// OfferDetail is an offer as seen by one user.
type OfferDetail struct {
	Offer     *Offer `json:"offer"`
	Available bool   `json:"available"`
	CanAfford bool   `json:"can_afford"`
	UserCoins int    `json:"user_coins"`
}

func GetOfferDetail(ctx context.Context, offerId int, userId int, today time.Time) (*OfferDetail, error) {
	offer, err := GetOffer(ctx, offerId)
	if err != nil {
		return nil, err
	}
	balance, err := GetCreditBalance(ctx, userId)
	if err != nil {
		return nil, err
	}
	return &OfferDetail{
		Offer:     offer,
		Available: offer.Available(today),
		CanAfford: balance >= offer.Cost,
		UserCoins: balance,
	}, nil
}
