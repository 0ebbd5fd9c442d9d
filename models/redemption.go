package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cityconnect/ecocoins_backend/config"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

// Redemption is immutable apart from pending -> completed/cancelled.
// CostPaid is a snapshot of the offer cost at redemption time.
type Redemption struct {
	ID          int              `gorm:"primary_key" json:"id"`
	UserId      int              `gorm:"not null;index" json:"user_id"`
	OfferId     int              `gorm:"not null;index" json:"offer_id"`
	CostPaid    int              `gorm:"not null" json:"cost_paid"`
	VoucherCode string           `gorm:"size:20;not null;uniqueIndex" json:"voucher_code"`
	Status      RedemptionStatus `gorm:"size:20;not null;default:completed" json:"status"`
	CreatedAt   time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time        `gorm:"autoUpdateTime" json:"updated_at"`

	Offer *Offer `gorm:"-" json:"offer,omitempty"`
}

func VoucherCodeExists(tx *gorm.DB, code string) (bool, error) {
	var count int64
	if err := tx.Model(&Redemption{}).Where("voucher_code = ?", code).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func GetRedemption(ctx context.Context, id int) (*Redemption, error) {
	db := config.GetDB()
	var result Redemption
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&result).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRedemptionNotFound
		}
		return nil, err
	}
	return &result, nil
}

// GetRedemptionByVoucher only finds vouchers owned by userId.
func GetRedemptionByVoucher(ctx context.Context, userId int, code string) (*Redemption, error) {
	db := config.GetDB()
	var result Redemption
	if err := db.WithContext(ctx).Where("user_id = ? AND voucher_code = ?", userId, code).Take(&result).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRedemptionNotFound
		}
		return nil, err
	}
	return &result, nil
}

type RedemptionHistory struct {
	Redemptions []*Redemption `json:"redemptions"`
	TotalSpent  int           `json:"total_spent"`
}

// ListUserRedemptions returns newest first. Cancelled redemptions do not count toward TotalSpent.
func ListUserRedemptions(ctx context.Context, userId int) (*RedemptionHistory, error) {
	db := config.GetDB()
	var results []*Redemption
	if err := db.WithContext(ctx).
		Where("user_id = ?", userId).
		Order("created_at DESC, id DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	history := RedemptionHistory{Redemptions: results}
	for _, r := range results {
		if r.Status != RedemptionStatusCancelled {
			history.TotalSpent += r.CostPaid
		}
	}
	return &history, nil
}

// TransitionRedemptionStatus allows pending -> completed and pending -> cancelled only.
func TransitionRedemptionStatus(ctx context.Context, id int, to RedemptionStatus) (*Redemption, error) {
	if to != RedemptionStatusCompleted && to != RedemptionStatusCancelled {
		return nil, ErrInvalidStatusTransition
	}
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&Redemption{}).
		Where("id = ? AND status = ?", id, RedemptionStatusPending).
		Update("status", to)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := GetRedemption(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrInvalidStatusTransition
	}
	return GetRedemption(ctx, id)
}

// ExportRedemptionsXlsx renders a redemption history as a spreadsheet.
// Display only: values are copied from the records as stored.
func ExportRedemptionsXlsx(w io.Writer, history *RedemptionHistory) error {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Sheet1"
	headings := []string{"Voucher", "Offer", "Coins Spent", "Status", "Redeemed At"}
	col := 'A'
	for _, h := range headings {
		if err := f.SetCellValue(sheetName, string(col)+"1", h); err != nil {
			return err
		}
		col++
	}

	for i, r := range history.Redemptions {
		row := fmt.Sprint(i + 2)
		offerName := ""
		if r.Offer != nil {
			offerName = r.Offer.Name
		}
		f.SetCellValue(sheetName, "A"+row, r.VoucherCode)
		f.SetCellValue(sheetName, "B"+row, offerName)
		f.SetCellValue(sheetName, "C"+row, r.CostPaid)
		f.SetCellValue(sheetName, "D"+row, string(r.Status))
		f.SetCellValue(sheetName, "E"+row, r.CreatedAt.Format(time.RFC3339))
	}

	totalRow := fmt.Sprint(len(history.Redemptions) + 3)
	f.SetCellValue(sheetName, "B"+totalRow, "Total")
	f.SetCellValue(sheetName, "C"+totalRow, history.TotalSpent)

	return f.Write(w)
}
