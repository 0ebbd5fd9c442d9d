package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cityconnect/ecocoins_backend/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerEntry is the append-only journal behind users.credit_balance.
// Amount is positive for awards and negative for debits.
type LedgerEntry struct {
	ID           int       `gorm:"primary_key" json:"id"`
	UserId       int       `gorm:"not null;index" json:"user_id"`
	Amount       int       `gorm:"not null" json:"amount"`
	BalanceAfter int       `gorm:"not null" json:"balance_after"`
	Reason       string    `gorm:"size:255;not null" json:"reason"`
	ReferenceKey *string   `gorm:"size:191;unique" json:"reference_key"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// MaxLedgerReasonRunes matches the reason column width, which MySQL counts in characters.
const MaxLedgerReasonRunes = 255

// LedgerReason formats a journal reason and caps it on a rune boundary.
func LedgerReason(format string, args ...any) string {
	return truncateRunes(fmt.Sprintf(format, args...), MaxLedgerReasonRunes)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) > n {
		return string(runes[:n])
	}
	return s
}

func AwardReferenceKey(submissionId int) string {
	return fmt.Sprintf("submission:%d:award", submissionId)
}

func ResolutionReferenceKey(submissionId int) string {
	return fmt.Sprintf("submission:%d:resolution", submissionId)
}

func RedemptionReferenceKey(voucherCode string) string {
	return "redemption:" + voucherCode
}

// WithLedgerTx runs fn in a transaction. AwardCredits and DebitCredits must be called with its tx.
func WithLedgerTx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(fn)
}

func lockUserForLedger(tx *gorm.DB, userId int) (*User, error) {
	var user User
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id", "credit_balance").
		Where("id = ?", userId).
		Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// LockUserBalance locks the user row inside tx and returns the balance it holds.
func LockUserBalance(tx *gorm.DB, userId int) (int, error) {
	user, err := lockUserForLedger(tx, userId)
	if err != nil {
		return 0, err
	}
	return user.CreditBalance, nil
}

func appendLedgerEntry(tx *gorm.DB, userId, amount, balanceAfter int, reason, referenceKey string) error {
	entry := LedgerEntry{
		UserId:       userId,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Reason:       reason,
	}
	if referenceKey != "" {
		entry.ReferenceKey = &referenceKey
	}
	if err := tx.Create(&entry).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateLedgerReference, referenceKey)
		}
		return err
	}
	return nil
}

// AwardCredits adds amount to the user's balance under a row lock.
// The ledger does not deduplicate on its own; a non-empty referenceKey that was
// already recorded fails with ErrDuplicateLedgerReference and changes nothing.
func AwardCredits(tx *gorm.DB, userId int, amount int, reason string, referenceKey string) (int, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	user, err := lockUserForLedger(tx, userId)
	if err != nil {
		return 0, err
	}
	if amount == 0 {
		return user.CreditBalance, nil
	}

	newBalance := user.CreditBalance + amount
	if err := appendLedgerEntry(tx, userId, amount, newBalance, reason, referenceKey); err != nil {
		return 0, err
	}
	if err := tx.Model(&User{}).Where("id = ?", userId).
		UpdateColumn("credit_balance", gorm.Expr("credit_balance + ?", amount)).Error; err != nil {
		return 0, err
	}
	return newBalance, nil
}

// DebitCredits subtracts amount, failing with ErrInsufficientBalance if the
// balance read under lock is lower than amount.
func DebitCredits(tx *gorm.DB, userId int, amount int, reason string, referenceKey string) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	user, err := lockUserForLedger(tx, userId)
	if err != nil {
		return 0, err
	}
	if user.CreditBalance < amount {
		return user.CreditBalance, ErrInsufficientBalance
	}

	newBalance := user.CreditBalance - amount
	if err := appendLedgerEntry(tx, userId, -amount, newBalance, reason, referenceKey); err != nil {
		return 0, err
	}
	res := tx.Model(&User{}).
		Where("id = ? AND credit_balance >= ?", userId, amount).
		UpdateColumn("credit_balance", gorm.Expr("credit_balance - ?", amount))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrInsufficientBalance
	}
	return newBalance, nil
}

// LedgerReferenceExists reports whether an entry with referenceKey was recorded.
func LedgerReferenceExists(tx *gorm.DB, referenceKey string) (bool, error) {
	var count int64
	if err := tx.Model(&LedgerEntry{}).Where("reference_key = ?", referenceKey).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetCreditBalance is an unlocked read for display only.
func GetCreditBalance(ctx context.Context, userId int) (int, error) {
	db := config.GetDB()
	var user User
	if err := db.WithContext(ctx).Select("id", "credit_balance").Where("id = ?", userId).Take(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return user.CreditBalance, nil
}

func ListLedgerEntries(ctx context.Context, userId int, limit int) ([]*LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	db := config.GetDB()
	var entries []*LedgerEntry
	err := db.WithContext(ctx).
		Where("user_id = ?", userId).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
