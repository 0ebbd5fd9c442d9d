package models

import (
	"errors"
	"strings"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound               = errors.New("user not found")
	ErrInvalidAmount              = errors.New("invalid credit amount")
	ErrInsufficientBalance        = errors.New("insufficient balance")
	ErrDuplicateLedgerReference   = errors.New("ledger reference already recorded")
	ErrOfferNotFound              = errors.New("offer not found")
	ErrOfferUnavailable           = errors.New("offer unavailable")
	ErrOutOfStock                 = errors.New("offer out of stock")
	ErrInvalidStock               = errors.New("stock must not be negative")
	ErrSubmissionNotFound         = errors.New("submission not found")
	ErrSubmissionAlreadyFinalized = errors.New("submission already finalized")
	ErrRedemptionNotFound         = errors.New("redemption not found")
	ErrInvalidStatusTransition    = errors.New("invalid status transition")
	ErrForbidden                  = errors.New("forbidden")
)

// IsDuplicateKeyErr matches unique violations from MySQL (1062), sqlite and gorm's translated error.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
