package models_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cityconnect/ecocoins_backend/config"
	"github.com/cityconnect/ecocoins_backend/models"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

// newTestDB opens a private in-memory database, migrates it and installs it as the global DB.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := fmt.Sprintf("models_%d_%d", time.Now().UnixNano(), dbSeq.Add(1))
	conn, err := config.OpenSQLite("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.MigrateTable(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	prev := config.GetDB()
	config.SetDB(conn)
	t.Cleanup(func() {
		config.SetDB(prev)
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return conn
}

func createCitizen(t *testing.T, ctx context.Context, username string) *models.User {
	t.Helper()
	u, err := models.CreateUser(ctx, &models.NewUser{Username: username, Name: username, Role: models.UserRoleCitizen})
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", username, err)
	}
	return u
}

func award(t *testing.T, ctx context.Context, db *gorm.DB, userId, amount int, ref string) int {
	t.Helper()
	var balance int
	err := models.WithLedgerTx(ctx, db, func(tx *gorm.DB) error {
		var err error
		balance, err = models.AwardCredits(tx, userId, amount, "test award", ref)
		return err
	})
	if err != nil {
		t.Fatalf("AwardCredits(%d): %v", amount, err)
	}
	return balance
}
