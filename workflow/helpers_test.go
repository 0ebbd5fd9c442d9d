package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cityconnect/ecocoins_backend/config"
	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/cityconnect/ecocoins_backend/verifier"
	"github.com/disintegration/imaging"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := fmt.Sprintf("workflow_%d_%d", time.Now().UnixNano(), dbSeq.Add(1))
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

func createCitizen(t *testing.T, username string, balance int) *models.User {
	t.Helper()
	ctx := context.Background()
	u, err := models.CreateUser(ctx, &models.NewUser{Username: username, Name: username, Role: models.UserRoleCitizen})
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", username, err)
	}
	if balance > 0 {
		err := models.WithLedgerTx(ctx, config.GetDB(), func(tx *gorm.DB) error {
			_, err := models.AwardCredits(tx, u.ID, balance, "opening", "")
			return err
		})
		if err != nil {
			t.Fatalf("seed balance: %v", err)
		}
	}
	return u
}

func createAdmin(t *testing.T, username string, dept models.Department) *models.User {
	t.Helper()
	u, err := models.CreateUser(context.Background(), &models.NewUser{Username: username, Name: username, Role: models.UserRoleAdmin, Department: &dept})
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", username, err)
	}
	return u
}

func balanceOf(t *testing.T, userId int) int {
	t.Helper()
	b, err := models.GetCreditBalance(context.Background(), userId)
	if err != nil {
		t.Fatalf("GetCreditBalance: %v", err)
	}
	return b
}

func pngEvidence(t *testing.T) []byte {
	t.Helper()
	img := imaging.New(1600, 900, color.NRGBA{R: 40, G: 160, B: 70, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// geminiAnswering serves a fixed Gemini answer and counts calls.
func geminiAnswering(t *testing.T, answer string) (verifier.Verifier, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(verifier.GeminiResponse{Candidates: []verifier.GeminiCandidate{{
			Content: verifier.GeminiContent{Parts: []verifier.GeminiPart{{Text: answer}}},
		}}})
	}))
	t.Cleanup(srv.Close)
	return verifier.NewGeminiVerifier("test-key", "", srv.URL, 2*time.Second), &calls
}
