package rewardsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cityconnect/ecocoins_backend/config"
	"github.com/gin-gonic/gin"
)

func TestPostAward_SendsKeyAndDecodesBalance(t *testing.T) {
	var got AwardRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rewards" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "secret" {
			t.Errorf("api key header = %q", r.Header.Get("X-API-Key"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"balance":130}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", time.Second)
	resp, err := c.PostAward(context.Background(), AwardRequest{UserId: "7", Amount: 30, Reason: "task"})
	if err != nil {
		t.Fatalf("PostAward: %v", err)
	}
	if resp.Balance == nil || *resp.Balance != 130 {
		t.Fatalf("balance = %v", resp.Balance)
	}
	if got.UserId != "7" || got.Amount != 30 {
		t.Fatalf("request = %+v", got)
	}
}

func TestPostOffer_Non2xxIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "", time.Second).PostOffer(context.Background(), OfferRequest{Name: "Tote", Cost: 40, Quantity: 3})
	if !errors.Is(err, ErrSyncUnreachable) {
		t.Fatalf("want ErrSyncUnreachable, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("want APIError 502, got %v", err)
	}
}

func TestClient_UnconfiguredAndUnknownKind(t *testing.T) {
	if err := NewClient("", "", 0).PostOffer(context.Background(), OfferRequest{}); !errors.Is(err, ErrSyncNotConfigured) {
		t.Fatalf("want ErrSyncNotConfigured, got %v", err)
	}
	c := NewClient("http://127.0.0.1:1", "", time.Second)
	if err := c.Deliver(context.Background(), "refund", json.RawMessage(`{}`)); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("want ErrUnknownKind, got %v", err)
	}
}

func TestClient_TimeoutIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", 20*time.Millisecond).PostAward(context.Background(), AwardRequest{UserId: "1", Amount: 1})
	if !errors.Is(err, ErrSyncUnreachable) {
		t.Fatalf("want ErrSyncUnreachable, got %v", err)
	}
}

func pushBody(t *testing.T, id string, data []byte) string {
	t.Helper()
	var env PubSubPushEnvelope
	env.Message.ID = id
	env.Message.Data = data
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestPubSubPushHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var calls []string
	fail := false
	r := gin.New()
	r.POST("/push", PubSubPushHandler(func(ctx context.Context, messageId string, env config.RewardSyncEnvelope) error {
		calls = append(calls, messageId+":"+env.Kind)
		if fail {
			return errors.New("ledger down")
		}
		return nil
	}))

	post := func(body string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/push", strings.NewReader(body))
		r.ServeHTTP(w, req)
		return w.Code
	}

	msg, _ := json.Marshal(config.RewardSyncEnvelope{OutboxId: 3, Kind: KindAward, DedupeKey: "submission:3:award"})
	if code := post(pushBody(t, "m-1", msg)); code != http.StatusNoContent {
		t.Fatalf("ok delivery code = %d", code)
	}

	if code := post("not json"); code != http.StatusNoContent {
		t.Fatalf("malformed envelope should be acked, got %d", code)
	}
	if code := post(pushBody(t, "m-2", []byte(`{"kind":""}`))); code != http.StatusNoContent {
		t.Fatalf("empty kind should be acked, got %d", code)
	}

	fail = true
	if code := post(pushBody(t, "m-3", msg)); code != http.StatusInternalServerError {
		t.Fatalf("processor failure should be 500, got %d", code)
	}

	if len(calls) != 2 || calls[0] != "m-1:award" || calls[1] != "m-3:award" {
		t.Fatalf("calls = %v", calls)
	}
}
