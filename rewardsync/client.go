package rewardsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrSyncUnreachable wraps every delivery failure. Callers log it and move on.
	ErrSyncUnreachable   = errors.New("reward sync unreachable")
	ErrSyncNotConfigured = errors.New("reward sync not configured")
	ErrUnknownKind       = errors.New("unknown reward sync kind")
)

const DefaultTimeout = 5 * time.Second

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("reward ledger api error %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
}

// NewClient returns a client even when baseURL is empty; Configured reports false then.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:    apiKey,
		apiKeyHdr: "X-API-Key",
		http:      &http.Client{Timeout: timeout},
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

func (c *Client) postJSON(ctx context.Context, path string, in any, out any) error {
	if !c.Configured() {
		return ErrSyncNotConfigured
	}
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHdr, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSyncUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %w", ErrSyncUnreachable, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))})
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrSyncUnreachable, err)
	}
	return nil
}

// PostAward mirrors an award. The response may carry the ledger's view of the balance.
func (c *Client) PostAward(ctx context.Context, in AwardRequest) (*AwardResponse, error) {
	var out AwardResponse
	if err := c.postJSON(ctx, "/rewards", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PostOffer(ctx context.Context, in OfferRequest) error {
	return c.postJSON(ctx, "/offers", in, nil)
}

// Deliver sends one stored outbox payload by kind.
func (c *Client) Deliver(ctx context.Context, kind string, payload json.RawMessage) error {
	switch kind {
	case KindAward:
		var in AwardRequest
		if err := json.Unmarshal(payload, &in); err != nil {
			return err
		}
		_, err := c.PostAward(ctx, in)
		return err
	case KindOffer:
		var in OfferRequest
		if err := json.Unmarshal(payload, &in); err != nil {
			return err
		}
		return c.PostOffer(ctx, in)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}
