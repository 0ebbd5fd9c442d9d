// Package verifier asks an external vision judge whether an image supports a claim.
package verifier

import (
	"context"
	"errors"
	"time"

	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/shopspring/decimal"
)

var (
	// ErrVerifierUnavailable means no judge backend is configured.
	ErrVerifierUnavailable = errors.New("no verifier configured")
	// ErrVerifierCallFailed covers transport errors, timeouts, non-2xx and unparseable answers.
	ErrVerifierCallFailed = errors.New("verifier call failed")
	ErrInvalidInput       = errors.New("evidence and claim are required")
)

const DefaultTimeout = 8 * time.Second

// Task credit bounds. A task verdict always carries a value in this range.
const (
	MinTaskCredits     = 30
	MaxTaskCredits     = 100
	DefaultTaskCredits = MinTaskCredits
)

// Result is a single verdict. SuggestedCredits is set only for task submissions.
type Result struct {
	Matched          bool
	Score            decimal.Decimal
	Rationale        string
	SuggestedCredits *int
}

// Verifier makes one attempt per call; retrying is the caller's decision.
type Verifier interface {
	Method() string
	Verify(ctx context.Context, evidence []byte, claim string, kind models.SubmissionKind) (*Result, error)
}

type Config struct {
	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string
	HFAPIToken    string
	HFModelURL    string
	Timeout       time.Duration
}

// New picks Gemini when its key is set, then the similarity model, else Unavailable.
func New(cfg Config) Verifier {
	switch {
	case cfg.GeminiAPIKey != "":
		return NewGeminiVerifier(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiBaseURL, cfg.Timeout)
	case cfg.HFAPIToken != "":
		return NewSimilarityVerifier(cfg.HFAPIToken, cfg.HFModelURL, cfg.Timeout)
	default:
		return Unavailable{}
	}
}

// Unavailable is the judge used when nothing is configured.
type Unavailable struct{}

func (Unavailable) Method() string { return "none" }

func (Unavailable) Verify(context.Context, []byte, string, models.SubmissionKind) (*Result, error) {
	return nil, ErrVerifierUnavailable
}

func checkInput(evidence []byte, claim string) error {
	if len(evidence) == 0 || claim == "" {
		return ErrInvalidInput
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}

// ClaimPrompt is the question put to the judge for a submission kind.
func ClaimPrompt(kind models.SubmissionKind, claim string) string {
	if kind == models.SubmissionKindTask {
		return "Verify and score EcoCoins for: " + claim
	}
	return "Verify whether the image shows: " + claim
}
