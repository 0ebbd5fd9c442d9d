package verifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/shopspring/decimal"
)

const DefaultSimilarityModelURL = "https://api-inference.huggingface.co/models/openai/clip-vit-base-patch32"

// SimilarityThreshold is the score above which an image is taken to match its claim.
var SimilarityThreshold = decimal.RequireFromString("0.25")

type similarityRequest struct {
	Inputs similarityInputs `json:"inputs"`
}

type similarityInputs struct {
	Image string `json:"image"`
	Text  string `json:"text"`
}

type similarityScore struct {
	Score *float64 `json:"score"`
}

// SimilarityVerifier scores image/text similarity with a CLIP-style model.
// It cannot suggest an amount, so task verdicts carry the default credits.
type SimilarityVerifier struct {
	token    string
	modelURL string
	timeout  time.Duration
	http     *http.Client
}

func NewSimilarityVerifier(token, modelURL string, timeout time.Duration) *SimilarityVerifier {
	if modelURL == "" {
		modelURL = DefaultSimilarityModelURL
	}
	return &SimilarityVerifier{
		token:    token,
		modelURL: modelURL,
		timeout:  timeout,
		http:     &http.Client{},
	}
}

func (s *SimilarityVerifier) Method() string { return "huggingface_clip" }

// parseSimilarity accepts either [{"score": x}, ...] or {"score": x}.
func parseSimilarity(body []byte) (float64, error) {
	trimmed := bytes.TrimSpace(body)
	var list []similarityScore
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return 0, err
		}
	} else {
		var single similarityScore
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return 0, err
		}
		list = append(list, single)
	}
	if len(list) == 0 || list[0].Score == nil {
		return 0, fmt.Errorf("no score in response")
	}
	return *list[0].Score, nil
}

func (s *SimilarityVerifier) Verify(ctx context.Context, evidence []byte, claim string, kind models.SubmissionKind) (*Result, error) {
	if err := checkInput(evidence, claim); err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	text := ClaimPrompt(kind, claim)
	jsonData, err := json.Marshal(similarityRequest{Inputs: similarityInputs{
		Image: base64.StdEncoding.EncodeToString(evidence),
		Text:  text,
	}})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerifierCallFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.modelURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerifierCallFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerifierCallFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrVerifierCallFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: similarity api error %d: %s", ErrVerifierCallFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	raw, err := parseSimilarity(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerifierCallFailed, err)
	}

	score := decimal.NewFromFloat(raw)
	if score.LessThan(decimal.Zero) {
		score = decimal.Zero
	} else if score.GreaterThan(decimal.NewFromInt(1)) {
		score = decimal.NewFromInt(1)
	}
	result := &Result{
		Matched:   score.GreaterThan(SimilarityThreshold),
		Score:     score,
		Rationale: fmt.Sprintf("Similarity between image and '%s': %.2f", text, raw),
	}
	if kind == models.SubmissionKindTask {
		credits := DefaultTaskCredits
		result.SuggestedCredits = &credits
	}
	return result, nil
}
