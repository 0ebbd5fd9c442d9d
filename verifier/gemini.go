package verifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cityconnect/ecocoins_backend/models"
)

const (
	DefaultGeminiModel   = "gemini-1.5-flash"
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

type GeminiRequest struct {
	Contents []GeminiContent `json:"contents"`
}

type GeminiContent struct {
	Parts []GeminiPart `json:"parts"`
}

type GeminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *GeminiInlineData `json:"inline_data,omitempty"`
}

type GeminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type GeminiResponse struct {
	Candidates []GeminiCandidate `json:"candidates"`
}

type GeminiCandidate struct {
	Content GeminiContent `json:"content"`
}

// GeminiVerifier asks a generative vision model for a Yes/No answer with a short explanation.
type GeminiVerifier struct {
	apiKey  string
	model   string
	baseURL string
	timeout time.Duration
	http    *http.Client
}

func NewGeminiVerifier(apiKey, model, baseURL string, timeout time.Duration) *GeminiVerifier {
	if model == "" {
		model = DefaultGeminiModel
	}
	if baseURL == "" {
		baseURL = DefaultGeminiBaseURL
	}
	return &GeminiVerifier{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http:    &http.Client{},
	}
}

func (g *GeminiVerifier) Method() string { return "gemini" }

func geminiPrompt(kind models.SubmissionKind, claim string) string {
	if kind == models.SubmissionKindTask {
		return "Task verification request.\n" +
			"Title & Description: " + ClaimPrompt(kind, claim) + "\n" +
			"1. Respond whether the image matches the description with Yes/No.\n" +
			"2. Provide a short explanation.\n" +
			"3. Based on task type, location impact, and visible effort, suggest an EcoCoin award between 30 and 100."
	}
	return fmt.Sprintf("Question: %s. Respond with only 'Yes' or 'No' and a brief explanation.", ClaimPrompt(kind, claim))
}

func (g *GeminiVerifier) Verify(ctx context.Context, evidence []byte, claim string, kind models.SubmissionKind) (*Result, error) {
	if err := checkInput(evidence, claim); err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	reqBody := GeminiRequest{
		Contents: []GeminiContent{
			{
				Parts: []GeminiPart{
					{Text: geminiPrompt(kind, claim)},
					{InlineData: &GeminiInlineData{
						MimeType: "image/jpeg",
						Data:     base64.StdEncoding.EncodeToString(evidence),
					}},
				},
			},
		},
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerifierCallFailed, err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, url.PathEscape(g.model), url.QueryEscape(g.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerifierCallFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerifierCallFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrVerifierCallFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: gemini api error %d: %s", ErrVerifierCallFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var geminiResp GeminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrVerifierCallFailed, err)
	}
	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: empty answer", ErrVerifierCallFailed)
	}
	var sb strings.Builder
	for _, p := range geminiResp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	answer := strings.TrimSpace(sb.String())
	if answer == "" {
		return nil, fmt.Errorf("%w: empty answer", ErrVerifierCallFailed)
	}

	matched, score := ParseVerdict(answer)
	result := &Result{
		Matched:   matched,
		Score:     score,
		Rationale: answer,
	}
	if kind == models.SubmissionKindTask {
		credits := ParseSuggestedCredits(answer)
		result.SuggestedCredits = &credits
	}
	return result, nil
}
