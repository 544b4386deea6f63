// Package llm provides the model-backed Reviewer and Fixer.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/spf13/viper"

	"github.com/joescharf/reviewloop/internal/loop"
	"github.com/joescharf/reviewloop/internal/models"
	"github.com/joescharf/reviewloop/internal/store"
)

// DefaultModel is used when anthropic.model is unset.
const DefaultModel = "claude-sonnet-4-5"

// ReviewerConfig configures the Anthropic reviewer.
type ReviewerConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	// MaxDiffLines caps the diff lines sent to the model. Zero means no cap.
	MaxDiffLines int
	// Options are extra request options, such as a base URL.
	Options []option.RequestOption
}

// DefaultReviewerConfig reads the reviewer settings from viper.
func DefaultReviewerConfig() ReviewerConfig {
	model := viper.GetString("anthropic.model")
	if model == "" {
		model = DefaultModel
	}
	return ReviewerConfig{
		APIKey:       viper.GetString("anthropic.api_key"),
		Model:        model,
		MaxTokens:    8192,
		MaxDiffLines: 4000,
	}
}

// Reviewer implements loop.Reviewer with the Anthropic messages API.
type Reviewer struct {
	api *anthropic.Client
	cfg ReviewerConfig
}

// NewReviewer creates a Reviewer. An empty API key falls back to the
// ANTHROPIC_API_KEY environment variable.
func NewReviewer(cfg ReviewerConfig) *Reviewer {
	opts := append([]option.RequestOption{}, cfg.Options...)
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	client := anthropic.NewClient(opts...)
	return &Reviewer{api: &client, cfg: cfg}
}

// Review sends the change set to the model and parses its verdict.
func (r *Reviewer) Review(ctx context.Context, req loop.ReviewRequest) (*models.ReviewResult, error) {
	systemPrompt, userPrompt := buildReviewPrompt(req, r.cfg.MaxDiffLines)

	msg, err := r.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(r.cfg.Model),
		MaxTokens: r.cfg.MaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}
	return parseReview(text)
}

type rawIssue struct {
	ID           string `json:"id"`
	Severity     string `json:"severity"`
	Category     string `json:"category"`
	File         string `json:"file"`
	LineStart    int    `json:"lineStart"`
	LineEnd      int    `json:"lineEnd"`
	Description  string `json:"description"`
	SuggestedFix string `json:"suggestedFix"`
}

type rawReview struct {
	Verdict string     `json:"verdict"`
	Summary string     `json:"summary"`
	Issues  []rawIssue `json:"issues"`
}

// parseReview decodes the model's JSON answer. Severity and category are
// lowercased; issues without an ID get a fresh one.
func parseReview(text string) (*models.ReviewResult, error) {
	text = stripFences(text)

	var raw rawReview
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}

	res := &models.ReviewResult{
		Verdict: models.Verdict(strings.ToLower(strings.TrimSpace(raw.Verdict))),
		Summary: strings.TrimSpace(raw.Summary),
		Issues:  make([]models.ReviewIssue, 0, len(raw.Issues)),
	}
	for _, is := range raw.Issues {
		if strings.TrimSpace(is.Description) == "" {
			continue
		}
		id := strings.TrimSpace(is.ID)
		if id == "" {
			id = store.NewID()
		}
		res.Issues = append(res.Issues, models.ReviewIssue{
			ID:           id,
			Severity:     models.Severity(strings.ToLower(strings.TrimSpace(is.Severity))),
			Category:     models.Category(strings.ToLower(strings.TrimSpace(is.Category))),
			File:         is.File,
			LineStart:    is.LineStart,
			LineEnd:      is.LineEnd,
			Description:  strings.TrimSpace(is.Description),
			SuggestedFix: strings.TrimSpace(is.SuggestedFix),
		})
	}
	return res, nil
}

// stripFences removes a surrounding markdown code fence.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}
