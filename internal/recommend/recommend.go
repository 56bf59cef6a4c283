// Package recommend produces per-line-item verdicts by asking Claude to
// compare a valuation's option list against a dealer build sheet.
package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bookout-recon/internal/apperr"
	"github.com/sells-group/bookout-recon/internal/model"
	"github.com/sells-group/bookout-recon/internal/resilience"
	"github.com/sells-group/bookout-recon/pkg/anthropic"
)

// Source is recorded on validation runs created from Claude verdicts.
const Source = "claude"

// Recommender returns one verdict per line item it could judge.
type Recommender interface {
	Recommend(ctx context.Context, items []model.LineItem, buildSheet string) ([]model.Verdict, error)
}

// Claude is a Recommender backed by the Anthropic messages API.
type Claude struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	backoff   resilience.Backoff
}

// Option configures Claude.
type Option func(*Claude)

// WithModel overrides the model ID.
func WithModel(m string) Option {
	return func(c *Claude) {
		if m != "" {
			c.model = m
		}
	}
}

// WithMaxTokens caps the response length.
func WithMaxTokens(n int64) Option {
	return func(c *Claude) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithBackoff sets the retry policy for transient API failures.
func WithBackoff(b resilience.Backoff) Option {
	return func(c *Claude) { c.backoff = b }
}

// NewClaude returns a Claude recommender.
func NewClaude(client anthropic.Client, opts ...Option) *Claude {
	c := &Claude{
		client:    client,
		model:     anthropic.DefaultModel,
		maxTokens: 4096,
		backoff:   resilience.DefaultBackoff(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

const systemPrompt = `You reconcile vehicle valuation options against a dealer build sheet.
For every option code you are given, decide whether the build sheet shows the vehicle has it.
Answer with a JSON array only. Each element: {"code": string, "status": one of
CONFIRMED, PARTIAL_MATCH, NOT_FOUND, REQUIRES_REVIEW, PACKAGE_ITEM, "confidence": 0-100, "notes": string}.
Use PACKAGE_ITEM when the option is delivered as part of a package listed on the sheet.
Use REQUIRES_REVIEW when the sheet is ambiguous.`

// Recommend asks Claude for verdicts and parses them tolerantly.
func (c *Claude) Recommend(ctx context.Context, items []model.LineItem, buildSheet string) ([]model.Verdict, error) {
	if len(items) == 0 {
		return nil, eris.Wrap(apperr.ErrInvalidInput, "recommend: no line items")
	}
	if strings.TrimSpace(buildSheet) == "" {
		return nil, eris.Wrap(apperr.ErrInvalidInput, "recommend: empty build sheet")
	}

	temp := 0.0
	req := anthropic.MessageRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		System:      []anthropic.SystemBlock{{Text: systemPrompt, Cached: true}},
		Messages:    []anthropic.Message{{Role: "user", Content: userPrompt(items, buildSheet)}},
		Temperature: &temp,
	}

	resp, err := resilience.Retry(ctx, c.backoff, "anthropic.create_message", func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := c.client.CreateMessage(ctx, req)
		return resp, classify(err)
	})
	if err != nil {
		return nil, eris.Wrap(err, "recommend: claude")
	}
	resp.Usage.Log(c.model, "recommend")

	verdicts, err := Parse(resp.Text, items)
	if err != nil {
		return nil, err
	}
	zap.L().Info("recommend: verdicts parsed",
		zap.Int("line_items", len(items)),
		zap.Int("verdicts", len(verdicts)),
		zap.String("stop_reason", resp.StopReason),
	)
	return verdicts, nil
}

func userPrompt(items []model.LineItem, buildSheet string) string {
	var b strings.Builder
	b.WriteString("Options:\n")
	for _, li := range items {
		sel := "not selected"
		if li.IsSelected {
			sel = "selected"
		}
		fmt.Fprintf(&b, "- %s | %s | %s | %s\n", li.Code, li.Name, li.Category, sel)
	}
	b.WriteString("\nBuild sheet:\n")
	b.WriteString(buildSheet)
	return b.String()
}

// classify marks retryable API statuses as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
		return resilience.NewTransientError(err, apiErr.StatusCode)
	}
	return err
}

type rawVerdict struct {
	Code       string          `json:"code"`
	Status     string          `json:"status"`
	Confidence json.RawMessage `json:"confidence"`
	Notes      string          `json:"notes"`
}

// Parse extracts verdicts from a model reply. It accepts a bare JSON array
// or one wrapped in prose or a code fence. Unknown statuses become
// REQUIRES_REVIEW, confidence is clamped, codes that match no line item are
// dropped, and omitted items are left for the session to back-fill.
func Parse(text string, items []model.LineItem) ([]model.Verdict, error) {
	body := extractArray(text)
	if body == "" {
		return nil, eris.Wrap(apperr.ErrInvalidInput, "recommend: reply has no JSON array")
	}
	var raw []rawVerdict
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, eris.Wrapf(apperr.ErrInvalidInput, "recommend: decode reply: %v", err)
	}

	known := make(map[string]string, len(items))
	for _, li := range items {
		known[model.NormalizeCode(li.Code)] = li.Code
	}

	seen := make(map[string]bool, len(raw))
	out := make([]model.Verdict, 0, len(raw))
	for _, r := range raw {
		key := model.NormalizeCode(r.Code)
		code, ok := known[key]
		if !ok {
			zap.L().Warn("recommend: dropping verdict for unknown code", zap.String("code", r.Code))
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, model.Verdict{
			Code:       code,
			Status:     parseStatus(r.Status),
			Confidence: model.ClampConfidence(parseConfidence(r.Confidence)),
			Notes:      strings.TrimSpace(r.Notes),
		})
	}
	if err := model.ValidateVerdicts(out); err != nil {
		return nil, err
	}
	return out, nil
}

func extractArray(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		text = rest
	}
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func parseStatus(s string) model.VerdictStatus {
	st := model.VerdictStatus(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", "_")))
	switch st {
	case model.VerdictConfirmed, model.VerdictPartialMatch, model.VerdictNotFound,
		model.VerdictRequiresReview, model.VerdictPackageItem:
		return st
	default:
		return model.VerdictRequiresReview
	}
}

// parseConfidence accepts a number, a numeric string, or a 0..1 fraction.
func parseConfidence(raw json.RawMessage) float64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	s = strings.TrimSuffix(s, "%")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	if f > 0 && f <= 1 && strings.Contains(s, ".") {
		return f * 100
	}
	return f
}
