package report

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Options are the flags of a generation request.
type Options struct {
	ExtractEntities   bool `json:"extractEntities"`
	GenerateCharts    bool `json:"generateCharts"`
	IncludeMarketData bool `json:"includeMarketData"`
	Stream            bool `json:"stream"`
}

// Request asks the engine to generate a new report.
type Request struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
	ThreadID    string  `json:"threadId,omitempty"`
	ReportID    string  `json:"reportId,omitempty"`
	Options     Options `json:"options"`
}

// Limits bound what a caller may request.
type Limits struct {
	Models          []string
	MaxPromptChars  int
	MaxOutputTokens int
}

func (l Limits) resolveModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		if len(l.Models) == 0 {
			return "", &ValidationError{Field: "model", Reason: "no models configured"}
		}
		return l.Models[0], nil
	}
	for _, m := range l.Models {
		if m == model {
			return model, nil
		}
	}
	return "", &ValidationError{Field: "model", Reason: fmt.Sprintf("%q is not supported", model)}
}

func (l Limits) checkText(field, text string) error {
	if strings.TrimSpace(text) == "" {
		return &ValidationError{Field: field, Reason: "must not be empty"}
	}
	if n := utf8.RuneCountInString(text); l.MaxPromptChars > 0 && n > l.MaxPromptChars {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("length %d exceeds %d", n, l.MaxPromptChars)}
	}
	return nil
}

// normalize validates req and fills defaults. Temperature zero keeps the
// configured default.
func (l Limits) normalize(req Request, defaultTemperature float64) (Request, error) {
	if err := l.checkText("prompt", req.Prompt); err != nil {
		return Request{}, err
	}
	model, err := l.resolveModel(req.Model)
	if err != nil {
		return Request{}, err
	}
	req.Model = model

	switch {
	case req.MaxTokens < 0:
		return Request{}, &ValidationError{Field: "maxTokens", Reason: "must not be negative"}
	case req.MaxTokens == 0:
		req.MaxTokens = l.MaxOutputTokens
	case l.MaxOutputTokens > 0 && req.MaxTokens > l.MaxOutputTokens:
		return Request{}, &ValidationError{Field: "maxTokens", Reason: fmt.Sprintf("%d exceeds %d", req.MaxTokens, l.MaxOutputTokens)}
	}

	if req.Temperature < 0 || req.Temperature > 2 {
		return Request{}, &ValidationError{Field: "temperature", Reason: "must be within [0, 2]"}
	}
	if req.Temperature == 0 {
		req.Temperature = defaultTemperature
	}
	return req, nil
}

// normalizePrompt lowercases and collapses whitespace.
func normalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(strings.ToLower(prompt)), " ")
}

// CacheKey is stable across whitespace and case variations of the prompt.
func CacheKey(req Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00entities=%t\x00charts=%t\x00market=%t",
		normalizePrompt(req.Prompt), req.Model,
		req.Options.ExtractEntities, req.Options.GenerateCharts, req.Options.IncludeMarketData)
	return "report:" + hex.EncodeToString(h.Sum(nil))
}

// ExportKey is the cache key of a rendered export.
func ExportKey(reportID, format string) string {
	return "export:" + reportID + ":" + format
}
