package report

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"finamreports/internal/llm"
)

// EntityExtractor asks a secondary, faster model for the named entities of
// a finished document.
type EntityExtractor struct {
	Client        llm.ChatClient
	Model         string
	Temperature   float64
	MaxTokens     int
	MaxInputChars int
	Scorer        EntityScorer
	Log           logrus.FieldLogger
}

// Extract returns the entities found in text together with the usage of the
// extraction call. Unparseable responses and provider failures yield zero
// entities; only cancellation is returned as an error.
func (x *EntityExtractor) Extract(ctx context.Context, text string) ([]DetectedEntity, llm.Usage, error) {
	if x == nil || x.Client == nil || x.Model == "" || strings.TrimSpace(text) == "" {
		return nil, llm.Usage{}, nil
	}

	input := text
	if x.MaxInputChars > 0 && len([]rune(input)) > x.MaxInputChars {
		input = string([]rune(input)[:x.MaxInputChars])
	}

	req := llm.ChatCompletionRequest{
		Model:       x.Model,
		Messages:    x.buildPrompt(input),
		Temperature: x.Temperature,
		MaxTokens:   x.MaxTokens,
	}

	resp, err := x.Client.ChatCompletion(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, llm.Usage{}, ctxErr
		}
		x.logger().WithError(err).Warn("entity extraction request failed, continuing without entities")
		return nil, llm.Usage{}, nil
	}
	if len(resp.Choices) == 0 {
		x.logger().Debug("entity extraction returned no choices")
		return nil, resp.Usage, nil
	}

	entities, err := decodeEntities(resp.Choices[0].Message.Content)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			x.logger().WithError(err).Debug("entity response not parseable, treating as zero entities")
		}
		return nil, resp.Usage, nil
	}

	return x.Scorer.Score(entities, text), resp.Usage, nil
}

func (x *EntityExtractor) logger() logrus.FieldLogger {
	if x.Log == nil {
		return logrus.StandardLogger()
	}
	return x.Log
}

func (x *EntityExtractor) buildPrompt(text string) []llm.Message {
	systemContent := "You extract named entities from financial reports. Respond STRICTLY with valid JSON and nothing else."

	userContent := fmt.Sprintf(`Extract the companies, people, tickers, currencies, indices, commodities, countries and organizations mentioned in the report below.
Rules:
- Merge different spellings of the same entity into one item.
- "type" is one of: company, person, ticker, currency, index, commodity, country, organization, other.
- "confidence" is a number in [0, 1].
- "sentiment" is a number in [-1, 1] describing how the report portrays the entity.
- "context" is the sentence that best shows how the entity is discussed.

Respond with JSON using this schema:
{
  "entities": [
    {"name": "...", "type": "company", "confidence": 0.9, "sentiment": 0.2, "context": "..."}
  ]
}

Report:
%s`, text)

	return []llm.Message{
		{Role: "system", Content: systemContent},
		{Role: "user", Content: userContent},
	}
}
