package report

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

type rawEntity struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Sentiment  float64 `json:"sentiment"`
	Context    string  `json:"context"`
}

// decodeEntities parses a model response into entities. Prose around the
// JSON, code fences and minor syntax damage are tolerated; anything else is
// a *ParseError.
func decodeEntities(content string) ([]DetectedEntity, error) {
	payload := extractJSON(content)
	if payload == "" {
		return nil, &ParseError{Err: errors.New("response has no json payload")}
	}

	raws, err := unmarshalEntities(payload)
	if err != nil {
		repaired, rerr := jsonrepair.JSONRepair(payload)
		if rerr != nil {
			return nil, &ParseError{Err: err}
		}
		if raws, err = unmarshalEntities(repaired); err != nil {
			return nil, &ParseError{Err: err}
		}
	}

	out := make([]DetectedEntity, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	for _, r := range raws {
		name := strings.TrimSpace(r.Name)
		slug := Slugify(name)
		if slug == "" {
			continue
		}
		if _, ok := seen[slug]; ok {
			continue
		}
		seen[slug] = struct{}{}

		kind := strings.ToLower(strings.TrimSpace(r.Type))
		if kind == "" {
			kind = "other"
		}
		out = append(out, DetectedEntity{
			Name:       name,
			Slug:       slug,
			Type:       kind,
			Confidence: clamp(r.Confidence, 0, 1),
			Sentiment:  clamp(r.Sentiment, -1, 1),
			Context:    truncate(r.Context, 500),
		})
	}
	return out, nil
}

// unmarshalEntities accepts {"entities": [...]} or a bare array.
func unmarshalEntities(payload string) ([]rawEntity, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "[") {
		var list []rawEntity
		if err := json.Unmarshal([]byte(payload), &list); err != nil {
			return nil, fmt.Errorf("decode entity list: %w", err)
		}
		return list, nil
	}

	var wrapped struct {
		Entities *[]rawEntity `json:"entities"`
	}
	if err := json.Unmarshal([]byte(payload), &wrapped); err != nil {
		return nil, fmt.Errorf("decode entity object: %w", err)
	}
	if wrapped.Entities == nil {
		return nil, errors.New(`missing "entities" field`)
	}
	return *wrapped.Entities, nil
}

// extractJSON returns the outermost object or array in content.
func extractJSON(content string) string {
	objStart := strings.Index(content, "{")
	arrStart := strings.Index(content, "[")

	closer, start := "}", objStart
	if arrStart != -1 && (objStart == -1 || arrStart < objStart) {
		closer, start = "]", arrStart
	}
	if start == -1 {
		return ""
	}
	end := strings.LastIndex(content, closer)
	if end <= start {
		// Truncated output: hand the tail to the repairer.
		return content[start:]
	}
	return content[start : end+1]
}

var slugPattern = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// Slugify canonicalises an entity name.
func Slugify(name string) string {
	return strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-"), "-")
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}
