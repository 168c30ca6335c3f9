package report

import (
	"math"
	"sort"
	"strings"
)

// EntityScorer assigns each detected entity a relevance in [0, 1] from the
// model's confidence, how often the name occurs in the text and a per-type
// weight.
type EntityScorer struct {
	TypeWeights map[string]float64
}

// DefaultEntityScorer favours companies and tickers over generic mentions.
func DefaultEntityScorer() EntityScorer {
	return EntityScorer{TypeWeights: map[string]float64{
		"company":      1.0,
		"ticker":       1.0,
		"index":        0.85,
		"currency":     0.8,
		"commodity":    0.8,
		"person":       0.7,
		"organization": 0.7,
		"country":      0.6,
	}}
}

// Score fills Relevance and orders entities from most to least relevant.
func (s EntityScorer) Score(entities []DetectedEntity, text string) []DetectedEntity {
	if len(entities) == 0 {
		return nil
	}

	lowered := strings.ToLower(text)
	out := make([]DetectedEntity, len(entities))
	for i, e := range entities {
		freq := float64(strings.Count(lowered, strings.ToLower(e.Name)))
		frequency := math.Min(1.0, freq/5.0)
		if freq == 0 {
			// Mentioned under another spelling.
			frequency = 0.1
		}
		e.Relevance = roundTo(clamp01(
			e.Confidence*0.5+
				frequency*0.3+
				s.typeWeight(e.Type)*0.2,
		), 3)
		out[i] = e
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Relevance > out[j].Relevance
	})
	return out
}

func (s EntityScorer) typeWeight(kind string) float64 {
	if w, ok := s.TypeWeights[kind]; ok {
		return w
	}
	return 0.5
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func roundTo(v float64, prec int) float64 {
	p := math.Pow10(prec)
	return math.Round(v*p) / p
}
