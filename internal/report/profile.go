package report

import (
	"errors"
	"regexp"
	"strings"
)

// Profile is a system instruction selected by lexical signals in the prompt.
type Profile struct {
	Name        string
	Instruction string
	Keywords    []string
}

func (p Profile) matches(words map[string]struct{}, normalized string) bool {
	for _, kw := range p.Keywords {
		if strings.Contains(kw, " ") {
			if strings.Contains(normalized, kw) {
				return true
			}
			continue
		}
		if _, ok := words[kw]; ok {
			return true
		}
	}
	return false
}

// ProfileSet keeps profiles in priority order plus the default.
type ProfileSet struct {
	profiles []Profile
	fallback Profile
}

// NewProfileSet builds a set with the provided rules checked in order.
func NewProfileSet(fallback Profile, profiles ...Profile) (ProfileSet, error) {
	if fallback.Instruction == "" {
		return ProfileSet{}, errors.New("report: default profile requires an instruction")
	}
	return ProfileSet{profiles: profiles, fallback: fallback}, nil
}

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Select returns the first profile whose keywords appear in the prompt, or
// the default. Every prompt maps to exactly one profile.
func (s ProfileSet) Select(prompt string) Profile {
	normalized := normalizePrompt(prompt)
	words := make(map[string]struct{})
	for _, w := range wordPattern.FindAllString(normalized, -1) {
		words[w] = struct{}{}
	}
	for _, p := range s.profiles {
		if p.matches(words, normalized) {
			return p
		}
	}
	return s.fallback
}

const sectionRules = `Structure the report in Markdown. Start every major part with a "## " heading; use "### " only for sub-points inside a part. Use Markdown tables for tabular data. Do not wrap the answer in code fences and do not add commentary outside the report.`

// DefaultProfiles returns the technical-analysis, market-research and
// general financial-analysis rule set.
func DefaultProfiles() ProfileSet {
	set, _ := NewProfileSet(
		Profile{
			Name: "financial-analysis",
			Instruction: "You are a senior financial analyst. Produce a rigorous, well-sourced financial analysis covering performance, drivers, risks and outlook. " +
				"Quantify claims with figures where possible. " + sectionRules,
		},
		Profile{
			Name: "technical-analysis",
			Instruction: "You are a technical analyst. Describe price action, trend structure, support and resistance levels, momentum indicators and volume, " +
				"and finish with scenarios and levels to watch. " + sectionRules,
			Keywords: []string{"technical", "chart", "charts", "indicator", "indicators", "rsi", "macd", "candlestick", "support", "resistance", "moving average", "bollinger"},
		},
		Profile{
			Name: "market-research",
			Instruction: "You are a market research analyst. Size the market, map the competitive landscape, identify growth drivers and headwinds, " +
				"and close with strategic recommendations. " + sectionRules,
			Keywords: []string{"market", "markets", "industry", "sector", "competitor", "competitors", "competitive", "landscape", "tam", "market share"},
		},
	)
	return set
}
