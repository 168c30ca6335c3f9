package report

import (
	"strings"
)

// Summary is the payload of a Completed event.
type Summary struct {
	ReportID         string  `json:"reportId"`
	RunID            string  `json:"runId"`
	SectionID        string  `json:"sectionId,omitempty"`
	Version          int     `json:"version,omitempty"`
	Title            string  `json:"title"`
	Lead             string  `json:"lead"`
	SectionCount     int     `json:"sectionCount"`
	EntityCount      int     `json:"entityCount"`
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	Cost             float64 `json:"cost"`
	Cached           bool    `json:"cached,omitempty"`
	Report           *Report `json:"report,omitempty"`
}

func buildSummary(runID string, r *Report, sections []Section, entityCount int) Summary {
	title := r.Title
	if strings.TrimSpace(title) == "" && len(sections) > 0 {
		title = sections[0].Title
	}

	lead := leadParagraph(r.Content)
	if lead == "" && len(sections) > 0 {
		lead = leadParagraph(sections[0].Content)
	}

	snapshot := *r
	snapshot.Sections = sections
	snapshot.SectionIDs = sectionIDs(sections)

	return Summary{
		ReportID:         r.ID,
		RunID:            runID,
		Title:            title,
		Lead:             truncate(lead, 240),
		SectionCount:     len(sections),
		EntityCount:      entityCount,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		Cost:             r.Cost,
		Report:           &snapshot,
	}
}

// leadParagraph returns the first non-heading paragraph of markdown text.
func leadParagraph(md string) string {
	var b strings.Builder
	for _, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			if b.Len() > 0 {
				break
			}
			continue
		}
		if trimmed == "" {
			if b.Len() > 0 {
				break
			}
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(trimmed)
	}
	return b.String()
}

func sectionIDs(sections []Section) []string {
	ids := make([]string, 0, len(sections))
	for _, s := range sections {
		ids = append(ids, s.ID)
	}
	return ids
}

func truncate(text string, max int) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) <= max {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:max])) + "…"
}
