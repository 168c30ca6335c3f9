package report

import "time"

// SectionType is the closed set of section kinds.
type SectionType string

const (
	TypeText    SectionType = "text"
	TypeTable   SectionType = "table"
	TypeChart   SectionType = "chart"
	TypeMetric  SectionType = "metric"
	TypeInsight SectionType = "insight"
	TypeCustom  SectionType = "custom"
)

// ParseSectionType reports whether raw names a known section type.
func ParseSectionType(raw string) (SectionType, bool) {
	switch t := SectionType(raw); t {
	case TypeText, TypeTable, TypeChart, TypeMetric, TypeInsight, TypeCustom:
		return t, true
	}
	return "", false
}

// Status tracks the lifecycle of a report's generation run.
type Status string

const (
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Report identifies one generated document.
type Report struct {
	ID               string    `json:"id"`
	ThreadID         string    `json:"threadId,omitempty"`
	Title            string    `json:"title"`
	Prompt           string    `json:"prompt"`
	Content          string    `json:"content"`
	Interactive      bool      `json:"interactive"`
	SectionIDs       []string  `json:"sectionIds"`
	Sections         []Section `json:"sections,omitempty"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	Cost             float64   `json:"cost"`
	Model            string    `json:"model"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Section is an addressable, independently versioned slice of a report.
type Section struct {
	ID        string          `json:"id"`
	ReportID  string          `json:"reportId"`
	Type      SectionType     `json:"type"`
	Title     string          `json:"title"`
	Content   string          `json:"content"`
	HTML      string          `json:"htmlContent"`
	Order     int             `json:"order"`
	Version   int             `json:"version"`
	History   []EditEntry     `json:"editHistory"`
	Metadata  SectionMetadata `json:"metadata"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// SectionMetadata records who and what produced the current version.
type SectionMetadata struct {
	Prompt       string `json:"prompt,omitempty"`
	Model        string `json:"model,omitempty"`
	LastEditedBy string `json:"lastEditedBy,omitempty"`
}

// EditEntry is one append-only history record. Entry i holds version i+1.
type EditEntry struct {
	Version     int       `json:"version"`
	Content     string    `json:"content"`
	HTMLContent string    `json:"htmlContent"`
	Prompt      string    `json:"prompt,omitempty"`
	EditedBy    string    `json:"editedBy"`
	EditedAt    time.Time `json:"editedAt"`
}

// clone returns a deep copy safe to mutate.
func (s Section) clone() Section {
	out := s
	out.History = append([]EditEntry(nil), s.History...)
	return out
}

// Entity is process-wide reference data for a named entity.
type Entity struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Slug         string    `json:"slug"`
	Type         string    `json:"type"`
	MentionCount int       `json:"mentionCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Mention links an entity to one report. At most one exists per pair.
type Mention struct {
	EntityID  string    `json:"entityId"`
	ReportID  string    `json:"reportId"`
	Context   string    `json:"context"`
	Sentiment float64   `json:"sentiment"`
	Relevance float64   `json:"relevance"`
	UpdatedAt time.Time `json:"updatedAt"`
	Entity    *Entity   `json:"entity,omitempty"`
}

// DetectedEntity is an entity as extracted from generated text.
type DetectedEntity struct {
	Name       string  `json:"name"`
	Slug       string  `json:"slug"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Sentiment  float64 `json:"sentiment"`
	Relevance  float64 `json:"relevance"`
	Context    string  `json:"context"`
}

// Price is the USD cost per 1K prompt and completion tokens.
type Price struct {
	Prompt     float64
	Completion float64
}

// Cost returns the price of the given usage.
func (p Price) Cost(promptTokens, completionTokens int) float64 {
	return (float64(promptTokens)*p.Prompt + float64(completionTokens)*p.Completion) / 1000
}
