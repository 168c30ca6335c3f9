package report

import (
	"regexp"
	"strings"
)

// Headings of level 1 and 2 delimit sections. Deeper headings stay inside
// the enclosing section. Markers inside fenced code blocks are not
// special-cased, so a fence containing "## " splits the section.
var headingPattern = regexp.MustCompile(`(?m)^(#{1,2})[ \t]+(\S.*)$`)

var (
	tableRowPattern  = regexp.MustCompile(`(?m)^\s*\|.*\|\s*$`)
	tableSepPattern  = regexp.MustCompile(`(?m)^\s*\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)+\|?\s*$`)
	htmlTablePattern = regexp.MustCompile(`(?i)<table[\s>]`)
	chartPattern     = regexp.MustCompile("(?i)\\b(chart|graph|plot|visuali[sz]ation)s?\\b|```chart")
	metricPattern    = regexp.MustCompile(`\d+(?:[.,]\d+)?\s?%|[$€£¥₽]\s?\d|\b\d+(?:[.,]\d+)?\s?(?:USD|EUR|GBP|RUB|bn|billion|million|mln|trillion)\b`)
	insightPattern   = regexp.MustCompile(`(?i)\b(insights?|recommend(?:s|ed|ation|ations)?|takeaways?|key findings?|outlook)\b`)
)

// classifySection sniffs the section type in priority order:
// table, chart, metric, insight, text.
func classifySection(content string) SectionType {
	switch {
	case htmlTablePattern.MatchString(content),
		tableRowPattern.MatchString(content) && tableSepPattern.MatchString(content):
		return TypeTable
	case chartPattern.MatchString(content):
		return TypeChart
	case metricPattern.MatchString(content):
		return TypeMetric
	case insightPattern.MatchString(content):
		return TypeInsight
	default:
		return TypeText
	}
}

type draftSection struct {
	Title   string
	Content string
	Type    SectionType
	Order   int
}

// sectionAssembler slices a streamed document into sections. Only sections
// closed by a following heading are released while streaming; the open
// tail stays buffered until Flush.
type sectionAssembler struct {
	threshold int
	nextOrder int
	buf       strings.Builder
}

func newSectionAssembler(threshold, startOrder int) *sectionAssembler {
	if threshold <= 0 {
		threshold = 1
	}
	return &sectionAssembler{threshold: threshold, nextOrder: startOrder}
}

// Write appends a fragment and returns any sections it closed.
func (a *sectionAssembler) Write(fragment string) []draftSection {
	a.buf.WriteString(fragment)
	if a.buf.Len() <= a.threshold {
		return nil
	}

	closed, rest := splitSections(a.buf.String(), false)
	if len(closed) == 0 {
		return nil
	}
	a.buf.Reset()
	a.buf.WriteString(rest)
	return a.number(closed)
}

// Flush releases everything still buffered.
func (a *sectionAssembler) Flush() []draftSection {
	closed, _ := splitSections(a.buf.String(), true)
	a.buf.Reset()
	return a.number(closed)
}

// Pending returns the buffered, not yet released text.
func (a *sectionAssembler) Pending() string { return a.buf.String() }

func (a *sectionAssembler) number(sections []draftSection) []draftSection {
	for i := range sections {
		sections[i].Order = a.nextOrder
		a.nextOrder++
	}
	return sections
}

// splitSections cuts text at heading lines. Unless final, the last
// heading's section is returned as rest instead of being closed.
func splitSections(text string, final bool) ([]draftSection, string) {
	locs := headingPattern.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		if !final {
			return nil, text
		}
		if strings.TrimSpace(text) == "" {
			return nil, ""
		}
		return []draftSection{newDraft("", text)}, ""
	}

	var out []draftSection
	if preamble := text[:locs[0][0]]; strings.TrimSpace(preamble) != "" {
		out = append(out, newDraft("", preamble))
	}

	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if i == len(locs)-1 && !final {
			return out, text[loc[0]:]
		}
		out = append(out, newDraft(cleanHeading(text[loc[4]:loc[5]]), text[loc[0]:end]))
	}
	return out, ""
}

func newDraft(title, segment string) draftSection {
	content := strings.TrimSpace(segment)
	return draftSection{Title: title, Content: content, Type: classifySection(content)}
}

func cleanHeading(raw string) string {
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(raw), "#"))
}

// headingTitle returns the title of the first level 1-2 heading in md.
func headingTitle(md string) string {
	m := headingPattern.FindStringSubmatch(md)
	if len(m) < 3 {
		return ""
	}
	return cleanHeading(m[2])
}
