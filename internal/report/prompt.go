package report

import (
	"fmt"
	"strings"

	"finamreports/internal/llm"
)

const chartRules = "When a visualization would help, add it under its own \"## \" heading as a fenced ```chart block holding a JSON object " +
	`{"type": "line|bar|pie", "title": "...", "labels": [...], "series": [{"name": "...", "values": [...]}]}.`

func generationMessages(profile Profile, req Request, market string) []llm.Message {
	system := profile.Instruction
	if req.Options.GenerateCharts {
		system += " " + chartRules
	}

	user := strings.TrimSpace(req.Prompt)
	if market = strings.TrimSpace(market); market != "" {
		user += "\n\nCurrent market data:\n" + market
	}

	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}

func editMessages(s *Section, instruction string) []llm.Message {
	system := "You are a senior financial editor. Rewrite the report section you are given according to the instruction. " +
		"Keep its heading unless told otherwise, keep Markdown formatting, and reply with the rewritten section only."

	user := fmt.Sprintf("Section (%s):\n%s\n\nInstruction:\n%s", s.Type, s.Content, strings.TrimSpace(instruction))

	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}

func addMessages(r *Report, sections []Section, position int, instruction string) []llm.Message {
	system := "You are a senior financial analyst extending an existing report. Write exactly one new section that starts with a \"## \" heading. " +
		"Match the tone of the surrounding sections and reply with the new section only."

	var outline strings.Builder
	for i, s := range sections {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(&outline, "%d. %s\n", i+1, title)
	}

	var neighbours strings.Builder
	if position > 0 && position <= len(sections) {
		neighbours.WriteString("Preceding section:\n")
		neighbours.WriteString(truncate(sections[position-1].Content, 1500))
		neighbours.WriteString("\n\n")
	}
	if position < len(sections) {
		neighbours.WriteString("Following section:\n")
		neighbours.WriteString(truncate(sections[position].Content, 1500))
		neighbours.WriteString("\n\n")
	}

	user := fmt.Sprintf("Report request: %s\n\nOutline:\n%s\n%sInstruction:\n%s",
		strings.TrimSpace(r.Prompt), outline.String(), neighbours.String(), strings.TrimSpace(instruction))

	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}

func promptText(msgs []llm.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}
