package report

import (
	"context"
	"fmt"
	"html"
	"strings"
)

// Export formats.
const (
	FormatMarkdown = "md"
	FormatHTML     = "html"
)

// Exporter renders whole reports and caches the result until the next
// section commit.
type Exporter struct {
	*Engine
}

// NewExporter shares the engine's store and cache.
func NewExporter(e *Engine) *Exporter { return &Exporter{Engine: e} }

// Export returns the report rendered as format with its content type.
func (x *Exporter) Export(ctx context.Context, reportID, format string) ([]byte, string, error) {
	var contentType string
	switch format {
	case FormatMarkdown:
		contentType = "text/markdown; charset=utf-8"
	case FormatHTML:
		contentType = "text/html; charset=utf-8"
	default:
		return nil, "", &ValidationError{Field: "format", Reason: fmt.Sprintf("unsupported format %q", format)}
	}

	body, err := x.deps.Cache.GetOrSet(ctx, ExportKey(reportID, format), func(ctx context.Context) ([]byte, error) {
		rep, err := x.Report(ctx, reportID)
		if err != nil {
			return nil, err
		}
		md := documentMarkdown(rep)
		if format == FormatMarkdown {
			return []byte(md), nil
		}
		return []byte(htmlDocument(rep.Title, RenderHTML(md))), nil
	}, x.cfg.ExportTTL)
	if err != nil {
		return nil, "", err
	}
	return body, contentType, nil
}

// documentMarkdown joins the ordered sections, falling back to the raw
// content of reports that were never split.
func documentMarkdown(rep *Report) string {
	if len(rep.Sections) == 0 {
		return strings.TrimSpace(rep.Content) + "\n"
	}
	parts := make([]string, 0, len(rep.Sections))
	for _, s := range rep.Sections {
		parts = append(parts, s.Content)
	}
	return strings.Join(parts, "\n\n") + "\n"
}

func htmlDocument(title, body string) string {
	return "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>" + html.EscapeString(title) +
		"</title>\n</head>\n<body>\n" + body + "</body>\n</html>\n"
}
