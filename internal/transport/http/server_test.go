package transporthttp

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"finamreports/internal/app"
	"finamreports/internal/config"
	"finamreports/internal/livesync"
	"finamreports/internal/llm"
	"finamreports/internal/report"
)

// scriptedProvider answers by the last message: "HOLD" blocks until the
// request context ends, "Rewrite" produces one section, anything else a
// two-section report.
type scriptedProvider struct{}

func (scriptedProvider) ChatCompletionStream(ctx context.Context, req llm.ChatCompletionRequest) (llm.Stream, error) {
	last := req.Messages[len(req.Messages)-1].Content
	switch {
	case strings.Contains(last, "HOLD"):
		return &textStream{ctx: ctx, block: true}, nil
	case strings.Contains(last, "Rewrite"):
		return &textStream{ctx: ctx, frags: []string{"## Margins\nMargins ", "held up.\n"}}, nil
	default:
		return &textStream{ctx: ctx, frags: []string{"# Sber outlook\n## Overview\nSteady", " growth.\n", "## Risks\nRates.\n"}}, nil
	}
}

type textStream struct {
	ctx   context.Context
	frags []string
	block bool
	i     int
}

func (s *textStream) Next() bool {
	if s.block {
		<-s.ctx.Done()
		return false
	}
	if s.i >= len(s.frags) {
		return false
	}
	s.i++
	return true
}

func (s *textStream) Text() string { return s.frags[s.i-1] }

func (s *textStream) Usage() llm.Usage { return llm.Usage{PromptTokens: 12, CompletionTokens: 8} }

func (s *textStream) Err() error {
	if s.block {
		return s.ctx.Err()
	}
	return nil
}

func (s *textStream) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *app.App) {
	t.Helper()
	cfg := config.Config{
		Models:             []string{"gpt-4o-mini"},
		MaxPromptChars:     2000,
		MaxOutputTokens:    1000,
		SectionBufferBytes: 1,
		Temperature:        0.7,
		CacheTTL:           time.Minute,
		ExportTTL:          time.Minute,
		RunTimeout:         time.Minute,
		DatabasePath:       filepath.Join(t.TempDir(), "reports.db"),
		CacheSize:          32,
	}
	logger, _ := test.NewNullLogger()
	a, err := app.New(context.Background(), cfg, logger, app.WithProvider(scriptedProvider{}, nil))
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return NewServer(a), a
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(editorHeader, "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// frames parses an event-stream body and reports whether it ended with the
// terminator.
func frames(t *testing.T, body string) ([]livesync.Frame, bool) {
	t.Helper()
	var (
		out  []livesync.Frame
		done bool
	)
	for _, chunk := range strings.Split(body, "\n\n") {
		data, ok := strings.CutPrefix(strings.TrimSpace(chunk), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			done = true
			continue
		}
		var f livesync.Frame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			t.Fatalf("decode frame %q: %v", data, err)
		}
		out = append(out, f)
	}
	return out, done
}

func generateReport(t *testing.T, h http.Handler) *report.Summary {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/reports/generate", `{"prompt":"Sberbank outlook","options":{"stream":true}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	fs, done := frames(t, rec.Body.String())
	if !done {
		t.Fatalf("stream did not end with [DONE]")
	}
	last := fs[len(fs)-1]
	if last.Type != livesync.FrameComplete || last.Report == nil {
		t.Fatalf("expected complete frame last, got %+v", last)
	}

	var sections int
	for _, f := range fs {
		if f.Type == livesync.FrameSection {
			sections++
		}
	}
	if sections != last.Report.SectionCount {
		t.Fatalf("saw %d section frames, summary says %d", sections, last.Report.SectionCount)
	}
	return last.Report
}

func fetchReport(t *testing.T, h http.Handler, id string) report.Report {
	t.Helper()
	rec := do(t, h, http.MethodGet, "/reports/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get report: status %d", rec.Code)
	}
	var rep report.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	return rep
}

func TestHealthAndDocs(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/swagger/openapi.yaml", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/reports/generate") {
		t.Fatalf("openapi: status %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/swagger", ""); rec.Code != http.StatusOK {
		t.Fatalf("swagger ui: status %d", rec.Code)
	}
}

func TestPreflightIsAnswered(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv.Routes(), http.MethodOptions, "/sections/abc/edit", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(allow, editorHeader) {
		t.Fatalf("editor header not allowed: %q", allow)
	}
}

func TestGenerateStreamsAndPersists(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	summary := generateReport(t, h)
	if summary.SectionCount != 3 {
		t.Fatalf("expected 3 sections, got %d", summary.SectionCount)
	}

	rep := fetchReport(t, h, summary.ReportID)
	if rep.Status != report.StatusCompleted || !rep.Interactive {
		t.Fatalf("unexpected report state %s interactive=%v", rep.Status, rep.Interactive)
	}
	if len(rep.Sections) != 3 || rep.Sections[1].Title != "Overview" || rep.Sections[2].Title != "Risks" {
		t.Fatalf("unexpected sections %+v", rep.Sections)
	}

	rec := do(t, h, http.MethodGet, "/reports/"+summary.ReportID+"/entities", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"entities":[]`) {
		t.Fatalf("entities: %d %s", rec.Code, rec.Body.String())
	}
}

func TestGenerateRejectsInvalidInput(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	cases := []struct {
		body  string
		field string
	}{
		{`{"prompt":"   "}`, "prompt"},
		{`{"prompt":"ok","model":"gpt-2"}`, "model"},
		{`{"prompt":"ok","temperature":3}`, "temperature"},
	}
	for _, tc := range cases {
		rec := do(t, h, http.MethodPost, "/reports/generate", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.body, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"field":"`+tc.field+`"`) {
			t.Fatalf("%s: missing field %q in %s", tc.body, tc.field, rec.Body.String())
		}
	}

	if rec := do(t, h, http.MethodPost, "/reports/generate", `{"prompt":`); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed payload: expected 400, got %d", rec.Code)
	}
}

func TestUnknownResourcesAre404(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	for _, target := range []string{"/reports/missing", "/sections/missing", "/sections/missing/history", "/reports/missing/export", "/reports/missing/live"} {
		if rec := do(t, h, http.MethodGet, target, ""); rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", target, rec.Code)
		}
	}
	if rec := do(t, h, http.MethodPost, "/runs/nope/cancel", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("cancel: expected 404, got %d", rec.Code)
	}
}

func TestSectionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	summary := generateReport(t, h)
	rep := fetchReport(t, h, summary.ReportID)
	overview := rep.Sections[1]

	rec := do(t, h, http.MethodPost, "/sections/"+overview.ID+"/edit", `{"prompt":"Rewrite with margins"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("edit: status %d", rec.Code)
	}
	fs, done := frames(t, rec.Body.String())
	if !done || fs[0].Type != livesync.FrameSectionID || fs[0].SectionID != overview.ID {
		t.Fatalf("unexpected edit frames %+v", fs)
	}
	if last := fs[len(fs)-1]; last.Type != livesync.FrameComplete || last.Version != 2 {
		t.Fatalf("expected complete at version 2, got %+v", last)
	}

	rec = do(t, h, http.MethodPatch, "/sections/"+overview.ID, `{"title":"Gross margins","type":"insight"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("rename: status %d %s", rec.Code, rec.Body.String())
	}
	var renamed report.Section
	if err := json.Unmarshal(rec.Body.Bytes(), &renamed); err != nil {
		t.Fatalf("decode section: %v", err)
	}
	if renamed.Version != 3 || renamed.Title != "Gross margins" || renamed.Content != "## Margins\nMargins held up." {
		t.Fatalf("unexpected section %+v", renamed)
	}
	if renamed.Metadata.LastEditedBy != "alice" {
		t.Fatalf("expected editor alice, got %q", renamed.Metadata.LastEditedBy)
	}

	if rec := do(t, h, http.MethodPatch, "/sections/"+overview.ID, `{"type":"poem"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad type: expected 400, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/sections/"+overview.ID+"/history", "")
	var history struct {
		History []report.EditEntry `json:"history"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.History) != 3 || history.History[0].Version != 1 {
		t.Fatalf("unexpected history %+v", history.History)
	}

	rec = do(t, h, http.MethodGet, "/reports/"+summary.ReportID+"/export?format=md", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "## Margins") {
		t.Fatalf("export md: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodGet, "/reports/"+summary.ReportID+"/export?format=html", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<h2>Margins</h2>") {
		t.Fatalf("export html: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/reports/"+summary.ReportID+"/export?format=pdf", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("export pdf: expected 400, got %d", rec.Code)
	}

	if rec := do(t, h, http.MethodDelete, "/sections/"+overview.ID, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	after := fetchReport(t, h, summary.ReportID)
	if len(after.Sections) != 2 || after.Sections[1].Title != "Risks" || after.Sections[1].Order != 1 {
		t.Fatalf("unexpected sections after delete %+v", after.Sections)
	}
}

func TestSecondRunOnBusyReportConflicts(t *testing.T) {
	srv, a := newTestServer(t)
	h := srv.Routes()

	run, err := a.Engine.Generate(context.Background(), report.Request{Prompt: "HOLD please", ReportID: "busy-report"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	rec := do(t, h, http.MethodPost, "/reports/generate", `{"prompt":"again","reportId":"busy-report"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/runs", "")
	if !strings.Contains(rec.Body.String(), run.ID) {
		t.Fatalf("active runs missing %s: %s", run.ID, rec.Body.String())
	}

	if rec := do(t, h, http.MethodPost, "/runs/"+run.ID+"/cancel", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("cancel: expected 202, got %d", rec.Code)
	}
	select {
	case <-waitEvent(run):
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

func waitEvent(run *report.Run) <-chan report.Event {
	ch := make(chan report.Event, 1)
	go func() { ch <- run.Wait() }()
	return ch
}
