package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"finamreports/internal/report"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "reports.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedReport(t *testing.T, st *Store, id string) *report.Report {
	t.Helper()
	now := time.Now().UTC()
	r := &report.Report{ID: id, Prompt: "p", Model: "m", Status: report.StatusGenerating, CreatedAt: now, UpdatedAt: now}
	if err := st.CreateReport(context.Background(), r); err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	return r
}

func newSection(reportID, id string, order int) *report.Section {
	now := time.Now().UTC()
	content := fmt.Sprintf("## %s\nbody of %s", id, id)
	return &report.Section{
		ID:       id,
		ReportID: reportID,
		Type:     report.TypeText,
		Title:    id,
		Content:  content,
		HTML:     "<p>" + id + "</p>",
		Order:    order,
		Version:  1,
		History: []report.EditEntry{{
			Version: 1, Content: content, HTMLContent: "<p>" + id + "</p>", EditedBy: "system", EditedAt: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func orderOf(t *testing.T, st *Store, reportID string) []string {
	t.Helper()
	sections, err := st.ListSections(context.Background(), reportID)
	if err != nil {
		t.Fatalf("ListSections: %v", err)
	}
	ids := make([]string, 0, len(sections))
	for i, s := range sections {
		if s.Order != i {
			t.Fatalf("section %s has order %d at index %d", s.ID, s.Order, i)
		}
		ids = append(ids, s.ID)
	}
	return ids
}

func TestReportRoundTrip(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	r := seedReport(t, st, "r1")

	r.Title = "Quarterly"
	r.Content = "## A\nx"
	r.Status = report.StatusCompleted
	r.Interactive = true
	r.PromptTokens, r.CompletionTokens, r.Cost = 10, 20, 0.5
	if err := st.UpdateReport(ctx, r); err != nil {
		t.Fatalf("UpdateReport: %v", err)
	}

	got, err := st.GetReport(ctx, "r1")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Title != "Quarterly" || !got.Interactive || got.Status != report.StatusCompleted {
		t.Errorf("unexpected report %+v", got)
	}
	if got.CompletionTokens != 20 || got.Cost != 0.5 {
		t.Errorf("counters not persisted: %+v", got)
	}

	if _, err := st.GetReport(ctx, "missing"); !errors.Is(err, report.ErrNotFound) {
		t.Errorf("GetReport(missing) = %v, want ErrNotFound", err)
	}
}

func TestInsertSectionAtShiftsLaterSections(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	seedReport(t, st, "r1")

	for i, id := range []string{"a", "b", "c"} {
		if err := st.InsertSection(ctx, newSection("r1", id, i)); err != nil {
			t.Fatalf("InsertSection %s: %v", id, err)
		}
	}

	mid := newSection("r1", "x", 0)
	if err := st.InsertSectionAt(ctx, mid, 1); err != nil {
		t.Fatalf("InsertSectionAt: %v", err)
	}
	if got := fmt.Sprint(orderOf(t, st, "r1")); got != "[a x b c]" {
		t.Fatalf("order = %s", got)
	}

	tail := newSection("r1", "z", 0)
	if err := st.InsertSectionAt(ctx, tail, 99); err != nil {
		t.Fatalf("InsertSectionAt clamp: %v", err)
	}
	if tail.Order != 4 {
		t.Errorf("clamped order = %d, want 4", tail.Order)
	}

	rep, err := st.GetReport(ctx, "r1")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if fmt.Sprint(rep.SectionIDs) != "[a x b c z]" {
		t.Errorf("SectionIDs = %v", rep.SectionIDs)
	}
}

func TestCommitSectionBumpsVersionAndAppendsHistory(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	seedReport(t, st, "r1")
	sec := newSection("r1", "a", 0)
	if err := st.InsertSection(ctx, sec); err != nil {
		t.Fatalf("InsertSection: %v", err)
	}

	next := *sec
	next.Content = "## a\nrewritten"
	next.Version = 2
	next.UpdatedAt = time.Now().UTC()
	next.Metadata.LastEditedBy = "alice"
	if err := st.CommitSection(ctx, &next, 1); err != nil {
		t.Fatalf("CommitSection: %v", err)
	}

	got, err := st.GetSection(ctx, "a")
	if err != nil {
		t.Fatalf("GetSection: %v", err)
	}
	if got.Version != 2 || got.Content != "## a\nrewritten" {
		t.Fatalf("unexpected section %+v", got)
	}
	if len(got.History) != got.Version {
		t.Fatalf("history length %d, version %d", len(got.History), got.Version)
	}
	for i, h := range got.History {
		if h.Version != i+1 {
			t.Errorf("history[%d].Version = %d", i, h.Version)
		}
	}
	if got.History[1].EditedBy != "alice" {
		t.Errorf("EditedBy = %q", got.History[1].EditedBy)
	}

	stale := next
	stale.Version = 2
	if err := st.CommitSection(ctx, &stale, 1); !errors.Is(err, report.ErrVersionConflict) {
		t.Errorf("stale commit = %v, want ErrVersionConflict", err)
	}

	ghost := next
	ghost.ID = "ghost"
	ghost.Version = 2
	if err := st.CommitSection(ctx, &ghost, 1); !errors.Is(err, report.ErrNotFound) {
		t.Errorf("ghost commit = %v, want ErrNotFound", err)
	}
}

func TestConcurrentCommitsHaveOneWinner(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	seedReport(t, st, "r1")
	sec := newSection("r1", "a", 0)
	if err := st.InsertSection(ctx, sec); err != nil {
		t.Fatalf("InsertSection: %v", err)
	}

	const writers = 8
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			next := *sec
			next.Content = fmt.Sprintf("writer %d", i)
			next.Version = 2
			next.UpdatedAt = time.Now().UTC()
			errs <- st.CommitSection(ctx, &next, 1)
		}(i)
	}

	var wins, conflicts int
	for i := 0; i < writers; i++ {
		err := <-errs
		switch {
		case err == nil:
			wins++
		case errors.Is(err, report.ErrVersionConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != writers-1 {
		t.Fatalf("wins=%d conflicts=%d", wins, conflicts)
	}

	got, err := st.GetSection(ctx, "a")
	if err != nil {
		t.Fatalf("GetSection: %v", err)
	}
	if got.Version != 2 || len(got.History) != 2 {
		t.Errorf("version=%d history=%d", got.Version, len(got.History))
	}
}

func TestDeleteSectionRenumbers(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	seedReport(t, st, "r1")
	for i, id := range []string{"a", "b", "c", "d"} {
		if err := st.InsertSection(ctx, newSection("r1", id, i)); err != nil {
			t.Fatalf("InsertSection: %v", err)
		}
	}

	if _, err := st.DeleteSection(ctx, "b"); err != nil {
		t.Fatalf("DeleteSection: %v", err)
	}
	if got := fmt.Sprint(orderOf(t, st, "r1")); got != "[a c d]" {
		t.Fatalf("order = %s", got)
	}
	if _, err := st.GetSection(ctx, "b"); !errors.Is(err, report.ErrNotFound) {
		t.Errorf("deleted section still readable: %v", err)
	}
}

func TestDeleteSectionKeepsInteractiveReportNonEmpty(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	seedReport(t, st, "r1")
	if err := st.InsertSections(ctx, "r1", []report.Section{*newSection("r1", "a", 0)}); err != nil {
		t.Fatalf("InsertSections: %v", err)
	}

	if _, err := st.DeleteSection(ctx, "a"); !errors.Is(err, report.ErrLastSection) {
		t.Fatalf("DeleteSection = %v, want ErrLastSection", err)
	}
	if _, err := st.GetSection(ctx, "a"); err != nil {
		t.Errorf("section lost after refused delete: %v", err)
	}

	seedReport(t, st, "r2")
	if err := st.InsertSection(ctx, newSection("r2", "b", 0)); err != nil {
		t.Fatalf("InsertSection: %v", err)
	}
	if _, err := st.DeleteSection(ctx, "b"); err != nil {
		t.Errorf("plain report section: %v", err)
	}
}

func TestInsertSectionsRefusesExisting(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	seedReport(t, st, "r1")

	batch := []report.Section{*newSection("r1", "a", 0), *newSection("r1", "b", 1)}
	if err := st.InsertSections(ctx, "r1", batch); err != nil {
		t.Fatalf("InsertSections: %v", err)
	}
	rep, err := st.GetReport(ctx, "r1")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if !rep.Interactive || len(rep.SectionIDs) != 2 {
		t.Errorf("report not back-filled: %+v", rep)
	}

	again := []report.Section{*newSection("r1", "c", 0)}
	if err := st.InsertSections(ctx, "r1", again); !errors.Is(err, report.ErrVersionConflict) {
		t.Errorf("second back-fill = %v, want ErrVersionConflict", err)
	}
}

func TestUpsertEntityCountsSightings(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	seedReport(t, st, "r1")
	seedReport(t, st, "r2")

	e := report.DetectedEntity{Name: "Sberbank", Type: "company", Sentiment: 0.4, Relevance: 0.7, Context: "first"}
	if _, err := st.UpsertEntity(ctx, "r1", e); err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	e.Context = "updated"
	e.Relevance = 0.9
	if _, err := st.UpsertEntity(ctx, "r1", e); err != nil {
		t.Fatalf("UpsertEntity again: %v", err)
	}
	m, err := st.UpsertEntity(ctx, "r2", e)
	if err != nil {
		t.Fatalf("UpsertEntity r2: %v", err)
	}
	if m.Entity.MentionCount != 3 {
		t.Errorf("MentionCount = %d, want 3", m.Entity.MentionCount)
	}

	mentions, err := st.ListMentions(ctx, "r1")
	if err != nil {
		t.Fatalf("ListMentions: %v", err)
	}
	if len(mentions) != 1 {
		t.Fatalf("expected one mention per (entity, report), got %d", len(mentions))
	}
	if mentions[0].Context != "updated" || mentions[0].Relevance != 0.9 {
		t.Errorf("mention not updated in place: %+v", mentions[0])
	}
	if mentions[0].Entity == nil || mentions[0].Entity.Slug != "sberbank" {
		t.Errorf("entity not joined: %+v", mentions[0].Entity)
	}
}
