package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"finamreports/internal/report"
)

// Store is the SQLite implementation of report.Store.
type Store struct {
	db *sql.DB
}

var _ report.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open report db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping report db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate report db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateReport inserts a new report row.
func (s *Store) CreateReport(ctx context.Context, r *report.Report) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (id, thread_id, title, prompt, content, interactive, prompt_tokens, completion_tokens, cost, model, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ThreadID, r.Title, r.Prompt, r.Content, r.Interactive, r.PromptTokens, r.CompletionTokens, r.Cost,
		r.Model, string(r.Status), r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// GetReport loads a report. SectionIDs follow section order.
func (s *Store) GetReport(ctx context.Context, id string) (*report.Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, title, prompt, content, interactive, prompt_tokens, completion_tokens, cost, model, status, created_at, updated_at
		 FROM reports WHERE id = ?`, id)

	var (
		r                report.Report
		status           string
		created, updated int64
	)
	err := row.Scan(&r.ID, &r.ThreadID, &r.Title, &r.Prompt, &r.Content, &r.Interactive, &r.PromptTokens,
		&r.CompletionTokens, &r.Cost, &r.Model, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, report.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan report: %w", err)
	}
	r.Status = report.Status(status)
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sections WHERE report_id = ? ORDER BY ord`, id)
	if err != nil {
		return nil, fmt.Errorf("list section ids: %w", err)
	}
	defer rows.Close()

	r.SectionIDs = []string{}
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return nil, fmt.Errorf("scan section id: %w", err)
		}
		r.SectionIDs = append(r.SectionIDs, sid)
	}
	return &r, rows.Err()
}

// UpdateReport overwrites the mutable report fields.
func (s *Store) UpdateReport(ctx context.Context, r *report.Report) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET title = ?, content = ?, interactive = ?, prompt_tokens = ?, completion_tokens = ?, cost = ?, status = ?, updated_at = ?
		 WHERE id = ?`,
		r.Title, r.Content, r.Interactive, r.PromptTokens, r.CompletionTokens, r.Cost, string(r.Status), r.UpdatedAt.UnixNano(), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update report: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return report.ErrNotFound
	}
	return nil
}

// InsertSection stores a new section with its first history entry.
func (s *Store) InsertSection(ctx context.Context, sec *report.Section) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertSection(ctx, tx, sec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// InsertSectionAt shifts the sections at or after position and stores sec
// there. The position is clamped to [0, n] and written back to sec.Order.
func (s *Store) InsertSectionAt(ctx context.Context, sec *report.Section, position int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sections WHERE report_id = ?`, sec.ReportID).Scan(&count); err != nil {
		return fmt.Errorf("count sections: %w", err)
	}
	if position < 0 {
		position = 0
	}
	if position > count {
		position = count
	}

	// UNIQUE(report_id, ord) is checked per row, so shift through negatives.
	if _, err := tx.ExecContext(ctx,
		`UPDATE sections SET ord = -ord - 1 WHERE report_id = ? AND ord >= ?`, sec.ReportID, position); err != nil {
		return fmt.Errorf("shift sections: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sections SET ord = -ord WHERE report_id = ? AND ord < 0`, sec.ReportID); err != nil {
		return fmt.Errorf("shift sections: %w", err)
	}

	sec.Order = position
	if err := insertSection(ctx, tx, sec); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE reports SET updated_at = ? WHERE id = ?`, sec.UpdatedAt.UnixNano(), sec.ReportID); err != nil {
		return fmt.Errorf("touch report: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// InsertSections back-fills a report without sections and marks it
// interactive.
func (s *Store) InsertSections(ctx context.Context, reportID string, sections []report.Section) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sections WHERE report_id = ?`, reportID).Scan(&count); err != nil {
		return fmt.Errorf("count sections: %w", err)
	}
	if count > 0 {
		return report.ErrVersionConflict
	}

	for i := range sections {
		if err := insertSection(ctx, tx, &sections[i]); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE reports SET interactive = 1, updated_at = ? WHERE id = ?`, time.Now().UTC().UnixNano(), reportID)
	if err != nil {
		return fmt.Errorf("mark interactive: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return report.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertSection(ctx context.Context, tx *sql.Tx, sec *report.Section) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sections (id, report_id, type, title, content, html, ord, version, meta_prompt, meta_model, last_edited_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sec.ID, sec.ReportID, string(sec.Type), sec.Title, sec.Content, sec.HTML, sec.Order, sec.Version,
		sec.Metadata.Prompt, sec.Metadata.Model, sec.Metadata.LastEditedBy, sec.CreatedAt.UnixNano(), sec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert section: %w", err)
	}
	for _, h := range sec.History {
		if err := insertHistory(ctx, tx, sec.ID, h); err != nil {
			return err
		}
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, sectionID string, h report.EditEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO section_history (section_id, version, content, html, prompt, edited_by, edited_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sectionID, h.Version, h.Content, h.HTMLContent, h.Prompt, h.EditedBy, h.EditedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert history v%d: %w", h.Version, err)
	}
	return nil
}

const sectionColumns = `id, report_id, type, title, content, html, ord, version, meta_prompt, meta_model, last_edited_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSection(row rowScanner) (*report.Section, error) {
	var (
		sec              report.Section
		kind             string
		created, updated int64
	)
	err := row.Scan(&sec.ID, &sec.ReportID, &kind, &sec.Title, &sec.Content, &sec.HTML, &sec.Order, &sec.Version,
		&sec.Metadata.Prompt, &sec.Metadata.Model, &sec.Metadata.LastEditedBy, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, report.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan section: %w", err)
	}
	sec.Type = report.SectionType(kind)
	sec.CreatedAt = fromNanos(created)
	sec.UpdatedAt = fromNanos(updated)
	return &sec, nil
}

// GetSection loads a section with its full history.
func (s *Store) GetSection(ctx context.Context, id string) (*report.Section, error) {
	sec, err := scanSection(s.db.QueryRowContext(ctx, `SELECT `+sectionColumns+` FROM sections WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	history, err := s.history(ctx, `WHERE section_id = ?`, id)
	if err != nil {
		return nil, err
	}
	sec.History = upTo(history[id], sec.Version)
	return sec, nil
}

// ListSections returns a report's sections ordered by position.
func (s *Store) ListSections(ctx context.Context, reportID string) ([]report.Section, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sectionColumns+` FROM sections WHERE report_id = ? ORDER BY ord`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	var sections []report.Section
	for rows.Next() {
		sec, err := scanSection(rows)
		if err != nil {
			return nil, err
		}
		sections = append(sections, *sec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	history, err := s.history(ctx, `WHERE section_id IN (SELECT id FROM sections WHERE report_id = ?)`, reportID)
	if err != nil {
		return nil, err
	}
	for i := range sections {
		sections[i].History = upTo(history[sections[i].ID], sections[i].Version)
	}
	return sections, nil
}

func (s *Store) history(ctx context.Context, where string, arg any) (map[string][]report.EditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT section_id, version, content, html, prompt, edited_by, edited_at FROM section_history `+where+` ORDER BY section_id, version`, arg)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]report.EditEntry)
	for rows.Next() {
		var (
			sectionID string
			h         report.EditEntry
			editedAt  int64
		)
		if err := rows.Scan(&sectionID, &h.Version, &h.Content, &h.HTMLContent, &h.Prompt, &h.EditedBy, &editedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.EditedAt = fromNanos(editedAt)
		out[sectionID] = append(out[sectionID], h)
	}
	return out, rows.Err()
}

// CommitSection writes sec as version expectedVersion+1 together with its
// history entry.
func (s *Store) CommitSection(ctx context.Context, sec *report.Section, expectedVersion int) error {
	if sec.Version != expectedVersion+1 {
		return fmt.Errorf("commit section %s: version %d does not follow %d", sec.ID, sec.Version, expectedVersion)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sections SET type = ?, title = ?, content = ?, html = ?, version = ?, meta_prompt = ?, meta_model = ?, last_edited_by = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(sec.Type), sec.Title, sec.Content, sec.HTML, sec.Version, sec.Metadata.Prompt, sec.Metadata.Model,
		sec.Metadata.LastEditedBy, sec.UpdatedAt.UnixNano(), sec.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update section: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM sections WHERE id = ?`, sec.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return report.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup section: %w", err)
		}
		return report.ErrVersionConflict
	}

	entry := report.EditEntry{
		Version:     sec.Version,
		Content:     sec.Content,
		HTMLContent: sec.HTML,
		Prompt:      sec.Metadata.Prompt,
		EditedBy:    sec.Metadata.LastEditedBy,
		EditedAt:    sec.UpdatedAt,
	}
	if n := len(sec.History); n > 0 && sec.History[n-1].Version == sec.Version {
		entry = sec.History[n-1]
	}
	if err := insertHistory(ctx, tx, sec.ID, entry); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE reports SET updated_at = ? WHERE id = ?`, sec.UpdatedAt.UnixNano(), sec.ReportID); err != nil {
		return fmt.Errorf("touch report: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeleteSection removes a section and its history and closes the gap.
func (s *Store) DeleteSection(ctx context.Context, id string) (*report.Section, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	sec, err := scanSection(tx.QueryRowContext(ctx, `SELECT `+sectionColumns+` FROM sections WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	var interactive bool
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT r.interactive, (SELECT COUNT(*) FROM sections WHERE report_id = r.id) FROM reports r WHERE r.id = ?`,
		sec.ReportID).Scan(&interactive, &count); err != nil {
		return nil, fmt.Errorf("count sections: %w", err)
	}
	if interactive && count <= 1 {
		return nil, report.ErrLastSection
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM section_history WHERE section_id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sections WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete section: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sections SET ord = -ord WHERE report_id = ? AND ord > ?`, sec.ReportID, sec.Order); err != nil {
		return nil, fmt.Errorf("renumber sections: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sections SET ord = -ord - 1 WHERE report_id = ? AND ord < 0`, sec.ReportID); err != nil {
		return nil, fmt.Errorf("renumber sections: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return sec, nil
}

// upTo drops entries committed after the section row was read.
func upTo(history []report.EditEntry, version int) []report.EditEntry {
	for i, h := range history {
		if h.Version > version {
			return history[:i]
		}
	}
	return history
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
