package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"finamreports/internal/report"
)

// UpsertEntity creates the entity on first sighting, bumps its mention
// count and records (or refreshes) the mention for reportID.
func (s *Store) UpsertEntity(ctx context.Context, reportID string, e report.DetectedEntity) (*report.Mention, error) {
	slug := e.Slug
	if slug == "" {
		slug = report.Slugify(e.Name)
	}
	if slug == "" {
		return nil, fmt.Errorf("upsert entity: empty name")
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO entities (id, name, slug, type, mention_count, created_at, updated_at) VALUES (?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(slug) DO UPDATE SET mention_count = mention_count + 1, updated_at = excluded.updated_at`,
		uuid.New().String(), e.Name, slug, e.Type, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert entity %q: %w", slug, err)
	}

	var (
		ent              report.Entity
		created, updated int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, name, slug, type, mention_count, created_at, updated_at FROM entities WHERE slug = ?`, slug,
	).Scan(&ent.ID, &ent.Name, &ent.Slug, &ent.Type, &ent.MentionCount, &created, &updated)
	if err != nil {
		return nil, fmt.Errorf("load entity %q: %w", slug, err)
	}
	ent.CreatedAt = fromNanos(created)
	ent.UpdatedAt = fromNanos(updated)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO mentions (entity_id, report_id, context, sentiment, relevance, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entity_id, report_id) DO UPDATE SET
		     context = excluded.context, sentiment = excluded.sentiment, relevance = excluded.relevance, updated_at = excluded.updated_at`,
		ent.ID, reportID, e.Context, e.Sentiment, e.Relevance, now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert mention %q: %w", slug, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &report.Mention{
		EntityID:  ent.ID,
		ReportID:  reportID,
		Context:   e.Context,
		Sentiment: e.Sentiment,
		Relevance: e.Relevance,
		UpdatedAt: now,
		Entity:    &ent,
	}, nil
}

// ListMentions returns a report's mentions, most relevant first.
func (s *Store) ListMentions(ctx context.Context, reportID string) ([]report.Mention, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.entity_id, m.report_id, m.context, m.sentiment, m.relevance, m.updated_at,
		        e.name, e.slug, e.type, e.mention_count, e.created_at, e.updated_at
		 FROM mentions m JOIN entities e ON e.id = m.entity_id
		 WHERE m.report_id = ?
		 ORDER BY m.relevance DESC, e.name`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list mentions: %w", err)
	}
	defer rows.Close()

	var mentions []report.Mention
	for rows.Next() {
		var (
			m                               report.Mention
			ent                             report.Entity
			updated, entCreated, entUpdated int64
		)
		if err := rows.Scan(&m.EntityID, &m.ReportID, &m.Context, &m.Sentiment, &m.Relevance, &updated,
			&ent.Name, &ent.Slug, &ent.Type, &ent.MentionCount, &entCreated, &entUpdated); err != nil {
			return nil, fmt.Errorf("scan mention: %w", err)
		}
		ent.ID = m.EntityID
		ent.CreatedAt = fromNanos(entCreated)
		ent.UpdatedAt = fromNanos(entUpdated)
		m.UpdatedAt = fromNanos(updated)
		m.Entity = &ent
		mentions = append(mentions, m)
	}
	return mentions, rows.Err()
}
