package report

import (
	"context"
	"time"
)

// Store is the authoritative persistence of reports, sections and entities.
// Every section mutation is atomic: content, version and history land
// together or not at all.
type Store interface {
	CreateReport(ctx context.Context, r *Report) error
	GetReport(ctx context.Context, id string) (*Report, error)
	UpdateReport(ctx context.Context, r *Report) error

	// InsertSection stores a new section at its Order.
	InsertSection(ctx context.Context, s *Section) error
	// InsertSectionAt clamps position to [0, n], shifts every section at or
	// after it by one and stores s there, in one transaction.
	InsertSectionAt(ctx context.Context, s *Section, position int) error
	// InsertSections back-fills a report that has no sections and marks it
	// interactive. It fails with ErrVersionConflict when sections exist.
	InsertSections(ctx context.Context, reportID string, sections []Section) error
	GetSection(ctx context.Context, id string) (*Section, error)
	ListSections(ctx context.Context, reportID string) ([]Section, error)
	// CommitSection writes s as the version after expectedVersion and
	// appends its history entry. It returns ErrVersionConflict when the
	// stored version differs from expectedVersion.
	CommitSection(ctx context.Context, s *Section, expectedVersion int) error
	// DeleteSection removes a section and closes the gap in ordering. It
	// fails with ErrLastSection rather than leave an interactive report
	// without sections.
	DeleteSection(ctx context.Context, id string) (*Section, error)

	// UpsertEntity records one sighting of e in reportID.
	UpsertEntity(ctx context.Context, reportID string, e DetectedEntity) (*Mention, error)
	ListMentions(ctx context.Context, reportID string) ([]Mention, error)
}

// Cache is a best-effort byte cache. Backend failures surface as misses.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, keys ...string)
	// GetOrSet runs factory at most once per key among concurrent callers.
	GetOrSet(ctx context.Context, key string, factory func(context.Context) ([]byte, error), ttl time.Duration) ([]byte, error)
}

// Publisher fans envelopes out to live viewers. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, env Envelope)
}

// MarketData supplies a textual market snapshot for a prompt.
type MarketData interface {
	Snapshot(ctx context.Context, prompt string) (string, error)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Envelope) {}

type nopCache struct{}

func (nopCache) Get(context.Context, string) ([]byte, bool) { return nil, false }

func (nopCache) Set(context.Context, string, []byte, time.Duration) {}

func (nopCache) Delete(context.Context, ...string) {}

func (nopCache) GetOrSet(ctx context.Context, _ string, factory func(context.Context) ([]byte, error), _ time.Duration) ([]byte, error) {
	return factory(ctx)
}
