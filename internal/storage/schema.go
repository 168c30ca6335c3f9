package storage

// Schema creates the report tables. Timestamps are unix nanoseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS reports (
    id                TEXT PRIMARY KEY,
    thread_id         TEXT NOT NULL DEFAULT '',
    title             TEXT NOT NULL DEFAULT '',
    prompt            TEXT NOT NULL,
    content           TEXT NOT NULL DEFAULT '',
    interactive       INTEGER NOT NULL DEFAULT 0,
    prompt_tokens     INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    cost              REAL NOT NULL DEFAULT 0,
    model             TEXT NOT NULL,
    status            TEXT NOT NULL
                      CHECK(status IN ('generating', 'completed', 'failed', 'cancelled')),
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sections (
    id             TEXT PRIMARY KEY,
    report_id      TEXT NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
    type           TEXT NOT NULL,
    title          TEXT NOT NULL DEFAULT '',
    content        TEXT NOT NULL,
    html           TEXT NOT NULL,
    ord            INTEGER NOT NULL,
    version        INTEGER NOT NULL CHECK(version >= 1),
    meta_prompt    TEXT NOT NULL DEFAULT '',
    meta_model     TEXT NOT NULL DEFAULT '',
    last_edited_by TEXT NOT NULL DEFAULT '',
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL,
    UNIQUE(report_id, ord)
);

CREATE TABLE IF NOT EXISTS section_history (
    section_id TEXT NOT NULL REFERENCES sections(id) ON DELETE CASCADE,
    version    INTEGER NOT NULL,
    content    TEXT NOT NULL,
    html       TEXT NOT NULL,
    prompt     TEXT NOT NULL DEFAULT '',
    edited_by  TEXT NOT NULL,
    edited_at  INTEGER NOT NULL,
    PRIMARY KEY (section_id, version)
);

CREATE TABLE IF NOT EXISTS entities (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    slug          TEXT NOT NULL UNIQUE,
    type          TEXT NOT NULL,
    mention_count INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mentions (
    entity_id  TEXT NOT NULL REFERENCES entities(id),
    report_id  TEXT NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
    context    TEXT NOT NULL DEFAULT '',
    sentiment  REAL NOT NULL DEFAULT 0
               CHECK(sentiment BETWEEN -1 AND 1),
    relevance  REAL NOT NULL DEFAULT 0
               CHECK(relevance BETWEEN 0 AND 1),
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (entity_id, report_id)
);

CREATE INDEX IF NOT EXISTS idx_reports_thread ON reports(thread_id);
CREATE INDEX IF NOT EXISTS idx_mentions_report ON mentions(report_id);
`
