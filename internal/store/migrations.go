package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "entries, batches, blocks: ingestion records",
		SQL: `
CREATE TABLE entries (
    id             INTEGER PRIMARY KEY,
    created_at     INTEGER NOT NULL,
    raw_text       TEXT NOT NULL,
    source         TEXT NOT NULL DEFAULT 'api',
    rollup_status  TEXT NOT NULL DEFAULT 'pending' CHECK (rollup_status IN ('pending', 'done'))
);

CREATE TABLE batches (
    batch_id    TEXT PRIMARY KEY,
    kind        TEXT NOT NULL CHECK (kind IN ('ingest', 'worker', 'sync', 'backfill', 'manual')),
    created_at  INTEGER NOT NULL,
    meta_json   TEXT NOT NULL DEFAULT '{}' CHECK (json_valid(meta_json) AND json_type(meta_json) = 'object')
);

CREATE TABLE blocks (
    id          INTEGER PRIMARY KEY,
    entry_id    INTEGER NOT NULL,
    idx         INTEGER NOT NULL,
    title       TEXT,
    raw_text    TEXT NOT NULL,
    sensitive   INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,

    UNIQUE (entry_id, idx),
    FOREIGN KEY (entry_id) REFERENCES entries(id) ON DELETE RESTRICT
);

CREATE INDEX idx_blocks_entry ON blocks(entry_id);

CREATE TRIGGER entries_text_immutable BEFORE UPDATE OF raw_text ON entries
BEGIN
    SELECT RAISE(ABORT, 'entries.raw_text is immutable');
END;

CREATE TRIGGER blocks_text_immutable BEFORE UPDATE OF raw_text, entry_id, idx ON blocks
BEGIN
    SELECT RAISE(ABORT, 'blocks are immutable');
END;
`,
	},
	{
		Version:     2,
		Description: "jobs and block_analysis: per-unit execution state",
		SQL: `
CREATE TABLE jobs (
    id               INTEGER PRIMARY KEY,
    block_id         INTEGER NOT NULL UNIQUE,
    batch_id         TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'pending'
                     CHECK (status IN ('pending', 'running', 'done', 'skipped', 'failed_retryable', 'failed_exhausted')),
    attempts         INTEGER NOT NULL DEFAULT 0 CHECK (attempts >= 0),
    last_attempt_at  INTEGER,
    claim_token      TEXT,
    worker_id        TEXT,
    backend          TEXT,
    last_error       TEXT,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,

    FOREIGN KEY (block_id) REFERENCES blocks(id) ON DELETE RESTRICT,
    FOREIGN KEY (batch_id) REFERENCES batches(batch_id) ON DELETE RESTRICT
);

CREATE INDEX idx_jobs_status ON jobs(status, batch_id);

CREATE TABLE block_analysis (
    block_id        INTEGER PRIMARY KEY,
    job_id          INTEGER NOT NULL,
    backend         TEXT NOT NULL,
    model           TEXT,
    prompt_version  TEXT,
    analysis_json   TEXT NOT NULL CHECK (json_valid(analysis_json) AND json_type(analysis_json) = 'object'),
    created_at      INTEGER NOT NULL,

    FOREIGN KEY (block_id) REFERENCES blocks(id) ON DELETE RESTRICT,
    FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE RESTRICT
);

CREATE TRIGGER block_analysis_immutable BEFORE UPDATE ON block_analysis
BEGIN
    SELECT RAISE(ABORT, 'block_analysis is immutable');
END;
`,
	},
	{
		Version:     3,
		Description: "entry_analysis: one rollup per entry",
		SQL: `
CREATE TABLE entry_analysis (
    entry_id        INTEGER PRIMARY KEY,
    batch_id        TEXT NOT NULL,
    analysis_json   TEXT NOT NULL CHECK (json_valid(analysis_json) AND json_type(analysis_json) = 'object'),
    meaningful      INTEGER NOT NULL DEFAULT 0,
    blocks_total    INTEGER NOT NULL,
    blocks_ok       INTEGER NOT NULL,
    blocks_skipped  INTEGER NOT NULL,
    blocks_failed   INTEGER NOT NULL,
    created_at      INTEGER NOT NULL,

    FOREIGN KEY (entry_id) REFERENCES entries(id) ON DELETE RESTRICT,
    FOREIGN KEY (batch_id) REFERENCES batches(batch_id) ON DELETE RESTRICT
);

CREATE TRIGGER entry_analysis_immutable BEFORE UPDATE ON entry_analysis
BEGIN
    SELECT RAISE(ABORT, 'entry_analysis is immutable');
END;
`,
	},
	{
		Version:     4,
		Description: "mem_cards, mem_ops, changes: memory store and audit ledger",
		SQL: `
CREATE TABLE mem_cards (
    card_key      TEXT PRIMARY KEY,
    card_type     TEXT NOT NULL,
    content_json  TEXT NOT NULL DEFAULT '{}' CHECK (json_valid(content_json) AND json_type(content_json) = 'object'),
    trigger_json  TEXT NOT NULL DEFAULT '{}' CHECK (json_valid(trigger_json) AND json_type(trigger_json) IN ('object', 'array')),
    confidence    REAL NOT NULL DEFAULT 0.5 CHECK (confidence >= 0 AND confidence <= 1),
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);

CREATE INDEX idx_cards_updated ON mem_cards(updated_at DESC);

CREATE TRIGGER mem_cards_updated_monotonic BEFORE UPDATE OF updated_at ON mem_cards
WHEN NEW.updated_at < OLD.updated_at
BEGIN
    SELECT RAISE(ABORT, 'mem_cards.updated_at cannot move backwards');
END;

CREATE TRIGGER mem_cards_touch AFTER UPDATE OF content_json, trigger_json, confidence ON mem_cards
WHEN NEW.updated_at = OLD.updated_at
BEGIN
    UPDATE mem_cards
    SET updated_at = MAX(OLD.updated_at, CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER))
    WHERE card_key = NEW.card_key;
END;

CREATE TABLE mem_ops (
    op_id          INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_id       TEXT NOT NULL,
    entry_id       INTEGER,
    card_key       TEXT NOT NULL,
    op_type        TEXT NOT NULL,
    payload_json   TEXT NOT NULL CHECK (json_valid(payload_json) AND json_type(payload_json) IN ('object', 'array')),
    evidence_json  TEXT NOT NULL DEFAULT '[]' CHECK (json_valid(evidence_json) AND json_type(evidence_json) = 'array'),
    generator      TEXT NOT NULL,
    confidence     REAL NOT NULL DEFAULT 0.5 CHECK (confidence >= 0 AND confidence <= 1),
    note           TEXT,
    created_at     INTEGER NOT NULL,

    FOREIGN KEY (batch_id) REFERENCES batches(batch_id) ON DELETE RESTRICT,
    FOREIGN KEY (entry_id) REFERENCES entries(id) ON DELETE RESTRICT
);

CREATE INDEX idx_mem_ops_card ON mem_ops(card_key, op_id);

CREATE TRIGGER mem_ops_no_update BEFORE UPDATE ON mem_ops
BEGIN
    SELECT RAISE(ABORT, 'mem_ops is append-only');
END;

CREATE TRIGGER mem_ops_no_delete BEFORE DELETE ON mem_ops
BEGIN
    SELECT RAISE(ABORT, 'mem_ops is append-only');
END;

CREATE TABLE changes (
    change_id    INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_id     TEXT NOT NULL,
    entity_type  TEXT NOT NULL CHECK (entity_type IN
                 ('entry', 'block', 'job', 'entry_analysis', 'mem_card', 'life_event', 'memo_op', 'sync_state')),
    entity_id    TEXT NOT NULL,
    action       TEXT NOT NULL CHECK (action IN ('create', 'update', 'delete')),
    diff_json    TEXT NOT NULL DEFAULT '{}' CHECK (json_valid(diff_json) AND json_type(diff_json) = 'object'),
    created_at   INTEGER NOT NULL,

    FOREIGN KEY (batch_id) REFERENCES batches(batch_id) ON DELETE RESTRICT
);

CREATE INDEX idx_changes_entity ON changes(entity_type, entity_id, change_id);
CREATE INDEX idx_changes_batch  ON changes(batch_id);

CREATE TRIGGER changes_no_update BEFORE UPDATE ON changes
BEGIN
    SELECT RAISE(ABORT, 'changes is append-only');
END;

CREATE TRIGGER changes_no_delete BEFORE DELETE ON changes
BEGIN
    SELECT RAISE(ABORT, 'changes is append-only');
END;
`,
	},
	{
		Version:     5,
		Description: "sync_state, life_events, sync_memo_ops: cloud sync",
		SQL: `
CREATE TABLE sync_state (
    source_id       TEXT PRIMARY KEY,
    synced_bytes    INTEGER NOT NULL DEFAULT 0 CHECK (synced_bytes >= 0),
    last_file_size  INTEGER NOT NULL DEFAULT 0,
    last_status     TEXT NOT NULL DEFAULT 'never',
    last_error      TEXT,
    last_batch_id   TEXT,
    updated_at      INTEGER NOT NULL,

    FOREIGN KEY (last_batch_id) REFERENCES batches(batch_id) ON DELETE RESTRICT
);

CREATE TRIGGER sync_state_monotonic BEFORE UPDATE OF synced_bytes ON sync_state
WHEN NEW.synced_bytes < OLD.synced_bytes
BEGIN
    SELECT RAISE(ABORT, 'sync watermark cannot decrease');
END;

CREATE TABLE life_events (
    event_id       TEXT PRIMARY KEY,
    batch_id       TEXT NOT NULL,
    source_id      TEXT NOT NULL,
    block_ref      TEXT NOT NULL,
    range_start    INTEGER NOT NULL,
    range_end      INTEGER NOT NULL,
    event_ts       INTEGER NOT NULL CHECK (event_ts > 0),
    event_type     TEXT NOT NULL,
    summary        TEXT NOT NULL,
    tags_json      TEXT NOT NULL DEFAULT '[]' CHECK (json_valid(tags_json) AND json_type(tags_json) = 'array'),
    evidence_json  TEXT NOT NULL DEFAULT '[]' CHECK (json_valid(evidence_json) AND json_type(evidence_json) = 'array'),
    confidence     REAL CHECK (confidence IS NULL OR (confidence >= 0 AND confidence <= 1)),
    created_at     INTEGER NOT NULL,

    FOREIGN KEY (batch_id) REFERENCES batches(batch_id) ON DELETE RESTRICT
);

CREATE INDEX idx_life_events_block ON life_events(block_ref);
CREATE INDEX idx_life_events_source ON life_events(source_id, event_ts);

CREATE TABLE sync_memo_ops (
    op_id          TEXT PRIMARY KEY,
    batch_id       TEXT NOT NULL,
    event_id       TEXT NOT NULL,
    card_key       TEXT NOT NULL,
    op_type        TEXT NOT NULL CHECK (op_type IN ('upsert', 'delete', 'merge', 'patch', 'noop')),
    payload_json   TEXT NOT NULL CHECK (json_valid(payload_json) AND json_type(payload_json) IN ('object', 'array')),
    evidence_json  TEXT NOT NULL DEFAULT '[]' CHECK (json_valid(evidence_json) AND json_type(evidence_json) = 'array'),
    created_at     INTEGER NOT NULL,

    FOREIGN KEY (batch_id) REFERENCES batches(batch_id) ON DELETE RESTRICT,
    FOREIGN KEY (event_id) REFERENCES life_events(event_id) ON DELETE RESTRICT
);
`,
	},
	{
		Version:     6,
		Description: "mem_consolidations: entries whose memory ops are applied",
		SQL: `
CREATE TABLE mem_consolidations (
    entry_id    INTEGER PRIMARY KEY,
    batch_id    TEXT NOT NULL,
    generator   TEXT NOT NULL DEFAULT '',
    proposed    INTEGER NOT NULL DEFAULT 0,
    applied     INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,

    FOREIGN KEY (entry_id) REFERENCES entry_analysis(entry_id) ON DELETE RESTRICT,
    FOREIGN KEY (batch_id) REFERENCES batches(batch_id) ON DELETE RESTRICT
);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
