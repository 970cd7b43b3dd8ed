// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package store provides durable, sqlite-backed persistence for the
// State Synchronizer (spec §4.13): a best-effort mirror of in-memory
// state, keyed by entity kind and id, plus the checkpoint/message/
// approval records that must survive a process restart.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS entity_state (
	kind       TEXT NOT NULL,
	id         TEXT NOT NULL,
	payload    TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (kind, id)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id         TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL,
	payload    TEXT NOT NULL,
	is_latest  INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_agent ON checkpoints(agent_id);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	payload         TEXT NOT NULL,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_org ON messages(organization_id);

CREATE TABLE IF NOT EXISTS approvals (
	id         TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL,
	payload    TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_agent ON approvals(agent_id);
`

// Store wraps a sqlite connection opened against a single file (or
// ":memory:" for tests).
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// applies the schema. path may be ":memory:" for an ephemeral,
// process-local database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	// The mirror is written from many goroutines (one per entity); a
	// single shared *sql.DB pool handles that, but sqlite itself only
	// allows one writer at a time, so cap the pool to avoid
	// SQLITE_BUSY pileups under concurrent writes.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutEntityState upserts a JSON-encoded snapshot for (kind, id).
func (s *Store) PutEntityState(ctx context.Context, kind, id, payloadJSON, updatedAtRFC3339 string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_state (kind, id, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, kind, id, payloadJSON, updatedAtRFC3339)
	if err != nil {
		return fmt.Errorf("store: put entity state %s/%s: %w", kind, id, err)
	}
	return nil
}

// GetEntityState returns the raw JSON payload for (kind, id), or
// ("", false, nil) if absent.
func (s *Store) GetEntityState(ctx context.Context, kind, id string) (string, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM entity_state WHERE kind = ? AND id = ?`, kind, id,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get entity state %s/%s: %w", kind, id, err)
	}
	return payload, true, nil
}

// ListEntityStateByKind returns every (id, payload) pair for kind.
func (s *Store) ListEntityStateByKind(ctx context.Context, kind string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM entity_state WHERE kind = ?`, kind)
	if err != nil {
		return nil, fmt.Errorf("store: list entity state %s: %w", kind, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("store: scan entity state %s: %w", kind, err)
		}
		out[id] = payload
	}
	return out, rows.Err()
}

// DeleteEntityState removes the mirrored state for (kind, id), if any.
func (s *Store) DeleteEntityState(ctx context.Context, kind, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entity_state WHERE kind = ? AND id = ?`, kind, id)
	if err != nil {
		return fmt.Errorf("store: delete entity state %s/%s: %w", kind, id, err)
	}
	return nil
}

// PutCheckpoint persists a checkpoint row. Writing a row with
// isLatest=true does not by itself clear any other row's isLatest flag
// for the same agent — callers do that explicitly, as
// internal/checkpoint.Store does in memory.
func (s *Store) PutCheckpoint(ctx context.Context, id, agentID, payloadJSON string, isLatest bool, createdAtRFC3339 string) error {
	latest := 0
	if isLatest {
		latest = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, agent_id, payload, is_latest, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET payload = excluded.payload, is_latest = excluded.is_latest
	`, id, agentID, payloadJSON, latest, createdAtRFC3339)
	if err != nil {
		return fmt.Errorf("store: put checkpoint %s: %w", id, err)
	}
	return nil
}

// ClearLatestCheckpoint unmarks every checkpoint for agentID as latest,
// so callers can promote a new one.
func (s *Store) ClearLatestCheckpoint(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE checkpoints SET is_latest = 0 WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("store: clear latest checkpoint for %s: %w", agentID, err)
	}
	return nil
}

// GCCheckpoints deletes every checkpoint beyond the keepCount most
// recent rows (by created_at) for each agent, mirroring
// internal/checkpoint.Store's in-memory retention policy at the
// durable layer.
func (s *Store) GCCheckpoints(ctx context.Context, keepCount int) error {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT agent_id FROM checkpoints`)
	if err != nil {
		return fmt.Errorf("store: gc checkpoints: list agents: %w", err)
	}
	var agentIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("store: gc checkpoints: scan agent: %w", err)
		}
		agentIDs = append(agentIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: gc checkpoints: %w", err)
	}

	for _, agentID := range agentIDs {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM checkpoints
			WHERE agent_id = ? AND id NOT IN (
				SELECT id FROM checkpoints WHERE agent_id = ?
				ORDER BY created_at DESC LIMIT ?
			)
		`, agentID, agentID, keepCount)
		if err != nil {
			return fmt.Errorf("store: gc checkpoints for %s: %w", agentID, err)
		}
	}
	return nil
}

// CountCheckpoints returns the number of persisted checkpoint rows for
// agentID.
func (s *Store) CountCheckpoints(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints WHERE agent_id = ?`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count checkpoints for %s: %w", agentID, err)
	}
	return n, nil
}

// CountLatestCheckpoints returns how many of agentID's persisted
// checkpoint rows are currently marked is_latest.
func (s *Store) CountLatestCheckpoints(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints WHERE agent_id = ? AND is_latest = 1`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count latest checkpoints for %s: %w", agentID, err)
	}
	return n, nil
}
