// Package checkpoint is the durable, append-only store for conversation
// state snapshots.
//
// Checkpoints within a (thread_id, namespace) pair form a singly-linked chain
// via parent pointers. Records are immutable once written: corrections are new
// checkpoints pointing at the prior one. Concurrent writers on the same thread
// are serialized by an optimistic parent check at append time, not by locks.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrConflict is returned by Append when the caller's parent checkpoint id
// does not match the store's current latest for that (thread, namespace).
// The losing writer is expected to reload the latest checkpoint and replay.
var ErrConflict = errors.New("checkpoint conflict")

// ErrNotFound is returned when a referenced checkpoint does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// Channel values above this size move to checkpoint_blobs and are referenced
// from the checkpoint record by (channel, version), keeping checkpoint rows
// small regardless of transcript length.
const inlineValueLimit = 4 * 1024

// Checkpoint is one immutable snapshot of conversation state.
type Checkpoint struct {
	ThreadID           string `json:"thread_id"`
	Namespace          string `json:"checkpoint_ns"`
	CheckpointID       string `json:"checkpoint_id"`
	ParentCheckpointID string `json:"parent_checkpoint_id,omitempty"`

	// Type labels what produced the snapshot ("turn", "failure", ...).
	Type string `json:"type"`

	// Channels holds the named state channels fully assembled (blob-backed
	// values are resolved on load).
	Channels map[string]json.RawMessage `json:"channels,omitempty"`

	Metadata json.RawMessage `json:"metadata,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
}

// PendingWrite is a transient per-task delta staged against the checkpoint a
// turn is building on. Staged writes are not conversation state: a crash
// before Append leaves the prior checkpoint authoritative and the task's work
// is redone on retry.
type PendingWrite struct {
	TaskID   string          `json:"task_id"`
	Idx      int             `json:"idx"`
	Channel  string          `json:"channel"`
	Type     string          `json:"type"`
	Value    json.RawMessage `json:"value,omitempty"`
	TaskPath string          `json:"task_path,omitempty"`
}

// AppendRequest describes one atomic append.
type AppendRequest struct {
	ThreadID  string
	Namespace string

	// CheckpointID is generated when empty.
	CheckpointID string

	// ParentCheckpointID must equal the store's current latest checkpoint id
	// for the (thread, namespace); empty means the chain must be empty.
	ParentCheckpointID string

	Type     string
	Channels map[string]json.RawMessage
	Metadata json.RawMessage
}

// checkpointStateDoc is the persisted form of the checkpoint_state column.
// Channels listed in channel_versions but absent from inline live in
// checkpoint_blobs at the recorded version.
type checkpointStateDoc struct {
	ChannelVersions map[string]int64           `json:"channel_versions,omitempty"`
	Inline          map[string]json.RawMessage `json:"inline,omitempty"`
}

// Store is the SQLite-backed checkpoint store.
//
// WAL is enabled to support concurrent reads while a turn commits.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NewCheckpointID returns a fresh checkpoint identifier.
func NewCheckpointID() string {
	return uuid.NewString()
}

// LoadLatest returns the latest committed checkpoint for (thread, namespace),
// or nil when the chain is empty.
func (s *Store) LoadLatest(ctx context.Context, threadID string, namespace string) (*Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing thread_id")
	}
	namespace = strings.TrimSpace(namespace)

	var (
		rec   Checkpoint
		state string
		meta  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint_state, metadata, created_at_unix_ms
FROM checkpoints
WHERE thread_id = ? AND checkpoint_ns = ?
ORDER BY created_at_unix_ms DESC, rowid DESC
LIMIT 1
`, threadID, namespace).Scan(
		&rec.ThreadID,
		&rec.Namespace,
		&rec.CheckpointID,
		&rec.ParentCheckpointID,
		&rec.Type,
		&state,
		&meta,
		&rec.CreatedAtUnixMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.assembleChannels(ctx, &rec, state); err != nil {
		return nil, err
	}
	if meta.Valid && strings.TrimSpace(meta.String) != "" {
		rec.Metadata = json.RawMessage(meta.String)
	}
	return &rec, nil
}

// Get returns one checkpoint by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, threadID string, namespace string, checkpointID string) (*Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	checkpointID = strings.TrimSpace(checkpointID)
	if threadID == "" || checkpointID == "" {
		return nil, errors.New("invalid request")
	}
	namespace = strings.TrimSpace(namespace)

	var (
		rec   Checkpoint
		state string
		meta  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint_state, metadata, created_at_unix_ms
FROM checkpoints
WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
`, threadID, namespace, checkpointID).Scan(
		&rec.ThreadID,
		&rec.Namespace,
		&rec.CheckpointID,
		&rec.ParentCheckpointID,
		&rec.Type,
		&state,
		&meta,
		&rec.CreatedAtUnixMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.assembleChannels(ctx, &rec, state); err != nil {
		return nil, err
	}
	if meta.Valid && strings.TrimSpace(meta.String) != "" {
		rec.Metadata = json.RawMessage(meta.String)
	}
	return &rec, nil
}

// Append durably writes a new checkpoint, or nothing.
//
// It enforces optimistic concurrency: the request's ParentCheckpointID must
// equal the current latest checkpoint id for the (thread, namespace) or the
// write is rejected with ErrConflict. Staged writes against the parent are
// cleared in the same transaction (their effects are in the new snapshot).
func (s *Store) Append(ctx context.Context, req AppendRequest) (*Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID := strings.TrimSpace(req.ThreadID)
	if threadID == "" {
		return nil, errors.New("missing thread_id")
	}
	namespace := strings.TrimSpace(req.Namespace)
	parentID := strings.TrimSpace(req.ParentCheckpointID)
	checkpointID := strings.TrimSpace(req.CheckpointID)
	if checkpointID == "" {
		checkpointID = NewCheckpointID()
	}
	cpType := strings.TrimSpace(req.Type)
	if cpType == "" {
		cpType = "turn"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Optimistic concurrency check against the current latest.
	var latestID string
	err = tx.QueryRowContext(ctx, `
SELECT checkpoint_id
FROM checkpoints
WHERE thread_id = ? AND checkpoint_ns = ?
ORDER BY created_at_unix_ms DESC, rowid DESC
LIMIT 1
`, threadID, namespace).Scan(&latestID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if parentID != "" {
			return nil, fmt.Errorf("%w: parent %q but chain is empty", ErrConflict, parentID)
		}
	case err != nil:
		return nil, err
	default:
		if parentID != strings.TrimSpace(latestID) {
			return nil, fmt.Errorf("%w: parent %q is not latest %q", ErrConflict, parentID, strings.TrimSpace(latestID))
		}
	}

	// Split channel values: large payloads go to checkpoint_blobs, the rest
	// stay inline in the checkpoint record.
	doc := checkpointStateDoc{
		ChannelVersions: map[string]int64{},
		Inline:          map[string]json.RawMessage{},
	}
	for channel, value := range req.Channels {
		channel = strings.TrimSpace(channel)
		if channel == "" {
			continue
		}
		var version int64
		if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(version), 0) + 1
FROM checkpoint_blobs
WHERE thread_id = ? AND checkpoint_ns = ? AND channel = ?
`, threadID, namespace, channel).Scan(&version); err != nil {
			return nil, err
		}
		doc.ChannelVersions[channel] = version
		if len(value) <= inlineValueLimit {
			doc.Inline[channel] = value
			continue
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO checkpoint_blobs(thread_id, checkpoint_ns, channel, version, type, blob)
VALUES(?, ?, ?, ?, ?, ?)
`, threadID, namespace, channel, version, "json", []byte(value)); err != nil {
			return nil, err
		}
	}

	stateBytes, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	metadata := strings.TrimSpace(string(req.Metadata))
	if metadata == "" {
		metadata = "{}"
	}

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO checkpoints(thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint_state, metadata, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`, threadID, namespace, checkpointID, parentID, cpType, string(stateBytes), metadata, now); err != nil {
		return nil, err
	}

	// The parent's staged writes are merged into this snapshot.
	if parentID != "" {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM checkpoint_writes
WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
`, threadID, namespace, parentID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	out := &Checkpoint{
		ThreadID:           threadID,
		Namespace:          namespace,
		CheckpointID:       checkpointID,
		ParentCheckpointID: parentID,
		Type:               cpType,
		Channels:           req.Channels,
		CreatedAtUnixMs:    now,
	}
	if metadata != "{}" {
		out.Metadata = json.RawMessage(metadata)
	}
	return out, nil
}

// PutWrites stages per-task deltas against an existing checkpoint (the one
// the in-flight turn is building on). Re-staging the same (task_id, idx) is
// an upsert so retried tasks do not duplicate rows.
func (s *Store) PutWrites(ctx context.Context, threadID string, namespace string, checkpointID string, writes []PendingWrite) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	checkpointID = strings.TrimSpace(checkpointID)
	if threadID == "" || checkpointID == "" {
		return errors.New("invalid request")
	}
	namespace = strings.TrimSpace(namespace)
	if len(writes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(1)
FROM checkpoints
WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
`, threadID, namespace, checkpointID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	for _, w := range writes {
		taskID := strings.TrimSpace(w.TaskID)
		channel := strings.TrimSpace(w.Channel)
		if taskID == "" || channel == "" {
			return errors.New("invalid pending write")
		}
		wType := strings.TrimSpace(w.Type)
		if wType == "" {
			wType = "json"
		}
		value := strings.TrimSpace(string(w.Value))
		if _, err := tx.ExecContext(ctx, `
INSERT INTO checkpoint_writes(thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, type, value, task_path)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
DO UPDATE SET channel = excluded.channel, type = excluded.type, value = excluded.value, task_path = excluded.task_path
`, threadID, namespace, checkpointID, taskID, w.Idx, channel, wType, value, strings.TrimSpace(w.TaskPath)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListWrites returns the staged writes for a checkpoint ordered by
// (task_id, idx).
func (s *Store) ListWrites(ctx context.Context, threadID string, namespace string, checkpointID string) ([]PendingWrite, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	checkpointID = strings.TrimSpace(checkpointID)
	if threadID == "" || checkpointID == "" {
		return nil, errors.New("invalid request")
	}
	namespace = strings.TrimSpace(namespace)

	rows, err := s.db.QueryContext(ctx, `
SELECT task_id, idx, channel, type, value, task_path
FROM checkpoint_writes
WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
ORDER BY task_id ASC, idx ASC
`, threadID, namespace, checkpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingWrite
	for rows.Next() {
		var (
			w     PendingWrite
			value string
		)
		if err := rows.Scan(&w.TaskID, &w.Idx, &w.Channel, &w.Type, &value, &w.TaskPath); err != nil {
			return nil, err
		}
		if strings.TrimSpace(value) != "" {
			w.Value = json.RawMessage(value)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// History walks the parent chain from the latest checkpoint toward the root
// and returns up to limit records, latest first. Channel values are not
// assembled (metadata-level walk).
func (s *Store) History(ctx context.Context, threadID string, namespace string, limit int) ([]Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing thread_id")
	}
	namespace = strings.TrimSpace(namespace)
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	latest, err := s.LoadLatest(ctx, threadID, namespace)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}

	out := make([]Checkpoint, 0, limit)
	cur := *latest
	cur.Channels = nil
	out = append(out, cur)
	parent := strings.TrimSpace(latest.ParentCheckpointID)

	for parent != "" && len(out) < limit {
		var (
			rec  Checkpoint
			meta sql.NullString
		)
		err := s.db.QueryRowContext(ctx, `
SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, metadata, created_at_unix_ms
FROM checkpoints
WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
`, threadID, namespace, parent).Scan(
			&rec.ThreadID,
			&rec.Namespace,
			&rec.CheckpointID,
			&rec.ParentCheckpointID,
			&rec.Type,
			&meta,
			&rec.CreatedAtUnixMs,
		)
		if errors.Is(err, sql.ErrNoRows) {
			// Broken parent link (compacted chain). Stop the walk.
			break
		}
		if err != nil {
			return nil, err
		}
		if meta.Valid && strings.TrimSpace(meta.String) != "" {
			rec.Metadata = json.RawMessage(meta.String)
		}
		out = append(out, rec)
		parent = strings.TrimSpace(rec.ParentCheckpointID)
	}
	return out, nil
}

// Compact is a maintenance operation, never called on the turn path. It keeps
// the most recent keep checkpoints of a (thread, namespace) chain, severs the
// parent link of the oldest kept record, and drops staged writes and blob
// versions no longer referenced by any kept checkpoint.
func (s *Store) Compact(ctx context.Context, threadID string, namespace string, keep int) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}
	namespace = strings.TrimSpace(namespace)
	if keep <= 0 {
		keep = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT checkpoint_id, checkpoint_state
FROM checkpoints
WHERE thread_id = ? AND checkpoint_ns = ?
ORDER BY created_at_unix_ms DESC, rowid DESC
`, threadID, namespace)
	if err != nil {
		return err
	}
	type cpRow struct {
		id    string
		state string
	}
	var all []cpRow
	for rows.Next() {
		var r cpRow
		if err := rows.Scan(&r.id, &r.state); err != nil {
			_ = rows.Close()
			return err
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	if len(all) <= keep {
		return tx.Commit()
	}

	kept := all[:keep]
	dropped := all[keep:]

	// Blob versions still referenced by kept checkpoints.
	liveVersions := map[string]map[int64]struct{}{}
	for _, r := range kept {
		var doc checkpointStateDoc
		if err := json.Unmarshal([]byte(r.state), &doc); err != nil {
			return fmt.Errorf("invalid checkpoint_state for %s: %w", r.id, err)
		}
		for channel, version := range doc.ChannelVersions {
			if _, ok := doc.Inline[channel]; ok {
				continue
			}
			if liveVersions[channel] == nil {
				liveVersions[channel] = map[int64]struct{}{}
			}
			liveVersions[channel][version] = struct{}{}
		}
	}

	for _, r := range dropped {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM checkpoint_writes
WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
`, threadID, namespace, r.id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
DELETE FROM checkpoints
WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
`, threadID, namespace, r.id); err != nil {
			return err
		}
	}

	// Drop unreferenced blob versions.
	brows, err := tx.QueryContext(ctx, `
SELECT channel, version
FROM checkpoint_blobs
WHERE thread_id = ? AND checkpoint_ns = ?
`, threadID, namespace)
	if err != nil {
		return err
	}
	type blobKey struct {
		channel string
		version int64
	}
	var stale []blobKey
	for brows.Next() {
		var k blobKey
		if err := brows.Scan(&k.channel, &k.version); err != nil {
			_ = brows.Close()
			return err
		}
		if live, ok := liveVersions[k.channel]; ok {
			if _, ok := live[k.version]; ok {
				continue
			}
		}
		stale = append(stale, k)
	}
	if err := brows.Err(); err != nil {
		_ = brows.Close()
		return err
	}
	_ = brows.Close()
	for _, k := range stale {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM checkpoint_blobs
WHERE thread_id = ? AND checkpoint_ns = ? AND channel = ? AND version = ?
`, threadID, namespace, k.channel, k.version); err != nil {
			return err
		}
	}

	// The oldest kept record becomes the new chain root.
	oldestKept := kept[len(kept)-1].id
	if _, err := tx.ExecContext(ctx, `
UPDATE checkpoints
SET parent_checkpoint_id = ''
WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
`, threadID, namespace, oldestKept); err != nil {
		return err
	}

	return tx.Commit()
}

// assembleChannels rebuilds the full channel map for a loaded checkpoint,
// fetching blob-backed values at their recorded versions.
func (s *Store) assembleChannels(ctx context.Context, rec *Checkpoint, state string) error {
	state = strings.TrimSpace(state)
	if state == "" {
		return nil
	}
	var doc checkpointStateDoc
	if err := json.Unmarshal([]byte(state), &doc); err != nil {
		return fmt.Errorf("invalid checkpoint_state: %w", err)
	}
	if len(doc.ChannelVersions) == 0 {
		return nil
	}
	channels := make(map[string]json.RawMessage, len(doc.ChannelVersions))
	for channel, version := range doc.ChannelVersions {
		if v, ok := doc.Inline[channel]; ok {
			channels[channel] = v
			continue
		}
		var blob []byte
		err := s.db.QueryRowContext(ctx, `
SELECT blob
FROM checkpoint_blobs
WHERE thread_id = ? AND checkpoint_ns = ? AND channel = ? AND version = ?
`, rec.ThreadID, rec.Namespace, channel, version).Scan(&blob)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("missing blob for channel %q version %d", channel, version)
		}
		if err != nil {
			return err
		}
		channels[channel] = json.RawMessage(blob)
	}
	rec.Channels = channels
	return nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS checkpoints (
  thread_id TEXT NOT NULL,
  checkpoint_ns TEXT NOT NULL DEFAULT '',
  checkpoint_id TEXT NOT NULL,
  parent_checkpoint_id TEXT NOT NULL DEFAULT '',
  type TEXT NOT NULL DEFAULT '',
  checkpoint_state TEXT NOT NULL,
  metadata TEXT NOT NULL DEFAULT '{}',
  created_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_latest ON checkpoints(thread_id, checkpoint_ns, created_at_unix_ms DESC);

CREATE TABLE IF NOT EXISTS checkpoint_writes (
  thread_id TEXT NOT NULL,
  checkpoint_ns TEXT NOT NULL DEFAULT '',
  checkpoint_id TEXT NOT NULL,
  task_id TEXT NOT NULL,
  idx INTEGER NOT NULL,
  channel TEXT NOT NULL,
  type TEXT NOT NULL DEFAULT '',
  value TEXT NOT NULL DEFAULT '',
  task_path TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
);

CREATE TABLE IF NOT EXISTS checkpoint_blobs (
  thread_id TEXT NOT NULL,
  checkpoint_ns TEXT NOT NULL DEFAULT '',
  channel TEXT NOT NULL,
  version INTEGER NOT NULL,
  type TEXT NOT NULL DEFAULT '',
  blob BLOB NOT NULL,
  PRIMARY KEY (thread_id, checkpoint_ns, channel, version)
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
