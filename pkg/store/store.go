// Package store implements the local history log: a transactional SQLite
// database holding history entries, tombstones and the sync cursor.
//
// The store is the authoritative local state. Inserts are idempotent by id,
// tombstones permanently suppress their id, and cursor advancement is
// transactionally coupled with the page merge it follows, so a crash
// mid-merge is always safe to retry from the previous cursor.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bradrf/atuin/pkg/history"

	_ "github.com/mattn/go-sqlite3"
)

// Errors returned by the store.
var (
	// ErrNotFound indicates no entry exists with the requested id.
	ErrNotFound = errors.New("store: entry not found")

	// ErrEmptyID indicates an operation was called with an empty id.
	ErrEmptyID = errors.New("store: id must not be empty")
)

const (
	dirMode = 0o700

	// cursorKey is the sync_meta row holding the highest merged sequence
	// number.
	cursorKey = "sync_cursor"
)

// InsertResult reports the outcome of an idempotent insert.
type InsertResult int

const (
	// Inserted means the entry was newly stored.
	Inserted InsertResult = iota

	// AlreadyPresent means an entry (or tombstone) with this id already
	// existed; nothing changed.
	AlreadyPresent
)

// Stats summarizes local store contents.
type Stats struct {
	Entries    int64
	Tombstones int64
	Unsynced   int64
	Cursor     int64
}

// Store is a SQLite-backed history log. All methods are safe for concurrent
// use within one process; the sync engine additionally serializes whole
// sync runs with its own guard.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("store: failed to create data directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS history (
			id         TEXT PRIMARY KEY,
			command    TEXT NOT NULL,
			cwd        TEXT NOT NULL,
			session    TEXT NOT NULL,
			hostname   TEXT NOT NULL,
			timestamp  INTEGER NOT NULL,
			duration   INTEGER NOT NULL,
			exit       INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			synced     INTEGER NOT NULL DEFAULT 0,
			deleted    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_history_timestamp ON history(timestamp);
		CREATE INDEX IF NOT EXISTS idx_history_synced ON history(synced);
		CREATE TABLE IF NOT EXISTS sync_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("store: failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert stores an entry if its id is unknown. Returns AlreadyPresent when
// the id exists, including when it exists only as a tombstone: a tombstoned
// id can never be re-inserted with content, deletion is permanent.
func (s *Store) Insert(ctx context.Context, e *history.Entry) (InsertResult, error) {
	if e == nil || e.ID == "" {
		return AlreadyPresent, ErrEmptyID
	}
	res, err := s.db.ExecContext(ctx, insertSQL,
		e.ID, e.Command, e.Cwd, e.Session, e.Hostname,
		e.Timestamp.UnixNano(), int64(e.Duration), e.Exit, e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return AlreadyPresent, fmt.Errorf("store: insert failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AlreadyPresent, fmt.Errorf("store: insert failed: %w", err)
	}
	if n == 0 {
		return AlreadyPresent, nil
	}
	return Inserted, nil
}

// insertSQL is idempotent by id: conflicts (including tombstone rows) are
// left untouched, which is what keeps tombstone-dominates-insert monotone.
const insertSQL = `
	INSERT INTO history (id, command, cwd, session, hostname, timestamp, duration, exit, created_at, synced, deleted)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)
	ON CONFLICT(id) DO NOTHING
`

// tombstoneSQL clears the entry's content and marks it deleted; an unknown
// id gets a stub row so later inserts of that id stay suppressed. The
// synced flag is set per call site: 0 for a local delete that still needs
// pushing, 1 when applying a tombstone pulled from the relay.
const tombstoneSQL = `
	INSERT INTO history (id, command, cwd, session, hostname, timestamp, duration, exit, created_at, synced, deleted)
	VALUES (?, '', '', '', '', 0, 0, 0, ?, ?, 1)
	ON CONFLICT(id) DO UPDATE SET
		command = '', cwd = '', session = '', hostname = '',
		deleted = 1, synced = excluded.synced
`

// Tombstone marks id as deleted locally. The tombstone is unsynced so the
// next push propagates it to other devices. Idempotent.
func (s *Store) Tombstone(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyID
	}
	_, err := s.db.ExecContext(ctx, tombstoneSQL, id, time.Now().UnixNano(), 0)
	if err != nil {
		return fmt.Errorf("store: tombstone failed: %w", err)
	}
	return nil
}

// ApplyPage merges one pulled page atomically: all ops are applied and the
// cursor advances to newCursor, or nothing happens. Remote tombstones
// dominate any local or in-page insert for the same id. Ops arriving in any
// order converge to the same visible set because insert is idempotent and
// tombstone is monotone.
func (s *Store) ApplyPage(ctx context.Context, ops []Op, newCursor int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin merge tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, op := range ops {
		switch op.Kind {
		case OpInsert:
			e := op.Entry
			if e == nil || e.ID == "" {
				return ErrEmptyID
			}
			// Pulled entries are already on the relay: synced=1.
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO history (id, command, cwd, session, hostname, timestamp, duration, exit, created_at, synced, deleted)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0)
				ON CONFLICT(id) DO NOTHING`,
				e.ID, e.Command, e.Cwd, e.Session, e.Hostname,
				e.Timestamp.UnixNano(), int64(e.Duration), e.Exit, e.CreatedAt.UnixNano(),
			); err != nil {
				return fmt.Errorf("store: merge insert %s: %w", e.ID, err)
			}
		case OpTombstone:
			if op.ID == "" {
				return ErrEmptyID
			}
			if _, err := tx.ExecContext(ctx, tombstoneSQL, op.ID, time.Now().UnixNano(), 1); err != nil {
				return fmt.Errorf("store: merge tombstone %s: %w", op.ID, err)
			}
		default:
			return fmt.Errorf("store: unknown merge op kind %d", op.Kind)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sync_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		cursorKey, strconv.FormatInt(newCursor, 10),
	); err != nil {
		return fmt.Errorf("store: advance cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit merge: %w", err)
	}
	return nil
}

// Cursor returns the highest server sequence number already merged, 0 if
// this device has never pulled.
func (s *Store) Cursor(ctx context.Context) (int64, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM sync_meta WHERE key = ?", cursorKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: read cursor: %w", err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: cursor value corrupted: %w", err)
	}
	return n, nil
}

// SetCursor overwrites the cursor. Normal merges go through ApplyPage; this
// exists for tests and for rebuilding a device from scratch.
func (s *Store) SetCursor(ctx context.Context, n int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		cursorKey, strconv.FormatInt(n, 10))
	if err != nil {
		return fmt.Errorf("store: set cursor: %w", err)
	}
	return nil
}

// ListUnsynced returns local ops not yet pushed to the relay, oldest first:
// entries as inserts and locally-deleted ids as tombstones.
func (s *Store) ListUnsynced(ctx context.Context, limit int) ([]Op, error) {
	q := `
		SELECT id, command, cwd, session, hostname, timestamp, duration, exit, created_at, deleted
		FROM history WHERE synced = 0 ORDER BY created_at ASC`
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list unsynced: %w", err)
	}
	defer rows.Close()

	var ops []Op
	for rows.Next() {
		e, deleted, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list unsynced: %w", err)
		}
		if deleted {
			ops = append(ops, TombstoneOp(e.ID))
		} else {
			ops = append(ops, InsertOp(e))
		}
	}
	return ops, rows.Err()
}

// MarkSynced flags the given ids as pushed. Called only after the relay
// acknowledged the covering upload batch.
func (s *Store) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin mark synced: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			"UPDATE history SET synced = 1 WHERE id = ?", id); err != nil {
			return fmt.Errorf("store: mark synced %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Get returns the visible entry with the given id. Tombstoned and unknown
// ids both return ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*history.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, command, cwd, session, hostname, timestamp, duration, exit, created_at, deleted
		FROM history WHERE id = ? AND deleted = 0`, id)
	e, _, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", id, err)
	}
	return e, nil
}

// List returns visible entries, most recent first.
func (s *Store) List(ctx context.Context, limit int) ([]history.Entry, error) {
	q := `
		SELECT id, command, cwd, session, hostname, timestamp, duration, exit, created_at, deleted
		FROM history WHERE deleted = 0 ORDER BY timestamp DESC`
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryEntries(ctx, q, args...)
}

// Search returns visible entries whose command contains pattern,
// most recent first. Pattern is matched as a substring; * and ? act as
// wildcards.
func (s *Store) Search(ctx context.Context, pattern string, limit int) ([]history.Entry, error) {
	like := "%" + likePattern(pattern) + "%"
	q := `
		SELECT id, command, cwd, session, hostname, timestamp, duration, exit, created_at, deleted
		FROM history WHERE deleted = 0 AND command LIKE ? ESCAPE '\'
		ORDER BY timestamp DESC`
	args := []any{like}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryEntries(ctx, q, args...)
}

// likePattern converts shell-style wildcards to SQL LIKE syntax, escaping
// LIKE metacharacters in the literal parts.
func likePattern(pattern string) string {
	out := make([]byte, 0, len(pattern))
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*':
			out = append(out, '%')
		case '?':
			out = append(out, '_')
		case '%', '_', '\\':
			out = append(out, '\\', pattern[i])
		default:
			out = append(out, pattern[i])
		}
	}
	return string(out)
}

func (s *Store) queryEntries(ctx context.Context, q string, args ...any) ([]history.Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query entries: %w", err)
	}
	defer rows.Close()

	var entries []history.Entry
	for rows.Next() {
		e, _, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Stats returns aggregate counts for status reporting.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE deleted = 0),
			COUNT(*) FILTER (WHERE deleted = 1),
			COUNT(*) FILTER (WHERE synced = 0)
		FROM history`).Scan(&st.Entries, &st.Tombstones, &st.Unsynced)
	if err != nil {
		return nil, fmt.Errorf("store: stats: %w", err)
	}
	cursor, err := s.Cursor(ctx)
	if err != nil {
		return nil, err
	}
	st.Cursor = cursor
	return st, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*history.Entry, bool, error) {
	var (
		e         history.Entry
		ts, dur   int64
		createdAt int64
		deleted   bool
	)
	err := row.Scan(&e.ID, &e.Command, &e.Cwd, &e.Session, &e.Hostname,
		&ts, &dur, &e.Exit, &createdAt, &deleted)
	if err != nil {
		return nil, false, err
	}
	e.Timestamp = time.Unix(0, ts).UTC()
	e.Duration = time.Duration(dur)
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	return &e, deleted, nil
}
