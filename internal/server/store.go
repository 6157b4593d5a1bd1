// Package server implements the sync relay: per-account storage of opaque
// encrypted records with relay-assigned sequence numbers, and the HTTP
// surface that serves them. The relay never decrypts and never inspects
// ciphertext content.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bradrf/atuin/internal/api"
	"github.com/bradrf/atuin/pkg/crypto"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Errors returned by the relay store.
var (
	// ErrUsernameTaken indicates the account name is already registered.
	ErrUsernameTaken = errors.New("server: username already taken")

	// ErrInvalidCredentials indicates an unknown user or wrong password.
	ErrInvalidCredentials = errors.New("server: invalid username or password")

	// ErrInvalidSession indicates the bearer token matches no session.
	ErrInvalidSession = errors.New("server: invalid session token")

	// ErrInvalidUsername indicates the account name is empty or malformed.
	ErrInvalidUsername = errors.New("server: username must be 1-64 word characters")
)

const sessionTokenBytes = 32

// Store is the relay's sqlite database: accounts, sessions and encrypted
// records. Sequence numbers are assigned per account inside the upload
// transaction; rows are never deleted, so they are strictly increasing and
// never reused. Sqlite's single-writer transactions serialize assignment
// across concurrent uploads.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) the relay database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("server: failed to create data directory: %w", err)
	}
	// _txlock=immediate makes every transaction a writer from BEGIN, so
	// concurrent uploads queue on the busy timeout instead of failing a
	// sequence-assignment race on commit.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("server: failed to open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			username      TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at    INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sessions (
			token      TEXT PRIMARY KEY,
			user_id    INTEGER NOT NULL REFERENCES users(id),
			created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS records (
			user_id    INTEGER NOT NULL REFERENCES users(id),
			seq        INTEGER NOT NULL,
			client_id  TEXT NOT NULL,
			ciphertext BLOB NOT NULL,
			nonce      BLOB NOT NULL,
			tombstone  INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, seq),
			UNIQUE(user_id, client_id, tombstone)
		);
	`)
	if err != nil {
		return fmt.Errorf("server: failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func validUsername(username string) bool {
	if len(username) == 0 || len(username) > 64 {
		return false
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// CreateUser registers an account and issues its first session token.
func (s *Store) CreateUser(ctx context.Context, username, password string) (string, error) {
	if !validUsername(username) {
		return "", ErrInvalidUsername
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("server: hashing password: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)",
		username, hash, time.Now().UnixNano())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return "", ErrUsernameTaken
		}
		return "", fmt.Errorf("server: creating user: %w", err)
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("server: creating user: %w", err)
	}
	return s.createSession(ctx, userID)
}

// Authenticate verifies credentials and issues a session token.
func (s *Store) Authenticate(ctx context.Context, username, password string) (string, error) {
	var (
		userID int64
		hash   string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, password_hash FROM users WHERE username = ?", username).
		Scan(&userID, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("server: looking up user: %w", err)
	}

	ok, err := crypto.VerifyPassword(password, hash)
	if err != nil {
		return "", fmt.Errorf("server: verifying password: %w", err)
	}
	if !ok {
		return "", ErrInvalidCredentials
	}
	return s.createSession(ctx, userID)
}

func (s *Store) createSession(ctx context.Context, userID int64) (string, error) {
	raw := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("server: generating session token: %w", err)
	}
	token := hex.EncodeToString(raw)
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (token, user_id, created_at) VALUES (?, ?, ?)",
		token, userID, time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("server: storing session: %w", err)
	}
	return token, nil
}

// UserForSession resolves a bearer token to a user id.
func (s *Store) UserForSession(ctx context.Context, token string) (int64, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, ErrInvalidSession
	}
	var userID int64
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id FROM sessions WHERE token = ?", token).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrInvalidSession
	}
	if err != nil {
		return 0, fmt.Errorf("server: looking up session: %w", err)
	}
	return userID, nil
}

// CountRecords returns the account's total stored record count.
func (s *Store) CountRecords(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE user_id = ?", userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("server: counting records: %w", err)
	}
	return n, nil
}

// PageRecords returns up to limit records with seq > after, ascending.
func (s *Store) PageRecords(ctx context.Context, userID, after int64, limit int) ([]api.SyncRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, client_id, ciphertext, nonce, tombstone
		FROM records WHERE user_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?`, userID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("server: paging records: %w", err)
	}
	defer rows.Close()

	records := make([]api.SyncRecord, 0, limit)
	for rows.Next() {
		var r api.SyncRecord
		if err := rows.Scan(&r.Seq, &r.ID, &r.Ciphertext, &r.Nonce, &r.Tombstone); err != nil {
			return nil, fmt.Errorf("server: scanning record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// UploadRecords stores a batch idempotently. Per id:
//   - unknown id: stored, assigned the next sequence number, "created".
//   - known id, same kind: untouched, "already_present".
//   - tombstone for an id stored with content: a tombstone row is appended
//     at a fresh sequence number (the content row stays), so devices whose
//     cursor already passed the content row still learn of the deletion.
//   - content for a tombstoned id: ignored, "already_present"; deletion is
//     permanent.
//
// Rows are never physically deleted and every stored row burns exactly one
// sequence number, so sequence numbers stay dense: the account's record
// count equals its maximum sequence number, which is what lets clients
// compare count against their cursor to detect "nothing new".
//
// The whole batch commits in one transaction, which also serializes
// sequence assignment against concurrent uploads for the account.
func (s *Store) UploadRecords(ctx context.Context, userID int64, records []api.SyncRecord) (map[string]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("server: begin upload tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	results := make(map[string]string, len(records))
	for _, r := range records {
		status, err := uploadOne(ctx, tx, userID, r)
		if err != nil {
			return nil, err
		}
		results[r.ID] = status
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("server: commit upload: %w", err)
	}
	return results, nil
}

func uploadOne(ctx context.Context, tx *sql.Tx, userID int64, r api.SyncRecord) (string, error) {
	var hasContent, hasTombstone bool
	err := tx.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE tombstone = 0) > 0,
			COUNT(*) FILTER (WHERE tombstone = 1) > 0
		FROM records WHERE user_id = ? AND client_id = ?`,
		userID, r.ID).Scan(&hasContent, &hasTombstone)
	if err != nil {
		return "", fmt.Errorf("server: upload lookup %s: %w", r.ID, err)
	}

	if r.Tombstone {
		if hasTombstone {
			return api.StatusAlreadyPresent, nil
		}
		tomb := api.SyncRecord{ID: r.ID, Tombstone: true}
		if err := insertRecord(ctx, tx, userID, tomb); err != nil {
			return "", err
		}
		return api.StatusCreated, nil
	}

	// Content upload. A tombstoned id can never get content again.
	if hasContent || hasTombstone {
		return api.StatusAlreadyPresent, nil
	}
	if err := insertRecord(ctx, tx, userID, r); err != nil {
		return "", err
	}
	return api.StatusCreated, nil
}

// insertRecord appends the record at the account's next sequence number.
// Sequences are per account, not global, so the count-equals-max-seq
// property holds for every account independently.
func insertRecord(ctx context.Context, tx *sql.Tx, userID int64, r api.SyncRecord) error {
	var seq int64
	err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM records WHERE user_id = ?",
		userID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("server: assigning sequence for %s: %w", r.ID, err)
	}

	ciphertext := r.Ciphertext
	nonce := r.Nonce
	if ciphertext == nil {
		ciphertext = []byte{}
	}
	if nonce == nil {
		nonce = []byte{}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (user_id, seq, client_id, ciphertext, nonce, tombstone, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, seq, r.ID, ciphertext, nonce, r.Tombstone, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("server: storing record %s: %w", r.ID, err)
	}
	return nil
}

// AppendTombstone records the deletion of id. Equivalent to uploading a
// tombstone record for the id; idempotent.
func (s *Store) AppendTombstone(ctx context.Context, userID int64, id string) error {
	_, err := s.UploadRecords(ctx, userID,
		[]api.SyncRecord{{ID: id, Tombstone: true}})
	return err
}
