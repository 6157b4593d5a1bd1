// Package history defines the shell history entry model shared by the
// local store, the record codec and the sync engine.
package history

import (
	"os"
	"time"

	"github.com/google/uuid"
)

// Entry is a single executed shell command. Entries are immutable once
// created; deletion is represented by a tombstone carrying the same id,
// never by mutating the entry itself.
type Entry struct {
	// ID is a client-generated, globally unique identifier. It doubles as
	// the idempotency key on upload: the relay stores at most one record
	// per id per account.
	ID string `json:"id"`

	// Command is the full command line as typed.
	Command string `json:"command"`

	// Cwd is the working directory the command ran in.
	Cwd string `json:"cwd"`

	// Session identifies the shell session that produced the entry.
	Session string `json:"session"`

	// Hostname is the machine the command ran on.
	Hostname string `json:"hostname"`

	// Timestamp is when the command started.
	Timestamp time.Time `json:"timestamp"`

	// Duration is how long the command ran.
	Duration time.Duration `json:"duration"`

	// Exit is the command's exit code.
	Exit int `json:"exit"`

	// CreatedAt is when the entry was recorded locally.
	CreatedAt time.Time `json:"created_at"`
}

// New creates an entry for a command executed now on this host.
func New(command, cwd, session string) *Entry {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	now := time.Now().UTC()
	return &Entry{
		ID:        uuid.NewString(),
		Command:   command,
		Cwd:       cwd,
		Session:   session,
		Hostname:  hostname,
		Timestamp: now,
		CreatedAt: now,
	}
}
