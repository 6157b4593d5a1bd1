package store

import "github.com/bradrf/atuin/pkg/history"

// OpKind tags a merge operation variant.
type OpKind int

const (
	// OpInsert adds an entry's content under its id.
	OpInsert OpKind = iota

	// OpTombstone permanently suppresses an id.
	OpTombstone
)

// Op is one element of the multi-writer history log: either an insert
// carrying an entry or a tombstone carrying only an id. Use the
// constructors; a zero Op is not valid.
type Op struct {
	Kind  OpKind
	Entry *history.Entry // set when Kind == OpInsert
	ID    string         // set when Kind == OpTombstone
}

// InsertOp wraps an entry as an insert operation.
func InsertOp(e *history.Entry) Op {
	return Op{Kind: OpInsert, Entry: e, ID: e.ID}
}

// TombstoneOp wraps an id as a tombstone operation.
func TombstoneOp(id string) Op {
	return Op{Kind: OpTombstone, ID: id}
}
