// Package sync orchestrates one synchronization run: pull new encrypted
// records from the relay, merge them into the local store, then push
// unsynced local entries.
//
// A run walks Idle -> FetchRemoteCount -> PullPages -> MergeLocal ->
// PushUnsynced -> Idle; any networked stage can fail the run. Cursor
// advancement is transactionally coupled with each page merge, so an
// interrupted run resumes cleanly from the last committed cursor.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/bradrf/atuin/internal/api"
	"github.com/bradrf/atuin/internal/client"
	"github.com/bradrf/atuin/pkg/codec"
	"github.com/bradrf/atuin/pkg/store"
)

// ErrRunInProgress indicates another sync run already holds this engine's
// store. Runs never execute in parallel: interleaved partial merges would
// defeat the cursor's write-ahead ordering.
var ErrRunInProgress = errors.New("sync: a sync run is already in progress")

// Stage names reported in run errors.
const (
	StageCount  = "fetch-remote-count"
	StageCursor = "read-local-cursor"
	StagePull   = "pull-pages"
	StageMerge  = "merge-local"
	StagePush   = "push-unsynced"
)

// RunError tags a run failure with the stage it occurred in, giving the
// caller enough context to decide between re-login, retry, and giving up.
type RunError struct {
	Stage string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("sync: %s: %v", e.Stage, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Summary reports what a completed run did.
type Summary struct {
	// Pulled is the number of remote records merged locally.
	Pulled int

	// Pushed is the number of local records uploaded.
	Pushed int

	// Skipped is the number of pulled records dropped because they could
	// not be decrypted.
	Skipped int

	// TombstonesApplied is the number of pulled records that were
	// tombstones.
	TombstonesApplied int
}

// Config tunes a sync engine.
type Config struct {
	// PageSize bounds records per pull request.
	PageSize int

	// UploadBatch bounds records per push request.
	UploadBatch int
}

// Engine runs sync cycles against one local store and one relay session.
// The encryption key is borrowed from the key manager for the lifetime of
// the engine; the engine never persists or logs it.
type Engine struct {
	store  *store.Store
	client *client.Client
	key    []byte
	cfg    Config
	logger *zap.Logger

	// mu is the run guard: at most one run per local store.
	mu sync.Mutex
}

// New creates a sync engine.
func New(st *store.Store, cl *client.Client, key []byte, cfg Config, logger *zap.Logger) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.UploadBatch <= 0 {
		cfg.UploadBatch = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: st, client: cl, key: key, cfg: cfg, logger: logger}
}

// Run executes one full sync cycle. Returns ErrRunInProgress if a run is
// already active on this engine. Cancelling ctx aborts at the next network
// wait; the local store is left consistent and resumable either way.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	if !e.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer e.mu.Unlock()

	summary := &Summary{}

	remoteCount, err := e.client.Count(ctx)
	if err != nil {
		return nil, &RunError{Stage: StageCount, Err: err}
	}

	cursor, err := e.store.Cursor(ctx)
	if err != nil {
		return nil, &RunError{Stage: StageCursor, Err: err}
	}

	e.logger.Debug("sync run starting",
		zap.Int64("remote_count", remoteCount), zap.Int64("cursor", cursor))

	// The count only bounds pagination: when the relay has nothing past
	// our cursor, skip straight to push.
	if remoteCount > cursor {
		if err := e.pull(ctx, cursor, remoteCount, summary); err != nil {
			return nil, err
		}
	}

	if err := e.push(ctx, summary); err != nil {
		return nil, err
	}

	e.logger.Info("sync run complete",
		zap.Int("pulled", summary.Pulled),
		zap.Int("pushed", summary.Pushed),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}

// pull pages records after cursor and merges each page atomically. Pages
// are merged strictly in order; a page's cursor commits only after the
// page's ops are durably applied.
func (e *Engine) pull(ctx context.Context, cursor, remoteCount int64, summary *Summary) error {
	fetched := int64(0)
	for {
		page, err := e.client.Page(ctx, cursor, e.cfg.PageSize)
		if err != nil {
			return &RunError{Stage: StagePull, Err: err}
		}
		if len(page) == 0 {
			return nil
		}

		ops := make([]store.Op, 0, len(page))
		for _, rec := range page {
			op, ok := e.decode(rec, summary)
			if ok {
				ops = append(ops, op)
			}
		}

		maxSeq := page[len(page)-1].Seq
		if err := e.store.ApplyPage(ctx, ops, maxSeq); err != nil {
			return &RunError{Stage: StageMerge, Err: err}
		}
		cursor = maxSeq
		fetched += int64(len(page))
		summary.Pulled += len(ops)

		e.logger.Debug("page merged",
			zap.Int("records", len(page)), zap.Int64("cursor", cursor))

		// A short page means end of stream; reaching the observed count
		// bounds the loop even while other devices keep uploading.
		if len(page) < e.cfg.PageSize || fetched >= remoteCount {
			return nil
		}
	}
}

// decode turns a wire record into a merge op. Records that fail to
// decrypt, or decrypt to a mismatched id, are logged and skipped; one bad
// record never aborts its page.
func (e *Engine) decode(rec api.SyncRecord, summary *Summary) (store.Op, bool) {
	if rec.Tombstone {
		summary.TombstonesApplied++
		return store.TombstoneOp(rec.ID), true
	}
	entry, err := codec.DecryptEntry(e.key, rec.Ciphertext, rec.Nonce)
	if err != nil {
		e.logger.Warn("skipping undecryptable record",
			zap.String("id", rec.ID), zap.Int64("seq", rec.Seq), zap.Error(err))
		summary.Skipped++
		return store.Op{}, false
	}
	if entry.ID != rec.ID {
		e.logger.Warn("skipping record with mismatched id",
			zap.String("id", rec.ID), zap.Int64("seq", rec.Seq))
		summary.Skipped++
		return store.Op{}, false
	}
	return store.InsertOp(entry), true
}

// push encrypts and uploads unsynced local ops in batches, marking each
// batch synced only after the relay acknowledged it. Upload is idempotent
// by id, so a batch retried after a partial network failure cannot
// duplicate records.
func (e *Engine) push(ctx context.Context, summary *Summary) error {
	for {
		ops, err := e.store.ListUnsynced(ctx, e.cfg.UploadBatch)
		if err != nil {
			return &RunError{Stage: StagePush, Err: err}
		}
		if len(ops) == 0 {
			return nil
		}

		records := make([]api.SyncRecord, 0, len(ops))
		ids := make([]string, 0, len(ops))
		for _, op := range ops {
			rec, err := e.encode(op)
			if err != nil {
				return &RunError{Stage: StagePush, Err: err}
			}
			records = append(records, rec)
			ids = append(ids, op.ID)
		}

		if _, err := e.client.Upload(ctx, records); err != nil {
			return &RunError{Stage: StagePush, Err: err}
		}
		if err := e.store.MarkSynced(ctx, ids); err != nil {
			return &RunError{Stage: StagePush, Err: err}
		}
		summary.Pushed += len(ids)

		e.logger.Debug("batch pushed", zap.Int("records", len(ids)))

		if len(ops) < e.cfg.UploadBatch {
			return nil
		}
	}
}

func (e *Engine) encode(op store.Op) (api.SyncRecord, error) {
	if op.Kind == store.OpTombstone {
		return api.SyncRecord{ID: op.ID, Tombstone: true}, nil
	}
	ciphertext, nonce, err := codec.EncryptEntry(e.key, op.Entry)
	if err != nil {
		return api.SyncRecord{}, err
	}
	return api.SyncRecord{ID: op.Entry.ID, Ciphertext: ciphertext, Nonce: nonce}, nil
}
