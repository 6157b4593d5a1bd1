package sync_test

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bradrf/atuin/internal/api"
	"github.com/bradrf/atuin/internal/client"
	"github.com/bradrf/atuin/internal/server"
	syncer "github.com/bradrf/atuin/internal/sync"
	"github.com/bradrf/atuin/pkg/codec"
	"github.com/bradrf/atuin/pkg/history"
	"github.com/bradrf/atuin/pkg/store"
)

// testRelay runs a real relay (store plus HTTP routes) inside httptest.
// The raw store is exposed so tests can inject records the client side
// would never produce.
type testRelay struct {
	store *server.Store
	srv   *httptest.Server
}

func newTestRelay(t *testing.T, middleware func(http.Handler) http.Handler) *testRelay {
	t.Helper()
	st, err := server.OpenStore(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("opening relay store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := server.New(st, "127.0.0.1:0", nil).Handler()
	if middleware != nil {
		h = middleware(h)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testRelay{store: st, srv: srv}
}

func (r *testRelay) register(t *testing.T, username string) string {
	t.Helper()
	session, err := r.store.CreateUser(context.Background(), username, "hunter2-but-longer")
	if err != nil {
		t.Fatalf("creating user %s: %v", username, err)
	}
	return session
}

// device bundles one local store with an engine syncing it against the
// relay, standing in for one machine in a multi-device account.
type device struct {
	store  *store.Store
	engine *syncer.Engine
}

func newDevice(t *testing.T, relay *testRelay, session string, key []byte, cfg syncer.Config) *device {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("opening local store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cl, err := client.New(client.Config{
		Address:      relay.srv.URL,
		Session:      session,
		MaxRetries:   1,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}
	return &device{store: st, engine: syncer.New(st, cl, key, cfg, nil)}
}

func (d *device) add(t *testing.T, command string) *history.Entry {
	t.Helper()
	e := history.New(command, "/home/alice", "session-1")
	if _, err := d.store.Insert(context.Background(), e); err != nil {
		t.Fatalf("inserting %q: %v", command, err)
	}
	return e
}

func (d *device) run(t *testing.T) *syncer.Summary {
	t.Helper()
	summary, err := d.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("sync run: %v", err)
	}
	return summary
}

func (d *device) commands(t *testing.T) []string {
	t.Helper()
	entries, err := d.store.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("listing entries: %v", err)
	}
	commands := make([]string, len(entries))
	for i, e := range entries {
		commands[i] = e.Command
	}
	return commands
}

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return key
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TestTwoDeviceRoundTrip pushes history from one device and pulls it on a
// second device of the same account; both end up with identical plaintext.
func TestTwoDeviceRoundTrip(t *testing.T) {
	relay := newTestRelay(t, nil)
	session := relay.register(t, "alice")
	key := testKey(t)

	a := newDevice(t, relay, session, key, syncer.Config{})
	b := newDevice(t, relay, session, key, syncer.Config{})

	a.add(t, "ls")
	a.add(t, "cd /tmp")

	summary := a.run(t)
	if summary.Pushed != 2 || summary.Pulled != 0 {
		t.Fatalf("device A summary = %+v, want 2 pushed", summary)
	}

	summary = b.run(t)
	if summary.Pulled != 2 || summary.Pushed != 0 {
		t.Fatalf("device B summary = %+v, want 2 pulled", summary)
	}

	// List is most recent first.
	want := []string{"cd /tmp", "ls"}
	if got := b.commands(t); !equalStrings(got, want) {
		t.Errorf("device B commands = %v, want %v", got, want)
	}

	// Device A never pulled, so its next run fetches its own records back;
	// the merge is a no-op and its history is unchanged.
	summary = a.run(t)
	if summary.Pushed != 0 {
		t.Errorf("device A re-run summary = %+v, want nothing pushed", summary)
	}
	if got := a.commands(t); !equalStrings(got, want) {
		t.Errorf("device A commands after re-run = %v, want %v", got, want)
	}

	// Both cursors caught up: further cycles are no-ops.
	for _, d := range []*device{a, b} {
		summary = d.run(t)
		if summary.Pulled != 0 || summary.Pushed != 0 {
			t.Errorf("idle re-run summary = %+v, want all zero", summary)
		}
	}
}

// TestPulledRecordsNotEchoed checks that a device does not push back
// records it just pulled.
func TestPulledRecordsNotEchoed(t *testing.T) {
	relay := newTestRelay(t, nil)
	session := relay.register(t, "alice")
	key := testKey(t)

	a := newDevice(t, relay, session, key, syncer.Config{})
	b := newDevice(t, relay, session, key, syncer.Config{})

	a.add(t, "make test")
	a.run(t)
	b.run(t)

	ctx := context.Background()
	ops, err := b.store.ListUnsynced(ctx, 0)
	if err != nil {
		t.Fatalf("listing unsynced: %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("pulled records left unsynced: %v", ops)
	}

	userID, err := relay.store.UserForSession(ctx, session)
	if err != nil {
		t.Fatalf("resolving session: %v", err)
	}
	count, err := relay.store.CountRecords(ctx, userID)
	if err != nil {
		t.Fatalf("counting relay records: %v", err)
	}
	if count != 1 {
		t.Errorf("relay record count = %d, want 1", count)
	}
}

// TestTombstoneReachesOtherDevices deletes an entry on one device and
// verifies the deletion propagates, including to a device that had
// already synced past the original record.
func TestTombstoneReachesOtherDevices(t *testing.T) {
	relay := newTestRelay(t, nil)
	session := relay.register(t, "alice")
	key := testKey(t)

	a := newDevice(t, relay, session, key, syncer.Config{})
	b := newDevice(t, relay, session, key, syncer.Config{})

	secret := a.add(t, "export TOKEN=oops")
	a.add(t, "ls")
	a.run(t)
	b.run(t)

	ctx := context.Background()
	if err := a.store.Tombstone(ctx, secret.ID); err != nil {
		t.Fatalf("tombstoning: %v", err)
	}
	a.run(t)

	summary := b.run(t)
	if summary.TombstonesApplied != 1 {
		t.Fatalf("device B summary = %+v, want 1 tombstone applied", summary)
	}
	want := []string{"ls"}
	if got := b.commands(t); !equalStrings(got, want) {
		t.Errorf("device B commands after delete = %v, want %v", got, want)
	}
	if _, err := b.store.Get(ctx, secret.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get(deleted) error = %v, want ErrNotFound", err)
	}

	// Device A syncing again must not resurrect the entry.
	a.run(t)
	if got := a.commands(t); !equalStrings(got, want) {
		t.Errorf("device A commands after re-sync = %v, want %v", got, want)
	}
}

// TestInterruptedPullResumes cuts the relay off mid-pull and verifies the
// next run continues from the last committed page instead of starting
// over or losing records.
func TestInterruptedPullResumes(t *testing.T) {
	var pageCalls atomic.Int32
	var failing atomic.Bool
	middleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet && r.URL.Path == "/sync/history" {
				if failing.Load() && pageCalls.Add(1) > 1 {
					http.Error(w, "relay restarting", http.StatusInternalServerError)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
	relay := newTestRelay(t, middleware)
	session := relay.register(t, "alice")
	key := testKey(t)

	a := newDevice(t, relay, session, key, syncer.Config{})
	for i := 0; i < 25; i++ {
		a.add(t, "cmd-"+string(rune('a'+i)))
	}
	a.run(t)

	b := newDevice(t, relay, session, key, syncer.Config{PageSize: 10})
	failing.Store(true)
	_, err := b.engine.Run(context.Background())
	var runErr *syncer.RunError
	if !errors.As(err, &runErr) || runErr.Stage != syncer.StagePull {
		t.Fatalf("interrupted run error = %v, want pull-stage RunError", err)
	}

	ctx := context.Background()
	cursor, err := b.store.Cursor(ctx)
	if err != nil {
		t.Fatalf("reading cursor: %v", err)
	}
	if cursor != 10 {
		t.Fatalf("cursor after interrupted run = %d, want 10", cursor)
	}
	if got := len(b.commands(t)); got != 10 {
		t.Fatalf("entries after interrupted run = %d, want 10", got)
	}

	failing.Store(false)
	summary := b.run(t)
	if summary.Pulled != 15 {
		t.Errorf("resumed run pulled = %d, want 15", summary.Pulled)
	}
	if got := len(b.commands(t)); got != 25 {
		t.Errorf("entries after resumed run = %d, want 25", got)
	}
	if got, want := b.commands(t), a.commands(t); !equalStrings(got, want) {
		t.Errorf("device B commands = %v, want %v", got, want)
	}
}

// TestUndecryptableRecordSkipped plants a record that cannot be decrypted
// and one whose plaintext id does not match its wire id; a run skips both,
// keeps the good records, and never re-fetches the bad ones.
func TestUndecryptableRecordSkipped(t *testing.T) {
	relay := newTestRelay(t, nil)
	session := relay.register(t, "alice")
	key := testKey(t)
	ctx := context.Background()

	a := newDevice(t, relay, session, key, syncer.Config{})
	a.add(t, "good command")
	a.run(t)

	userID, err := relay.store.UserForSession(ctx, session)
	if err != nil {
		t.Fatalf("resolving session: %v", err)
	}
	ciphertext, nonce, err := codec.EncryptEntry(key, history.New("liar", "/", "s"))
	if err != nil {
		t.Fatalf("encrypting mismatched entry: %v", err)
	}
	bad := []api.SyncRecord{
		{ID: "garbage", Ciphertext: []byte("not a ciphertext"), Nonce: make([]byte, 12)},
		{ID: "mismatched", Ciphertext: ciphertext, Nonce: nonce},
	}
	if _, err := relay.store.UploadRecords(ctx, userID, bad); err != nil {
		t.Fatalf("injecting bad records: %v", err)
	}

	b := newDevice(t, relay, session, key, syncer.Config{})
	summary := b.run(t)
	if summary.Skipped != 2 {
		t.Fatalf("summary = %+v, want 2 skipped", summary)
	}
	if summary.Pulled != 1 {
		t.Errorf("summary = %+v, want 1 pulled", summary)
	}
	want := []string{"good command"}
	if got := b.commands(t); !equalStrings(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}

	// The cursor advanced past the bad records; they are not retried.
	summary = b.run(t)
	if summary.Skipped != 0 || summary.Pulled != 0 {
		t.Errorf("re-run summary = %+v, want all zero", summary)
	}
}

// TestRejectedSessionFailsFast verifies a bad session token surfaces as
// ErrUnauthorized from the first stage, without retry loops.
func TestRejectedSessionFailsFast(t *testing.T) {
	relay := newTestRelay(t, nil)
	relay.register(t, "alice")
	key := testKey(t)

	d := newDevice(t, relay, "bogus-session", key, syncer.Config{})
	_, err := d.engine.Run(context.Background())
	if !errors.Is(err, client.ErrUnauthorized) {
		t.Fatalf("run error = %v, want ErrUnauthorized", err)
	}
	var runErr *syncer.RunError
	if !errors.As(err, &runErr) || runErr.Stage != syncer.StageCount {
		t.Errorf("run error = %v, want count-stage RunError", err)
	}
}

// TestLocalStoreFailureStage verifies a failing local store surfaces as a
// cursor-stage error, not as a remote-count failure.
func TestLocalStoreFailureStage(t *testing.T) {
	relay := newTestRelay(t, nil)
	session := relay.register(t, "alice")

	d := newDevice(t, relay, session, testKey(t), syncer.Config{})
	d.store.Close()

	_, err := d.engine.Run(context.Background())
	var runErr *syncer.RunError
	if !errors.As(err, &runErr) || runErr.Stage != syncer.StageCursor {
		t.Fatalf("run error = %v, want cursor-stage RunError", err)
	}
}

// TestConcurrentRunsRejected holds one run open at the relay and verifies
// a second run on the same engine is refused instead of interleaving.
func TestConcurrentRunsRejected(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	middleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/sync/count" {
				entered <- struct{}{}
				<-release
			}
			next.ServeHTTP(w, r)
		})
	}
	relay := newTestRelay(t, middleware)
	session := relay.register(t, "alice")

	d := newDevice(t, relay, session, testKey(t), syncer.Config{})

	done := make(chan error, 1)
	go func() {
		_, err := d.engine.Run(context.Background())
		done <- err
	}()

	<-entered
	if _, err := d.engine.Run(context.Background()); !errors.Is(err, syncer.ErrRunInProgress) {
		t.Errorf("second run error = %v, want ErrRunInProgress", err)
	}
	close(release)

	if err := <-done; err != nil {
		t.Errorf("first run error = %v", err)
	}
}
