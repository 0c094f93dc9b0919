// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers admission, sessions, leases through the lock manager, the review queue, and sweeping

package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/concierge/internal/conversation"
	"github.com/2389/concierge/internal/idempotency"
	"github.com/2389/concierge/internal/lock"
	"github.com/2389/concierge/internal/orchestrator"
	"github.com/2389/concierge/internal/session"
)

var (
	_ idempotency.Store           = (*SQLiteStore)(nil)
	_ session.Store               = (*SQLiteStore)(nil)
	_ lock.Backend                = (*SQLiteStore)(nil)
	_ orchestrator.ReviewRecorder = (*SQLiteStore)(nil)
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...Option) (*SQLiteStore, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(c.Now)}, opts...)
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, c
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
	assert.NoError(t, s.Ping(context.Background()))
}

func TestNewSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err, "schema and migrations must be idempotent")
	require.NoError(t, s.Close())
}

func TestAdmit_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s, c := newTestStore(t)

	adm, err := s.Admit(ctx, "msg:1", "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Admitted, adm)

	adm, err = s.Admit(ctx, "msg:1", "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, idempotency.InFlight, adm)

	require.NoError(t, s.Complete(ctx, "msg:1", "w1", idempotency.StatusCompleted, "responded", time.Hour))
	adm, err = s.Admit(ctx, "msg:1", "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Duplicate, adm)

	rec, err := s.GetRecord(ctx, "msg:1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusCompleted, rec.Status)
	assert.Equal(t, "responded", rec.ResultSummary)
	assert.Equal(t, "w1", rec.Owner)

	c.Advance(2 * time.Hour)
	adm, err = s.Admit(ctx, "msg:1", "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Admitted, adm, "retention expired")
}

func TestAdmit_InFlightExpires(t *testing.T) {
	ctx := context.Background()
	s, c := newTestStore(t)

	_, err := s.Admit(ctx, "msg:1", "w1", time.Minute)
	require.NoError(t, err)
	c.Advance(61 * time.Second)

	adm, err := s.Admit(ctx, "msg:1", "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Admitted, adm, "crashed worker's claim lapses")
}

func TestAbandon(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.Admit(ctx, "msg:1", "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Abandon(ctx, "msg:1", "w1"))
	adm, err := s.Admit(ctx, "msg:1", "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Admitted, adm)

	require.NoError(t, s.Complete(ctx, "msg:1", "w1", idempotency.StatusFailed, "", time.Hour))
	require.NoError(t, s.Abandon(ctx, "msg:1", "w1"))
	_, err = s.GetRecord(ctx, "msg:1")
	assert.NoError(t, err, "terminal records survive abandon")
}

func TestComplete_RequiresOwnership(t *testing.T) {
	ctx := context.Background()
	s, c := newTestStore(t)

	_, err := s.Admit(ctx, "msg:1", "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Abandon(ctx, "msg:1", "w2"))
	_, err = s.GetRecord(ctx, "msg:1")
	require.NoError(t, err, "only the owner can abandon")

	// w1 outlives its claim and the redelivery is admitted as w2.
	c.Advance(61 * time.Second)
	adm, err := s.Admit(ctx, "msg:1", "w2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, idempotency.Admitted, adm)

	err = s.Complete(ctx, "msg:1", "w1", idempotency.StatusFailed, "stale", time.Hour)
	require.ErrorIs(t, err, idempotency.ErrNotOwner)
	rec, err := s.GetRecord(ctx, "msg:1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusInProgress, rec.Status)
	assert.Equal(t, "w2", rec.Owner)

	require.NoError(t, s.Complete(ctx, "msg:1", "w2", idempotency.StatusCompleted, "ok", time.Hour))
	err = s.Complete(ctx, "msg:1", "w2", idempotency.StatusFailed, "again", time.Hour)
	assert.ErrorIs(t, err, idempotency.ErrNotOwner, "terminal records are never overwritten")

	rec, err = s.GetRecord(ctx, "msg:1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusCompleted, rec.Status)
	assert.Equal(t, "ok", rec.ResultSummary)
}

func TestAdmit_Concurrent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	const n = 10
	results := make(chan idempotency.Admission, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm, err := s.Admit(ctx, "msg:race", "w1", time.Minute)
			assert.NoError(t, err)
			results <- adm
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for adm := range results {
		if adm == idempotency.Admitted {
			admitted++
		}
	}
	assert.Equal(t, 1, admitted)
}

func TestSession_LoadSave(t *testing.T) {
	ctx := context.Background()
	s, c := newTestStore(t, WithSessionTTL(time.Hour))

	st, err := s.Load(ctx, "whatsapp:1")
	require.NoError(t, err)
	assert.Empty(t, st.Turns)

	st.AddTurn(session.RoleUser, "hello", c.Now(), 10)
	st.Apply(session.Mutations{
		Set:           map[string]string{"service": "cleaning"},
		PendingAction: session.Pending("booking:date"),
	})
	require.NoError(t, s.Save(ctx, st))
	assert.Equal(t, c.Now().Add(time.Hour), st.ExpiresAt)

	got, err := s.Load(ctx, "whatsapp:1")
	require.NoError(t, err)
	require.Len(t, got.Turns, 1)
	assert.Equal(t, "hello", got.Turns[0].Text)
	assert.Equal(t, "cleaning", got.Context["service"])
	assert.Equal(t, "booking:date", got.PendingAction)

	c.Advance(time.Hour)
	got, err = s.Load(ctx, "whatsapp:1")
	require.NoError(t, err)
	assert.Empty(t, got.Turns, "expired session loads fresh")
}

func TestSession_CorruptRow(t *testing.T) {
	ctx := context.Background()
	s, c := newTestStore(t)

	_, err := s.db.Exec(`INSERT INTO sessions (conversation_id, state, updated_at, expires_at) VALUES (?, ?, ?, ?)`,
		"whatsapp:1", "{not json", "x", c.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)

	st, err := s.Load(ctx, "whatsapp:1")
	require.NoError(t, err)
	assert.Equal(t, "whatsapp:1", st.ConversationID)
	assert.Empty(t, st.Turns)
}

func TestLeases_WithManager(t *testing.T) {
	ctx := context.Background()
	s, c := newTestStore(t)
	m := lock.NewManager(s, lock.Options{Attempts: 2, RetryDelay: time.Millisecond, AcquireTimeout: time.Second}, nil)

	first, err := m.Acquire(ctx, "C1", 30*time.Second)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "C1", 30*time.Second)
	assert.ErrorIs(t, err, lock.ErrBusy)

	require.NoError(t, first.Release(ctx))
	second, err := m.Acquire(ctx, "C1", 30*time.Second)
	require.NoError(t, err)

	c.Advance(31 * time.Second)
	ok, err := s.Renew(ctx, "lock:C1", second.Token, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "expired lease cannot be renewed")

	third, err := m.Acquire(ctx, "C1", 30*time.Second)
	require.NoError(t, err, "expired lease is taken over")

	assert.ErrorIs(t, second.Release(ctx), lock.ErrLeaseLost)
	require.NoError(t, third.Release(ctx))
}

func TestLeases_ReleaseChecksToken(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	ok, err := s.TryAcquire(ctx, "k", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Release(ctx, "k", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Renew(ctx, "k", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Release(ctx, "k", "a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReviewQueue(t *testing.T) {
	ctx := context.Background()
	s, c := newTestStore(t)

	require.NoError(t, s.Record(ctx, conversation.ReviewEntry{
		MessageID:      "MSG1",
		ConversationID: "whatsapp:1",
		Sender:         "1",
		Text:           "book",
		Reason:         "handler",
		Error:          "backend returned status 500",
	}))
	c.Advance(time.Millisecond)
	require.NoError(t, s.Record(ctx, conversation.ReviewEntry{
		ID:             "01J00000000000000000000000",
		MessageID:      "MSG2",
		ConversationID: "whatsapp:2",
		Sender:         "2",
		Text:           "hi",
		Reply:          "hello",
		Reason:         "delivery",
	}))

	entries, err := s.ListReview(ctx, 10, false)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var generated conversation.ReviewEntry
	for _, e := range entries {
		if e.MessageID == "MSG1" {
			generated = e
		}
	}
	assert.Len(t, generated.ID, 26, "ULID id assigned")
	assert.Equal(t, "backend returned status 500", generated.Error)
	assert.Empty(t, generated.Reply)

	require.NoError(t, s.ResolveReview(ctx, generated.ID))
	assert.ErrorIs(t, s.ResolveReview(ctx, generated.ID), ErrNotFound)

	open, err := s.ListReview(ctx, 10, false)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "MSG2", open[0].MessageID)

	all, err := s.ListReview(ctx, 10, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestReviewQueue_DuplicateIDIgnored(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	e := conversation.ReviewEntry{ID: "01J00000000000000000000001", MessageID: "M", ConversationID: "c", Sender: "s", Text: "t", Reason: "delivery"}
	require.NoError(t, s.Record(ctx, e))
	require.NoError(t, s.Record(ctx, e))

	entries, err := s.ListReview(ctx, 0, true)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	s, c := newTestStore(t, WithSessionTTL(time.Minute))

	_, err := s.Admit(ctx, "msg:1", "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, session.New("whatsapp:1")))
	_, err = s.TryAcquire(ctx, "lock:C1", "tok", time.Minute)
	require.NoError(t, err)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.Advance(2 * time.Minute)
	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	client, err := NewRedisClient(ctx, "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Set(ctx, "k", "v", 0).Err())

	_, err = NewRedisClient(ctx, "not a url")
	assert.Error(t, err)

	_, err = NewRedisClient(ctx, "redis://127.0.0.1:1")
	assert.Error(t, err)
}
