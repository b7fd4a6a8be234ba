package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/resonance/backend/internal/connectivity"
	"github.com/MarcoPoloResearchLab/resonance/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/resonance/backend/internal/presence/presencetest"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

type harness struct {
	engine   *Engine
	store    *connectivity.Store
	registry *presence.Registry
	clock    *fakeClock
}

func newHarness(t *testing.T) harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "delivery.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, connectivity.Migrate(db))

	store, err := connectivity.NewStore(connectivity.StoreConfig{Database: db})
	require.NoError(t, err)

	registry := presence.NewRegistry()
	clock := &fakeClock{current: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
	engine, err := NewEngine(EngineConfig{
		Store:       store,
		Presence:    registry,
		GraceWindow: 15 * time.Minute,
		Clock:       clock.Now,
	})
	require.NoError(t, err)
	return harness{engine: engine, store: store, registry: registry, clock: clock}
}

func (h harness) identify(t *testing.T, userID, nickname string) {
	t.Helper()
	require.NoError(t, h.engine.Identify(context.Background(), userID, nickname))
}

func (h harness) queued(t *testing.T, userID string) []string {
	t.Helper()
	ids, err := h.store.QueuedMessageIDs(context.Background(), userID)
	require.NoError(t, err)
	return ids
}

func TestNewEngineValidatesDependencies(t *testing.T) {
	_, err := NewEngine(EngineConfig{})
	assert.ErrorIs(t, err, errMissingStore)

	store := &connectivity.Store{}
	_, err = NewEngine(EngineConfig{Store: store})
	assert.ErrorIs(t, err, errMissingPresence)
}

func TestSubmitAcknowledgedPushDequeues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.identify(t, "sender", "Sender")
	h.identify(t, "reader", "Reader")
	reader := presencetest.NewRecorder("conn-reader", true)
	h.registry.Register("reader", reader)

	message, err := h.engine.Submit(ctx, "sender", "Sender", "Hello", []string{"sender", "reader"})
	require.NoError(t, err)
	h.engine.Wait()

	deliveries := reader.Filter(EventMessages)
	require.Len(t, deliveries, 1)
	views, ok := deliveries[0].Payload.([]MessageView)
	require.True(t, ok)
	require.Len(t, views, 1)
	assert.Equal(t, "Sender", views[0].User)
	assert.Equal(t, "Hello", views[0].Body)
	assert.True(t, views[0].Date.Equal(message.Date))

	assert.Empty(t, h.queued(t, "reader"))
	assert.Empty(t, h.queued(t, "sender"), "the sender never queues its own message")
}

func TestSubmitWithoutAcknowledgmentKeepsQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.identify(t, "sender", "Sender")
	h.identify(t, "silent", "Silent")
	h.identify(t, "offline", "Offline")
	silent := presencetest.NewRecorder("conn-silent", false)
	h.registry.Register("silent", silent)

	message, err := h.engine.Submit(ctx, "sender", "Sender", "Anyone?", []string{"sender", "silent", "offline", "never-greeted"})
	require.NoError(t, err)
	h.engine.Wait()

	assert.Len(t, silent.Filter(EventMessages), 1)
	assert.Equal(t, []string{message.ID}, h.queued(t, "silent"))
	assert.Equal(t, []string{message.ID}, h.queued(t, "offline"))
	assert.Empty(t, h.queued(t, "never-greeted"))
}

func TestRedeliverBacklogOldestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.identify(t, "sender", "Sender")
	h.identify(t, "reader", "Reader")

	_, err := h.engine.Submit(ctx, "sender", "Sender", "one", []string{"reader"})
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = h.engine.Submit(ctx, "sender", "Sender", "two", []string{"reader"})
	require.NoError(t, err)
	h.engine.Wait()
	require.Len(t, h.queued(t, "reader"), 2)

	reader := presencetest.NewRecorder("conn-reader", false)
	outcome, err := h.engine.Redeliver(ctx, "reader", reader)
	require.NoError(t, err)
	assert.Equal(t, presence.OutcomePending, outcome)
	assert.Len(t, h.queued(t, "reader"), 2, "unacknowledged batch stays queued")

	reader.SetAcknowledge(true)
	outcome, err = h.engine.Redeliver(ctx, "reader", reader)
	require.NoError(t, err)
	assert.Equal(t, presence.OutcomeAcknowledged, outcome)
	assert.Empty(t, h.queued(t, "reader"))

	batches := reader.Filter(EventMessages)
	require.Len(t, batches, 2)
	views := batches[1].Payload.([]MessageView)
	require.Len(t, views, 2)
	assert.Equal(t, "one", views[0].Body)
	assert.Equal(t, "two", views[1].Body)
}

func TestRedeliverEmptyBacklogSendsNothing(t *testing.T) {
	h := newHarness(t)
	h.identify(t, "reader", "Reader")
	reader := presencetest.NewRecorder("conn-reader", true)

	outcome, err := h.engine.Redeliver(context.Background(), "reader", reader)
	require.NoError(t, err)
	assert.Equal(t, presence.OutcomeAcknowledged, outcome)
	assert.Empty(t, reader.Events())
}

func TestIdentifyWithinGraceKeepsBacklog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.identify(t, "sender", "Sender")
	h.identify(t, "reader", "Reader")
	require.NoError(t, h.store.MarkDisconnected(ctx, "reader", h.clock.Now()))

	_, err := h.engine.Submit(ctx, "sender", "Sender", "while you were away", []string{"reader"})
	require.NoError(t, err)
	h.clock.Advance(10 * time.Minute)

	h.identify(t, "reader", "Reader")
	assert.Len(t, h.queued(t, "reader"), 1)
}

func TestIdentifyAfterGraceClearsBacklog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.identify(t, "sender", "Sender")
	h.identify(t, "reader", "Reader")
	require.NoError(t, h.store.MarkDisconnected(ctx, "reader", h.clock.Now()))

	_, err := h.engine.Submit(ctx, "sender", "Sender", "too late", []string{"reader"})
	require.NoError(t, err)
	h.clock.Advance(16 * time.Minute)

	h.identify(t, "reader", "Reader")
	assert.Empty(t, h.queued(t, "reader"))

	reader := presencetest.NewRecorder("conn-reader", true)
	_, err = h.engine.Redeliver(ctx, "reader", reader)
	require.NoError(t, err)
	assert.Empty(t, reader.Filter(EventMessages))
}

type failingStore struct {
	*connectivity.Store
	enqueueErr error
}

func (s failingStore) Enqueue(context.Context, string, string) (bool, error) {
	return false, s.enqueueErr
}

func TestSubmitReportsQueueFailureWithoutPushing(t *testing.T) {
	h := newHarness(t)
	h.identify(t, "sender", "Sender")
	h.identify(t, "reader", "Reader")
	reader := presencetest.NewRecorder("conn-reader", true)
	h.registry.Register("reader", reader)

	queueErr := errors.New("disk full")
	engine, err := NewEngine(EngineConfig{
		Store:    failingStore{Store: h.store, enqueueErr: queueErr},
		Presence: h.registry,
		Clock:    h.clock.Now,
	})
	require.NoError(t, err)

	_, err = engine.Submit(context.Background(), "sender", "Sender", "lost?", []string{"reader"})
	assert.ErrorIs(t, err, queueErr)
	engine.Wait()
	assert.Empty(t, reader.Filter(EventMessages), "nothing is pushed before it is queued")
}

// partialStore fails the enqueue for one recipient and holds the others until that failure
// has been observed, so a cancellation caused by it would reach them.
type partialStore struct {
	*connectivity.Store
	broken string
	failed chan struct{}
}

func (s partialStore) Enqueue(ctx context.Context, userID, messageID string) (bool, error) {
	if userID == s.broken {
		close(s.failed)
		return false, errors.New("row locked")
	}
	<-s.failed
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	return s.Store.Enqueue(ctx, userID, messageID)
}

func TestSubmitQueuesOtherRecipientsWhenOneFails(t *testing.T) {
	h := newHarness(t)
	for _, user := range []string{"sender", "broken", "reader-1", "reader-2"} {
		h.identify(t, user, user)
	}

	engine, err := NewEngine(EngineConfig{
		Store:    partialStore{Store: h.store, broken: "broken", failed: make(chan struct{})},
		Presence: h.registry,
		Clock:    h.clock.Now,
	})
	require.NoError(t, err)

	message, err := engine.Submit(context.Background(), "sender", "Sender", "hi all", []string{"sender", "broken", "reader-1", "reader-2"})
	require.Error(t, err)
	engine.Wait()

	assert.Equal(t, []string{message.ID}, h.queued(t, "reader-1"))
	assert.Equal(t, []string{message.ID}, h.queued(t, "reader-2"))
	assert.Empty(t, h.queued(t, "broken"))
}
