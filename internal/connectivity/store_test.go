package connectivity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return "message-" + string(rune('a'+p.next-1)), nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "connectivity.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	require.NoError(t, Migrate(db))
	store, err := NewStore(StoreConfig{
		Database:   db,
		IDProvider: &sequenceIDProvider{},
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return store
}

func mustIdentify(t *testing.T, store *Store, userID, nickname string, staleBefore time.Time) {
	t.Helper()
	_, err := store.Identify(context.Background(), userID, nickname, staleBefore)
	require.NoError(t, err, "identify %s", userID)
}

func TestNewStoreRequiresDatabase(t *testing.T) {
	_, err := NewStore(StoreConfig{})
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "connectivity.store.new.missing_database", storeErr.Code())
}

func TestNewPairOrdersVertices(t *testing.T) {
	pair := NewPair("zed", "amy")
	assert.Equal(t, "amy", pair.VertexA)
	assert.Equal(t, "zed", pair.VertexB)
	assert.Equal(t, pair, NewPair("amy", "zed"))
}

func TestNormalizeUserIDRejectsEmpty(t *testing.T) {
	_, err := NormalizeUserID("   ")
	require.ErrorIs(t, err, ErrInvalidUserID)

	id, err := NormalizeUserID("  user-1 ")
	require.NoError(t, err)
	assert.Equal(t, "user-1", id)
}

func TestMigrateNamesMessageColumns(t *testing.T) {
	store := newTestStore(t)
	migrator := store.db.Migrator()

	for _, column := range []string{"id", "user_id", "user", "date", "body"} {
		assert.True(t, migrator.HasColumn(&Message{}, column), "expected messages.%s", column)
	}
	assert.False(t, migrator.HasColumn(&Message{}, "nickname"))
}

func TestUpsertEdgeStoresPairOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertEdge(ctx, NewPair("user-b", "user-a")))
	require.NoError(t, store.DisruptEdge(ctx, NewPair("user-a", "user-b"), time.Unix(100, 0).UTC()))
	require.NoError(t, store.UpsertEdge(ctx, NewPair("user-a", "user-b")))

	edges, err := store.ListEdges(ctx)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, NewPair("user-a", "user-b"), edges[0].Pair())
	assert.Nil(t, edges[0].DisruptDate, "expected upsert to clear disruption")
}

func TestDisruptEdgeRestampsDisruption(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	first := time.Unix(1000, 0).UTC()
	later := first.Add(10 * time.Minute)

	require.NoError(t, store.DisruptEdge(ctx, NewPair("nobody", "none"), first), "disrupting an absent edge is a no-op")
	require.NoError(t, store.UpsertEdge(ctx, NewPair("user-a", "user-b")))
	require.NoError(t, store.DisruptEdge(ctx, NewPair("user-a", "user-b"), first))
	require.NoError(t, store.DisruptEdge(ctx, NewPair("user-b", "user-a"), later))

	edges, err := store.ListEdges(ctx)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.NotNil(t, edges[0].DisruptDate)
	assert.True(t, edges[0].DisruptDate.Equal(later), "expected stamp %v, got %v", later, *edges[0].DisruptDate)
}

func TestDisruptEdgesTouchingRestampsDisruptedEdges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	first := time.Unix(2000, 0).UTC()
	later := first.Add(10 * time.Minute)

	require.NoError(t, store.UpsertEdge(ctx, NewPair("a", "b")))
	require.NoError(t, store.UpsertEdge(ctx, NewPair("a", "c")))
	require.NoError(t, store.DisruptEdge(ctx, NewPair("a", "b"), first))

	touched, err := store.DisruptEdgesTouching(ctx, "a", later)
	require.NoError(t, err)
	assert.EqualValues(t, 2, touched)

	edges, err := store.ListEdges(ctx)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	for _, edge := range edges {
		require.NotNil(t, edge.DisruptDate)
		assert.True(t, edge.DisruptDate.Equal(later), "edge %v stamped %v", edge.Pair(), *edge.DisruptDate)
	}
}

func TestLiveEdgesTouchingHonorsCutoff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(10_000, 0).UTC()

	for _, pair := range []Pair{NewPair("a", "b"), NewPair("b", "c"), NewPair("c", "d")} {
		require.NoError(t, store.UpsertEdge(ctx, pair))
	}
	require.NoError(t, store.DisruptEdge(ctx, NewPair("b", "c"), base))

	edges, err := store.LiveEdgesTouching(ctx, []string{"b"}, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, edges, 2, "expected disrupted edge within grace to be live")

	edges, err = store.LiveEdgesTouching(ctx, []string{"b"}, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, NewPair("a", "b"), edges[0].Pair())

	edges, err = store.LiveEdgesTouching(ctx, nil, base)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestDropOutEdgesAndPrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	disruptedAt := time.Unix(50_000, 0).UTC()

	mustIdentify(t, store, "a", "A", disruptedAt)
	for _, pair := range []Pair{NewPair("a", "b"), NewPair("a", "c"), NewPair("b", "c")} {
		require.NoError(t, store.UpsertEdge(ctx, pair))
	}
	require.NoError(t, store.MarkDisconnected(ctx, "a", disruptedAt))
	touched, err := store.DisruptEdgesTouching(ctx, "a", disruptedAt)
	require.NoError(t, err)
	assert.EqualValues(t, 2, touched)

	user, err := store.FindUser(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, user.DisconnectDate)
	assert.True(t, user.DisconnectDate.Equal(disruptedAt))

	deleted, err := store.DeleteEdgesDisruptedBefore(ctx, "b", disruptedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted, "expected only b's stale edge to be pruned")

	edges, err := store.ListEdges(ctx)
	require.NoError(t, err)
	assert.Len(t, edges, 2)
}

func TestEnqueueSkipsUnknownUsers(t *testing.T) {
	store := newTestStore(t)

	queued, err := store.Enqueue(context.Background(), "ghost", "message-a")
	require.NoError(t, err)
	assert.False(t, queued, "expected no queue entry for a user that never greeted")
}

func TestPendingMessagesOrderedByDate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(70_000, 0).UTC()

	mustIdentify(t, store, "reader", "Reader", base)
	later := Message{UserID: "writer", User: "Writer", Date: base.Add(time.Minute), Body: "second"}
	earlier := Message{UserID: "writer", User: "Writer", Date: base, Body: "first"}
	for _, message := range []*Message{&later, &earlier} {
		require.NoError(t, store.CreateMessage(ctx, message))
		queued, err := store.Enqueue(ctx, "reader", message.ID)
		require.NoError(t, err)
		require.True(t, queued)
	}

	ids, err := store.QueuedMessageIDs(ctx, "reader")
	require.NoError(t, err)
	assert.Equal(t, []string{later.ID, earlier.ID}, ids, "expected insertion order")

	pending, err := store.PendingMessages(ctx, "reader")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "first", pending[0].Body)
	assert.Equal(t, "second", pending[1].Body)
	assert.Equal(t, "Writer", pending[0].User)

	require.NoError(t, store.Dequeue(ctx, "reader", earlier.ID))
	pending, err = store.PendingMessages(ctx, "reader")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, later.ID, pending[0].ID)
}

func TestIdentifyClearsStaleQueue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	disconnectedAt := time.Unix(90_000, 0).UTC()

	mustIdentify(t, store, "reader", "Reader", disconnectedAt)
	message := Message{UserID: "writer", User: "Writer", Date: disconnectedAt, Body: "hello"}
	require.NoError(t, store.CreateMessage(ctx, &message))
	_, err := store.Enqueue(ctx, "reader", message.ID)
	require.NoError(t, err)
	require.NoError(t, store.MarkDisconnected(ctx, "reader", disconnectedAt))

	cleared, err := store.Identify(ctx, "reader", "Reader", disconnectedAt)
	require.NoError(t, err)
	assert.Zero(t, cleared, "expected queue to survive a fresh reconnect")
	require.NoError(t, store.MarkDisconnected(ctx, "reader", disconnectedAt))

	cleared, err = store.Identify(ctx, "reader", "Renamed", disconnectedAt.Add(time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, cleared, "expected the stale queue to be cleared")

	user, err := store.FindUser(ctx, "reader")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", user.Nickname)
	assert.Nil(t, user.DisconnectDate)
}

func TestAuditLogsAndReset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.LogUserEvent(ctx, "a", "found", "b"))
	require.NoError(t, store.LogServerEvent(ctx, []string{"a", "b"}, "chatinfo", map[string]int{"size": 2}))

	var serverRows int64
	require.NoError(t, store.db.Model(&ServerLogEntry{}).Count(&serverRows).Error)
	assert.EqualValues(t, 2, serverRows, "expected one server log row per recipient")

	require.NoError(t, store.Reset(ctx))
	var userRows int64
	require.NoError(t, store.db.Model(&UserLogEntry{}).Count(&userRows).Error)
	assert.Zero(t, userRows)
}
