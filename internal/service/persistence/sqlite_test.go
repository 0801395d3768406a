package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteGateway {
	t.Helper()
	g, err := NewSQLiteGateway(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestSQLiteGatewayRoundTrip(t *testing.T) {
	g := newTestSQLite(t)
	ctx := context.Background()
	g.now = func() time.Time { return time.UnixMilli(1700000000000) }

	rec := sampleRecord()
	rec.UserInputs = map[string]any{"lang": "en"}
	res, err := g.Persist(ctx, rec)
	require.NoError(t, err)
	assert.True(t, res.Success)

	got, err := g.Load(ctx, "up-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.FinalAnswer)
	assert.Equal(t, "en", got.UserInputs["lang"])
	assert.Equal(t, int64(1700000000000), got.ArchivedAt.UnixMilli())
}

func TestSQLiteGatewayUpserts(t *testing.T) {
	g := newTestSQLite(t)
	ctx := context.Background()

	rec := sampleRecord()
	_, err := g.Persist(ctx, rec)
	require.NoError(t, err)

	rec.FinalAnswer = "revised"
	_, err = g.Persist(ctx, rec)
	require.NoError(t, err)

	list, err := g.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "revised", list[0].FinalAnswer)
}

func TestSQLiteGatewayListNewestFirst(t *testing.T) {
	g := newTestSQLite(t)
	ctx := context.Background()

	base := time.UnixMilli(1700000000000)
	for i, id := range []string{"first", "second", "third"} {
		at := base.Add(time.Duration(i) * time.Second)
		g.now = func() time.Time { return at }
		rec := sampleRecord()
		rec.ConversationID = id
		_, err := g.Persist(ctx, rec)
		require.NoError(t, err)
	}

	list, err := g.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "third", list[0].ConversationID)
	assert.Equal(t, "second", list[1].ConversationID)
}

func TestSQLiteGatewayListByGuest(t *testing.T) {
	g := newTestSQLite(t)
	ctx := context.Background()

	for _, pair := range [][2]string{{"a1", "guest_a"}, {"b1", "guest_b"}, {"a2", "guest_a"}} {
		rec := sampleRecord()
		rec.ConversationID = pair[0]
		rec.GuestID = pair[1]
		_, err := g.Persist(ctx, rec)
		require.NoError(t, err)
	}

	list, err := g.ListByGuest(ctx, "guest_a", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, rec := range list {
		assert.Equal(t, "guest_a", rec.GuestID)
	}

	list, err = g.ListByGuest(ctx, "guest_c", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSQLiteGatewayNotFound(t *testing.T) {
	g := newTestSQLite(t)
	_, err := g.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteGatewayRejectsAnonymousRecord(t *testing.T) {
	g := newTestSQLite(t)
	rec := sampleRecord()
	rec.ConversationID = ""
	res, err := g.Persist(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestNewSQLiteGatewayRequiresDSN(t *testing.T) {
	_, err := NewSQLiteGateway("  ")
	assert.Error(t, err)
}
