package notification

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func seed(t *testing.T, store *SQLiteStore, userID string, n int) []string {
	t.Helper()
	base := time.Now().UTC().Add(-time.Hour)
	ids := make([]string, 0, n)
	for i := range n {
		id := fmt.Sprintf("%s-n%02d", userID, i)
		require.NoError(t, store.Create(context.Background(), &Notification{
			ID:        id,
			UserID:    userID,
			Type:      TypeJobCompleted,
			Title:     "Extraction finished",
			Message:   "Your content is ready",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
		ids = append(ids, id)
	}
	return ids
}

func TestList_PaginatesNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ids := seed(t, store, "u1", 5)
	seed(t, store, "u2", 2)

	page, err := store.List(ctx, "u1", 1, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, ids[4], page.Items[0].ID)
	assert.Equal(t, ids[3], page.Items[1].ID)
	assert.Equal(t, 5, page.UnreadCount)
	assert.Equal(t, Pagination{Page: 1, Limit: 2, Total: 5, Pages: 3}, page.Pagination)

	page, err = store.List(ctx, "u1", 3, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, ids[0], page.Items[0].ID)
}

func TestList_EmptyFeed(t *testing.T) {
	page, err := newTestStore(t).List(context.Background(), "nobody", 1, 20)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.NotNil(t, page.Items)
	assert.Equal(t, 1, page.Pagination.Pages)
}

func TestMarkRead_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ids := seed(t, store, "u1", 3)

	require.NoError(t, store.MarkRead(ctx, "u1", ids[0]))
	require.NoError(t, store.MarkRead(ctx, "u1", ids[0]))

	page, err := store.List(ctx, "u1", 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 2, page.UnreadCount)
}

func TestMarkRead_OtherUsersNotificationIsNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ids := seed(t, store, "u1", 1)

	assert.ErrorIs(t, store.MarkRead(ctx, "u2", ids[0]), ErrNotFound)
}

func TestMarkAllRead(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, "u1", 4)

	n, err := store.MarkAllRead(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	n, err = store.MarkAllRead(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteAndDeleteAll(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ids := seed(t, store, "u1", 3)

	require.NoError(t, store.Delete(ctx, "u1", ids[1]))
	assert.ErrorIs(t, store.Delete(ctx, "u1", ids[1]), ErrNotFound)

	n, err := store.DeleteAll(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	page, err := store.List(ctx, "u1", 1, 20)
	require.NoError(t, err)
	assert.Zero(t, page.Pagination.Total)
	assert.Zero(t, page.UnreadCount)
}

func TestDeleteBefore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, "u1", 2)

	n, err := store.DeleteBefore(ctx, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.DeleteBefore(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}
