package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))
	return s
}

func insert(t *testing.T, s *Store, id, status string, at time.Time, rcpts ...Recipient) {
	t.Helper()
	run := Run{
		ID:        id,
		TxID:      "tx-" + id,
		Username:  "App1",
		From:      "app@app.local",
		Subject:   "subject " + id,
		Status:    status,
		RawSize:   42,
		Duration:  1500 * time.Millisecond,
		CreatedAt: at,
	}
	if status == StatusFailed {
		run.FailedStep = "reroute"
		run.Error = "no route found and no default route specified"
	}
	require.NoError(t, s.InsertRun(context.Background(), run, rcpts))
}

func TestInsertAndGetRun(t *testing.T) {
	s := openTestStore(t)
	at := time.UnixMilli(1_700_000_000_123)
	insert(t, s, "r1", StatusOK, at,
		Recipient{Email: "ext@other.com", Kind: KindOriginal},
		Recipient{Email: "keep@test.com", Kind: KindOriginal},
		Recipient{Email: "keep@test.com", Kind: KindFinal},
		Recipient{Email: "app1@test.com", Kind: KindFinal},
	)

	run, rcpts, err := s.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "tx-r1", run.TxID)
	assert.Equal(t, StatusOK, run.Status)
	assert.Equal(t, int64(42), run.RawSize)
	assert.Equal(t, 1500*time.Millisecond, run.Duration)
	assert.True(t, at.Equal(run.CreatedAt))
	assert.Equal(t, []Recipient{
		{Email: "ext@other.com", Kind: KindOriginal},
		{Email: "keep@test.com", Kind: KindOriginal},
		{Email: "keep@test.com", Kind: KindFinal},
		{Email: "app1@test.com", Kind: KindFinal},
	}, rcpts)
}

func TestGetRunNotFound(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestListRuns(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().Add(-time.Hour)
	insert(t, s, "r1", StatusOK, base, Recipient{Email: "a@test.com", Kind: KindFinal})
	insert(t, s, "r2", StatusFailed, base.Add(time.Minute), Recipient{Email: "b@test.com", Kind: KindOriginal})
	insert(t, s, "r3", StatusOK, base.Add(2*time.Minute), Recipient{Email: "a@test.com", Kind: KindOriginal}, Recipient{Email: "c@test.com", Kind: KindFinal})

	ctx := context.Background()
	runs, total, err := s.ListRuns(ctx, Filter{}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int32(3), total)
	require.Len(t, runs, 3)
	assert.Equal(t, "r3", runs[0].ID, "newest first")
	assert.Equal(t, map[string][]string{KindOriginal: {"a@test.com"}, KindFinal: {"c@test.com"}}, runs[0].RecipientGroups)

	runs, total, err = s.ListRuns(ctx, Filter{Sort: "oldest"}, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(3), total)
	require.Len(t, runs, 1)
	assert.Equal(t, "r2", runs[0].ID)

	runs, total, err = s.ListRuns(ctx, Filter{Email: "a@test.com"}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int32(2), total)
	assert.Len(t, runs, 2)

	runs, total, err = s.ListRuns(ctx, Filter{Status: StatusFailed}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int32(1), total)
	require.Len(t, runs, 1)
	assert.Equal(t, "r2", runs[0].ID)

	runs, _, err = s.ListRuns(ctx, Filter{Search: "c@test"}, 0, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r3", runs[0].ID)

	runs, total, err = s.ListRuns(ctx, Filter{Email: "nobody@test.com"}, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, runs)
}

func TestDeleteAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	insert(t, s, "old", StatusOK, now.Add(-48*time.Hour), Recipient{Email: "a@test.com", Kind: KindFinal})
	insert(t, s, "new", StatusOK, now, Recipient{Email: "a@test.com", Kind: KindFinal})
	insert(t, s, "gone", StatusOK, now)

	deleted, err := s.DeleteRun(ctx, "gone")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.DeleteRun(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, deleted)

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	runs, total, err := s.ListRuns(ctx, Filter{Email: "a@test.com"}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int32(1), total)
	assert.Equal(t, "new", runs[0].ID)
}
