package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/relay/internal/relay"
	"github.com/cory-johannsen/relay/internal/storage/postgres"
	"github.com/cory-johannsen/relay/internal/testutil"
)

func setupChatRepo(t *testing.T) (*postgres.ChatRepository, *testutil.PostgresContainer) {
	t.Helper()
	pc := testutil.NewPostgresContainer(t)
	pc.ApplyMigrations(t)
	return postgres.NewChatRepository(pc.Pool.DB()), pc
}

func TestChatRepository_InsertAndRecent(t *testing.T) {
	repo, pc := setupChatRepo(t)
	ctx := context.Background()
	require.NoError(t, pc.Pool.Check(ctx))

	base := time.UnixMilli(1_700_000_000_000)
	for i, msg := range []string{"first", "second", "third"} {
		require.NoError(t, repo.InsertChat(ctx, relay.ChatRecord{
			RoomID:       "town",
			ConnectionID: "c1",
			UserID:       "u1",
			Username:     "Alice",
			Message:      msg,
			Position:     relay.Vec3{X: float64(i), Y: 1, Z: 2},
			At:           base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, repo.InsertChat(ctx, relay.ChatRecord{
		RoomID: "cave", ConnectionID: "c2", Username: "Bob", Message: "elsewhere", At: base,
	}))

	got, err := repo.Recent(ctx, "town", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "third", got[0].Message)
	assert.Equal(t, "second", got[1].Message)
	assert.Equal(t, "Alice", got[0].Username)
	assert.Equal(t, "u1", got[0].UserID)
	assert.Equal(t, relay.Vec3{X: 2, Y: 1, Z: 2}, got[0].Position)
	assert.Equal(t, base.Add(2*time.Second).UnixMilli(), got[0].Timestamp)
	assert.False(t, got[0].CreatedAt.IsZero())
}

func TestChatRepository_RecentEmptyRoom(t *testing.T) {
	repo, _ := setupChatRepo(t)

	got, err := repo.Recent(context.Background(), "nowhere", 10)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestChatRepository_RecentInvalidLimit(t *testing.T) {
	repo, _ := setupChatRepo(t)

	_, err := repo.Recent(context.Background(), "town", 0)
	assert.ErrorIs(t, err, postgres.ErrInvalidLimit)
}

// Property: Recent never returns more than limit rows and every row belongs to the room.
func TestPropertyRecentBounded(t *testing.T) {
	repo, _ := setupChatRepo(t)
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		room := fmt.Sprintf("room_%d", time.Now().UnixNano())
		n := rapid.IntRange(0, 8).Draw(rt, "n")
		for i := 0; i < n; i++ {
			if err := repo.InsertChat(ctx, relay.ChatRecord{
				RoomID: room, ConnectionID: "c", Username: "u", Message: "m", At: time.UnixMilli(int64(i)),
			}); err != nil {
				rt.Fatalf("insert: %v", err)
			}
		}
		limit := rapid.IntRange(1, 10).Draw(rt, "limit")
		got, err := repo.Recent(ctx, room, limit)
		if err != nil {
			rt.Fatalf("recent: %v", err)
		}
		want := min(n, limit)
		if len(got) != want {
			rt.Fatalf("got %d rows, want %d", len(got), want)
		}
		for _, e := range got {
			if e.RoomID != room {
				rt.Fatalf("row from room %s", e.RoomID)
			}
		}
	})
}
