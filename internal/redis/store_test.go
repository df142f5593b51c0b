package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/webrtc-meet/internal/models"
	"github.com/mossy-p/webrtc-meet/internal/relay"
)

// testStore needs a live server at REDIS_TEST_ADDR.
func testStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())
	s := NewStore(client, 8)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRoom() models.RoomMetadata {
	return models.RoomMetadata{
		ID:              uuid.NewString(),
		Code:            uuid.NewString()[:CodeLength],
		CreatorID:       "alice",
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
		MaxParticipants: 4,
	}
}

func TestStore_RoomLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	room := newRoom()

	require.NoError(t, s.CreateRoom(ctx, room))
	require.ErrorIs(t, s.CreateRoom(ctx, room), ErrCodeTaken)

	byCode, err := s.GetRoom(ctx, room.Code)
	require.NoError(t, err)
	require.Equal(t, room.ID, byCode.ID)
	require.Zero(t, byCode.ParticipantCount)

	info, err := s.Lookup(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, relay.RoomInfo{ID: room.ID, Capacity: 4}, info)

	require.NoError(t, s.AddPeer(ctx, room.ID, "p1"))
	require.NoError(t, s.AddPeer(ctx, room.ID, "p2"))
	require.NoError(t, s.RemovePeer(ctx, room.ID, "p1"))
	peers, err := s.Peers(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"p2"}, peers)

	got, err := s.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.ParticipantCount)

	require.NoError(t, s.DeleteRoom(ctx, got))
	_, err = s.Lookup(ctx, room.ID)
	require.ErrorIs(t, err, relay.ErrRoomNotFound)
	_, err = s.GetRoom(ctx, room.Code)
	require.ErrorIs(t, err, relay.ErrRoomNotFound)
}

func TestStore_DisplayName(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	user := "user-" + uuid.NewString()

	name, err := s.DisplayName(ctx, user)
	require.NoError(t, err)
	require.Empty(t, name)

	require.NoError(t, s.SetDisplayName(ctx, user, "Alice"))
	name, err = s.DisplayName(ctx, user)
	require.NoError(t, err)
	require.Equal(t, "Alice", name)
}

func TestKeys(t *testing.T) {
	require.Equal(t, "room:abc", roomKey("abc"))
	require.Equal(t, "code:XYZ234", codeKey("XYZ234"))
	require.Equal(t, "room:abc:peers", peersKey("abc"))
	require.Equal(t, "user:u1", userKey("u1"))
}

func TestStore_ListPublicRooms(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	public := newRoom()
	public.IsPublic = true
	private := newRoom()
	require.NoError(t, s.CreateRoom(ctx, public))
	require.NoError(t, s.CreateRoom(ctx, private))

	info, err := s.Lookup(ctx, public.ID)
	require.NoError(t, err)
	require.True(t, info.Public)

	ids := func() []string {
		rooms, err := s.ListPublicRooms(ctx)
		require.NoError(t, err)
		var out []string
		for _, r := range rooms {
			out = append(out, r.ID)
		}
		return out
	}
	require.Contains(t, ids(), public.ID)
	require.NotContains(t, ids(), private.ID)

	// expired metadata is pruned from the listing
	require.NoError(t, s.client.Del(ctx, roomKey(public.ID)).Err())
	require.NotContains(t, ids(), public.ID)
	member, err := s.client.SIsMember(ctx, publicRoomsKey, public.ID).Result()
	require.NoError(t, err)
	require.False(t, member)

	require.NoError(t, s.DeleteRoom(ctx, &private))
}
