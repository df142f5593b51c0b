package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/webrtc-meet/internal/models"
	"github.com/mossy-p/webrtc-meet/internal/relay"
)

// CodeLength is the length of a human-typable join code.
const CodeLength = 6

// CreateRoom stores room metadata by id and the code-to-id mapping.
func (s *Store) CreateRoom(ctx context.Context, room models.RoomMetadata) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encode room: %w", err)
	}
	ok, err := s.client.SetNX(ctx, codeKey(room.Code), room.ID, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("store room code: %w", err)
	}
	if !ok {
		return ErrCodeTaken
	}
	if err := s.client.Set(ctx, roomKey(room.ID), data, s.ttl).Err(); err != nil {
		s.client.Del(ctx, codeKey(room.Code))
		return fmt.Errorf("store room: %w", err)
	}
	if room.IsPublic {
		if err := s.client.SAdd(ctx, publicRoomsKey, room.ID).Err(); err != nil {
			return fmt.Errorf("list room: %w", err)
		}
	}
	return nil
}

var ErrCodeTaken = errors.New("room code already in use")

// ResolveRoomID maps a join code to its room id. Anything that is not
// code-shaped is returned unchanged.
func (s *Store) ResolveRoomID(ctx context.Context, identifier string) (string, error) {
	if len(identifier) != CodeLength {
		return identifier, nil
	}
	id, err := s.client.Get(ctx, codeKey(identifier)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", relay.ErrRoomNotFound, identifier)
	}
	if err != nil {
		return "", fmt.Errorf("resolve room code: %w", err)
	}
	return id, nil
}

// GetRoom loads metadata by id or code, with the live participant count.
func (s *Store) GetRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	id, err := s.ResolveRoomID(ctx, identifier)
	if err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, roomKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", relay.ErrRoomNotFound, identifier)
	}
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}

	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, fmt.Errorf("failed to parse room data: %w", err)
	}

	count, err := s.client.SCard(ctx, peersKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("count participants: %w", err)
	}
	room.ParticipantCount = int(count)
	return &room, nil
}

// DeleteRoom removes the room, its code and its presence set.
func (s *Store) DeleteRoom(ctx context.Context, room *models.RoomMetadata) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, roomKey(room.ID), codeKey(room.Code), peersKey(room.ID))
	pipe.SRem(ctx, publicRoomsKey, room.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

// ListPublicRooms returns every public room that still exists. Ids whose
// metadata has expired are dropped from the set.
func (s *Store) ListPublicRooms(ctx context.Context) ([]models.RoomMetadata, error) {
	ids, err := s.client.SMembers(ctx, publicRoomsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list public rooms: %w", err)
	}
	rooms := make([]models.RoomMetadata, 0, len(ids))
	for _, id := range ids {
		room, err := s.GetRoom(ctx, id)
		if errors.Is(err, relay.ErrRoomNotFound) {
			s.client.SRem(ctx, publicRoomsKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreatedAt.Before(rooms[j].CreatedAt) })
	return rooms, nil
}

// Lookup implements relay.Directory over rooms created through the REST API.
func (s *Store) Lookup(ctx context.Context, roomID string) (relay.RoomInfo, error) {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return relay.RoomInfo{}, err
	}
	capacity := room.MaxParticipants
	if capacity <= 0 {
		capacity = s.defaultCapacity
	}
	return relay.RoomInfo{ID: room.ID, Capacity: capacity, Public: room.IsPublic}, nil
}

// AddPeer implements relay.Presence.
func (s *Store) AddPeer(ctx context.Context, roomID, participantID string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, peersKey(roomID), participantID)
	pipe.Expire(ctx, peersKey(roomID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) RemovePeer(ctx context.Context, roomID, participantID string) error {
	return s.client.SRem(ctx, peersKey(roomID), participantID).Err()
}

// Peers lists the participant ids mirrored for a room.
func (s *Store) Peers(ctx context.Context, roomID string) ([]string, error) {
	return s.client.SMembers(ctx, peersKey(roomID)).Result()
}

// DisplayName implements relay.IdentityResolver. A user with no stored name
// yields "".
func (s *Store) DisplayName(ctx context.Context, userID string) (string, error) {
	name, err := s.client.HGet(ctx, userKey(userID), "displayName").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return name, err
}

func (s *Store) SetDisplayName(ctx context.Context, userID, name string) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, userKey(userID), "displayName", name)
	pipe.Expire(ctx, userKey(userID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

var (
	_ relay.Directory        = (*Store)(nil)
	_ relay.Presence         = (*Store)(nil)
	_ relay.IdentityResolver = (*Store)(nil)
)
