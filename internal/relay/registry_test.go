package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mossy-p/webrtc-meet/config"
	"github.com/mossy-p/webrtc-meet/internal/metrics"
	"github.com/mossy-p/webrtc-meet/internal/models"
)

func newParticipant(id string, queue int) *Participant {
	return &Participant{ID: id, UserID: "u-" + id, DisplayName: id, send: make(chan []byte, queue)}
}

// drain decodes everything queued for p without blocking.
func drain(t *testing.T, p *Participant) []models.Envelope {
	t.Helper()
	var out []models.Envelope
	for {
		select {
		case data := <-p.send:
			env, err := models.Decode(data)
			require.NoError(t, err)
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestRegistry_ConcurrentJoinsRespectCapacity(t *testing.T) {
	const (
		capacity = 5
		joiners  = 20
	)
	for iter := 0; iter < 50; iter++ {
		reg := NewRegistry(config.RelayConfig{}, Deps{
			Directory: OpenDirectory{Capacity: capacity},
			Logger:    zaptest.NewLogger(t),
		})
		ctx := context.Background()

		ps := make([]*Participant, joiners)
		for i := range ps {
			ps[i] = newParticipant(fmt.Sprintf("p%02d", i), 64)
		}

		var (
			wg       sync.WaitGroup
			start    = make(chan struct{})
			mu       sync.Mutex
			admitted []*Participant
			failures []error
		)
		for _, p := range ps {
			wg.Add(1)
			go func(p *Participant) {
				defer wg.Done()
				<-start
				_, err := reg.Join(ctx, "r1", p)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					admitted = append(admitted, p)
				case !errors.Is(err, ErrRoomFull):
					failures = append(failures, err)
				}
			}(p)
		}
		close(start)
		wg.Wait()

		require.Empty(t, failures)
		require.Len(t, admitted, capacity)
		room, ok := reg.Room("r1")
		require.True(t, ok)
		require.Equal(t, capacity, room.Len())

		// admission order is the room's member order
		order := room.Participants()
		for _, p := range ps {
			msgs := drain(t, p)
			if p.room == nil {
				require.Empty(t, msgs, "rejected %s was sent something", p.ID)
				continue
			}
			require.NotEmpty(t, msgs)
			require.Equal(t, models.SignalTypeRoomJoined, msgs[0].Type)
			earlier := len(msgs[0].Payload.(*models.RoomJoined).Participants)
			require.Equal(t, p.ID, order[earlier].UserID)

			joinedAfter := 0
			for _, env := range msgs[1:] {
				require.Equal(t, models.SignalTypeUserJoined, env.Type)
				joinedAfter++
			}
			require.Equal(t, capacity-1-earlier, joinedAfter, "iteration %d, %s", iter, p.ID)
		}

		left := make([]bool, len(admitted))
		for i, p := range admitted {
			wg.Add(1)
			go func(i int, p *Participant) {
				defer wg.Done()
				left[i] = reg.Leave(ctx, p)
			}(i, p)
		}
		wg.Wait()
		require.NotContains(t, left, false)
		require.Zero(t, reg.RoomCount())
		_, ok = reg.Room("r1")
		require.False(t, ok)
	}
}

func TestRegistry_RejoinAfterRoomReleased(t *testing.T) {
	reg := NewRegistry(config.RelayConfig{}, Deps{Directory: OpenDirectory{Capacity: 2}, Logger: zaptest.NewLogger(t)})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		a := newParticipant("a", 8)
		b := newParticipant("b", 8)
		_, err := reg.Join(ctx, "r1", a)
		require.NoError(t, err)

		var (
			wg      sync.WaitGroup
			joinErr error
		)
		wg.Add(2)
		go func() { defer wg.Done(); reg.Leave(ctx, a) }()
		go func() {
			defer wg.Done()
			_, joinErr = reg.Join(ctx, "r1", b)
		}()
		wg.Wait()
		require.NoError(t, joinErr)

		room, ok := reg.Room("r1")
		require.True(t, ok, "b joined a released room")
		require.Equal(t, []models.ParticipantInfo{b.Info()}, room.Participants())
		require.True(t, reg.Leave(ctx, b))
	}
}

func TestRegistry_FullQueueDoesNotBlockOthers(t *testing.T) {
	m := metrics.New()
	reg := NewRegistry(config.RelayConfig{}, Deps{
		Directory: OpenDirectory{Capacity: 3},
		Metrics:   m,
		Logger:    zaptest.NewLogger(t),
	})
	ctx := context.Background()

	stuck := newParticipant("stuck", 1)
	ok := newParticipant("ok", 8)
	_, err := reg.Join(ctx, "r1", stuck) // fills its only slot with room-joined
	require.NoError(t, err)
	_, err = reg.Join(ctx, "r1", ok)
	require.NoError(t, err)

	late := newParticipant("late", 8)
	_, err = reg.Join(ctx, "r1", late)
	require.NoError(t, err)

	okMsgs := drain(t, ok)
	require.Len(t, okMsgs, 2)
	require.Equal(t, models.SignalTypeUserJoined, okMsgs[1].Type)
	require.Equal(t, "late", okMsgs[1].Payload.(*models.UserJoined).UserID)

	stuckMsgs := drain(t, stuck)
	require.Len(t, stuckMsgs, 1)
	require.Equal(t, models.SignalTypeRoomJoined, stuckMsgs[0].Type)
	require.Equal(t, uint64(2), m.Get(metrics.EventQueueFull))
}

func TestRegistry_RoomCarriesVisibility(t *testing.T) {
	dir := visibilityDirectory{"open": true, "hidden": false}
	reg := NewRegistry(config.RelayConfig{}, Deps{Directory: dir, Logger: zaptest.NewLogger(t)})
	ctx := context.Background()

	for id, public := range dir {
		p := newParticipant("p-"+id, 4)
		room, err := reg.Join(ctx, id, p)
		require.NoError(t, err)
		require.Equal(t, public, room.Public)
	}
}

type visibilityDirectory map[string]bool

func (d visibilityDirectory) Lookup(_ context.Context, id string) (RoomInfo, error) {
	public, ok := d[id]
	if !ok {
		return RoomInfo{}, ErrRoomNotFound
	}
	return RoomInfo{ID: id, Capacity: 4, Public: public}, nil
}
