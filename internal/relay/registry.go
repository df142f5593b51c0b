// Package relay is the signaling server: it admits participants into rooms,
// announces presence and routes negotiation messages between members.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-meet/config"
	"github.com/mossy-p/webrtc-meet/internal/metrics"
	"github.com/mossy-p/webrtc-meet/internal/models"
)

// Participant is one admitted connection. ID is scoped to the room; UserID is
// the durable identity it authenticated as.
type Participant struct {
	ID          string
	UserID      string
	DisplayName string
	JoinedAt    time.Time

	send chan []byte
	room *Room

	// guarded by room.mu
	screenSharing bool
}

func (p *Participant) Info() models.ParticipantInfo {
	return models.ParticipantInfo{UserID: p.ID, Username: p.DisplayName}
}

func (p *Participant) Room() *Room { return p.room }

// enqueue never blocks; false means the queue is full.
func (p *Participant) enqueue(data []byte) bool {
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

// Room holds members in join order. Public rooms are listed by the room API;
// private ones are reachable only by id or code.
type Room struct {
	ID        string
	Capacity  int
	Public    bool
	CreatedAt time.Time

	mu      sync.Mutex
	members []*Participant
	closed  bool
}

func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Participants lists members in join order.
func (r *Room) Participants() []models.ParticipantInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.infosLocked(nil)
}

// ScreenSharing reports whether the member with id is presenting.
func (r *Room) ScreenSharing(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.memberLocked(id); p != nil {
		return p.screenSharing
	}
	return false
}

func (r *Room) infosLocked(exclude *Participant) []models.ParticipantInfo {
	out := make([]models.ParticipantInfo, 0, len(r.members))
	for _, m := range r.members {
		if m != exclude {
			out = append(out, m.Info())
		}
	}
	return out
}

func (r *Room) memberLocked(id string) *Participant {
	for _, m := range r.members {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// Deps are the collaborators of a Registry. Only Directory is required.
type Deps struct {
	Directory Directory
	Identity  IdentityResolver
	Presence  Presence
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Registry owns every live room. Lock order is room.mu before Registry.mu.
type Registry struct {
	cfg      config.RelayConfig
	dir      Directory
	identity IdentityResolver
	presence Presence
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu       sync.Mutex
	rooms    map[string]*Room
	conns    map[*conn]struct{}
	draining bool
	wg       sync.WaitGroup
}

func NewRegistry(cfg config.RelayConfig, deps Deps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := deps.Directory
	if dir == nil {
		dir = OpenDirectory{Capacity: cfg.DefaultCapacity}
	}
	return &Registry{
		cfg:      withDefaults(cfg),
		dir:      dir,
		identity: deps.Identity,
		presence: deps.Presence,
		metrics:  deps.Metrics,
		logger:   logger,
		rooms:    make(map[string]*Room),
		conns:    make(map[*conn]struct{}),
	}
}

func withDefaults(cfg config.RelayConfig) config.RelayConfig {
	if cfg.DefaultCapacity <= 0 {
		cfg.DefaultCapacity = 8
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 15 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return cfg
}

// Room returns the live room with id, if any.
func (r *Registry) Room(id string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	return room, ok
}

func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) ParticipantCount() int {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	n := 0
	for _, room := range rooms {
		n += room.Len()
	}
	return n
}

// Join admits p into roomID. On success p has received room-joined and every
// other member has been sent user-joined.
func (r *Registry) Join(ctx context.Context, roomID string, p *Participant) (*Room, error) {
	if p.room != nil {
		return nil, ErrAlreadyJoined
	}
	info, err := r.dir.Lookup(ctx, roomID)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("lookup room %s: %w", roomID, err)
	}
	if info.Capacity <= 0 {
		info.Capacity = r.cfg.DefaultCapacity
	}

	for {
		room, err := r.getOrCreate(info)
		if err != nil {
			return nil, err
		}

		room.mu.Lock()
		if room.closed {
			// lost a race with the last member leaving
			room.mu.Unlock()
			continue
		}
		if len(room.members) >= room.Capacity {
			room.mu.Unlock()
			return nil, ErrRoomFull
		}

		others := room.infosLocked(nil)
		room.members = append(room.members, p)
		p.room = room

		r.send(p, models.New(&models.RoomJoined{
			RoomID:       room.ID,
			UserID:       p.ID,
			Participants: others,
		}))
		announce := models.New(&models.UserJoined{ParticipantInfo: p.Info()})
		announce.From = p.ID
		announce.FromName = p.DisplayName
		r.broadcastLocked(room, p, announce)
		size := len(room.members)
		room.mu.Unlock()

		r.metrics.Inc(metrics.EventJoin)
		r.logger.Info("participant joined",
			zap.String("room_id", room.ID),
			zap.String("participant_id", p.ID),
			zap.String("user_id", p.UserID),
			zap.Int("members", size),
			zap.Int("capacity", room.Capacity),
		)
		if r.presence != nil {
			if err := r.presence.AddPeer(ctx, room.ID, p.ID); err != nil {
				r.logger.Warn("presence add failed", zap.String("room_id", room.ID), zap.Error(err))
			}
		}
		return room, nil
	}
}

// Leave removes p from its room and announces user-left. It reports whether
// p was a member.
func (r *Registry) Leave(ctx context.Context, p *Participant) bool {
	room := p.room
	if room == nil {
		return false
	}

	room.mu.Lock()
	idx := -1
	for i, m := range room.members {
		if m == p {
			idx = i
			break
		}
	}
	if idx < 0 {
		room.mu.Unlock()
		return false
	}
	room.members = append(room.members[:idx], room.members[idx+1:]...)

	left := models.New(&models.UserLeft{ParticipantInfo: p.Info()})
	left.From = p.ID
	left.FromName = p.DisplayName
	r.broadcastLocked(room, p, left)

	empty := len(room.members) == 0
	if empty {
		room.closed = true
		r.mu.Lock()
		if r.rooms[room.ID] == room {
			delete(r.rooms, room.ID)
		}
		r.mu.Unlock()
	}
	room.mu.Unlock()

	r.metrics.Inc(metrics.EventLeave)
	r.logger.Info("participant left",
		zap.String("room_id", room.ID),
		zap.String("participant_id", p.ID),
		zap.Bool("room_released", empty),
	)
	if r.presence != nil {
		if err := r.presence.RemovePeer(ctx, room.ID, p.ID); err != nil {
			r.logger.Warn("presence remove failed", zap.String("room_id", room.ID), zap.Error(err))
		}
	}
	return true
}

// Shutdown stops admitting connections, closes every open one and waits for
// their pumps to finish or ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	conns := make([]*conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	r.logger.Info("draining relay", zap.Int("connections", len(conns)))
	for _, c := range conns {
		c.closeWith(closeGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) getOrCreate(info RoomInfo) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return nil, ErrShuttingDown
	}
	room, ok := r.rooms[info.ID]
	if !ok {
		room = &Room{ID: info.ID, Capacity: info.Capacity, Public: info.Public, CreatedAt: time.Now()}
		r.rooms[info.ID] = room
		r.logger.Debug("room created",
			zap.String("room_id", info.ID),
			zap.Int("capacity", info.Capacity),
			zap.Bool("public", info.Public),
		)
	}
	return room, nil
}

func (r *Registry) track(c *conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	r.conns[c] = struct{}{}
	r.wg.Add(1)
	return true
}

func (r *Registry) untrack(c *conn) {
	r.mu.Lock()
	_, ok := r.conns[c]
	delete(r.conns, c)
	r.mu.Unlock()
	if ok {
		r.wg.Done()
	}
}

// send enqueues env for one participant. Callers that need ordering with
// membership changes hold room.mu.
func (r *Registry) send(to *Participant, env models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("encode envelope", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	r.deliver(to, env.Type, data)
}

// broadcastLocked enqueues env for every member of room except exclude.
func (r *Registry) broadcastLocked(room *Room, exclude *Participant, env models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("encode envelope", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	for _, m := range room.members {
		if m != exclude {
			r.deliver(m, env.Type, data)
		}
	}
}

func (r *Registry) deliver(to *Participant, t models.SignalType, data []byte) {
	if to.enqueue(data) {
		return
	}
	r.metrics.Inc(metrics.EventQueueFull)
	r.logger.Warn("send queue full, dropping message",
		zap.String("participant_id", to.ID),
		zap.String("type", string(t)),
	)
}
