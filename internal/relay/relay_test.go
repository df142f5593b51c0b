package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mossy-p/webrtc-meet/config"
	"github.com/mossy-p/webrtc-meet/internal/metrics"
	"github.com/mossy-p/webrtc-meet/internal/models"
)

type testRelay struct {
	reg     *Registry
	metrics *metrics.Metrics
	url     string
}

func newTestRelay(t *testing.T, cfg config.RelayConfig, dir Directory) *testRelay {
	t.Helper()
	m := metrics.New()
	reg := NewRegistry(cfg, Deps{Directory: dir, Metrics: m, Logger: zaptest.NewLogger(t)})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Serve(ws, AnonymousIdentity(), r.URL.Query().Get("room"))
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
		srv.Close()
	})
	return &testRelay{reg: reg, metrics: m, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func (tr *testRelay) dial(t *testing.T, query string) *testClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(tr.url+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &testClient{t: t, ws: ws}
}

func (c *testClient) send(p models.Payload) {
	c.t.Helper()
	data, err := json.Marshal(models.New(p))
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, data))
}

func (c *testClient) next() models.Envelope {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	env, err := models.Decode(data)
	require.NoError(c.t, err)
	return env
}

// closeCode reads until the relay closes the socket.
func (c *testClient) closeCode() int {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code
			}
			return -1
		}
	}
}

func webrtcCandidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func (c *testClient) join(room, name string) *models.RoomJoined {
	c.t.Helper()
	c.send(&models.Join{RoomID: room, DisplayName: name})
	env := c.next()
	require.Equal(c.t, models.SignalTypeRoomJoined, env.Type)
	return env.Payload.(*models.RoomJoined)
}

func (c *testClient) expectUserJoined(id string) {
	c.t.Helper()
	env := c.next()
	require.Equal(c.t, models.SignalTypeUserJoined, env.Type)
	require.Equal(c.t, id, env.Payload.(*models.UserJoined).UserID)
}

func TestRelay_JoinAnnouncesToEarlierMembers(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, OpenDirectory{Capacity: 4})
	a, b, c := tr.dial(t, ""), tr.dial(t, ""), tr.dial(t, "")

	ja := a.join("r1", "Ann")
	require.Empty(t, ja.Participants)

	jb := b.join("r1", "Ben")
	require.Equal(t, []models.ParticipantInfo{{UserID: ja.UserID, Username: "Ann"}}, jb.Participants)
	a.expectUserJoined(jb.UserID)

	jc := c.join("r1", "Cat")
	require.Equal(t, []models.ParticipantInfo{
		{UserID: ja.UserID, Username: "Ann"},
		{UserID: jb.UserID, Username: "Ben"},
	}, jc.Participants)
	a.expectUserJoined(jc.UserID)
	b.expectUserJoined(jc.UserID)

	room, ok := tr.reg.Room("r1")
	require.True(t, ok)
	require.Equal(t, 3, room.Len())
	require.Equal(t, uint64(3), tr.metrics.Get(metrics.EventJoin))
}

func TestRelay_RoomFullRejectsWithoutAnnouncing(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, OpenDirectory{Capacity: 2})
	a, b, c := tr.dial(t, ""), tr.dial(t, ""), tr.dial(t, "")

	a.join("r1", "Ann")
	jb := b.join("r1", "Ben")
	a.expectUserJoined(jb.UserID)

	c.send(&models.Join{RoomID: "r1", DisplayName: "Cat"})
	env := c.next()
	require.Equal(t, models.SignalTypeError, env.Type)
	require.Equal(t, models.ErrorCodeRoomFull, env.Payload.(*models.Error).Code)
	require.Equal(t, websocket.ClosePolicyViolation, c.closeCode())

	// the next thing Ann sees is Ben's chat, not a user-joined for Cat
	b.send(&models.ChatMessage{Text: "hi"})
	require.Equal(t, models.SignalTypeChatMessage, a.next().Type)

	room, _ := tr.reg.Room("r1")
	require.Equal(t, 2, room.Len())
}

func TestRelay_RoutesToTargetWithStampedSender(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	a, b := tr.dial(t, ""), tr.dial(t, "")
	ja := a.join("r1", "Ann")
	jb := b.join("r1", "Ben")
	a.expectUserJoined(jb.UserID)

	a.send(&models.Offer{SDP: "v=0", TargetUserID: jb.UserID})
	env := b.next()
	require.Equal(t, models.SignalTypeOffer, env.Type)
	require.Equal(t, ja.UserID, env.From)
	require.Equal(t, "Ann", env.FromName)
	require.Equal(t, "v=0", env.Payload.(*models.Offer).SDP)

	b.send(&models.ICECandidate{
		Candidate:    webrtcCandidate("candidate:1"),
		TargetUserID: ja.UserID,
	})
	env = a.next()
	require.Equal(t, models.SignalTypeCandidate, env.Type)
	require.Equal(t, jb.UserID, env.From)
}

func TestRelay_RoutingMissIsDroppedAndCounted(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	a, b := tr.dial(t, ""), tr.dial(t, "")
	a.join("r1", "Ann")
	jb := b.join("r1", "Ben")
	a.expectUserJoined(jb.UserID)

	a.send(&models.Answer{SDP: "v=0", TargetUserID: "nobody"})
	require.Eventually(t, func() bool {
		return tr.metrics.Get(metrics.EventRoutingMiss) == 1
	}, 2*time.Second, 10*time.Millisecond)

	a.send(&models.Typing{IsTyping: true})
	env := b.next()
	require.Equal(t, models.SignalTypeTyping, env.Type)
	require.Equal(t, "Ann", env.Payload.(*models.Typing).Username)
}

func TestRelay_OverwritesIdentityFields(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	a, b := tr.dial(t, ""), tr.dial(t, "")
	ja := a.join("r1", "Ann")
	jb := b.join("r1", "Ben")
	a.expectUserJoined(jb.UserID)

	a.send(&models.ChatMessage{Text: "hello", FromUserID: jb.UserID, FromUsername: "Ben", Timestamp: 1})
	chat := b.next().Payload.(*models.ChatMessage)
	require.Equal(t, ja.UserID, chat.FromUserID)
	require.Equal(t, "Ann", chat.FromUsername)
	require.NotEmpty(t, chat.MessageID)
	require.Greater(t, chat.Timestamp, int64(1))

	a.send(&models.ScreenShareStarted{})
	env := b.next()
	require.Equal(t, models.SignalTypeScreenShareStarted, env.Type)
	require.Equal(t, models.ParticipantInfo{UserID: ja.UserID, Username: "Ann"}, env.Payload.(*models.ScreenShareStarted).ParticipantInfo)

	room, _ := tr.reg.Room("r1")
	require.True(t, room.ScreenSharing(ja.UserID))

	a.send(&models.ScreenShareStopped{})
	require.Equal(t, models.SignalTypeScreenShareStopped, b.next().Type)
	require.False(t, room.ScreenSharing(ja.UserID))
}

func TestRelay_LeaveAnnouncesAndReleasesRoom(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	a, b := tr.dial(t, ""), tr.dial(t, "")
	ja := a.join("r1", "Ann")
	jb := b.join("r1", "Ben")
	a.expectUserJoined(jb.UserID)

	a.send(&models.Leave{})
	env := b.next()
	require.Equal(t, models.SignalTypeUserLeft, env.Type)
	require.Equal(t, ja.UserID, env.Payload.(*models.UserLeft).UserID)

	b.ws.Close()
	require.Eventually(t, func() bool {
		return tr.reg.RoomCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, tr.reg.ParticipantCount())
}

func TestRelay_RequiresJoinFirst(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	a := tr.dial(t, "")

	a.send(&models.ChatMessage{Text: "early"})
	env := a.next()
	require.Equal(t, models.ErrorCodeJoinRequired, env.Payload.(*models.Error).Code)

	// still usable afterwards
	a.join("r1", "Ann")
}

func TestRelay_SecondJoinRejected(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	a := tr.dial(t, "")
	a.join("r1", "Ann")

	a.send(&models.Join{RoomID: "r2"})
	env := a.next()
	require.Equal(t, models.ErrorCodeAlreadyJoined, env.Payload.(*models.Error).Code)
	require.Equal(t, websocket.ClosePolicyViolation, a.closeCode())
}

func TestRelay_BoundRoomMismatch(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	a := tr.dial(t, "?room=r1")

	a.send(&models.Join{RoomID: "r2"})
	env := a.next()
	require.Equal(t, models.ErrorCodeRoomMismatch, env.Payload.(*models.Error).Code)
	require.Equal(t, websocket.ClosePolicyViolation, a.closeCode())

	b := tr.dial(t, "?room=r1")
	b.join("r1", "Ben")
}

func TestRelay_UnknownRoom(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, staticDirectory{"known": 2})
	a := tr.dial(t, "")

	a.send(&models.Join{RoomID: "missing"})
	env := a.next()
	require.Equal(t, models.ErrorCodeRoomNotFound, env.Payload.(*models.Error).Code)
}

func TestRelay_JoinTimeoutCloses(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{JoinTimeout: 50 * time.Millisecond}, nil)
	a := tr.dial(t, "")

	require.NotEqual(t, 0, a.closeCode())
	require.Eventually(t, func() bool {
		tr.reg.mu.Lock()
		defer tr.reg.mu.Unlock()
		return len(tr.reg.conns) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_RateLimitCloses(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{MaxMessagesPerSecond: 3}, nil)
	a := tr.dial(t, "")
	a.join("r1", "Ann")

	// join spent one of three tokens; the third message after it overflows
	for i := 0; i < 3; i++ {
		require.NoError(t, a.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"typing","payload":{}}`)))
	}
	require.Equal(t, websocket.ClosePolicyViolation, a.closeCode())
	require.Eventually(t, func() bool {
		return tr.metrics.Get(metrics.EventRateLimited) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_ShutdownClosesConnections(t *testing.T) {
	tr := newTestRelay(t, config.RelayConfig{}, nil)
	a := tr.dial(t, "")
	a.join("r1", "Ann")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.reg.Shutdown(ctx))
	require.Equal(t, websocket.CloseGoingAway, a.closeCode())
	require.Zero(t, tr.reg.RoomCount())

	late, _, err := websocket.DefaultDialer.Dial(tr.url, nil)
	require.NoError(t, err)
	defer late.Close()
	late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = late.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	now := time.Now()
	rl := newRateLimiter(2)
	require.True(t, rl.AllowN(now, 1))
	require.True(t, rl.AllowN(now, 1))
	require.False(t, rl.AllowN(now, 1))
	require.True(t, rl.AllowN(now.Add(500*time.Millisecond), 1))

	unlimited := newRateLimiter(0)
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.AllowN(now, 1))
	}
}

type staticDirectory map[string]int

func (d staticDirectory) Lookup(_ context.Context, id string) (RoomInfo, error) {
	capacity, ok := d[id]
	if !ok {
		return RoomInfo{}, ErrRoomNotFound
	}
	return RoomInfo{ID: id, Capacity: capacity}, nil
}
