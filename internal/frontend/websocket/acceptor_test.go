package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/game/account"
	"github.com/cory-johannsen/lobby/internal/game/channel"
	"github.com/cory-johannsen/lobby/internal/game/match"
	"github.com/cory-johannsen/lobby/internal/game/session"
	"github.com/cory-johannsen/lobby/internal/game/world"
	"github.com/cory-johannsen/lobby/internal/gameserver"
	"github.com/cory-johannsen/lobby/internal/testutil"
)

type nopService struct{}

func (nopService) Spawn(context.Context, match.SpawnRequest) error       { return nil }
func (nopService) AddUsers(context.Context, match.AddUsersRequest) error { return nil }
func (nopService) SetFinishedCallback(match.FinishedFunc)                {}

type stack struct {
	acc      *Acceptor
	sessions *session.Manager
	world    *world.State
	accounts *account.Registry
}

func startAcceptor(t *testing.T, idle time.Duration) *stack {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.Config{
		World: config.WorldConfig{ChannelName: "room", ChannelSubID: "1", BroadcastPolicy: config.BroadcastPerUpdate},
		Match: config.MatchConfig{DefaultGroup: "default"},
	}
	key := channel.Key{Name: "room", SubID: "1"}
	st := &stack{world: world.NewState(), accounts: account.NewRegistry()}
	channels := channel.NewMulticaster(logger)
	st.sessions = session.NewManager(st.accounts, channels, st.world, key, logger)
	orch := match.NewOrchestrator(nopService{}, st.sessions, nil, logger)
	plugin := gameserver.NewPlugin(cfg, st.sessions, gameserver.NewWorldView(st.world, channels, key), orch, logger)
	disp := gameserver.NewDispatcher(logger)
	require.NoError(t, plugin.RegisterEventHandlers(disp))

	st.acc = NewAcceptor(config.FrontendConfig{
		Host:         "127.0.0.1",
		Port:         0,
		Path:         "/ws",
		WriteTimeout: time.Second,
		IdleTimeout:  idle,
		PingInterval: time.Hour,
		OutboxSize:   16,
	}, st.sessions, disp, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- st.acc.ListenAndServe() }()

	require.Eventually(t, func() bool {
		return st.acc.IsRunning() && st.acc.Addr() != ""
	}, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		st.acc.Stop()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("acceptor did not stop in time")
		}
	})
	return st
}

func (st *stack) url() string {
	return "ws://" + st.acc.Addr() + "/ws"
}

func TestAcceptor_LoginEchoLogout(t *testing.T) {
	st := startAcceptor(t, 5*time.Second)
	c := testutil.NewWSClient(t, st.url())

	require.Eventually(t, func() bool { return st.sessions.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	c.Send("login", map[string]any{"name": "alice"})
	f := c.ReadUntil("login", 2*time.Second)
	assert.Equal(t, "ok", f.Body["result"])
	assert.True(t, st.accounts.IsLoggedIn("alice"))

	c.Send("echo", map[string]any{"message": "hello"})
	f = c.ReadUntil("echo", 2*time.Second)
	assert.Equal(t, "hello", f.Body["message"])

	c.Send("position", map[string]any{"x": 1.5, "y": 2, "z": 0})
	f = c.ReadUntil("player_position", 2*time.Second)
	assert.Equal(t, 1.5, f.Body["x"])

	c.Send("logout", nil)
	assert.NoError(t, c.ExpectClosed(2*time.Second))
	assert.False(t, st.accounts.IsLoggedIn("alice"))
	assert.Eventually(t, func() bool { return st.sessions.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestAcceptor_MalformedFrameKeepsSession(t *testing.T) {
	st := startAcceptor(t, 5*time.Second)
	c := testutil.NewWSClient(t, st.url())

	c.SendRaw([]byte("not json"))
	f := c.ReadUntil("error", 2*time.Second)
	assert.Contains(t, f.Body["error"], "malformed frame")

	c.Send("teleport", nil)
	f = c.ReadUntil("error", 2*time.Second)
	assert.Equal(t, "teleport", f.Body["type"])

	c.Send("echo", map[string]any{"message": "still here"})
	f = c.ReadUntil("echo", 2*time.Second)
	assert.Equal(t, "still here", f.Body["message"])
}

func TestAcceptor_DuplicateLoginRejected(t *testing.T) {
	st := startAcceptor(t, 5*time.Second)
	first := testutil.NewWSClient(t, st.url())
	second := testutil.NewWSClient(t, st.url())

	first.Send("login", map[string]any{"name": "alice"})
	first.ReadUntil("login", 2*time.Second)

	second.Send("login", map[string]any{"name": "alice"})
	f := second.ReadUntil("login", 2*time.Second)
	assert.Equal(t, "rejected", f.Body["result"])
	assert.Equal(t, 1, st.sessions.AuthenticatedCount())
}

func TestAcceptor_PeerDisconnectClosesSession(t *testing.T) {
	st := startAcceptor(t, 5*time.Second)
	c := testutil.NewWSClient(t, st.url())
	c.Send("login", map[string]any{"name": "alice"})
	c.ReadUntil("login", 2*time.Second)

	require.NoError(t, c.Conn().Close())
	assert.Eventually(t, func() bool {
		_, inWorld := st.world.Get("alice")
		return !inWorld && !st.accounts.IsLoggedIn("alice")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAcceptor_IdleTimeout(t *testing.T) {
	st := startAcceptor(t, 100*time.Millisecond)
	c := testutil.NewWSClient(t, st.url())
	c.Send("login", map[string]any{"name": "alice"})
	c.ReadUntil("login", 2*time.Second)

	assert.NoError(t, c.ExpectClosed(2*time.Second))
	assert.False(t, st.accounts.IsLoggedIn("alice"))
}

func TestAcceptor_StopClosesSessions(t *testing.T) {
	st := startAcceptor(t, 5*time.Second)
	c := testutil.NewWSClient(t, st.url())
	c.Send("login", map[string]any{"name": "alice"})
	c.ReadUntil("login", 2*time.Second)

	st.acc.Stop()
	assert.False(t, st.acc.IsRunning())
	assert.Equal(t, 0, st.sessions.Count())
	assert.NoError(t, c.ExpectClosed(2*time.Second))
}

func TestAcceptor_RefusesUpgradesAfterStop(t *testing.T) {
	st := startAcceptor(t, 5*time.Second)
	st.acc.Stop()

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	w := httptest.NewRecorder()
	st.acc.serveWS(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, 0, st.sessions.Count())
	// a second Stop is a no-op
	assert.NotPanics(t, st.acc.Stop)
}

func TestAcceptor_SessionOpenedDuringStopIsClosed(t *testing.T) {
	st := startAcceptor(t, 5*time.Second)
	c := testutil.NewWSClient(t, st.url())
	c.Send("login", map[string]any{"name": "alice"})
	c.ReadUntil("login", 2*time.Second)
	sess := st.sessions.FindByAccount("alice")
	require.NotNil(t, sess)

	assert.False(t, st.acc.closeIfStopping(sess.ID()))

	st.acc.mu.Lock()
	st.acc.stopping = true
	st.acc.mu.Unlock()
	assert.True(t, st.acc.closeIfStopping(sess.ID()))
	assert.NoError(t, c.ExpectClosed(2*time.Second))
	assert.False(t, st.accounts.IsLoggedIn("alice"))

	st.acc.mu.Lock()
	st.acc.stopping = false
	st.acc.mu.Unlock()
}

func TestFrame_RoundTrip(t *testing.T) {
	data, err := EncodeFrame("echo", nil)
	require.NoError(t, err)
	msg, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, "echo", msg.Type)
	assert.NotNil(t, msg.Body)
}

func TestFrame_DecodeErrors(t *testing.T) {
	for _, raw := range []string{
		`garbage`,
		`{"body": {}}`,
		`{"type": 3}`,
		`{"type": ""}`,
		`{"type": "echo", "body": [1, 2]}`,
	} {
		_, err := DecodeFrame([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedFrame, raw)
	}
}

var _ session.Conn = (*Conn)(nil)
