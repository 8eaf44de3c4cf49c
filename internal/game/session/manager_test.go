package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/lobby/internal/game/account"
	"github.com/cory-johannsen/lobby/internal/game/channel"
	"github.com/cory-johannsen/lobby/internal/game/world"
)

type sent struct {
	msgType string
	body    *structpb.Struct
}

type fakeConn struct {
	mu     sync.Mutex
	msgs   []sent
	closed atomic.Int32
}

func (c *fakeConn) SendMessage(msgType string, body *structpb.Struct) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, sent{msgType, body})
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Add(1)
	return nil
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m.msgType)
	}
	return out
}

type fakeStore struct {
	mu        sync.Mutex
	positions map[string]world.Position
	loadErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{positions: make(map[string]world.Position)}
}

func (f *fakeStore) LoadPosition(_ context.Context, name string) (world.Position, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return world.Position{}, false, f.loadErr
	}
	p, ok := f.positions[name]
	return p, ok, nil
}

func (f *fakeStore) SavePosition(_ context.Context, name string, pos world.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[name] = pos
	return nil
}

var worldKey = channel.Key{Name: "room", SubID: "1"}

type fixture struct {
	accounts *account.Registry
	channels *channel.Multicaster
	world    *world.State
	mgr      *Manager
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		accounts: account.NewRegistry(),
		channels: channel.NewMulticaster(zap.NewNop()),
		world:    world.NewState(),
	}
	f.mgr = NewManager(f.accounts, f.channels, f.world, worldKey, zap.NewNop(), opts...)
	return f
}

func TestManager_OnOpen(t *testing.T) {
	f := newFixture()
	s, err := f.mgr.OnOpen("s1", &fakeConn{})
	require.NoError(t, err)
	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, "", s.Account())
	assert.Equal(t, 1, f.mgr.Count())

	_, err = f.mgr.OnOpen("s1", &fakeConn{})
	assert.ErrorIs(t, err, ErrDuplicateSession)

	_, err = f.mgr.OnOpen("", &fakeConn{})
	assert.Error(t, err)
}

func TestManager_AuthenticateJoinsWorld(t *testing.T) {
	f := newFixture()
	s, err := f.mgr.OnOpen("s1", &fakeConn{})
	require.NoError(t, err)

	require.NoError(t, f.mgr.OnAuthenticate(context.Background(), "s1", "alice"))
	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, "alice", s.Account())
	assert.True(t, f.accounts.IsLoggedIn("alice"))
	assert.True(t, f.channels.IsMember(worldKey, "s1"))

	p, ok := f.world.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "s1", p.SessionID)
	assert.Equal(t, 1, f.mgr.AuthenticatedCount())
	assert.Same(t, s, f.mgr.FindByAccount("alice"))
}

func TestManager_AuthenticateTwiceRejected(t *testing.T) {
	f := newFixture()
	_, _ = f.mgr.OnOpen("s1", &fakeConn{})
	require.NoError(t, f.mgr.OnAuthenticate(context.Background(), "s1", "alice"))
	assert.ErrorIs(t, f.mgr.OnAuthenticate(context.Background(), "s1", "bob"), ErrAlreadyAuthenticated)
	assert.False(t, f.accounts.IsLoggedIn("bob"))
}

func TestManager_AuthenticateUnknownSession(t *testing.T) {
	f := newFixture()
	assert.ErrorIs(t, f.mgr.OnAuthenticate(context.Background(), "nope", "alice"), ErrUnknownSession)
	assert.False(t, f.accounts.IsLoggedIn("alice"))
}

func TestManager_DuplicateLoginRejected(t *testing.T) {
	f := newFixture()
	first, _ := f.mgr.OnOpen("s1", &fakeConn{})
	second, _ := f.mgr.OnOpen("s2", &fakeConn{})

	require.NoError(t, f.mgr.OnAuthenticate(context.Background(), "s1", "alice"))
	err := f.mgr.OnAuthenticate(context.Background(), "s2", "alice")
	assert.ErrorIs(t, err, ErrAlreadyLoggedIn)

	assert.Equal(t, StateAuthenticated, first.State())
	assert.Equal(t, StateOpen, second.State())
	assert.False(t, f.channels.IsMember(worldKey, "s2"))
	p, _ := f.world.Get("alice")
	assert.Equal(t, "s1", p.SessionID)
}

func TestManager_CloseRemovesPlayer(t *testing.T) {
	f := newFixture()
	conn := &fakeConn{}
	s, _ := f.mgr.OnOpen("s1", conn)
	require.NoError(t, f.mgr.OnAuthenticate(context.Background(), "s1", "alice"))

	f.mgr.OnClose(context.Background(), "s1", ReasonServerInitiated)

	assert.Equal(t, StateClosed, s.State())
	assert.False(t, f.accounts.IsLoggedIn("alice"))
	_, ok := f.world.Get("alice")
	assert.False(t, ok)
	assert.False(t, f.channels.IsMember(worldKey, "s1"))
	assert.Nil(t, f.mgr.Get("s1"))
	assert.Equal(t, int32(1), conn.closed.Load())
}

func TestManager_CloseIdempotent(t *testing.T) {
	f := newFixture()
	conn := &fakeConn{}
	_, _ = f.mgr.OnOpen("s1", conn)
	require.NoError(t, f.mgr.OnAuthenticate(context.Background(), "s1", "alice"))

	f.mgr.OnTimeout(context.Background(), "s1")
	f.mgr.OnTimeout(context.Background(), "s1")
	f.mgr.OnClose(context.Background(), "s1", ReasonServerInitiated)

	assert.Equal(t, int32(1), conn.closed.Load())
	assert.Equal(t, 0, f.mgr.Count())
}

func TestManager_CloseUnauthenticated(t *testing.T) {
	f := newFixture()
	_, _ = f.mgr.OnOpen("s1", &fakeConn{})
	f.mgr.OnClose(context.Background(), "s1", ReasonUnknownSession)
	assert.Equal(t, 0, f.mgr.Count())
	assert.Equal(t, 0, f.world.Len())
}

func TestManager_ReloginAfterClose(t *testing.T) {
	f := newFixture()
	_, _ = f.mgr.OnOpen("s1", &fakeConn{})
	require.NoError(t, f.mgr.OnAuthenticate(context.Background(), "s1", "alice"))
	f.mgr.OnClose(context.Background(), "s1", ReasonServerInitiated)

	_, _ = f.mgr.OnOpen("s2", &fakeConn{})
	require.NoError(t, f.mgr.OnAuthenticate(context.Background(), "s2", "alice"))
	p, _ := f.world.Get("alice")
	assert.Equal(t, "s2", p.SessionID)
}

func TestManager_PositionUpdate(t *testing.T) {
	f := newFixture()
	_, _ = f.mgr.OnOpen("s1", &fakeConn{})

	assert.ErrorIs(t, f.mgr.OnPositionUpdate("s1", world.Position{X: 1}), ErrNotAuthenticated)
	assert.ErrorIs(t, f.mgr.OnPositionUpdate("nope", world.Position{X: 1}), ErrUnknownSession)

	require.NoError(t, f.mgr.OnAuthenticate(context.Background(), "s1", "alice"))
	require.NoError(t, f.mgr.OnPositionUpdate("s1", world.Position{X: 1, Y: 2}))
	p, _ := f.world.Get("alice")
	assert.Equal(t, world.Position{X: 1, Y: 2}, p.Position)
}

func TestManager_PositionUpdateDoesNotBroadcast(t *testing.T) {
	f := newFixture()
	alice := &fakeConn{}
	bob := &fakeConn{}
	_, _ = f.mgr.OnOpen("s1", alice)
	_, _ = f.mgr.OnOpen("s2", bob)
	require.NoError(t, f.mgr.OnAuthenticate(context.Background(), "s1", "alice"))
	require.NoError(t, f.mgr.OnAuthenticate(context.Background(), "s2", "bob"))

	require.NoError(t, f.mgr.OnPositionUpdate("s1", world.Position{X: 5}))
	assert.Empty(t, alice.types())
	assert.Empty(t, bob.types())
}

func TestManager_PlayerStoreRoundTrip(t *testing.T) {
	store := newFakeStore()
	store.positions["alice"] = world.Position{X: 7, Y: 8, Z: 9}
	f := newFixture(WithPlayerStore(store))

	_, _ = f.mgr.OnOpen("s1", &fakeConn{})
	require.NoError(t, f.mgr.OnAuthenticate(context.Background(), "s1", "alice"))
	p, _ := f.world.Get("alice")
	assert.Equal(t, world.Position{X: 7, Y: 8, Z: 9}, p.Position)

	require.NoError(t, f.mgr.OnPositionUpdate("s1", world.Position{X: 1}))
	f.mgr.OnClose(context.Background(), "s1", ReasonIdle)
	assert.Equal(t, world.Position{X: 1}, store.positions["alice"])
}

func TestManager_PlayerStoreLoadErrorStillLogsIn(t *testing.T) {
	store := newFakeStore()
	store.loadErr = errors.New("db down")
	f := newFixture(WithPlayerStore(store))

	_, _ = f.mgr.OnOpen("s1", &fakeConn{})
	require.NoError(t, f.mgr.OnAuthenticate(context.Background(), "s1", "alice"))
	p, ok := f.world.Get("alice")
	require.True(t, ok)
	assert.Equal(t, world.Position{}, p.Position)
}

func TestManager_SendToAccount(t *testing.T) {
	f := newFixture()
	conn := &fakeConn{}
	_, _ = f.mgr.OnOpen("s1", conn)
	require.NoError(t, f.mgr.OnAuthenticate(context.Background(), "s1", "alice"))

	require.NoError(t, f.mgr.SendToAccount("alice", "match", nil))
	assert.Equal(t, []string{"match"}, conn.types())

	assert.ErrorIs(t, f.mgr.SendToAccount("bob", "match", nil), ErrNotConnected)
	f.mgr.OnClose(context.Background(), "s1", ReasonServerInitiated)
	assert.ErrorIs(t, f.mgr.SendToAccount("alice", "match", nil), ErrNotConnected)
}

func TestManager_ClosedSessionRejectsDelivery(t *testing.T) {
	f := newFixture()
	s, _ := f.mgr.OnOpen("s1", &fakeConn{})
	f.mgr.OnClose(context.Background(), "s1", ReasonServerInitiated)
	assert.ErrorIs(t, s.Deliver("x", nil), ErrNotConnected)
}

func TestManager_CloseAll(t *testing.T) {
	f := newFixture()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("s%d", i)
		_, _ = f.mgr.OnOpen(id, &fakeConn{})
		require.NoError(t, f.mgr.OnAuthenticate(context.Background(), id, fmt.Sprintf("p%d", i)))
	}
	f.mgr.CloseAll(context.Background(), ReasonServerInitiated)
	assert.Equal(t, 0, f.mgr.Count())
	assert.Equal(t, 0, f.accounts.Count())
	assert.Equal(t, 0, f.world.Len())
}

func TestManager_ConcurrentLoginSameAccount(t *testing.T) {
	f := newFixture()
	const n = 32
	for i := 0; i < n; i++ {
		_, err := f.mgr.OnOpen(fmt.Sprintf("s%d", i), &fakeConn{})
		require.NoError(t, err)
	}

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if f.mgr.OnAuthenticate(context.Background(), fmt.Sprintf("s%d", i), "alice") == nil {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, 1, f.mgr.AuthenticatedCount())
	assert.Equal(t, []string{f.world.AllPlayers()[0].SessionID}, f.channels.Members(worldKey))
}

func TestScenario_LoginMoveClose(t *testing.T) {
	f := newFixture()
	_, err := f.mgr.OnOpen("s1", &fakeConn{})
	require.NoError(t, err)
	require.NoError(t, f.mgr.OnAuthenticate(context.Background(), "s1", "alice"))
	require.NoError(t, f.mgr.OnPositionUpdate("s1", world.Position{X: 1.0, Y: 2.0, Z: 0.0}))

	p, ok := f.world.Get("alice")
	require.True(t, ok)
	assert.Equal(t, world.Position{X: 1.0, Y: 2.0, Z: 0.0}, p.Position)

	f.mgr.OnClose(context.Background(), "s1", ReasonServerInitiated)
	_, ok = f.world.Get("alice")
	assert.False(t, ok)
	assert.False(t, f.accounts.IsLoggedIn("alice"))
}

func TestPropertyManager_PlayerPresenceFollowsLogin(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := newFixture()
		sessions := []string{"s0", "s1", "s2", "s3"}
		names := []string{"alice", "bob"}
		nextID := 0
		live := make(map[string]string) // slot → session id

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			slot := rapid.SampledFrom(sessions).Draw(t, "slot")
			id, open := live[slot]
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				if !open {
					id = fmt.Sprintf("%s-%d", slot, nextID)
					nextID++
					if _, err := f.mgr.OnOpen(id, &fakeConn{}); err != nil {
						t.Fatalf("OnOpen: %v", err)
					}
					live[slot] = id
				}
			case 1:
				if open {
					_ = f.mgr.OnAuthenticate(context.Background(), id, rapid.SampledFrom(names).Draw(t, "name"))
				}
			case 2:
				if open {
					f.mgr.OnClose(context.Background(), id, ReasonIdle)
					delete(live, slot)
				}
			}

			for _, n := range names {
				_, inWorld := f.world.Get(n)
				if inWorld != f.accounts.IsLoggedIn(n) {
					t.Fatalf("player %q in world = %v but logged in = %v", n, inWorld, f.accounts.IsLoggedIn(n))
				}
				if holder := f.mgr.FindByAccount(n); inWorld && (holder == nil || holder.State() != StateAuthenticated) {
					t.Fatalf("player %q in world without an authenticated session", n)
				}
			}
			if f.mgr.AuthenticatedCount() != f.accounts.Count() {
				t.Fatalf("authenticated sessions %d != logged-in accounts %d", f.mgr.AuthenticatedCount(), f.accounts.Count())
			}
			if len(f.channels.Members(worldKey)) != f.world.Len() {
				t.Fatalf("channel members %d != world players %d", len(f.channels.Members(worldKey)), f.world.Len())
			}
		}
	})
}
