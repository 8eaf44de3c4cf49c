package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/lobby/internal/game/account"
	"github.com/cory-johannsen/lobby/internal/game/channel"
	"github.com/cory-johannsen/lobby/internal/game/world"
	"github.com/cory-johannsen/lobby/internal/observability"
)

// PlayerStore persists player positions across logins.
type PlayerStore interface {
	// LoadPosition returns the last saved position for name; found is false
	// for a player never saved.
	LoadPosition(ctx context.Context, name string) (pos world.Position, found bool, err error)
	// SavePosition stores the position for name.
	SavePosition(ctx context.Context, name string, pos world.Position) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithPlayerStore enables position persistence.
func WithPlayerStore(store PlayerStore) Option {
	return func(m *Manager) { m.store = store }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager tracks all live sessions and applies lifecycle events to the
// account registry, the world and the world channel.
// All methods are safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	accounts *account.Registry
	channels *channel.Multicaster
	world    *world.State
	worldKey channel.Key
	store    PlayerStore
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager creates a Manager.
//
// Precondition: accounts, channels, w and logger must be non-nil.
func NewManager(accounts *account.Registry, channels *channel.Multicaster, w *world.State, worldKey channel.Key, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		accounts: accounts,
		channels: channels,
		world:    w,
		worldKey: worldKey,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WorldKey returns the channel every authenticated session joins.
func (m *Manager) WorldKey() channel.Key { return m.worldKey }

// OnOpen records a new session without an account.
//
// Precondition: id must be non-empty; conn must be non-nil.
// Postcondition: Returns the Open session, or ErrDuplicateSession.
func (m *Manager) OnOpen(id string, conn Conn) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("opening session: empty id")
	}
	s := &Session{id: id, conn: conn, openedAt: m.now()}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("opening session %q: %w", id, ErrDuplicateSession)
	}
	m.sessions[id] = s
	count := len(m.sessions)
	m.mu.Unlock()

	observability.Sessions.Set(float64(count))
	m.logger.Info("session opened", zap.String("session", id))
	return s, nil
}

// OnAuthenticate logs the session in as name, places the player in the world
// and joins the world channel.
//
// Precondition: name must be non-empty.
// Postcondition: On success the session is Authenticated, IsLoggedIn(name) is
// true and the world holds the player. On ErrAlreadyLoggedIn nothing changes
// and the session stays Open.
func (m *Manager) OnAuthenticate(ctx context.Context, id, name string) error {
	s := m.Get(id)
	if s == nil {
		return ErrUnknownSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateClosed:
		return ErrUnknownSession
	case StateAuthenticated:
		return ErrAlreadyAuthenticated
	}

	if !m.accounts.TryLogin(name, id) {
		observability.LoginAttempts.WithLabelValues(observability.OutcomeRejected).Inc()
		m.logger.Warn("login rejected, account already logged in",
			zap.String("session", id),
			zap.String("account", name),
		)
		return ErrAlreadyLoggedIn
	}

	player := world.Player{Name: name, SessionID: id, JoinedAt: m.now()}
	if m.store != nil {
		pos, found, err := m.store.LoadPosition(ctx, name)
		if err != nil {
			m.logger.Error("loading player position",
				zap.String("account", name),
				zap.Error(err),
			)
		} else if found {
			player.Position = pos
		}
	}
	m.world.Upsert(player)
	m.channels.Join(m.worldKey, s)

	s.account = name
	s.setState(StateAuthenticated)

	observability.LoginAttempts.WithLabelValues(observability.OutcomeOK).Inc()
	m.updateGauges()
	m.logger.Info("account logged in",
		zap.String("session", id),
		zap.String("account", name),
	)
	return nil
}

// OnClose closes the session. An authenticated session leaves the world and
// the world channel and its account is logged out. Closing an absent or
// already closed session is a no-op.
//
// Postcondition: Get(id) returns nil.
func (m *Manager) OnClose(ctx context.Context, id string, reason CloseReason) {
	s := m.Get(id)
	if s == nil {
		m.logger.Debug("close for absent session",
			zap.String("session", id),
			zap.Stringer("reason", reason),
		)
		return
	}

	s.mu.Lock()
	if s.State() == StateClosed {
		s.mu.Unlock()
		return
	}
	name := s.account
	if s.State() == StateAuthenticated {
		m.leaveWorld(ctx, s, name)
	}
	s.setState(StateClosed)
	s.mu.Unlock()

	m.mu.Lock()
	if m.sessions[id] == s {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if err := s.conn.Close(); err != nil {
		m.logger.Debug("closing connection", zap.String("session", id), zap.Error(err))
	}

	observability.Sessions.Set(float64(count))
	m.updateGauges()
	m.logger.Info("session closed",
		zap.String("session", id),
		zap.String("account", name),
		zap.Stringer("reason", reason),
		zap.Duration("duration", m.now().Sub(s.openedAt)),
	)
}

// OnTimeout closes the session with ReasonIdle.
func (m *Manager) OnTimeout(ctx context.Context, id string) {
	m.OnClose(ctx, id, ReasonIdle)
}

// leaveWorld persists and removes the player. Caller must hold s.mu.
func (m *Manager) leaveWorld(ctx context.Context, s *Session, name string) {
	if p, ok := m.world.Get(name); ok && m.store != nil {
		if err := m.store.SavePosition(ctx, name, p.Position); err != nil {
			m.logger.Error("saving player position",
				zap.String("account", name),
				zap.Error(err),
			)
		}
	}
	m.world.Remove(name)
	m.channels.Leave(m.worldKey, s.id)
	m.accounts.Logout(name)
}

// OnPositionUpdate sets the session's player position. Last writer wins; no
// broadcast is implied.
//
// Postcondition: Returns ErrNotAuthenticated unless the session is Authenticated.
func (m *Manager) OnPositionUpdate(id string, pos world.Position) error {
	s := m.Get(id)
	if s == nil {
		return ErrUnknownSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateAuthenticated {
		return ErrNotAuthenticated
	}
	m.world.UpdatePosition(s.account, pos)
	return nil
}

// Get returns the live session with id, or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// FindByAccount returns the session logged in as name, or nil.
func (m *Manager) FindByAccount(name string) *Session {
	id, ok := m.accounts.SessionOf(name)
	if !ok {
		return nil
	}
	return m.Get(id)
}

// SendToAccount sends a message to the session logged in as name.
//
// Postcondition: Returns ErrNotConnected if no live session holds name.
func (m *Manager) SendToAccount(name, msgType string, body *structpb.Struct) error {
	s := m.FindByAccount(name)
	if s == nil {
		return ErrNotConnected
	}
	return s.Send(msgType, body)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// AuthenticatedCount returns the number of live authenticated sessions.
func (m *Manager) AuthenticatedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s.State() == StateAuthenticated {
			n++
		}
	}
	return n
}

// CloseAll closes every live session with reason.
//
// Postcondition: Count() is 0 unless sessions opened concurrently.
func (m *Manager) CloseAll(ctx context.Context, reason CloseReason) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.OnClose(ctx, id, reason)
	}
}

func (m *Manager) updateGauges() {
	observability.LoggedInAccounts.Set(float64(m.accounts.Count()))
	observability.WorldPlayers.Set(float64(m.world.Len()))
}
