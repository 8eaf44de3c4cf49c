// Package session tracks live client sessions and drives their lifecycle
// through the account registry, the world and the world channel.
package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

var (
	// ErrUnknownSession is returned for operations on an absent or closed session.
	ErrUnknownSession = errors.New("unknown session")
	// ErrDuplicateSession is returned by OnOpen for an id already in use.
	ErrDuplicateSession = errors.New("session id already open")
	// ErrAlreadyLoggedIn is returned when another session holds the account.
	ErrAlreadyLoggedIn = errors.New("account already logged in")
	// ErrAlreadyAuthenticated is returned when the session is already logged in.
	ErrAlreadyAuthenticated = errors.New("session already authenticated")
	// ErrNotAuthenticated is returned for operations requiring a logged-in session.
	ErrNotAuthenticated = errors.New("session not authenticated")
	// ErrNotConnected is returned when a message cannot reach its session.
	ErrNotConnected = errors.New("session not connected")
)

// State is a session's lifecycle state.
type State int32

const (
	// StateOpen is a connected session without an account.
	StateOpen State = iota
	// StateAuthenticated is a session logged in as an account.
	StateAuthenticated
	// StateClosed is terminal.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason describes why a session closed.
type CloseReason int

const (
	// ReasonServerInitiated is an explicit close or logout.
	ReasonServerInitiated CloseReason = iota
	// ReasonIdle is an idle timeout detected by the transport.
	ReasonIdle
	// ReasonUnknownSession is a close for a session the transport no longer recognizes.
	ReasonUnknownSession
)

// String returns the reason name.
func (r CloseReason) String() string {
	switch r {
	case ReasonServerInitiated:
		return "server_initiated"
	case ReasonIdle:
		return "idle"
	case ReasonUnknownSession:
		return "unknown_session"
	default:
		return "unknown"
	}
}

// Conn is the transport side of a session.
type Conn interface {
	// SendMessage queues a message to the client. It must not block.
	SendMessage(msgType string, body *structpb.Struct) error
	// Close closes the connection. It must be idempotent.
	Close() error
}

// Session is one client connection.
type Session struct {
	id       string
	conn     Conn
	openedAt time.Time

	// mu orders lifecycle transitions of this session.
	mu      sync.Mutex
	account string
	state   atomic.Int32
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// OpenedAt returns when the session opened.
func (s *Session) OpenedAt() time.Time { return s.openedAt }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Account returns the account name, or "" while unauthenticated.
func (s *Session) Account() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// SubscriberID implements channel.Subscriber.
func (s *Session) SubscriberID() string { return s.id }

// Deliver implements channel.Subscriber.
func (s *Session) Deliver(msgType string, body *structpb.Struct) error {
	return s.Send(msgType, body)
}

// Send queues a message to the client.
//
// Postcondition: Returns ErrNotConnected if the session is closed.
func (s *Session) Send(msgType string, body *structpb.Struct) error {
	if s.State() == StateClosed {
		return ErrNotConnected
	}
	return s.conn.SendMessage(msgType, body)
}

func (s *Session) setState(st State) { s.state.Store(int32(st)) }
