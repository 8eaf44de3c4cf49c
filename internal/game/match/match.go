// Package match orchestrates handing groups of users off to dedicated game
// server processes through an asynchronous match service.
package match

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrNoUsers is returned by RequestMatch for an empty user list.
var ErrNoUsers = errors.New("match request has no users")

// State is a match's lifecycle state.
type State int

const (
	// StatePending is a match whose create request is in flight.
	StatePending State = iota
	// StateActive is a match the service reported spawned.
	StateActive
	// StateFinished is a match the service reported complete.
	StateFinished
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Match is a unit of play on one dedicated server.
type Match struct {
	ID        uuid.UUID
	Group     string
	State     State
	Users     []string
	Data      *structpb.Struct
	CreatedAt time.Time
}

func (m *Match) clone() Match {
	c := *m
	c.Users = append([]string(nil), m.Users...)
	return c
}

// Kind is how a match request was routed.
type Kind int

const (
	// KindCreate allocated a new match and issued a spawn.
	KindCreate Kind = iota
	// KindAddUsers extended an existing match.
	KindAddUsers
	// KindNoop found every user already in the match; nothing was issued.
	KindNoop
)

// String returns the metric label for the kind.
func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindAddUsers:
		return "add_users"
	case KindNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// Ticket acknowledges a match request.
type Ticket struct {
	Kind    Kind
	MatchID uuid.UUID
	// RequestID correlates the eventual service result; zero for KindNoop.
	RequestID uint64
	// Users are the users carried by the issued request.
	Users []string
}

// Endpoint is where admitted users connect to their match's server.
type Endpoint struct {
	Host string
	Port int
	// Tokens holds the join token the server expects from each user.
	Tokens map[string]string
}

// Valid reports whether e names a reachable server.
func (e Endpoint) Valid() bool {
	return e.Host != "" && e.Port > 0
}

// ResultFunc receives the outcome of one Spawn or AddUsers request. On
// success endpoint tells the users where to connect; on failure it is zero.
type ResultFunc func(matchID uuid.UUID, users []string, endpoint Endpoint, success bool)

// FinishedFunc receives the terminal result of a match.
type FinishedFunc func(matchID uuid.UUID, payload *structpb.Struct, success bool)

// SpawnRequest asks the service to start a dedicated server for a new match.
type SpawnRequest struct {
	MatchID  uuid.UUID
	Data     *structpb.Struct
	Args     []string
	Users    []string
	UserData []*structpb.Struct
	OnResult ResultFunc
}

// AddUsersRequest asks the service to admit users into a running match.
type AddUsersRequest struct {
	MatchID  uuid.UUID
	Data     *structpb.Struct
	Users    []string
	UserData []*structpb.Struct
	OnResult ResultFunc
}

// Service spawns and extends matches on dedicated servers.
//
// Spawn and AddUsers must not block on the outcome: OnResult is invoked exactly
// once per accepted request, from any goroutine. A returned error means the
// request was not accepted and OnResult will not be invoked.
type Service interface {
	Spawn(ctx context.Context, req SpawnRequest) error
	AddUsers(ctx context.Context, req AddUsersRequest) error
	// SetFinishedCallback registers the terminal-result callback. It is called
	// once at startup.
	SetFinishedCallback(fn FinishedFunc)
}

// Notifier delivers a message to the session logged in as an account.
type Notifier interface {
	SendToAccount(name, msgType string, body *structpb.Struct) error
}
