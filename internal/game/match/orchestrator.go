package match

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/lobby/internal/observability"
)

// Message types sent to participants.
const (
	MsgMatch       = "match"
	MsgMatchResult = "match_result"
)

// pendingRequest correlates an in-flight service request with the users to
// notify. It holds names only, never sessions.
type pendingRequest struct {
	id       uint64
	kind     Kind
	matchID  uuid.UUID
	users    []string
	issuedAt time.Time
}

// Orchestrator routes match requests to the service with at most one match
// per group, and applies service callbacks on a single goroutine. Service
// calls are made outside o.mu, so a slow spawn only delays requests for the
// same match.
type Orchestrator struct {
	svc      Service
	notifier Notifier
	profiles *Profiles
	logger   *zap.Logger
	queue    *completionQueue

	mu      sync.Mutex
	groups  map[string]uuid.UUID
	matches map[uuid.UUID]*Match
	pending map[uint64]*pendingRequest
	// gates order service calls per match: a spawn holds its gate until the
	// call returns and add-users calls take it before issuing.
	gates   map[uuid.UUID]*sync.Mutex
	nextReq uint64
	hooks   []FinishedHook
}

// NewOrchestrator creates an Orchestrator and registers its finished callback
// with svc.
//
// Precondition: svc, notifier and logger must be non-nil; nil profiles uses DefaultProfiles.
func NewOrchestrator(svc Service, notifier Notifier, profiles *Profiles, logger *zap.Logger) *Orchestrator {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	o := &Orchestrator{
		svc:      svc,
		notifier: notifier,
		profiles: profiles,
		logger:   logger,
		queue:    newCompletionQueue(),
		groups:   make(map[string]uuid.UUID),
		matches:  make(map[uuid.UUID]*Match),
		pending:  make(map[uint64]*pendingRequest),
		gates:    make(map[uuid.UUID]*sync.Mutex),
	}
	svc.SetFinishedCallback(func(matchID uuid.UUID, payload *structpb.Struct, success bool) {
		o.queue.push(completion{kind: matchFinished, matchID: matchID, payload: payload, success: success})
	})
	return o
}

// FinishedHook observes a finished match with its final participants.
type FinishedHook func(m Match, payload *structpb.Struct, success bool)

// OnFinished registers a hook called after a match finishes, on the
// orchestrator goroutine.
func (o *Orchestrator) OnFinished(fn FinishedHook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, fn)
}

// RequestMatch places users into the group's match. With no match for the
// group it allocates one and issues a spawn; otherwise it issues an add-users
// request for the users not yet included. It never waits for the result.
//
// Precondition: users must be non-empty.
// Postcondition: Returns a Ticket describing the routing. Users already in the
// match yield KindNoop and no service call.
func (o *Orchestrator) RequestMatch(ctx context.Context, group string, users []string, data *structpb.Struct) (Ticket, error) {
	users = lo.Uniq(lo.Compact(users))
	if len(users) == 0 {
		return Ticket{}, ErrNoUsers
	}
	profile := o.profiles.For(group)
	if data == nil {
		data = profile.DataStruct()
	}

	o.mu.Lock()
	if id, ok := o.groups[group]; ok {
		m := o.matches[id]
		fresh := lo.Without(users, m.Users...)
		if len(fresh) == 0 {
			o.mu.Unlock()
			observability.MatchRequests.WithLabelValues(KindNoop.String()).Inc()
			o.logger.Info("match request for users already included",
				zap.String("match", id.String()),
				zap.Strings("users", users),
			)
			return Ticket{Kind: KindNoop, MatchID: id, Users: users}, nil
		}
		m.Users = append(m.Users, fresh...)
		p := o.track(KindAddUsers, id, fresh)
		gate := o.gates[id]
		o.mu.Unlock()

		// gate is held by the spawn call until the service has accepted or
		// refused it.
		gate.Lock()
		err := o.svc.AddUsers(ctx, AddUsersRequest{
			MatchID:  id,
			Data:     data,
			Users:    fresh,
			UserData: profile.UserDataFor(fresh),
			OnResult: o.resultFunc(p.id),
		})
		gate.Unlock()
		o.issued(p, err)
		return Ticket{Kind: KindAddUsers, MatchID: id, RequestID: p.id, Users: fresh}, nil
	}

	id := uuid.New()
	o.groups[group] = id
	o.matches[id] = &Match{
		ID:        id,
		Group:     group,
		State:     StatePending,
		Users:     append([]string(nil), users...),
		Data:      data,
		CreatedAt: time.Now(),
	}
	gate := &sync.Mutex{}
	gate.Lock()
	o.gates[id] = gate
	observability.ActiveMatches.Set(float64(len(o.matches)))
	p := o.track(KindCreate, id, users)
	o.mu.Unlock()

	err := o.svc.Spawn(ctx, SpawnRequest{
		MatchID:  id,
		Data:     data,
		Args:     profile.Args,
		Users:    users,
		UserData: profile.UserDataFor(users),
		OnResult: o.resultFunc(p.id),
	})
	gate.Unlock()
	o.issued(p, err)
	return Ticket{Kind: KindCreate, MatchID: id, RequestID: p.id, Users: users}, nil
}

// track records a pending request. Caller must hold o.mu.
func (o *Orchestrator) track(kind Kind, id uuid.UUID, users []string) *pendingRequest {
	o.nextReq++
	p := &pendingRequest{
		id:       o.nextReq,
		kind:     kind,
		matchID:  id,
		users:    append([]string(nil), users...),
		issuedAt: time.Now(),
	}
	o.pending[p.id] = p
	return p
}

// issued logs the request and turns a refused request into a failure result.
func (o *Orchestrator) issued(p *pendingRequest, err error) {
	observability.MatchRequests.WithLabelValues(p.kind.String()).Inc()
	if err != nil {
		o.logger.Warn("match service refused request",
			zap.String("kind", p.kind.String()),
			zap.String("match", p.matchID.String()),
			zap.Error(err),
		)
		o.queue.push(completion{kind: serviceResult, requestID: p.id, matchID: p.matchID, users: p.users})
		return
	}
	o.logger.Info("match request issued",
		zap.String("kind", p.kind.String()),
		zap.String("match", p.matchID.String()),
		zap.Strings("users", p.users),
	)
}

func (o *Orchestrator) resultFunc(requestID uint64) ResultFunc {
	return func(matchID uuid.UUID, users []string, endpoint Endpoint, success bool) {
		o.queue.push(completion{
			kind:      serviceResult,
			requestID: requestID,
			matchID:   matchID,
			users:     append([]string(nil), users...),
			endpoint:  endpoint,
			success:   success,
		})
	}
}

// Run applies service callbacks until ctx is done.
//
// Postcondition: Returns ctx.Err() once ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("match orchestrator running")
	for {
		c, ok := o.queue.pop(ctx)
		if !ok {
			return ctx.Err()
		}
		o.apply(c)
	}
}

// drain applies every queued callback without blocking. It must not run
// concurrently with Run.
func (o *Orchestrator) drain() int {
	n := 0
	for {
		c, ok := o.queue.tryPop()
		if !ok {
			return n
		}
		o.apply(c)
		n++
	}
}

func (o *Orchestrator) apply(c completion) {
	switch c.kind {
	case serviceResult:
		o.OnMatchServiceResult(c.requestID, c.matchID, c.users, c.endpoint, c.success)
	case matchFinished:
		o.OnMatchResultReceived(c.matchID, c.payload, c.success)
	}
}

// OnMatchServiceResult applies the outcome of one spawn or add-users request
// and notifies the users. Users whose sessions have closed are skipped. On
// success each user is told the server endpoint and their join token.
//
// Postcondition: A failed create discards the match so the group may request
// again; a failed add-users removes those users from the match. A result for
// a request that is not pending changes nothing.
func (o *Orchestrator) OnMatchServiceResult(requestID uint64, matchID uuid.UUID, users []string, endpoint Endpoint, success bool) {
	o.mu.Lock()
	p, known := o.pending[requestID]
	if !known {
		o.mu.Unlock()
		observability.MatchServiceResults.WithLabelValues(observability.OutcomeUnknown, outcome(success)).Inc()
		o.logger.Warn("stale match service result",
			zap.Uint64("request", requestID),
			zap.String("match", matchID.String()),
			zap.Strings("users", users),
			zap.Bool("success", success),
		)
		return
	}
	delete(o.pending, requestID)
	kind := p.kind
	if matchID != p.matchID {
		o.logger.Warn("match service result names another match",
			zap.Uint64("request", requestID),
			zap.String("match", matchID.String()),
			zap.String("requested", p.matchID.String()),
		)
		matchID = p.matchID
	}
	if len(users) == 0 {
		users = p.users
	}
	m, tracked := o.matches[matchID]
	switch {
	case !tracked:
		o.logger.Info("service result for untracked match",
			zap.String("match", matchID.String()),
			zap.Bool("success", success),
		)
	case success:
		if m.State == StatePending && kind == KindCreate {
			m.State = StateActive
		}
	case kind == KindCreate:
		o.forget(m)
	default:
		m.Users = lo.Without(m.Users, users...)
	}
	observability.ActiveMatches.Set(float64(len(o.matches)))
	o.mu.Unlock()

	observability.MatchServiceResults.WithLabelValues(kind.String(), outcome(success)).Inc()
	if success {
		o.logger.Info("match request succeeded",
			zap.String("kind", kind.String()),
			zap.String("match", matchID.String()),
			zap.Strings("users", users),
			zap.String("host", endpoint.Host),
			zap.Int("port", endpoint.Port),
		)
	} else {
		o.logger.Warn("match request failed",
			zap.String("kind", kind.String()),
			zap.String("match", matchID.String()),
			zap.Strings("users", users),
		)
	}

	for _, u := range users {
		o.send(u, MsgMatch, matchBody(matchID, u, endpoint, success))
	}
}

// matchBody builds the match notification for user. A successful result with
// a valid endpoint carries redirect {host, port, token}.
func matchBody(matchID uuid.UUID, user string, endpoint Endpoint, success bool) *structpb.Struct {
	body := &structpb.Struct{Fields: map[string]*structpb.Value{
		"status":   structpb.NewStringValue(outcomeStatus(success)),
		"match_id": structpb.NewStringValue(matchID.String()),
	}}
	if success && endpoint.Valid() {
		body.Fields["redirect"] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"host":  structpb.NewStringValue(endpoint.Host),
			"port":  structpb.NewNumberValue(float64(endpoint.Port)),
			"token": structpb.NewStringValue(endpoint.Tokens[user]),
		}})
	}
	return body
}

// forget drops m from tracking. Caller must hold o.mu.
func (o *Orchestrator) forget(m *Match) {
	delete(o.matches, m.ID)
	delete(o.gates, m.ID)
	if o.groups[m.Group] == m.ID {
		delete(o.groups, m.Group)
	}
}

// OnMatchResultReceived handles the end of a match: the match leaves
// tracking, participants receive the result and finished hooks run.
func (o *Orchestrator) OnMatchResultReceived(matchID uuid.UUID, payload *structpb.Struct, success bool) {
	o.mu.Lock()
	m, tracked := o.matches[matchID]
	var users []string
	var final Match
	if tracked {
		m.State = StateFinished
		final = m.clone()
		users = final.Users
		o.forget(m)
	}
	hooks := append([]FinishedHook(nil), o.hooks...)
	observability.ActiveMatches.Set(float64(len(o.matches)))
	o.mu.Unlock()

	if !tracked {
		o.logger.Warn("result for unknown match", zap.String("match", matchID.String()))
		return
	}

	observability.MatchesFinished.WithLabelValues(outcome(success)).Inc()
	if success {
		o.logger.Info("match finished",
			zap.String("match", matchID.String()),
			zap.Strings("users", users),
			zap.Any("result", payload.AsMap()),
		)
	} else {
		o.logger.Error("match finished abnormally",
			zap.String("match", matchID.String()),
			zap.Strings("users", users),
		)
	}

	fields := map[string]*structpb.Value{
		"match_id": structpb.NewStringValue(matchID.String()),
		"success":  structpb.NewBoolValue(success),
	}
	if payload != nil {
		fields["result"] = structpb.NewStructValue(payload)
	}
	body := &structpb.Struct{Fields: fields}
	for _, u := range users {
		o.send(u, MsgMatchResult, body)
	}

	for _, h := range hooks {
		h(final, payload, success)
	}
}

func (o *Orchestrator) send(user, msgType string, body *structpb.Struct) {
	if err := o.notifier.SendToAccount(user, msgType, body); err != nil {
		o.logger.Debug("dropping match notification",
			zap.String("user", user),
			zap.String("type", msgType),
			zap.Error(err),
		)
	}
}

// Lookup returns a copy of the tracked match with id.
func (o *Orchestrator) Lookup(id uuid.UUID) (Match, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.matches[id]
	if !ok {
		return Match{}, false
	}
	return m.clone(), true
}

// Current returns a copy of the group's pending or active match.
func (o *Orchestrator) Current(group string) (Match, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.groups[group]
	if !ok {
		return Match{}, false
	}
	return o.matches[id].clone(), true
}

// PendingCount returns the number of service requests awaiting a result.
func (o *Orchestrator) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// MatchOf returns the tracked match that includes user.
func (o *Orchestrator) MatchOf(user string) (Match, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range o.matches {
		if lo.Contains(m.Users, user) {
			return m.clone(), true
		}
	}
	return Match{}, false
}

func outcome(success bool) string {
	if success {
		return observability.OutcomeOK
	}
	return observability.OutcomeFailed
}

func outcomeStatus(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// String describes the ticket for logs.
func (t Ticket) String() string {
	return fmt.Sprintf("%s %s (request %d)", t.Kind, t.MatchID, t.RequestID)
}
