// Package dedicated implements the match service: it runs one dedicated game
// server per match and tracks it through the callbacks the server makes to
// the manager's HTTP API.
package dedicated

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/game/match"
	"github.com/cory-johannsen/lobby/internal/observability"
)

var (
	// ErrMatchExists is returned when spawning a match id already running.
	ErrMatchExists = errors.New("match already created")
	// ErrTooManyServers is returned when the server cap or the port pool is exhausted.
	ErrTooManyServers = errors.New("too many dedicated servers")
	// ErrMatchNotFound is returned for an id with no running server.
	ErrMatchNotFound = errors.New("match not found")
)

// heartbeatGrace is how many heartbeat intervals may pass before a server is
// considered lost.
const heartbeatGrace = 2.5

type pendingBatch struct {
	users    []string
	userData []*structpb.Struct
	tokens   map[string]string
	data     *structpb.Struct
	onResult match.ResultFunc
	timer    *time.Timer
}

type instance struct {
	id        uuid.UUID
	port      int
	proc      Process
	createdAt time.Time

	data     *structpb.Struct
	users    []string
	userData []*structpb.Struct
	tokens   map[string]string

	ready         bool
	finished      bool
	lastHeartbeat time.Time
	onSpawn       match.ResultFunc
	readyTimer    *time.Timer
	pending       []*pendingBatch
}

// MatchInfo is the view of a running match served to its dedicated server.
type MatchInfo struct {
	MatchID   uuid.UUID
	Port      int
	Ready     bool
	Users     []string
	UserData  []*structpb.Struct
	Data      *structpb.Struct
	CreatedAt time.Time
}

// PendingUsers are the users collected by a dedicated server in one pickup.
type PendingUsers struct {
	Users     []string
	UserData  []*structpb.Struct
	MatchData []*structpb.Struct
}

// Manager is the process-mode match service. Each match runs one executable
// on a port from the configured pool.
type Manager struct {
	cfg         config.MatchConfig
	managerAddr string
	launcher    Launcher
	logger      *zap.Logger
	now         func() time.Time

	mu        sync.Mutex
	freePorts []int
	matches   map[uuid.UUID]*instance
	finished  match.FinishedFunc
}

// NewManager creates a Manager.
//
// Precondition: cfg must have a valid port range; managerAddr is the host:port
// dedicated servers use to reach the manager API.
// Postcondition: Returns a Manager with every port in [PortMin, PortMax] free.
func NewManager(cfg config.MatchConfig, managerAddr string, launcher Launcher, logger *zap.Logger) *Manager {
	ports := make([]int, 0, cfg.PortMax-cfg.PortMin+1)
	for p := cfg.PortMin; p <= cfg.PortMax; p++ {
		ports = append(ports, p)
	}
	return &Manager{
		cfg:         cfg,
		managerAddr: managerAddr,
		launcher:    launcher,
		logger:      logger,
		now:         time.Now,
		freePorts:   ports,
		matches:     make(map[uuid.UUID]*instance),
	}
}

// SetFinishedCallback registers the terminal-result callback.
func (m *Manager) SetFinishedCallback(fn match.FinishedFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = fn
}

// Spawn launches a dedicated server for req.MatchID. The spawn succeeds when
// the server reports ready, and fails on ready timeout or early exit.
//
// Precondition: req.OnResult must be non-nil.
// Postcondition: On nil error the process is running and req.OnResult will be
// called exactly once.
func (m *Manager) Spawn(_ context.Context, req match.SpawnRequest) error {
	m.mu.Lock()
	if _, exists := m.matches[req.MatchID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("spawning %s: %w", req.MatchID, ErrMatchExists)
	}
	if (m.cfg.MaxServers > 0 && len(m.matches) >= m.cfg.MaxServers) || len(m.freePorts) == 0 {
		m.mu.Unlock()
		return fmt.Errorf("spawning %s: %w", req.MatchID, ErrTooManyServers)
	}
	port := m.freePorts[0]
	m.freePorts = m.freePorts[1:]
	tokens := issueTokens(req.Users)
	inst := &instance{
		id:        req.MatchID,
		port:      port,
		createdAt: m.now(),
		data:      req.Data,
		users:     append([]string(nil), req.Users...),
		userData:  withTokens(req.Users, req.UserData, tokens),
		tokens:    tokens,
		onSpawn:   req.OnResult,
	}
	m.matches[req.MatchID] = inst
	m.mu.Unlock()

	proc, err := m.launcher.Launch(m.cfg.Executable, m.launchArgs(req, port))
	if err != nil {
		m.mu.Lock()
		m.release(inst)
		m.mu.Unlock()
		return fmt.Errorf("spawning %s: %w", req.MatchID, err)
	}

	m.mu.Lock()
	inst.proc = proc
	if !inst.finished && !inst.ready && m.cfg.ReadyTimeout > 0 {
		inst.readyTimer = time.AfterFunc(m.cfg.ReadyTimeout, func() { m.readyTimeout(req.MatchID) })
	}
	observability.DedicatedServers.Set(float64(len(m.matches)))
	m.mu.Unlock()

	m.logger.Info("dedicated server started",
		zap.String("match", req.MatchID.String()),
		zap.Int("pid", proc.Pid()),
		zap.Int("port", port),
	)
	go m.watch(inst, proc)
	return nil
}

func (m *Manager) launchArgs(req match.SpawnRequest, port int) []string {
	args := make([]string, 0, len(m.cfg.Args)+len(req.Args)+4)
	args = append(args, m.cfg.Args...)
	args = append(args, req.Args...)
	return append(args,
		fmt.Sprintf("-port=%d", port),
		"-FunapiMatchID="+req.MatchID.String(),
		"-FunapiManagerServer="+m.managerAddr,
		fmt.Sprintf("-FunapiHeartbeat=%d", int(m.cfg.Heartbeat/time.Second)),
	)
}

// watch waits for the process to exit, then releases its port. A process that
// exits without reporting a result has finished abnormally.
func (m *Manager) watch(inst *instance, proc Process) {
	err := proc.Wait()
	m.logger.Info("dedicated server exited",
		zap.String("match", inst.id.String()),
		zap.Int("pid", proc.Pid()),
		zap.Error(err),
	)
	m.finish(inst.id, nil, false, "process exited")

	m.mu.Lock()
	m.release(inst)
	m.mu.Unlock()
}

// release returns inst's port to the pool. Caller must hold m.mu.
func (m *Manager) release(inst *instance) {
	if cur, ok := m.matches[inst.id]; !ok || cur != inst {
		return
	}
	delete(m.matches, inst.id)
	m.freePorts = append(m.freePorts, inst.port)
	observability.DedicatedServers.Set(float64(len(m.matches)))
}

// finish reports the end of a match once. A server that never became ready
// fails its spawn instead; queued users are failed either way.
func (m *Manager) finish(id uuid.UUID, payload *structpb.Struct, success bool, why string) {
	m.mu.Lock()
	inst, ok := m.matches[id]
	if !ok || inst.finished {
		m.mu.Unlock()
		return
	}
	inst.finished = true
	if inst.readyTimer != nil {
		inst.readyTimer.Stop()
	}
	batches := inst.pending
	inst.pending = nil
	ready, users, onSpawn, finished := inst.ready, inst.users, inst.onSpawn, m.finished
	m.mu.Unlock()

	for _, b := range batches {
		b.timer.Stop()
		b.onResult(id, b.users, match.Endpoint{}, false)
	}
	if !ready {
		m.logger.Warn("dedicated server failed before ready",
			zap.String("match", id.String()),
			zap.String("reason", why),
		)
		onSpawn(id, users, match.Endpoint{}, false)
		return
	}
	m.logger.Info("match finished",
		zap.String("match", id.String()),
		zap.Bool("success", success),
		zap.String("reason", why),
	)
	if finished != nil {
		finished(id, payload, success)
	}
}

func (m *Manager) readyTimeout(id uuid.UUID) {
	m.mu.Lock()
	inst, ok := m.matches[id]
	if !ok || inst.ready || inst.finished {
		m.mu.Unlock()
		return
	}
	proc := inst.proc
	m.mu.Unlock()

	m.finish(id, nil, false, "ready timeout")
	m.kill(id, proc)
}

func (m *Manager) kill(id uuid.UUID, proc Process) {
	if proc == nil {
		return
	}
	if err := proc.Kill(); err != nil {
		m.logger.Warn("killing dedicated server",
			zap.String("match", id.String()),
			zap.Int("pid", proc.Pid()),
			zap.Error(err),
		)
	}
}

// AddUsers queues users for a running match. The request succeeds when the
// server collects them and fails if they wait longer than the pending-user
// timeout.
//
// Postcondition: On nil error req.OnResult will be called exactly once.
func (m *Manager) AddUsers(_ context.Context, req match.AddUsersRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.matches[req.MatchID]
	if !ok || inst.finished {
		return fmt.Errorf("adding users to %s: %w", req.MatchID, ErrMatchNotFound)
	}
	tokens := issueTokens(req.Users)
	b := &pendingBatch{
		users:    append([]string(nil), req.Users...),
		userData: withTokens(req.Users, req.UserData, tokens),
		tokens:   tokens,
		data:     req.Data,
		onResult: req.OnResult,
	}
	timeout := m.cfg.PendingUserTimeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	b.timer = time.AfterFunc(timeout, func() { m.expireBatch(req.MatchID, b) })
	inst.pending = append(inst.pending, b)
	return nil
}

func (m *Manager) expireBatch(id uuid.UUID, b *pendingBatch) {
	m.mu.Lock()
	inst, ok := m.matches[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	found := false
	for i, p := range inst.pending {
		if p == b {
			inst.pending = append(inst.pending[:i], inst.pending[i+1:]...)
			found = true
			break
		}
	}
	m.mu.Unlock()
	if !found {
		return
	}
	m.logger.Warn("pending users not collected",
		zap.String("match", id.String()),
		zap.Strings("users", b.users),
	)
	b.onResult(id, b.users, match.Endpoint{}, false)
}

// Ready marks the server for id as ready, completing its spawn.
//
// Postcondition: Returns ErrMatchNotFound for an unknown or finished match.
func (m *Manager) Ready(id uuid.UUID) error {
	m.mu.Lock()
	inst, ok := m.matches[id]
	if !ok || inst.finished {
		m.mu.Unlock()
		return ErrMatchNotFound
	}
	if inst.ready {
		m.mu.Unlock()
		return nil
	}
	inst.ready = true
	inst.lastHeartbeat = m.now()
	if inst.readyTimer != nil {
		inst.readyTimer.Stop()
	}
	users, onSpawn := inst.users, inst.onSpawn
	endpoint := m.endpoint(inst.port, maps.Clone(inst.tokens))
	m.mu.Unlock()

	m.logger.Info("dedicated server ready", zap.String("match", id.String()))
	onSpawn(id, users, endpoint, true)
	return nil
}

// Heartbeat refreshes the liveness of the server for id.
func (m *Manager) Heartbeat(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.matches[id]
	if !ok || inst.finished {
		return ErrMatchNotFound
	}
	inst.lastHeartbeat = m.now()
	return nil
}

// Result records the final result reported by the server for id. The port is
// released when the process exits.
func (m *Manager) Result(id uuid.UUID, payload *structpb.Struct) error {
	m.mu.Lock()
	inst, ok := m.matches[id]
	live := ok && !inst.finished && inst.ready
	m.mu.Unlock()
	if !live {
		return ErrMatchNotFound
	}
	m.finish(id, payload, true, "result reported")
	return nil
}

// CollectPendingUsers hands every queued user to the server and completes
// their AddUsers requests.
//
// Postcondition: The pending queue for id is empty.
func (m *Manager) CollectPendingUsers(id uuid.UUID) (PendingUsers, error) {
	m.mu.Lock()
	inst, ok := m.matches[id]
	if !ok || inst.finished {
		m.mu.Unlock()
		return PendingUsers{}, ErrMatchNotFound
	}
	batches := inst.pending
	inst.pending = nil
	port := inst.port
	var out PendingUsers
	for _, b := range batches {
		b.timer.Stop()
		inst.users = append(inst.users, b.users...)
		inst.userData = append(inst.userData, b.userData...)
		for u, tok := range b.tokens {
			inst.tokens[u] = tok
		}
		out.Users = append(out.Users, b.users...)
		out.UserData = append(out.UserData, b.userData...)
		data := b.data
		if data == nil {
			data = &structpb.Struct{}
		}
		out.MatchData = append(out.MatchData, data)
	}
	m.mu.Unlock()

	for _, b := range batches {
		b.onResult(id, b.users, m.endpoint(port, b.tokens), true)
	}
	return out, nil
}

// endpoint is where clients holding tokens reach the server on port.
func (m *Manager) endpoint(port int, tokens map[string]string) match.Endpoint {
	return match.Endpoint{Host: m.cfg.GameHost, Port: port, Tokens: tokens}
}

// issueTokens creates a join token for each user.
func issueTokens(users []string) map[string]string {
	tokens := make(map[string]string, len(users))
	for _, u := range users {
		tokens[u] = uuid.NewString()
	}
	return tokens
}

// withTokens returns one user data object per user, copied from userData and
// carrying the user's join token. The caller's structs are not modified.
func withTokens(users []string, userData []*structpb.Struct, tokens map[string]string) []*structpb.Struct {
	out := make([]*structpb.Struct, len(users))
	for i, u := range users {
		d := &structpb.Struct{}
		if i < len(userData) && userData[i] != nil {
			d = proto.Clone(userData[i]).(*structpb.Struct)
		}
		if d.Fields == nil {
			d.Fields = make(map[string]*structpb.Value)
		}
		d.Fields["token"] = structpb.NewStringValue(tokens[u])
		out[i] = d
	}
	return out
}

// Info returns the match view for the server running id.
func (m *Manager) Info(id uuid.UUID) (MatchInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.matches[id]
	if !ok {
		return MatchInfo{}, ErrMatchNotFound
	}
	return MatchInfo{
		MatchID:   inst.id,
		Port:      inst.port,
		Ready:     inst.ready,
		Users:     append([]string(nil), inst.users...),
		UserData:  append([]*structpb.Struct(nil), inst.userData...),
		Data:      inst.data,
		CreatedAt: inst.createdAt,
	}, nil
}

// Running returns the number of tracked dedicated servers.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.matches)
}

// Run checks heartbeats every heartbeat interval until ctx is cancelled.
// It returns immediately when heartbeats are disabled.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.Heartbeat <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(m.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.checkHeartbeats()
		}
	}
}

func (m *Manager) checkHeartbeats() {
	limit := time.Duration(float64(m.cfg.Heartbeat) * heartbeatGrace)
	now := m.now()

	type lost struct {
		id   uuid.UUID
		proc Process
	}
	var missed []lost
	m.mu.Lock()
	for id, inst := range m.matches {
		if inst.ready && !inst.finished && now.Sub(inst.lastHeartbeat) > limit {
			missed = append(missed, lost{id: id, proc: inst.proc})
		}
	}
	m.mu.Unlock()

	for _, l := range missed {
		m.logger.Error("dedicated server heartbeat missed", zap.String("match", l.id.String()))
		m.finish(l.id, nil, false, "heartbeat missed")
		m.kill(l.id, l.proc)
	}
}

// Shutdown kills every running server.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	procs := make(map[uuid.UUID]Process, len(m.matches))
	for id, inst := range m.matches {
		procs[id] = inst.proc
	}
	m.mu.Unlock()

	for id, proc := range procs {
		m.kill(id, proc)
	}
}
