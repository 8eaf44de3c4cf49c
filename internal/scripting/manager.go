package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/lobby/internal/game/match"
	"github.com/cory-johannsen/lobby/internal/game/world"
)

// Hook names called by the server.
const (
	HookWorldReady    = "on_world_ready"
	HookWorldTick     = "on_world_tick"
	HookMatchFinished = "on_match_finished"
)

// Engine is the world surface exposed to scripts as the engine module.
type Engine interface {
	Players() []world.Player
	Broadcast(msgType string, body *structpb.Struct) int
}

// Manager owns one sandboxed VM. Calls are serialized because an LState is
// single-threaded.
type Manager struct {
	engine Engine
	logger *zap.Logger

	mu    sync.Mutex
	state *lua.LState
	limit int
}

// NewManager creates a Manager with no scripts loaded.
//
// Precondition: engine and logger must be non-nil.
func NewManager(engine Engine, logger *zap.Logger) *Manager {
	if engine == nil {
		panic("scripting.NewManager: engine must not be nil")
	}
	if logger == nil {
		panic("scripting.NewManager: logger must not be nil")
	}
	return &Manager{engine: engine, logger: logger}
}

// Load creates a fresh VM, registers the engine module and executes every
// *.lua file in scriptDir in lexicographic order. A previously loaded VM is
// replaced only when loading succeeds.
//
// Precondition: scriptDir must be a readable directory.
// Postcondition: Returns an error on any read or Lua load failure.
func (m *Manager) Load(scriptDir string, instLimit int) error {
	entries, err := os.ReadDir(scriptDir)
	if err != nil {
		return fmt.Errorf("scripting: reading script dir %q: %w", scriptDir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			files = append(files, filepath.Join(scriptDir, e.Name()))
		}
	}
	sort.Strings(files)

	L := newSandbox(instLimit, m.logger)
	m.RegisterModules(L)
	for _, path := range files {
		cancel := setBudget(L, instLimit)
		err := L.DoFile(path)
		cancel()
		if err != nil {
			L.Close()
			return fmt.Errorf("scripting: loading %q: %w", path, err)
		}
	}

	m.mu.Lock()
	old := m.state
	m.state, m.limit = L, instLimit
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}

	m.logger.Info("scripts loaded",
		zap.String("dir", scriptDir),
		zap.Int("files", len(files)),
	)
	return nil
}

// CallHook calls the named Lua global with a fresh opcode budget. Returns
// (LNil, nil) if nothing is loaded or the hook is not defined. Lua runtime
// errors, including an exhausted budget, are logged at Warn and not returned.
//
// Postcondition: Returns the first return value of the hook, or LNil.
func (m *Manager) CallHook(hook string, args ...lua.LValue) (lua.LValue, error) {
	return m.call(hook, func(*lua.LState) []lua.LValue { return args })
}

// call runs hook with arguments built under the VM lock.
func (m *Manager) call(hook string, build func(L *lua.LState) []lua.LValue) (lua.LValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return lua.LNil, nil
	}
	fn := m.state.GetGlobal(hook)
	if fn.Type() != lua.LTFunction {
		return lua.LNil, nil
	}

	cancel := setBudget(m.state, m.limit)
	defer cancel()
	if err := m.state.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, build(m.state)...); err != nil {
		m.logger.Warn("scripting: Lua runtime error",
			zap.String("hook", hook),
			zap.Error(err),
		)
		return lua.LNil, nil
	}
	ret := m.state.Get(-1)
	m.state.Pop(1)
	return ret, nil
}

// Close releases the VM. Later calls are no-ops.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != nil {
		m.state.Close()
		m.state = nil
	}
}

// WorldReady calls on_world_ready().
func (m *Manager) WorldReady() {
	m.CallHook(HookWorldReady) //nolint:errcheck
}

// WorldTick calls on_world_tick(unix_millis).
func (m *Manager) WorldTick(now time.Time) {
	m.CallHook(HookWorldTick, lua.LNumber(now.UnixMilli())) //nolint:errcheck
}

// MatchFinished calls on_match_finished(match, payload, success) where match
// is {id, group, users}.
func (m *Manager) MatchFinished(mt match.Match, payload *structpb.Struct, success bool) {
	users := make([]any, len(mt.Users))
	for i, u := range mt.Users {
		users[i] = u
	}
	info, err := structpb.NewStruct(map[string]any{
		"id":    mt.ID.String(),
		"group": mt.Group,
		"users": users,
	})
	if err != nil {
		m.logger.Warn("scripting: encoding match", zap.String("match", mt.ID.String()), zap.Error(err))
		return
	}
	m.call(HookMatchFinished, func(L *lua.LState) []lua.LValue { //nolint:errcheck
		return []lua.LValue{structToTable(L, info), structToTable(L, payload), lua.LBool(success)}
	})
}
