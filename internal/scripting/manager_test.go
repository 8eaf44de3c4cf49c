package scripting_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/protobuf/types/known/structpb"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/lobby/internal/game/match"
	"github.com/cory-johannsen/lobby/internal/game/world"
	"github.com/cory-johannsen/lobby/internal/gameserver"
	"github.com/cory-johannsen/lobby/internal/scripting"
)

var _ gameserver.ScriptHooks = (*scripting.Manager)(nil)

type broadcastCall struct {
	msgType string
	body    *structpb.Struct
}

type fakeEngine struct {
	mu         sync.Mutex
	players    []world.Player
	broadcasts []broadcastCall
}

func (e *fakeEngine) Players() []world.Player {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]world.Player(nil), e.players...)
}

func (e *fakeEngine) Broadcast(msgType string, body *structpb.Struct) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcasts = append(e.broadcasts, broadcastCall{msgType: msgType, body: body})
	return len(e.players)
}

func (e *fakeEngine) calls() []broadcastCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]broadcastCall(nil), e.broadcasts...)
}

func newTestManager(t testing.TB) (*scripting.Manager, *fakeEngine, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	engine := &fakeEngine{}
	mgr := scripting.NewManager(engine, zap.New(core))
	t.Cleanup(mgr.Close)
	return mgr, engine, logs
}

func writeTempLua(t testing.TB, filename, src string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(src), 0644))
	return dir
}

func TestManager_Load_CallsHook(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	dir := writeTempLua(t, "hooks.lua", `
		function test_hook(a, b)
			return a + b
		end
	`)
	require.NoError(t, mgr.Load(dir, 0))
	ret, err := mgr.CallHook("test_hook", lua.LNumber(3), lua.LNumber(4))
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(7), ret)
}

func TestManager_CallHook_MissingHook_NoOp(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	dir := writeTempLua(t, "empty.lua", `-- no functions`)
	require.NoError(t, mgr.Load(dir, 0))
	ret, err := mgr.CallHook("nonexistent_hook")
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)
}

func TestManager_CallHook_NothingLoaded(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ret, err := mgr.CallHook("on_world_ready")
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)
}

func TestManager_CallHook_RuntimeError_WarnLogNoPanic(t *testing.T) {
	mgr, _, logs := newTestManager(t)
	dir := writeTempLua(t, "bad.lua", `
		function bad_hook()
			error("intentional error")
		end
	`)
	require.NoError(t, mgr.Load(dir, 0))
	ret, err := mgr.CallHook("bad_hook")
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)
	assert.Equal(t, 1, logs.FilterLevelExact(zap.WarnLevel).Len())
}

func TestManager_BudgetIsPerCall(t *testing.T) {
	mgr, _, logs := newTestManager(t)
	dir := writeTempLua(t, "loop.lua", `
		function spin() while true do end end
		function count(n)
			local s = 0
			for i = 1, n do s = s + i end
			return s
		end
	`)
	require.NoError(t, mgr.Load(dir, 500))

	ret, err := mgr.CallHook("spin")
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)
	assert.Equal(t, 1, logs.FilterLevelExact(zap.WarnLevel).Len())

	// each call gets a fresh budget, so a runaway hook does not starve later ones
	for i := 0; i < 5; i++ {
		ret, err = mgr.CallHook("count", lua.LNumber(10))
		require.NoError(t, err)
		assert.Equal(t, lua.LNumber(55), ret)
	}
}

func TestManager_Load_EmptyDir_NoError(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	require.NoError(t, mgr.Load(t.TempDir(), 0))
	ret, err := mgr.CallHook("anything")
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)
}

func TestManager_Load_Errors(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	assert.Error(t, mgr.Load(writeTempLua(t, "bad.lua", `this is not valid lua @@@@`), 0))
	assert.Error(t, mgr.Load(filepath.Join(t.TempDir(), "missing"), 0))
}

func TestManager_Load_FailureKeepsPreviousScripts(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	require.NoError(t, mgr.Load(writeTempLua(t, "ok.lua", `function v() return 1 end`), 0))
	require.Error(t, mgr.Load(writeTempLua(t, "bad.lua", `@@@`), 0))
	ret, err := mgr.CallHook("v")
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(1), ret)
}

func TestManager_Load_MultipleFiles_OrderedByName(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.lua"), []byte(`base_val = 10`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.lua"), []byte(`
		function get_val() return base_val end
	`), 0644))
	require.NoError(t, mgr.Load(dir, 0))
	ret, err := mgr.CallHook("get_val")
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(10), ret)
}

func TestManager_WorldHooks(t *testing.T) {
	mgr, engine, _ := newTestManager(t)
	dir := writeTempLua(t, "world.lua", `
		ready = 0
		last_tick = 0
		function on_world_ready() ready = ready + 1 end
		function on_world_tick(now) last_tick = now end
		function get_ready() return ready end
		function get_tick() return last_tick end
	`)
	require.NoError(t, mgr.Load(dir, 0))

	now := time.UnixMilli(1_700_000_000_123)
	mgr.WorldReady()
	mgr.WorldTick(now)

	ret, _ := mgr.CallHook("get_ready")
	assert.Equal(t, lua.LNumber(1), ret)
	ret, _ = mgr.CallHook("get_tick")
	assert.Equal(t, lua.LNumber(now.UnixMilli()), ret)
	assert.Empty(t, engine.calls())
}

func TestManager_MatchFinishedHook(t *testing.T) {
	mgr, engine, _ := newTestManager(t)
	dir := writeTempLua(t, "match.lua", `
		function on_match_finished(m, payload, success)
			engine.broadcast("match_over", {
				id = m.id,
				group = m.group,
				first = m.users[1],
				count = #m.users,
				winner = payload.winner,
				success = success,
			})
		end
	`)
	require.NoError(t, mgr.Load(dir, 0))

	id := uuid.New()
	payload, err := structpb.NewStruct(map[string]any{"winner": "bob"})
	require.NoError(t, err)
	mgr.MatchFinished(match.Match{ID: id, Group: "arena", Users: []string{"alice", "bob"}}, payload, true)

	calls := engine.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "match_over", calls[0].msgType)
	f := calls[0].body.GetFields()
	assert.Equal(t, id.String(), f["id"].GetStringValue())
	assert.Equal(t, "arena", f["group"].GetStringValue())
	assert.Equal(t, "alice", f["first"].GetStringValue())
	assert.Equal(t, float64(2), f["count"].GetNumberValue())
	assert.Equal(t, "bob", f["winner"].GetStringValue())
	assert.True(t, f["success"].GetBoolValue())
}

func TestManager_MatchFinished_NilPayload(t *testing.T) {
	mgr, engine, _ := newTestManager(t)
	dir := writeTempLua(t, "match.lua", `
		function on_match_finished(m, payload, success)
			local n = 0
			for _ in pairs(payload) do n = n + 1 end
			engine.broadcast("done", { fields = n, success = success })
		end
	`)
	require.NoError(t, mgr.Load(dir, 0))
	mgr.MatchFinished(match.Match{ID: uuid.New()}, nil, false)

	calls := engine.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, float64(0), calls[0].body.GetFields()["fields"].GetNumberValue())
	assert.False(t, calls[0].body.GetFields()["success"].GetBoolValue())
}

func TestNewManager_PanicsOnNilArguments(t *testing.T) {
	assert.Panics(t, func() { scripting.NewManager(nil, zap.NewNop()) })
	assert.Panics(t, func() { scripting.NewManager(&fakeEngine{}, nil) })
}

func TestManager_Close(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	require.NoError(t, mgr.Load(writeTempLua(t, "init.lua", `function get_x() return 1 end`), 0))
	mgr.Close()
	ret, err := mgr.CallHook("get_x")
	assert.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)
	mgr.Close()
}

func TestProperty_CallHookConcurrent_NoRace(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	dir := writeTempLua(t, "hooks.lua", `
		function add(a, b)
			return a + b
		end
	`)
	require.NoError(t, mgr.Load(dir, 0))

	rapid.Check(t, func(rt *rapid.T) {
		goroutines := rapid.IntRange(1, 8).Draw(rt, "goroutines")
		a := rapid.IntRange(-1000, 1000).Draw(rt, "a")
		b := rapid.IntRange(-1000, 1000).Draw(rt, "b")
		var wg sync.WaitGroup
		wg.Add(goroutines)
		for i := 0; i < goroutines; i++ {
			go func() {
				defer wg.Done()
				ret, err := mgr.CallHook("add", lua.LNumber(a), lua.LNumber(b))
				assert.NoError(t, err)
				assert.Equal(t, lua.LNumber(a+b), ret)
			}()
		}
		wg.Wait()
	})
}
