package scripting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"
)

func TestSandbox_RemovesUnsafeGlobals(t *testing.T) {
	L := newSandbox(0, zap.NewNop())
	defer L.Close()

	for _, name := range append([]string{"os", "io", "debug", "package"}, removedGlobals...) {
		assert.Equal(t, lua.LNil, L.GetGlobal(name), "%s should be nil", name)
	}
	assert.Error(t, L.DoString(`return string.rep("x", 10)`))
}

func TestSandbox_SafeLibraries(t *testing.T) {
	L := newSandbox(0, zap.NewNop())
	defer L.Close()

	require.NoError(t, L.DoString(`
		assert(math.floor(2.5) == 2)
		assert(string.format("%s-%d", "room", 1) == "room-1")
		local t = {3, 1, 2}
		table.sort(t)
		assert(t[1] == 1 and t[3] == 3)
	`))
}

func TestSandbox_PrintLogs(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	L := newSandbox(0, zap.New(core))
	defer L.Close()

	require.NoError(t, L.DoString(`print("tick", 3, true)`))
	entries := logs.FilterField(zap.String("source", "lua")).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "tick\t3\ttrue", entries[0].Message)
}

func TestSetBudget_ResetsPerCall(t *testing.T) {
	L := newSandbox(1000, zap.NewNop())
	defer L.Close()

	// Each call spends a few hundred opcodes; five calls exceed one budget.
	loop := `local n = 0 for i = 1, 60 do n = n + i end`
	for i := 0; i < 5; i++ {
		cancel := setBudget(L, 1000)
		assert.NoError(t, L.DoString(loop), "call %d", i)
		cancel()
	}
}

// Property: an unbounded loop always stops with an error under any budget.
func TestProperty_BudgetStopsInfiniteLoop(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 500).Draw(t, "limit")
		L := newSandbox(limit, zap.NewNop())
		defer L.Close()
		if err := L.DoString(`while true do end`); err == nil {
			t.Fatalf("loop finished with limit=%d", limit)
		}
	})
}
