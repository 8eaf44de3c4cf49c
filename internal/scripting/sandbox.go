// Package scripting runs operator-supplied Lua hooks for world and match
// events in a sandboxed GopherLua VM.
package scripting

import (
	"context"
	"strings"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// DefaultInstructionLimit is the opcode budget of one script call when no
// limit is configured.
const DefaultInstructionLimit = 100_000

// removedGlobals can reach the filesystem, load code or defeat the budget.
var removedGlobals = []string{"dofile", "loadfile", "load", "loadstring", "collectgarbage", "require", "module"}

// opBudget is a context whose Done counts down one opcode per call.
// GopherLua polls Done once per instruction.
type opBudget struct {
	context.Context
	cancel    context.CancelFunc
	remaining atomic.Int64
}

func (b *opBudget) Done() <-chan struct{} {
	if b.remaining.Add(-1) <= 0 {
		b.cancel()
	}
	return b.Context.Done()
}

func newOpBudget(limit int) *opBudget {
	if limit <= 0 {
		limit = DefaultInstructionLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &opBudget{Context: ctx, cancel: cancel}
	b.remaining.Store(int64(limit))
	return b
}

// setBudget gives L a fresh opcode budget. The returned cancel releases it.
func setBudget(L *lua.LState, limit int) context.CancelFunc {
	b := newOpBudget(limit)
	L.SetContext(b)
	return b.cancel
}

// newSandbox creates a VM with only the base, table, string and math
// libraries. Loader globals are removed, string.rep is removed, and print
// writes to logger at Info with source=lua.
//
// Postcondition: The caller owns the LState and must call L.Close().
func newSandbox(limit int, logger *zap.Logger) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	if str, ok := L.GetGlobal(lua.StringLibName).(*lua.LTable); ok {
		L.SetField(str, "rep", lua.LNil)
	}
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, L.GetTop())
		for i := range parts {
			parts[i] = L.ToStringMeta(L.Get(i + 1)).String()
		}
		logger.Info(strings.Join(parts, "\t"), zap.String("source", "lua"))
		return 0
	}))

	setBudget(L, limit) //nolint:govet // the budget cancels itself when spent
	return L
}
