package scripting

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/lobby/internal/game/world"
)

// maxTableDepth bounds Lua table conversion.
const maxTableDepth = 16

// RegisterModules installs the engine global into L:
//
//	engine.log.debug/info/warn/error(msg)
//	engine.players() -> { {name, x, y, z}, ... }
//	engine.broadcast(type, table) -> delivered count
//
// Precondition: L must come from newSandbox.
func (m *Manager) RegisterModules(L *lua.LState) {
	engine := L.NewTable()

	logTbl := L.NewTable()
	for name, fn := range map[string]func(string, ...zap.Field){
		"debug": m.logger.Debug,
		"info":  m.logger.Info,
		"warn":  m.logger.Warn,
		"error": m.logger.Error,
	} {
		logFn := fn
		L.SetField(logTbl, name, L.NewFunction(func(L *lua.LState) int {
			logFn(L.CheckString(1), zap.String("source", "lua"))
			return 0
		}))
	}
	L.SetField(engine, "log", logTbl)

	L.SetField(engine, "players", L.NewFunction(m.luaPlayers))
	L.SetField(engine, "broadcast", L.NewFunction(m.luaBroadcast))
	L.SetGlobal("engine", engine)
}

func (m *Manager) luaPlayers(L *lua.LState) int {
	players := m.engine.Players()
	list := L.CreateTable(len(players), 0)
	for _, p := range players {
		list.Append(playerToTable(L, p))
	}
	L.Push(list)
	return 1
}

func (m *Manager) luaBroadcast(L *lua.LState) int {
	msgType := L.CheckString(1)
	body := &structpb.Struct{}
	if L.GetTop() >= 2 && L.Get(2) != lua.LNil {
		var err error
		body, err = tableToStruct(L.CheckTable(2), 0)
		if err != nil {
			L.ArgError(2, err.Error())
			return 0
		}
	}
	L.Push(lua.LNumber(m.engine.Broadcast(msgType, body)))
	return 1
}

func playerToTable(L *lua.LState, p world.Player) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("name", lua.LString(p.Name))
	t.RawSetString("x", lua.LNumber(p.Position.X))
	t.RawSetString("y", lua.LNumber(p.Position.Y))
	t.RawSetString("z", lua.LNumber(p.Position.Z))
	return t
}

// structToTable converts s to a Lua table; nil becomes an empty table.
func structToTable(L *lua.LState, s *structpb.Struct) *lua.LTable {
	t := L.NewTable()
	for k, v := range s.GetFields() {
		t.RawSetString(k, valueToLua(L, v))
	}
	return t
}

func valueToLua(L *lua.LState, v *structpb.Value) lua.LValue {
	switch k := v.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return lua.LBool(k.BoolValue)
	case *structpb.Value_NumberValue:
		return lua.LNumber(k.NumberValue)
	case *structpb.Value_StringValue:
		return lua.LString(k.StringValue)
	case *structpb.Value_StructValue:
		return structToTable(L, k.StructValue)
	case *structpb.Value_ListValue:
		t := L.CreateTable(len(k.ListValue.GetValues()), 0)
		for _, item := range k.ListValue.GetValues() {
			t.Append(valueToLua(L, item))
		}
		return t
	default:
		return lua.LNil
	}
}

// tableToStruct converts a Lua table with string keys to a Struct.
func tableToStruct(t *lua.LTable, depth int) (*structpb.Struct, error) {
	if depth > maxTableDepth {
		return nil, fmt.Errorf("table nested deeper than %d", maxTableDepth)
	}
	s := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	var err error
	t.ForEach(func(k, v lua.LValue) {
		if err != nil {
			return
		}
		key, ok := k.(lua.LString)
		if !ok {
			err = fmt.Errorf("table key %s is not a string", k.String())
			return
		}
		var val *structpb.Value
		if val, err = luaToValue(v, depth+1); err == nil {
			s.Fields[string(key)] = val
		}
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func luaToValue(v lua.LValue, depth int) (*structpb.Value, error) {
	switch lv := v.(type) {
	case lua.LBool:
		return structpb.NewBoolValue(bool(lv)), nil
	case lua.LNumber:
		return structpb.NewNumberValue(float64(lv)), nil
	case lua.LString:
		return structpb.NewStringValue(string(lv)), nil
	case *lua.LTable:
		if n := lv.MaxN(); n > 0 {
			if depth > maxTableDepth {
				return nil, fmt.Errorf("table nested deeper than %d", maxTableDepth)
			}
			values := make([]*structpb.Value, 0, n)
			for i := 1; i <= n; i++ {
				item, err := luaToValue(lv.RawGetInt(i), depth+1)
				if err != nil {
					return nil, err
				}
				values = append(values, item)
			}
			return structpb.NewListValue(&structpb.ListValue{Values: values}), nil
		}
		s, err := tableToStruct(lv, depth)
		if err != nil {
			return nil, err
		}
		return structpb.NewStructValue(s), nil
	default:
		if v == lua.LNil {
			return structpb.NewNullValue(), nil
		}
		return nil, fmt.Errorf("unsupported Lua type %s", v.Type().String())
	}
}
