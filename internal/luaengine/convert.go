package luaengine

import (
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// goToLua converts a Go value (JSON-shaped: nil, bool, float64, int,
// string, []byte, []any, map[string]any) into a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return lua.LString(val)
		}
		return goToLua(L, decoded)
	case []any:
		t := L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, goToLua(L, item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, goToLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua value into a JSON-shaped Go value. Tables with
// only positive integer keys become slices; everything else becomes maps.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		f := float64(val)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(val)
	case *lua.LTable:
		return tableToGo(val)
	default:
		return v.String()
	}
}

// tableToGo converts a Lua table, picking slice or map shape.
func tableToGo(t *lua.LTable) any {
	maxN := t.MaxN()
	if maxN > 0 {
		isArray := true
		t.ForEach(func(k, _ lua.LValue) {
			if n, ok := k.(lua.LNumber); !ok || float64(n) != float64(int(n)) || int(n) < 1 || int(n) > maxN {
				isArray = false
			}
		})
		if isArray {
			out := make([]any, 0, maxN)
			for i := 1; i <= maxN; i++ {
				out = append(out, luaToGo(t.RawGetInt(i)))
			}
			return out
		}
	}

	out := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		out[k.String()] = luaToGo(v)
	})
	if len(out) == 0 {
		return map[string]any{}
	}
	return out
}

// luaToJSON renders a Lua value as JSON bytes.
func luaToJSON(v lua.LValue) (json.RawMessage, error) {
	return json.Marshal(luaToGo(v))
}

// jsonToLua parses JSON bytes into a Lua value.
func jsonToLua(L *lua.LState, data []byte) lua.LValue {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return lua.LString(data)
	}
	return goToLua(L, decoded)
}
