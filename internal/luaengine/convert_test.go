package luaengine

import (
	"reflect"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestGoToLuaAndBack(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []any{
		nil,
		true,
		int64(42),
		3.5,
		"hello",
		[]any{int64(1), int64(2), int64(3)},
		map[string]any{"a": int64(1), "b": "two"},
	}

	for _, input := range tests {
		got := luaToGo(goToLua(L, input))
		if !reflect.DeepEqual(got, input) {
			t.Errorf("round trip %#v -> %#v", input, got)
		}
	}
}

func TestNestedStructures(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	input := map[string]any{
		"tag": "hsplit",
		"children": []any{
			map[string]any{"tag": "list"},
			map[string]any{"tag": "terminal", "props": map[string]any{"agent_index": int64(0)}},
		},
	}

	got := luaToGo(goToLua(L, input))
	if !reflect.DeepEqual(got, input) {
		t.Errorf("nested round trip mismatch:\n got %#v\nwant %#v", got, input)
	}
}

func TestIntegralFloatsBecomeInts(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	got := luaToGo(goToLua(L, 2.0))
	if got != int64(2) {
		t.Errorf("got %#v, want int64(2)", got)
	}
}

func TestEmptyTableBecomesMap(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	got := luaToGo(L.NewTable())
	if _, ok := got.(map[string]any); !ok {
		t.Errorf("empty table = %#v, want map", got)
	}
}

func TestJSONToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	v := jsonToLua(L, []byte(`{"type":"resize","cols":100}`))
	table, ok := v.(*lua.LTable)
	if !ok {
		t.Fatalf("jsonToLua = %T, want table", v)
	}
	if table.RawGetString("type").String() != "resize" {
		t.Errorf("type = %v", table.RawGetString("type"))
	}

	// Invalid JSON degrades to the raw string.
	v = jsonToLua(L, []byte("not json"))
	if v.String() != "not json" {
		t.Errorf("fallback = %q", v.String())
	}
}

func TestLuaToJSON(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	table := L.NewTable()
	table.RawSetString("type", lua.LString("pong"))

	data, err := luaToJSON(table)
	if err != nil {
		t.Fatalf("luaToJSON failed: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("json = %s", data)
	}
}
