package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func TestVM_CallReturnsValue(t *testing.T) {
	vm := NewVM(time.Second)

	result, err := vm.Call(context.Background(), "function run(x, y)\n  return x + y\nend", "run", nil, nil, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, float64(7), result)
}

func TestVM_CallReturnsTable(t *testing.T) {
	vm := NewVM(time.Second)

	code := `function run()
  return {status = "ok", items = {1, 2, 3}}
end`
	result, err := vm.Call(context.Background(), code, "run", nil, nil)
	require.NoError(t, err)

	m, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", m["status"])
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, m["items"])
}

func TestVM_RuntimeErrorIsContained(t *testing.T) {
	vm := NewVM(time.Second)

	_, err := vm.Call(context.Background(), "function run()\n  error(\"boom\")\nend", "run", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.NotContains(t, err.Error(), "stack traceback")
}

func TestVM_MissingEntryPoint(t *testing.T) {
	vm := NewVM(time.Second)

	_, err := vm.Call(context.Background(), "local x = 1", "run", nil, nil)
	require.ErrorIs(t, err, ErrNoEntryPoint)
}

func TestVM_Timeout(t *testing.T) {
	vm := NewVM(100 * time.Millisecond)

	_, err := vm.Call(context.Background(), "function run()\n  while true do end\nend", "run", nil, nil)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestVM_TopLevelTimeout(t *testing.T) {
	vm := NewVM(100 * time.Millisecond)

	_, err := vm.Call(context.Background(), "while true do end", "run", nil, nil)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestVM_InjectedGlobalsAndValues(t *testing.T) {
	vm := NewVM(time.Second)

	called := false
	globals := map[string]lua.LGFunction{
		"_syscall_echo": func(l *lua.LState) int {
			called = true
			l.Push(lua.LString("echo:" + l.CheckString(1)))
			return 1
		},
	}
	values := map[string]any{"caller": "alice"}

	result, err := vm.Call(context.Background(), "function run()\n  return _syscall_echo(caller)\nend", "run", globals, values)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "echo:alice", result)
}

func TestVM_DangerousGlobalsStripped(t *testing.T) {
	vm := NewVM(time.Second)

	for _, name := range []string{"io", "os", "require", "dofile", "loadstring", "debug"} {
		code := "function run()\n  return " + name + " == nil\nend"
		result, err := vm.Call(context.Background(), code, "run", nil, nil)
		require.NoError(t, err, name)
		assert.Equal(t, true, result, name)
	}
}

func TestVM_HelperModules(t *testing.T) {
	vm := NewVM(time.Second)

	code := `function run()
  local encoded = json.encode({n = 42})
  local decoded = json.decode(encoded)
  local r = random.randint(1, 6)
  return {n = decoded.n, now = time.now(), roll = r}
end`
	result, err := vm.Call(context.Background(), code, "run", nil, nil)
	require.NoError(t, err)

	m, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), m["n"])
	assert.Greater(t, m["now"], float64(0))
	roll := m["roll"].(float64)
	assert.GreaterOrEqual(t, roll, float64(1))
	assert.LessOrEqual(t, roll, float64(6))
}

func TestVM_Validate(t *testing.T) {
	vm := NewVM(time.Second)

	require.NoError(t, vm.Validate("function run() return 1 end", "run", "handle_request"))
	require.NoError(t, vm.Validate("x = 1")) // no entry points required

	err := vm.Validate("function other() end", "run")
	require.ErrorIs(t, err, ErrNoEntryPoint)

	err = vm.Validate("function run( broken", "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}
