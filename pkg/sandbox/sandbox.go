// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sandbox runs untrusted artifact code in a restricted Lua state.
//
// The sandbox opens only the base, table, string, and math libraries,
// strips filesystem/loader globals, and preloads Go-backed helper modules
// (json, time, random). Callers inject additional globals per call; a
// wall-clock timeout bounds every execution. Host errors never escape:
// every failure comes back as an error value.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

var (
	// ErrTimeout is returned when a call exceeds its wall-clock bound.
	ErrTimeout = errors.New("execution timed out")

	// ErrNoEntryPoint is returned when the requested function is not
	// defined by the code.
	ErrNoEntryPoint = errors.New("entry point not defined")
)

// disallowed lists globals removed after opening the base library.
var disallowed = []string{
	"dofile", "loadfile", "load", "loadstring", "require",
	"rawget", "rawset", "rawequal", "getfenv", "setfenv",
	"collectgarbage", "newproxy", "module", "package", "io", "os", "debug",
}

// VM executes Lua chunks in fresh restricted states. It is stateless and
// safe for concurrent use; each call builds its own lua.LState.
type VM struct {
	timeout time.Duration
}

// NewVM creates a VM with the given per-call timeout. Zero means no bound.
func NewVM(timeout time.Duration) *VM {
	return &VM{timeout: timeout}
}

// Call loads code into a restricted state, injects globals, and invokes
// the named function with args. The result is converted to a plain Go
// value (nil, bool, float64, string, []any, map[string]any).
func (vm *VM) Call(ctx context.Context, code, fn string, globals map[string]lua.LGFunction, values map[string]any, args ...any) (any, error) {
	if vm.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, vm.timeout)
		defer cancel()
	}

	L := newRestrictedState()
	defer L.Close()
	L.SetContext(ctx)

	for name, gofn := range globals {
		L.SetGlobal(name, L.NewFunction(gofn))
	}
	for name, v := range values {
		L.SetGlobal(name, ToLua(L, v))
	}

	if err := L.DoString(code); err != nil {
		return nil, wrapLuaError(err)
	}

	target := L.GetGlobal(fn)
	if target.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: %s", ErrNoEntryPoint, fn)
	}

	largs := make([]lua.LValue, len(args))
	for i, a := range args {
		if ref, ok := a.(GlobalRef); ok {
			largs[i] = L.GetGlobal(string(ref))
			continue
		}
		largs[i] = ToLua(L, a)
	}
	if err := L.CallByParam(lua.P{Fn: target, NRet: 1, Protect: true}, largs...); err != nil {
		return nil, wrapLuaError(err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return FromLua(ret), nil
}

// Validate checks that code parses and defines at least one of the given
// entry points.
func (vm *VM) Validate(code string, entryPoints ...string) error {
	L := newRestrictedState()
	defer L.Close()
	if vm.timeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), vm.timeout)
		defer cancel()
		L.SetContext(ctx)
	}

	if _, err := L.LoadString(code); err != nil {
		return fmt.Errorf("code does not parse: %w", err)
	}
	if len(entryPoints) == 0 {
		return nil
	}
	if err := L.DoString(code); err != nil {
		return fmt.Errorf("code failed to load: %w", err)
	}
	for _, ep := range entryPoints {
		if L.GetGlobal(ep).Type() == lua.LTFunction {
			return nil
		}
	}
	return fmt.Errorf("%w: expected one of %s", ErrNoEntryPoint, strings.Join(entryPoints, ", "))
}

// newRestrictedState builds a lua state with the safe library subset and
// helper modules loaded.
func newRestrictedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage}, // must be first
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			panic(err)
		}
	}

	for _, name := range disallowed {
		L.SetGlobal(name, lua.LNil)
	}
	// print routes nowhere; artifact output travels through return values.
	L.SetGlobal("print", L.NewFunction(func(l *lua.LState) int { return 0 }))

	installJSONModule(L)
	installTimeModule(L)
	installRandomModule(L)
	return L
}

func wrapLuaError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, context.DeadlineExceeded.Error()) ||
		strings.Contains(msg, context.Canceled.Error()) {
		return fmt.Errorf("%w: %s", ErrTimeout, msg)
	}
	return errors.New(sanitizeLuaError(msg))
}

// sanitizeLuaError trims gopher-lua stack traces down to the first line.
func sanitizeLuaError(msg string) string {
	if idx := strings.Index(msg, "\nstack traceback"); idx >= 0 {
		msg = msg[:idx]
	}
	return strings.TrimSpace(msg)
}
