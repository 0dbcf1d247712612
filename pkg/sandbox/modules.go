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

package sandbox

import (
	"encoding/json"
	"math/rand"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// installJSONModule exposes json.encode and json.decode backed by
// encoding/json. decode returns (value, nil) or (nil, error_string).
func installJSONModule(L *lua.LState) {
	mod := L.NewTable()
	mod.RawSetString("encode", L.NewFunction(func(l *lua.LState) int {
		v := FromLua(l.CheckAny(1))
		data, err := json.Marshal(v)
		if err != nil {
			l.Push(lua.LNil)
			l.Push(lua.LString(err.Error()))
			return 2
		}
		l.Push(lua.LString(data))
		return 1
	}))
	mod.RawSetString("decode", L.NewFunction(func(l *lua.LState) int {
		var v any
		if err := json.Unmarshal([]byte(l.CheckString(1)), &v); err != nil {
			l.Push(lua.LNil)
			l.Push(lua.LString(err.Error()))
			return 2
		}
		l.Push(ToLua(l, v))
		return 1
	}))
	L.SetGlobal("json", mod)
}

// installTimeModule exposes time.now (epoch seconds) and time.clock
// (monotonic-ish fractional seconds). There is no sleep; artifact code
// yields by returning.
func installTimeModule(L *lua.LState) {
	start := time.Now()
	mod := L.NewTable()
	mod.RawSetString("now", L.NewFunction(func(l *lua.LState) int {
		l.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	mod.RawSetString("clock", L.NewFunction(func(l *lua.LState) int {
		l.Push(lua.LNumber(time.Since(start).Seconds()))
		return 1
	}))
	L.SetGlobal("time", mod)
}

// installRandomModule exposes random.random() in [0,1) and
// random.randint(lo, hi) inclusive.
func installRandomModule(L *lua.LState) {
	mod := L.NewTable()
	mod.RawSetString("random", L.NewFunction(func(l *lua.LState) int {
		l.Push(lua.LNumber(rand.Float64()))
		return 1
	}))
	mod.RawSetString("randint", L.NewFunction(func(l *lua.LState) int {
		lo := l.CheckInt(1)
		hi := l.CheckInt(2)
		if hi < lo {
			l.ArgError(2, "upper bound below lower bound")
			return 0
		}
		l.Push(lua.LNumber(lo + rand.Intn(hi-lo+1)))
		return 1
	}))
	L.SetGlobal("random", mod)
}
