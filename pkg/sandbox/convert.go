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
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// GlobalRef marks a call argument that should resolve to a global already
// defined in the state (by injected values or by the chunk itself) instead
// of being converted from a Go value.
type GlobalRef string

// ToLua converts a plain Go value into a lua value. Unknown types are
// stringified.
func ToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for _, item := range val {
			tbl.Append(ToLua(L, item))
		}
		return tbl
	case []string:
		tbl := L.NewTable()
		for _, item := range val {
			tbl.Append(lua.LString(item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, ToLua(L, item))
		}
		return tbl
	case map[string]float64:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, lua.LNumber(item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// FromLua converts a lua value into a plain Go value. Tables with only
// consecutive integer keys become slices; everything else becomes maps.
func FromLua(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		return tableToGo(val)
	default:
		return val.String()
	}
}

func tableToGo(tbl *lua.LTable) any {
	maxN := tbl.MaxN()
	if maxN > 0 {
		isArray := true
		count := 0
		tbl.ForEach(func(_, _ lua.LValue) { count++ })
		if count != maxN {
			isArray = false
		}
		if isArray {
			out := make([]any, 0, maxN)
			for i := 1; i <= maxN; i++ {
				out = append(out, FromLua(tbl.RawGetInt(i)))
			}
			return out
		}
	}

	out := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		out[k.String()] = FromLua(v)
	})
	return out
}

// Coerce forces a value into a JSON-serialisable representation,
// stringifying anything that does not marshal.
func Coerce(v any) any {
	if v == nil {
		return nil
	}
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return v
}
