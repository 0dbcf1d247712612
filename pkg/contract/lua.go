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

package contract

import (
	"context"
	"log/slog"

	lua "github.com/yuin/gopher-lua"

	"github.com/kadirpekel/vivarium/pkg/sandbox"
)

// EntryPoint is the function a Lua contract must define.
const EntryPoint = "check_permission"

// ledgerShim builds the read-only ledger table handed to check_permission
// as its fifth argument.
const ledgerShim = `
__ledger_view = {
	get_balance = _ledger_get_balance,
	exists = _ledger_exists,
}
`

// LuaContract runs artifact-authored policy code in the sandbox. Any
// failure mode (parse error, missing function, runtime error, timeout,
// malformed return) resolves to deny with a reason, never to a panic or
// an allowed-by-accident.
type LuaContract struct {
	ID   string
	Code string
	vm   *sandbox.VM
}

// NewLuaContract wraps contract code for execution on the given VM.
func NewLuaContract(id, code string, vm *sandbox.VM) *LuaContract {
	return &LuaContract{ID: id, Code: code, vm: vm}
}

func (c *LuaContract) Check(ctx context.Context, req Request, ledger LedgerView) Decision {
	globals := map[string]lua.LGFunction{
		"_ledger_get_balance": func(l *lua.LState) int {
			if ledger == nil {
				l.Push(lua.LNumber(0))
				return 1
			}
			l.Push(lua.LNumber(ledger.GetScrip(l.CheckString(1))))
			return 1
		},
		"_ledger_exists": func(l *lua.LState) int {
			if ledger == nil {
				l.Push(lua.LFalse)
				return 1
			}
			l.Push(lua.LBool(ledger.Exists(l.CheckString(1))))
			return 1
		},
	}
	values := map[string]any{"owner": req.Owner}

	result, err := c.vm.Call(ctx, c.Code+ledgerShim, EntryPoint,
		globals, values,
		req.Caller, req.Action, req.Target, req.Context,
		sandbox.GlobalRef("__ledger_view"))
	if err != nil {
		slog.Debug("Contract execution failed", "contract", c.ID, "error", err)
		return Deny("contract %q failed: %v", c.ID, err)
	}
	return parseDecision(c.ID, result)
}

// parseDecision coerces a check_permission return value into a Decision.
// Anything that is not a table with a boolean allowed field is a deny.
func parseDecision(id string, result any) Decision {
	m, ok := result.(map[string]any)
	if !ok {
		return Deny("contract %q returned malformed decision (not a table)", id)
	}
	allowed, ok := m["allowed"].(bool)
	if !ok {
		return Deny("contract %q returned malformed decision (allowed missing or not boolean)", id)
	}

	d := Decision{Allowed: allowed}
	if reason, ok := m["reason"].(string); ok {
		d.Reason = reason
	}
	if cost, ok := m["cost"].(float64); ok {
		if cost < 0 {
			return Deny("contract %q returned negative cost", id)
		}
		d.Cost = int64(cost)
	}
	if conditions, ok := m["conditions"].(map[string]any); ok {
		d.Conditions = conditions
	}
	return d
}
