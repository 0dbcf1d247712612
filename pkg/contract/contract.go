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

// Package contract implements access-control contracts for artifacts.
//
// A contract answers one question: may caller perform action on target,
// and at what cost. Built-in contracts cover the common policies
// (freeware, private, paid); arbitrary policies run as sandboxed Lua
// code defining check_permission. Contract failures always resolve to
// deny, never to an error that would abort the calling operation.
package contract

import (
	"context"
	"fmt"
)

// Actions a contract is consulted about.
const (
	ActionRead     = "read"
	ActionInvoke   = "invoke"
	ActionWrite    = "write"
	ActionTransfer = "transfer"
	ActionDelete   = "delete"
)

// Built-in contract IDs.
const (
	BuiltinFreeware = "freeware"
	BuiltinPrivate  = "private"
	BuiltinPaid     = "paid"
)

// Decision is the outcome of a permission check. Cost is denominated in
// scrip and is informational: settling it is the caller's responsibility.
type Decision struct {
	Allowed    bool           `json:"allowed"`
	Reason     string         `json:"reason"`
	Cost       int64          `json:"cost"`
	Conditions map[string]any `json:"conditions,omitempty"`
}

// Request describes the operation a contract is consulted about.
type Request struct {
	Caller  string
	Action  string
	Target  string
	Owner   string
	Context map[string]any
}

// LedgerView is the read-only ledger surface exposed to contracts.
type LedgerView interface {
	GetScrip(id string) int64
	Exists(id string) bool
}

// Contract decides whether an operation is permitted.
type Contract interface {
	Check(ctx context.Context, req Request, ledger LedgerView) Decision
}

// Deny builds a denying decision.
func Deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Allow builds an allowing decision at the given cost.
func Allow(reason string, cost int64) Decision {
	return Decision{Allowed: true, Reason: reason, Cost: cost}
}
