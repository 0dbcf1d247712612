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

// Package executor runs executable artifacts: it resolves access
// contracts, dispatches to the right entry point, and injects the kernel
// surface into the sandbox. Genesis artifacts and agent-built artifacts
// go through exactly the same code path.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/kadirpekel/vivarium/pkg/artifact"
	"github.com/kadirpekel/vivarium/pkg/contract"
	"github.com/kadirpekel/vivarium/pkg/eventlog"
	"github.com/kadirpekel/vivarium/pkg/kernel"
	"github.com/kadirpekel/vivarium/pkg/ledger"
	"github.com/kadirpekel/vivarium/pkg/sandbox"
)

// DefaultMaxContractDepth bounds permission chains.
const DefaultMaxContractDepth = 10

// DefaultOperation is used when an invocation names no method.
const DefaultOperation = "invoke"

// kernelShim assembles the kernel_state and kernel_actions tables from
// the injected syscall functions. It is prepended to every chunk.
const kernelShim = `
kernel_state = {
	get_balance = _kernel_get_balance,
	get_resource = _kernel_get_resource,
	list_artifacts_by_owner = _kernel_list_artifacts_by_owner,
	get_artifact_metadata = _kernel_get_artifact_metadata,
	read_artifact = _kernel_read_artifact,
}
kernel_actions = {
	transfer_scrip = _kernel_transfer_scrip,
	transfer_resource = _kernel_transfer_resource,
	create_principal = _kernel_create_principal,
}
`

// Result is the uniform outcome of every artifact execution.
type Result struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Failure builds a failed result from an error or message.
func Failure(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// GenesisHandler implements one method of a genesis artifact in Go.
type GenesisHandler func(ctx context.Context, caller string, args []any) (any, error)

// LLMSyscall performs a model call on behalf of an artifact. The return
// shape matches what _syscall_llm hands back to Lua.
type LLMSyscall func(ctx context.Context, callerID, model string, messages []map[string]any) map[string]any

// Executor executes artifacts against the world state.
type Executor struct {
	vm       *sandbox.VM
	store    *artifact.Store
	ledger   *ledger.Ledger
	state    *kernel.State
	actions  *kernel.Actions
	resolver *contract.Resolver
	events   *eventlog.Log

	maxContractDepth int
	llm              LLMSyscall

	mu        sync.Mutex
	contracts map[string]contract.Contract
	genesis   map[string]map[string]GenesisHandler
}

// New creates an executor. The contract resolver is built over the
// artifact store so executable contracts are just artifacts with code.
func New(vm *sandbox.VM, store *artifact.Store, led *ledger.Ledger, state *kernel.State, actions *kernel.Actions, events *eventlog.Log, maxContractDepth int) *Executor {
	if maxContractDepth <= 0 {
		maxContractDepth = DefaultMaxContractDepth
	}
	e := &Executor{
		vm:               vm,
		store:            store,
		ledger:           led,
		state:            state,
		actions:          actions,
		events:           events,
		maxContractDepth: maxContractDepth,
		contracts:        make(map[string]contract.Contract),
		genesis:          make(map[string]map[string]GenesisHandler),
	}
	e.resolver = contract.NewResolver(vm, func(id string) (string, bool) {
		a, ok := store.Get(id)
		if !ok || a.Deleted || a.Code == "" {
			return "", false
		}
		return a.Code, true
	})
	state.SetReadGuard(e.GuardedRead)
	return e
}

// SetLLMSyscall wires the model gateway. Until wired, artifacts with the
// can_call_llm capability get a syscall that always fails.
func (e *Executor) SetLLMSyscall(fn LLMSyscall) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.llm = fn
}

// RegisterGenesisMethod installs a Go handler for a genesis artifact
// method. Artifacts with genesis methods never dispatch through
// handle_request.
func (e *Executor) RegisterGenesisMethod(artifactID, method string, handler GenesisHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.genesis[artifactID] == nil {
		e.genesis[artifactID] = make(map[string]GenesisHandler)
	}
	e.genesis[artifactID][method] = handler
}

// Execute invokes an artifact on behalf of callerID. operation defaults
// to "invoke"; for run-convention artifacts it is ignored and args are
// passed positionally.
func (e *Executor) Execute(ctx context.Context, artifactID, callerID, operation string, args []any) Result {
	if operation == "" {
		operation = DefaultOperation
	}

	a, ok := e.store.Get(artifactID)
	if !ok || a.Deleted {
		return Failure("artifact %q not found", artifactID)
	}
	if !a.Executable {
		return Failure("artifact %q is not executable", artifactID)
	}

	decision := e.CheckPermission(ctx, callerID, contract.ActionInvoke, artifactID, nil, 0)
	if !decision.Allowed {
		e.emit("intent_rejected", map[string]any{
			"artifact": artifactID,
			"caller":   callerID,
			"action":   contract.ActionInvoke,
			"reason":   decision.Reason,
		})
		return Failure("permission denied: %s", decision.Reason)
	}

	if methods, ok := e.genesisMethods(artifactID); ok {
		handler, ok := methods[operation]
		if !ok {
			return Failure("artifact %q has no method %q", artifactID, operation)
		}
		value, err := handler(ctx, callerID, args)
		if err != nil {
			return Failure("%v", err)
		}
		return Result{Success: true, Result: sandbox.Coerce(value)}
	}

	if a.Code == "" {
		return Failure("artifact %q has no code", artifactID)
	}

	entry := artifact.DetectEntryPoint(a.Code, a.GenesisMethods)
	var (
		value any
		err   error
	)
	switch entry {
	case artifact.EntryPointHandleRequest:
		value, err = e.vm.Call(ctx, kernelShim+a.Code, "handle_request",
			e.syscalls(ctx, a), e.globals(callerID), callerID, operation, args)
	case artifact.EntryPointRun:
		value, err = e.vm.Call(ctx, kernelShim+a.Code, "run",
			e.syscalls(ctx, a), e.globals(callerID), args...)
	default:
		return Failure("artifact %q defines no entry point", artifactID)
	}
	if err != nil {
		return Failure("%v", err)
	}
	return Result{Success: true, Result: sandbox.Coerce(value)}
}

// CheckPermission consults the target's access contract. depth counts
// the permission chain so far; chains at or past the configured maximum
// are denied outright.
func (e *Executor) CheckPermission(ctx context.Context, caller, action, targetID string, callContext map[string]any, depth int) contract.Decision {
	if depth >= e.maxContractDepth {
		return contract.Deny("contract depth %d reached limit %d", depth, e.maxContractDepth)
	}

	target, ok := e.store.Get(targetID)
	if !ok || target.Deleted {
		return contract.Deny("target %q not found", targetID)
	}
	if target.AccessContractID == "" {
		return contract.Allow("no contract attached", 0)
	}

	// Consulting a contract is itself a guarded read when the contract
	// artifact carries its own access contract. The chain recurses with
	// depth+1 so cycles and long chains hit the limit above.
	if ca, ok := e.store.Get(target.AccessContractID); ok && !ca.Deleted && ca.AccessContractID != "" {
		chain := e.CheckPermission(ctx, caller, contract.ActionRead, target.AccessContractID, callContext, depth+1)
		if !chain.Allowed {
			return contract.Deny("contract %q not consultable: %s", target.AccessContractID, chain.Reason)
		}
	}

	c := e.cachedContract(target.AccessContractID)
	return c.Check(ctx, contract.Request{
		Caller:  caller,
		Action:  action,
		Target:  targetID,
		Owner:   target.CreatedBy,
		Context: callContext,
	}, e.ledger)
}

// GuardedRead is the contract-aware read path wired into kernel_state.
func (e *Executor) GuardedRead(id, callerID string) (string, error) {
	a, ok := e.store.Get(id)
	if !ok || a.Deleted {
		return "", fmt.Errorf("%w: %q", artifact.ErrNotFound, id)
	}
	decision := e.CheckPermission(context.Background(), callerID, contract.ActionRead, id, nil, 0)
	if !decision.Allowed {
		return "", fmt.Errorf("%w: %s", artifact.ErrPermissionDenied, decision.Reason)
	}
	return a.Content, nil
}

// Write stores an artifact on behalf of callerID, consulting the access
// contract of an existing target before overwriting it.
func (e *Executor) Write(ctx context.Context, p artifact.WriteParams) (*artifact.Artifact, error) {
	if existing, ok := e.store.Get(p.ID); ok && !existing.Deleted && existing.CreatedBy != p.Caller {
		decision := e.CheckPermission(ctx, p.Caller, contract.ActionWrite, p.ID, nil, 0)
		if !decision.Allowed {
			return nil, fmt.Errorf("%w: %s", artifact.ErrPermissionDenied, decision.Reason)
		}
		return e.store.WriteAuthorized(p)
	}
	return e.store.Write(p)
}

// Delete tombstones an artifact on behalf of callerID, consulting the
// access contract when the caller is not the owner.
func (e *Executor) Delete(ctx context.Context, id, callerID string) error {
	if existing, ok := e.store.Get(id); ok && !existing.Deleted && existing.CreatedBy != callerID {
		decision := e.CheckPermission(ctx, callerID, contract.ActionDelete, id, nil, 0)
		if !decision.Allowed {
			return fmt.Errorf("%w: %s", artifact.ErrPermissionDenied, decision.Reason)
		}
		return e.store.DeleteAuthorized(id, callerID)
	}
	return e.store.Delete(id, callerID)
}

// InvalidateContract drops a cached contract, for when its backing
// artifact changes.
func (e *Executor) InvalidateContract(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.contracts, id)
}

func (e *Executor) cachedContract(id string) contract.Contract {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.contracts[id]; ok {
		return c
	}
	c := e.resolver.Resolve(id)
	e.contracts[id] = c
	return c
}

func (e *Executor) genesisMethods(artifactID string) (map[string]GenesisHandler, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.genesis[artifactID]
	return m, ok
}

func (e *Executor) emit(eventType string, payload map[string]any) {
	if e.events == nil {
		return
	}
	if _, err := e.events.Append(eventType, payload); err != nil {
		slog.Warn("Failed to append executor event", "event_type", eventType, "error", err)
	}
}

// globals are the plain values injected into every execution.
func (e *Executor) globals(callerID string) map[string]any {
	return map[string]any{"caller_id": callerID}
}

// syscalls builds the Go-backed functions injected into the sandbox for
// one execution: the kernel surface, plus _syscall_llm when the artifact
// holds the can_call_llm capability.
func (e *Executor) syscalls(ctx context.Context, a *artifact.Artifact) map[string]lua.LGFunction {
	fns := map[string]lua.LGFunction{
		"_kernel_get_balance": func(l *lua.LState) int {
			l.Push(lua.LNumber(e.state.GetBalance(l.CheckString(1))))
			return 1
		},
		"_kernel_get_resource": func(l *lua.LState) int {
			l.Push(lua.LNumber(e.state.GetResource(l.CheckString(1), l.CheckString(2))))
			return 1
		},
		"_kernel_list_artifacts_by_owner": func(l *lua.LState) int {
			l.Push(sandbox.ToLua(l, e.state.ListArtifactsByOwner(l.CheckString(1))))
			return 1
		},
		"_kernel_get_artifact_metadata": func(l *lua.LState) int {
			meta, ok := e.state.GetArtifactMetadata(l.CheckString(1))
			if !ok {
				l.Push(lua.LNil)
				return 1
			}
			l.Push(sandbox.ToLua(l, meta))
			return 1
		},
		"_kernel_read_artifact": func(l *lua.LState) int {
			content, err := e.state.ReadArtifact(l.CheckString(1), l.CheckString(2))
			if err != nil {
				l.Push(lua.LNil)
				l.Push(lua.LString(err.Error()))
				return 2
			}
			l.Push(lua.LString(content))
			return 1
		},
		"_kernel_transfer_scrip": func(l *lua.LState) int {
			caller := l.CheckString(1)
			if err := kernel.VerifyCaller(a.ID, caller); err != nil {
				l.Push(lua.LFalse)
				l.Push(lua.LString(err.Error()))
				return 2
			}
			if err := e.actions.TransferScrip(caller, l.CheckString(2), int64(l.CheckNumber(3))); err != nil {
				l.Push(lua.LFalse)
				l.Push(lua.LString(err.Error()))
				return 2
			}
			l.Push(lua.LTrue)
			return 1
		},
		"_kernel_transfer_resource": func(l *lua.LState) int {
			caller := l.CheckString(1)
			if err := kernel.VerifyCaller(a.ID, caller); err != nil {
				l.Push(lua.LFalse)
				l.Push(lua.LString(err.Error()))
				return 2
			}
			if err := e.actions.TransferResource(caller, l.CheckString(2), l.CheckString(3), float64(l.CheckNumber(4))); err != nil {
				l.Push(lua.LFalse)
				l.Push(lua.LString(err.Error()))
				return 2
			}
			l.Push(lua.LTrue)
			return 1
		},
		"_kernel_create_principal": func(l *lua.LState) int {
			if err := e.actions.CreatePrincipal(a.ID, l.CheckString(1), int64(l.CheckNumber(2))); err != nil {
				l.Push(lua.LFalse)
				l.Push(lua.LString(err.Error()))
				return 2
			}
			l.Push(lua.LTrue)
			return 1
		},
	}

	if a.HasCapability(artifact.CapabilityCallLLM) {
		fns["_syscall_llm"] = e.llmSyscall(ctx, a.ID)
	}
	return fns
}

func (e *Executor) llmSyscall(ctx context.Context, artifactID string) lua.LGFunction {
	return func(l *lua.LState) int {
		model := l.CheckString(1)
		raw := sandbox.FromLua(l.CheckTable(2))

		items, ok := raw.([]any)
		if !ok {
			l.Push(sandbox.ToLua(l, map[string]any{
				"success": false,
				"error":   "messages must be a list",
			}))
			return 1
		}
		messages := make([]map[string]any, 0, len(items))
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				l.Push(sandbox.ToLua(l, map[string]any{
					"success": false,
					"error":   "each message must be a table",
				}))
				return 1
			}
			messages = append(messages, m)
		}

		e.mu.Lock()
		gateway := e.llm
		e.mu.Unlock()
		if gateway == nil {
			l.Push(sandbox.ToLua(l, map[string]any{
				"success": false,
				"error":   "no model gateway configured",
			}))
			return 1
		}
		l.Push(sandbox.ToLua(l, gateway(ctx, artifactID, model, messages)))
		return 1
	}
}
