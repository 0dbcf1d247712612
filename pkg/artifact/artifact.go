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

// Package artifact defines the addressable objects of the world and the
// store that owns them. Artifacts are immutable by default, owned by
// exactly one principal, and tombstoned rather than removed.
package artifact

import (
	"strings"
	"time"
)

// Type enumerates artifact kinds. The runtime treats them polymorphically
// via the boolean flags; the type is descriptive.
type Type string

const (
	TypeData       Type = "data"
	TypeExecutable Type = "executable"
	TypeAgent      Type = "agent"
	TypeHandbook   Type = "handbook"
	TypeReflex     Type = "reflex"
	TypeTrigger    Type = "trigger"
)

// CapabilityCallLLM gates the _syscall_llm kernel primitive.
const CapabilityCallLLM = "can_call_llm"

// EntryPoint names the convention an executable artifact's code follows.
type EntryPoint string

const (
	EntryPointNone          EntryPoint = ""
	EntryPointRun           EntryPoint = "run"
	EntryPointHandleRequest EntryPoint = "handle_request"
)

// Artifact is an addressable object in the world, possibly carrying code
// executed in the sandbox.
type Artifact struct {
	ID               string            `json:"id"`
	Type             Type              `json:"type"`
	CreatedBy        string            `json:"created_by"`
	Content          string            `json:"content,omitempty"`
	Code             string            `json:"code,omitempty"`
	Executable       bool              `json:"executable"`
	HasStanding      bool              `json:"has_standing"`
	HasLoop          bool              `json:"has_loop"`
	Deleted          bool              `json:"deleted"`
	Capabilities     []string          `json:"capabilities,omitempty"`
	AccessContractID string            `json:"access_contract_id,omitempty"`
	GenesisMethods   map[string]string `json:"genesis_methods,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// HasCapability reports whether the artifact declares the capability.
func (a *Artifact) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (a *Artifact) Clone() *Artifact {
	cp := *a
	if a.Capabilities != nil {
		cp.Capabilities = append([]string(nil), a.Capabilities...)
	}
	if a.GenesisMethods != nil {
		cp.GenesisMethods = make(map[string]string, len(a.GenesisMethods))
		for k, v := range a.GenesisMethods {
			cp.GenesisMethods[k] = v
		}
	}
	return &cp
}

// DetectEntryPoint inspects code for its execution convention. Artifacts
// declaring genesis_methods use registered method dispatch and are never
// reported as handle_request.
func DetectEntryPoint(code string, genesisMethods map[string]string) EntryPoint {
	if code == "" {
		return EntryPointNone
	}
	if len(genesisMethods) == 0 && definesFunction(code, "handle_request") {
		return EntryPointHandleRequest
	}
	if definesFunction(code, "run") {
		return EntryPointRun
	}
	return EntryPointNone
}

// definesFunction looks for a top-level lua definition of name, in either
// the statement or assignment form.
func definesFunction(code, name string) bool {
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "function "+name+"(") {
			return true
		}
		if strings.HasPrefix(trimmed, name+" = function") || strings.HasPrefix(trimmed, name+"=function") {
			return true
		}
	}
	return false
}
