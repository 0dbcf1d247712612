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

package loop

import "time"

// State is a loop's lifecycle phase.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateSleeping State = "SLEEPING"
	StatePaused   State = "PAUSED"
	StateStopping State = "STOPPING"
)

// Wake condition kinds.
const (
	WakeKindTime     = "time"
	WakeKindEvent    = "event"
	WakeKindResource = "resource"
)

// WakeCondition describes when a sleeping loop should resume. Event and
// resource conditions are evaluated through the loop's condition checker;
// without one they are satisfied only by an explicit Wake.
type WakeCondition struct {
	Kind      string    `json:"kind"`
	At        time.Time `json:"at,omitempty"`
	Event     string    `json:"event,omitempty"`
	Resource  string    `json:"resource,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
}

// Snapshot is a point-in-time view of a loop's state.
type Snapshot struct {
	ID                string         `json:"id"`
	State             State          `json:"state"`
	ConsecutiveErrors int            `json:"consecutive_errors"`
	IterationCount    int64          `json:"iteration_count"`
	CrashReason       string         `json:"crash_reason,omitempty"`
	VoluntaryShutdown bool           `json:"voluntary_shutdown"`
	WakeCondition     *WakeCondition `json:"wake_condition,omitempty"`
}

// Resource exhaustion policies for agent loops.
const (
	PolicySkip  = "skip"
	PolicyBlock = "block"
)
