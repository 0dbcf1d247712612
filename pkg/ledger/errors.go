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

package ledger

import "errors"

var (
	// ErrInsufficientScrip is returned when a debit would make a scrip
	// balance negative.
	ErrInsufficientScrip = errors.New("insufficient scrip")

	// ErrInsufficientResource is returned when a spend would make a
	// resource balance negative.
	ErrInsufficientResource = errors.New("insufficient resource")

	// ErrIDCollision is returned when an ID is already registered under a
	// conflicting kind.
	ErrIDCollision = errors.New("id already registered under a conflicting kind")

	// ErrUnknownPrincipal is returned when an operation references a
	// principal that does not exist.
	ErrUnknownPrincipal = errors.New("unknown principal")

	// ErrInvalidAmount is returned for negative amounts.
	ErrInvalidAmount = errors.New("amount cannot be negative")
)
