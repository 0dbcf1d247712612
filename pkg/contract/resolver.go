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
	"strconv"
	"strings"

	"github.com/kadirpekel/vivarium/pkg/sandbox"
)

// CodeLookup fetches executable contract code by artifact ID. Returns
// false if no such artifact exists or it carries no code.
type CodeLookup func(id string) (code string, ok bool)

// Resolver maps contract IDs to contracts. Built-in IDs resolve to the
// fixed policies; anything else is looked up as an executable artifact.
// Unknown IDs fail closed.
type Resolver struct {
	vm     *sandbox.VM
	lookup CodeLookup
}

// NewResolver creates a resolver. lookup may be nil, in which case only
// built-in contracts resolve.
func NewResolver(vm *sandbox.VM, lookup CodeLookup) *Resolver {
	return &Resolver{vm: vm, lookup: lookup}
}

// Resolve returns the contract behind id. The empty ID means
// unrestricted access (freeware).
func (r *Resolver) Resolve(id string) Contract {
	switch {
	case id == "" || id == BuiltinFreeware:
		return FreewareContract{}
	case id == BuiltinPrivate:
		return PrivateContract{}
	case id == BuiltinPaid:
		return PaidContract{Price: 1}
	case strings.HasPrefix(id, BuiltinPaid+":"):
		price, err := strconv.ParseInt(strings.TrimPrefix(id, BuiltinPaid+":"), 10, 64)
		if err != nil || price < 0 {
			return denyContract{reason: "invalid paid contract price in " + strconv.Quote(id)}
		}
		return PaidContract{Price: price}
	}

	if r.lookup != nil {
		if code, ok := r.lookup(id); ok {
			return NewLuaContract(id, code, r.vm)
		}
	}
	return denyContract{reason: "unknown contract " + strconv.Quote(id)}
}

// denyContract is what unresolvable IDs fall back to.
type denyContract struct {
	reason string
}

func (d denyContract) Check(_ context.Context, _ Request, _ LedgerView) Decision {
	return Deny("%s", d.reason)
}
