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

import "context"

// FreewareContract allows every action at zero cost.
type FreewareContract struct{}

func (FreewareContract) Check(_ context.Context, _ Request, _ LedgerView) Decision {
	return Allow("freeware: all actions permitted", 0)
}

// PrivateContract allows only the artifact owner.
type PrivateContract struct{}

func (PrivateContract) Check(_ context.Context, req Request, _ LedgerView) Decision {
	if req.Caller == req.Owner {
		return Allow("private: owner access", 0)
	}
	return Deny("private: only owner %q may %s %q", req.Owner, req.Action, req.Target)
}

// PaidContract allows any caller whose scrip balance covers the price.
// The decision carries the price as its cost; settlement is up to the
// caller.
type PaidContract struct {
	Price int64
}

func (c PaidContract) Check(_ context.Context, req Request, ledger LedgerView) Decision {
	if req.Caller == req.Owner {
		return Allow("paid: owner access", 0)
	}
	if ledger == nil {
		return Deny("paid: no ledger view available")
	}
	if balance := ledger.GetScrip(req.Caller); balance < c.Price {
		return Deny("paid: balance %d below price %d", balance, c.Price)
	}
	return Allow("paid: balance covers price", c.Price)
}
