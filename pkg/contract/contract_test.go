package contract

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/vivarium/pkg/sandbox"
)

type fakeLedger struct {
	balances map[string]int64
}

func (f *fakeLedger) GetScrip(id string) int64 { return f.balances[id] }
func (f *fakeLedger) Exists(id string) bool    { _, ok := f.balances[id]; return ok }

func TestBuiltinContracts(t *testing.T) {
	ctx := context.Background()
	ledger := &fakeLedger{balances: map[string]int64{"rich": 100, "poor": 2}}
	req := Request{Caller: "rich", Action: ActionRead, Target: "doc", Owner: "alice"}

	t.Run("freeware allows everyone", func(t *testing.T) {
		d := FreewareContract{}.Check(ctx, req, ledger)
		assert.True(t, d.Allowed)
		assert.Zero(t, d.Cost)
	})

	t.Run("private allows only the owner", func(t *testing.T) {
		d := PrivateContract{}.Check(ctx, req, ledger)
		assert.False(t, d.Allowed)

		ownerReq := req
		ownerReq.Caller = "alice"
		assert.True(t, PrivateContract{}.Check(ctx, ownerReq, ledger).Allowed)
	})

	t.Run("paid gates on balance", func(t *testing.T) {
		paid := PaidContract{Price: 10}

		d := paid.Check(ctx, req, ledger)
		require.True(t, d.Allowed)
		assert.Equal(t, int64(10), d.Cost)

		poorReq := req
		poorReq.Caller = "poor"
		d = paid.Check(ctx, poorReq, ledger)
		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "below price")
	})
}

func TestLuaContract_DenyAllWrites(t *testing.T) {
	vm := sandbox.NewVM(time.Second)
	code := `function check_permission(caller, action, target, context, ledger)
  if action == "write" or action == "delete" then
    return {allowed = false, reason = "read-only artifact"}
  end
  return {allowed = true, reason = "ok", cost = 0}
end`
	c := NewLuaContract("readonly", code, vm)

	d := c.Check(context.Background(), Request{Caller: "bob", Action: ActionWrite, Target: "doc"}, nil)
	assert.False(t, d.Allowed)
	assert.Equal(t, "read-only artifact", d.Reason)

	d = c.Check(context.Background(), Request{Caller: "bob", Action: ActionRead, Target: "doc"}, nil)
	assert.True(t, d.Allowed)
}

func TestLuaContract_LedgerView(t *testing.T) {
	vm := sandbox.NewVM(time.Second)
	code := `function check_permission(caller, action, target, context, ledger)
  if ledger.get_balance(caller) >= 50 then
    return {allowed = true, reason = "balance ok", cost = 50}
  end
  return {allowed = false, reason = "too poor"}
end`
	c := NewLuaContract("toll", code, vm)
	ledger := &fakeLedger{balances: map[string]int64{"rich": 100, "poor": 2}}

	d := c.Check(context.Background(), Request{Caller: "rich", Action: ActionInvoke, Target: "doc"}, ledger)
	require.True(t, d.Allowed)
	assert.Equal(t, int64(50), d.Cost)

	d = c.Check(context.Background(), Request{Caller: "poor", Action: ActionInvoke, Target: "doc"}, ledger)
	assert.False(t, d.Allowed)
	assert.Equal(t, "too poor", d.Reason)
}

func TestLuaContract_FailureModesDeny(t *testing.T) {
	vm := sandbox.NewVM(200 * time.Millisecond)
	ctx := context.Background()
	req := Request{Caller: "bob", Action: ActionRead, Target: "doc"}

	tests := []struct {
		name string
		code string
	}{
		{"missing function", "local x = 1"},
		{"runtime error", "function check_permission(...) error(\"oops\") end"},
		{"non-table return", "function check_permission(...) return 42 end"},
		{"missing allowed field", "function check_permission(...) return {reason = \"hm\"} end"},
		{"negative cost", "function check_permission(...) return {allowed = true, cost = -5} end"},
		{"infinite loop", "function check_permission(...) while true do end end"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewLuaContract("bad", tt.code, vm).Check(ctx, req, nil)
			assert.False(t, d.Allowed)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestResolver(t *testing.T) {
	vm := sandbox.NewVM(time.Second)
	lookup := func(id string) (string, bool) {
		if id == "custom" {
			return "function check_permission(...) return {allowed = true, reason = \"custom\"} end", true
		}
		return "", false
	}
	r := NewResolver(vm, lookup)
	ctx := context.Background()
	req := Request{Caller: "bob", Action: ActionRead, Target: "doc", Owner: "alice"}

	assert.True(t, r.Resolve("").Check(ctx, req, nil).Allowed)
	assert.True(t, r.Resolve("freeware").Check(ctx, req, nil).Allowed)
	assert.False(t, r.Resolve("private").Check(ctx, req, nil).Allowed)

	paid := r.Resolve("paid:25").Check(ctx, req, &fakeLedger{balances: map[string]int64{"bob": 30}})
	require.True(t, paid.Allowed)
	assert.Equal(t, int64(25), paid.Cost)

	assert.True(t, r.Resolve("custom").Check(ctx, req, nil).Allowed)

	unknown := r.Resolve("nope").Check(ctx, req, nil)
	assert.False(t, unknown.Allowed)
	assert.Contains(t, unknown.Reason, "unknown contract")
}
