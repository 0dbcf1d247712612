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

// Package auction runs the periodic mint auction: bids are
// scrip-denominated commitments, an injected scorer picks the winner,
// and resolution mints scrip and distributes UBI. The whole machine is
// driven by the single Update method the driver polls at ~1 Hz.
package auction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kadirpekel/vivarium/pkg/eventlog"
	"github.com/kadirpekel/vivarium/pkg/ledger"
)

// Phase is where the auction currently is in its cycle.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseBidding  Phase = "bidding"
	PhaseScoring  Phase = "scoring"
	PhaseResolved Phase = "resolved"
)

// Bid is one principal's commitment for this round.
type Bid struct {
	Principal  string    `json:"principal"`
	Amount     int64     `json:"amount"`
	Submission string    `json:"submission"`
	PlacedAt   time.Time `json:"placed_at"`
}

// Scorer picks the winning bid. It may call a model, in which case it
// reports spend through the wired cost tracker. An empty winner means no
// bid deserved the mint.
type Scorer func(ctx context.Context, bids []Bid) (winner string, err error)

// Config controls auction timing and payouts.
type Config struct {
	Interval    time.Duration `yaml:"interval" json:"interval"`
	BidDuration time.Duration `yaml:"bid_duration" json:"bid_duration"`
	MintAmount  int64         `yaml:"mint_amount" json:"mint_amount"`
	UBIAmount   int64         `yaml:"ubi_amount" json:"ubi_amount"`
}

// SetDefaults fills in zero-valued fields.
func (c *Config) SetDefaults() {
	if c.Interval == 0 {
		c.Interval = 5 * time.Minute
	}
	if c.BidDuration == 0 {
		c.BidDuration = time.Minute
	}
	if c.MintAmount == 0 {
		c.MintAmount = 100
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BidDuration > c.Interval {
		return fmt.Errorf("bid_duration cannot exceed interval")
	}
	if c.MintAmount < 0 || c.UBIAmount < 0 {
		return fmt.Errorf("mint and UBI amounts cannot be negative")
	}
	return nil
}

// Result describes one resolved round.
type Result struct {
	Winner        string `json:"winner,omitempty"`
	WinningBid    int64  `json:"winning_bid,omitempty"`
	Minted        int64  `json:"minted"`
	UBIPerHead    int64  `json:"ubi_per_head"`
	UBIRecipients int    `json:"ubi_recipients"`
	TotalInjected int64  `json:"total_injected"`
}

// Auction is the mint auction state machine.
type Auction struct {
	config Config
	ledger *ledger.Ledger
	events *eventlog.Log
	clock  clock.Clock
	scorer Scorer

	isBudgetExhausted func() bool

	mu          sync.Mutex
	phase       Phase
	bids        map[string]Bid
	biddingEnds time.Time
	nextRound   time.Time
}

// New creates an auction. The first bidding window opens one interval
// after creation.
func New(cfg Config, led *ledger.Ledger, events *eventlog.Log, c clock.Clock, scorer Scorer) (*Auction, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if c == nil {
		c = clock.New()
	}
	return &Auction{
		config:    cfg,
		ledger:    led,
		events:    events,
		clock:     c,
		scorer:    scorer,
		phase:     PhaseIdle,
		bids:      make(map[string]Bid),
		nextRound: c.Now().Add(cfg.Interval),
	}, nil
}

// SetBudgetCheck wires the driver's budget gate. When it reports
// exhausted, scoring falls back to the highest bid instead of calling
// the scorer.
func (a *Auction) SetBudgetCheck(fn func() bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.isBudgetExhausted = fn
}

// Phase returns the current phase.
func (a *Auction) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// SubmitBid places a bid in the open window. The amount must be covered
// by the bidder's current balance; nothing is deducted until the bidder
// wins. One bid per principal per round, latest wins.
func (a *Auction) SubmitBid(principal string, amount int64, submission string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.phase != PhaseBidding {
		return fmt.Errorf("no bidding window open (phase %s)", a.phase)
	}
	if amount <= 0 {
		return fmt.Errorf("bid amount must be positive")
	}
	if !a.ledger.CanAffordScrip(principal, amount) {
		return fmt.Errorf("%w: bid %d exceeds balance of %q", ledger.ErrInsufficientScrip, amount, principal)
	}
	a.bids[principal] = Bid{
		Principal:  principal,
		Amount:     amount,
		Submission: submission,
		PlacedAt:   a.clock.Now(),
	}
	return nil
}

// Update advances the state machine one step. Returns a non-nil Result
// exactly once per resolved round.
func (a *Auction) Update(ctx context.Context) (*Result, error) {
	a.mu.Lock()
	now := a.clock.Now()

	switch a.phase {
	case PhaseIdle:
		if now.Before(a.nextRound) {
			a.mu.Unlock()
			return nil, nil
		}
		a.phase = PhaseBidding
		a.biddingEnds = now.Add(a.config.BidDuration)
		a.bids = make(map[string]Bid)
		a.mu.Unlock()
		a.emit(map[string]any{"phase": string(PhaseBidding)})
		return nil, nil

	case PhaseBidding:
		if now.Before(a.biddingEnds) {
			a.mu.Unlock()
			return nil, nil
		}
		a.phase = PhaseScoring
		a.mu.Unlock()
		a.emit(map[string]any{"phase": string(PhaseScoring), "bids": len(a.snapshotBids())})
		return nil, nil

	case PhaseScoring:
		bids := a.snapshotBidsLocked()
		exhausted := a.isBudgetExhausted != nil && a.isBudgetExhausted()
		a.mu.Unlock()

		winner, err := a.score(ctx, bids, exhausted)
		if err != nil {
			slog.Warn("Auction scoring failed, falling back to highest bid", "error", err)
			winner = highestBid(bids)
		}

		a.mu.Lock()
		a.phase = PhaseResolved
		result := a.resolveLocked(winner)
		a.phase = PhaseIdle
		a.nextRound = a.clock.Now().Add(a.config.Interval)
		a.mu.Unlock()

		a.emit(map[string]any{
			"phase":      string(PhaseResolved),
			"winner":     result.Winner,
			"minted":     result.Minted,
			"ubi":        result.UBIPerHead,
			"recipients": result.UBIRecipients,
		})
		return result, nil
	}

	a.mu.Unlock()
	return nil, nil
}

func (a *Auction) score(ctx context.Context, bids []Bid, budgetExhausted bool) (string, error) {
	if len(bids) == 0 {
		return "", nil
	}
	if a.scorer == nil || budgetExhausted {
		return highestBid(bids), nil
	}
	return a.scorer(ctx, bids)
}

// resolveLocked settles the round: the winner pays its bid (burned) and
// receives the mint; every principal receives UBI. Callers hold a.mu.
func (a *Auction) resolveLocked(winner string) *Result {
	result := &Result{UBIPerHead: a.config.UBIAmount}

	if winner != "" {
		bid, ok := a.bids[winner]
		if !ok {
			slog.Warn("Scorer picked a principal that never bid, ignoring", "winner", winner)
		} else if err := a.ledger.DeductScrip(winner, bid.Amount); err != nil {
			// The bidder spent below its commitment since bidding. The
			// bid is forfeit, no mint happens.
			slog.Warn("Winning bid no longer affordable", "winner", winner, "bid", bid.Amount, "error", err)
		} else {
			if err := a.ledger.CreditScrip(winner, a.config.MintAmount); err != nil {
				slog.Error("Failed to credit mint", "winner", winner, "error", err)
			} else {
				result.Winner = winner
				result.WinningBid = bid.Amount
				result.Minted = a.config.MintAmount
			}
		}
	}

	if a.config.UBIAmount > 0 {
		for _, principal := range a.ledger.Principals() {
			if err := a.ledger.CreditScrip(principal, a.config.UBIAmount); err != nil {
				slog.Warn("Failed to credit UBI", "principal", principal, "error", err)
				continue
			}
			result.UBIRecipients++
		}
	}

	result.TotalInjected = result.Minted - result.WinningBid + int64(result.UBIRecipients)*result.UBIPerHead
	return result
}

func (a *Auction) snapshotBids() []Bid {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotBidsLocked()
}

func (a *Auction) snapshotBidsLocked() []Bid {
	out := make([]Bid, 0, len(a.bids))
	for _, b := range a.bids {
		out = append(out, b)
	}
	return out
}

func highestBid(bids []Bid) string {
	var winner string
	var best int64 = -1
	for _, b := range bids {
		if b.Amount > best || (b.Amount == best && b.Principal < winner) {
			winner = b.Principal
			best = b.Amount
		}
	}
	return winner
}

func (a *Auction) emit(payload map[string]any) {
	if a.events == nil {
		return
	}
	if _, err := a.events.Append(eventlog.TypeMintAuction, payload); err != nil {
		slog.Warn("Failed to append auction event", "error", err)
	}
}
