// Package budget provides cost budgets for execution trees.
//
// A budget is a set of monotonically increasing counters checked against
// limits before every billable operation. A child budget shares its parent's
// remaining allowance: charging a child charges every ancestor atomically, so
// concurrent siblings can never jointly overspend what no single one of
// them could.
package budget

import (
	"sync"
	"time"

	"github.com/keelworks/keel/pkg/fault"
)

// Limits define the ceilings for one execution tree. Zero means unlimited
// for that dimension.
type Limits struct {
	MaxTokens   int64         `json:"max_tokens,omitempty"`
	MaxTurns    int64         `json:"max_turns,omitempty"`
	MaxDuration time.Duration `json:"max_duration,omitempty"`
	MaxSpend    int64         `json:"max_spend,omitempty"` // cents
}

// Charge is one billable increment.
type Charge struct {
	Tokens int64
	Turns  int64
	Spend  int64 // cents
}

// Usage is a point-in-time snapshot of consumed counters.
type Usage struct {
	Tokens  int64         `json:"tokens"`
	Turns   int64         `json:"turns"`
	Spend   int64         `json:"spend"`
	Elapsed time.Duration `json:"elapsed"`
}

// Budget tracks usage against limits. Safe for concurrent use.
type Budget struct {
	limits  Limits
	parent  *Budget
	started time.Time
	clock   func() time.Time

	mu     sync.Mutex
	tokens int64
	turns  int64
	spend  int64
}

// New creates a root budget. The duration clock starts immediately.
func New(limits Limits) *Budget {
	return newBudget(limits, nil, time.Now)
}

func newBudget(limits Limits, parent *Budget, clock func() time.Time) *Budget {
	return &Budget{
		limits:  limits,
		parent:  parent,
		started: clock(),
		clock:   clock,
	}
}

// WithClock overrides the clock for testing. Resets the start time.
func (b *Budget) WithClock(clock func() time.Time) *Budget {
	b.clock = clock
	b.started = clock()
	return b
}

// Child derives a sub-budget. The child's limits are its own ceilings, but
// every charge against the child also draws down this budget: a child is an
// allocation within the parent's remaining allowance, never a fresh one.
func (b *Budget) Child(limits Limits) *Budget {
	return newBudget(limits, b, b.clock)
}

// Charge atomically checks and consumes c against this budget and all
// ancestors. If any level would exceed a limit, no level is charged and a
// budget-exceeded error names the dimension and level that refused.
func (b *Budget) Charge(c Charge) error {
	// Lock ordering is child before parent; budgets form a tree, so this
	// cannot deadlock.
	return b.charge(c)
}

func (b *Budget) charge(c Charge) error {
	b.mu.Lock()
	if err := b.wouldExceedLocked(c); err != nil {
		b.mu.Unlock()
		return err
	}
	// Tentatively apply before asking the parent, rolling back on refusal,
	// so sibling goroutines racing on this level see a consistent reserve.
	b.tokens += c.Tokens
	b.turns += c.Turns
	b.spend += c.Spend
	b.mu.Unlock()

	if b.parent != nil {
		if err := b.parent.charge(c); err != nil {
			b.mu.Lock()
			b.tokens -= c.Tokens
			b.turns -= c.Turns
			b.spend -= c.Spend
			b.mu.Unlock()
			return err
		}
	}
	return nil
}

func (b *Budget) wouldExceedLocked(c Charge) error {
	if b.limits.MaxTokens > 0 && b.tokens+c.Tokens > b.limits.MaxTokens {
		return exceeded("tokens", b.limits.MaxTokens, b.tokens+c.Tokens)
	}
	if b.limits.MaxTurns > 0 && b.turns+c.Turns > b.limits.MaxTurns {
		return exceeded("turns", b.limits.MaxTurns, b.turns+c.Turns)
	}
	if b.limits.MaxSpend > 0 && b.spend+c.Spend > b.limits.MaxSpend {
		return exceeded("spend", b.limits.MaxSpend, b.spend+c.Spend)
	}
	return nil
}

// CheckDuration returns a budget error once the aggregate elapsed time
// exceeds the duration limit. Duration is wall clock per budget, checked
// rather than charged.
func (b *Budget) CheckDuration() error {
	if b.limits.MaxDuration > 0 {
		elapsed := b.clock().Sub(b.started)
		if elapsed > b.limits.MaxDuration {
			return exceeded("duration", int64(b.limits.MaxDuration), int64(elapsed))
		}
	}
	if b.parent != nil {
		return b.parent.CheckDuration()
	}
	return nil
}

// Snapshot returns current usage.
func (b *Budget) Snapshot() Usage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Usage{
		Tokens:  b.tokens,
		Turns:   b.turns,
		Spend:   b.spend,
		Elapsed: b.clock().Sub(b.started),
	}
}

// Limits returns the configured ceilings.
func (b *Budget) Limits() Limits { return b.limits }

func exceeded(dimension string, limit, consumed int64) error {
	return fault.New(fault.CodeBudgetExceeded,
		"%s limit exceeded (limit=%d, consumed=%d)", dimension, limit, consumed)
}
