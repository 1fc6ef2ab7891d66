package budget

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelworks/keel/pkg/fault"
)

func TestCharge_WithinLimits(t *testing.T) {
	b := New(Limits{MaxTokens: 100, MaxTurns: 10})

	require.NoError(t, b.Charge(Charge{Tokens: 60, Turns: 4}))
	require.NoError(t, b.Charge(Charge{Tokens: 40, Turns: 6}))

	u := b.Snapshot()
	assert.Equal(t, int64(100), u.Tokens)
	assert.Equal(t, int64(10), u.Turns)
}

func TestCharge_ExceedsLimit(t *testing.T) {
	b := New(Limits{MaxTurns: 8})
	require.NoError(t, b.Charge(Charge{Turns: 8}))

	err := b.Charge(Charge{Turns: 1})
	require.Error(t, err)
	assert.Equal(t, fault.CodeBudgetExceeded, fault.CodeOf(err))
	assert.Contains(t, err.Error(), "turns")

	// Refused charge must not be recorded.
	assert.Equal(t, int64(8), b.Snapshot().Turns)
}

func TestCharge_ZeroLimitIsUnlimited(t *testing.T) {
	b := New(Limits{})
	assert.NoError(t, b.Charge(Charge{Tokens: 1 << 40, Turns: 1 << 20, Spend: 1 << 30}))
}

func TestChild_ChargesParent(t *testing.T) {
	parent := New(Limits{MaxSpend: 100})
	child := parent.Child(Limits{MaxSpend: 80})

	require.NoError(t, child.Charge(Charge{Spend: 50}))
	assert.Equal(t, int64(50), parent.Snapshot().Spend, "child spend draws down the parent")

	// Child's own ceiling refuses first.
	err := child.Charge(Charge{Spend: 40})
	assert.Equal(t, fault.CodeBudgetExceeded, fault.CodeOf(err))
}

func TestChild_ParentRefusalRollsBackChild(t *testing.T) {
	parent := New(Limits{MaxSpend: 60})
	child := parent.Child(Limits{MaxSpend: 100})

	require.NoError(t, child.Charge(Charge{Spend: 50}))

	err := child.Charge(Charge{Spend: 20})
	require.Error(t, err, "parent has only 10 left")
	assert.Equal(t, int64(50), child.Snapshot().Spend, "refused charge rolled back on the child")
	assert.Equal(t, int64(50), parent.Snapshot().Spend)
}

func TestConcurrentChildren_NoDoubleSpend(t *testing.T) {
	// Parent can afford exactly 3 charges of 10; 8 children race for them.
	parent := New(Limits{MaxSpend: 30})

	var successes atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			child := parent.Child(Limits{})
			if err := child.Charge(Charge{Spend: 10}); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(3), successes.Load(), "exactly as many successes as the budget allows")
	assert.Equal(t, int64(30), parent.Snapshot().Spend)
}

func TestCheckDuration(t *testing.T) {
	now := time.Unix(0, 0)
	b := New(Limits{MaxDuration: time.Minute}).WithClock(func() time.Time { return now })

	assert.NoError(t, b.CheckDuration())

	now = now.Add(2 * time.Minute)
	err := b.CheckDuration()
	require.Error(t, err)
	assert.Equal(t, fault.CodeBudgetExceeded, fault.CodeOf(err))
}

func TestCheckDuration_ParentClockGoverns(t *testing.T) {
	now := time.Unix(0, 0)
	parent := New(Limits{MaxDuration: time.Minute}).WithClock(func() time.Time { return now })
	child := parent.Child(Limits{})

	now = now.Add(2 * time.Minute)
	err := child.CheckDuration()
	assert.Equal(t, fault.CodeBudgetExceeded, fault.CodeOf(err),
		"aggregate duration is enforced per execution tree")
}

func TestGrandchild_ChargesWholeAncestry(t *testing.T) {
	root := New(Limits{MaxTokens: 100})
	mid := root.Child(Limits{})
	leaf := mid.Child(Limits{})

	require.NoError(t, leaf.Charge(Charge{Tokens: 70}))
	assert.Equal(t, int64(70), root.Snapshot().Tokens)
	assert.Equal(t, int64(70), mid.Snapshot().Tokens)

	err := leaf.Charge(Charge{Tokens: 40})
	assert.Equal(t, fault.CodeBudgetExceeded, fault.CodeOf(err))
	assert.Equal(t, int64(70), root.Snapshot().Tokens)
}
