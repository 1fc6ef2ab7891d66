package audit

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelworks/keel/pkg/harness"
	"github.com/keelworks/keel/pkg/runtime/budget"
)

func openLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "receipts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func sampleReceipt(id, parent string) harness.Receipt {
	return harness.Receipt{
		ExecutionID: id,
		ParentID:    parent,
		Root:        "tool:security/web_scraper",
		Status:      harness.StatusCompleted,
		Path:        []string{"security/web_scraper", "runtimes/python", "core/subprocess"},
		Usage:       budget.Usage{Turns: 3, Spend: 12},
		StartedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Duration:    1500 * time.Millisecond,
	}
}

func TestLedger_RecordAndGet(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, sampleReceipt("exec-1", "")))

	got, err := l.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, harness.StatusCompleted, got.Status)
	assert.Equal(t, []string{"security/web_scraper", "runtimes/python", "core/subprocess"}, got.Path)
	assert.Equal(t, int64(3), got.Usage.Turns)
	assert.Equal(t, 1500*time.Millisecond, got.Duration)
	assert.True(t, got.StartedAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)))
}

func TestLedger_GetMissing(t *testing.T) {
	l := openLedger(t)
	_, err := l.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestLedger_Children(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, sampleReceipt("root", "")))
	childA := sampleReceipt("child-a", "root")
	childA.StartedAt = childA.StartedAt.Add(time.Second)
	childB := sampleReceipt("child-b", "root")
	childB.StartedAt = childB.StartedAt.Add(2 * time.Second)
	require.NoError(t, l.Record(ctx, childA))
	require.NoError(t, l.Record(ctx, childB))

	children, err := l.Children(ctx, "root")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "child-a", children[0].ExecutionID)
	assert.Equal(t, "child-b", children[1].ExecutionID)
}

func TestLedger_Recent(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	for i, id := range []string{"one", "two", "three"} {
		r := sampleReceipt(id, "")
		r.StartedAt = r.StartedAt.Add(time.Duration(i) * time.Minute)
		require.NoError(t, l.Record(ctx, r))
	}

	recent, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "three", recent[0].ExecutionID)
	assert.Equal(t, "two", recent[1].ExecutionID)
}

func TestLedger_RecordsFailure(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	r := sampleReceipt("failed-1", "")
	r.Status = harness.StatusAborted
	r.Error = "ERR_BUDGET_EXCEEDED: turns limit 8 reached"
	require.NoError(t, l.Record(ctx, r))

	got, err := l.Get(ctx, "failed-1")
	require.NoError(t, err)
	assert.Equal(t, harness.StatusAborted, got.Status)
	assert.Contains(t, got.Error, "ERR_BUDGET_EXCEEDED")
}
