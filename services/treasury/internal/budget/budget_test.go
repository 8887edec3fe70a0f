package budget

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accordsai/spendlane/services/treasury/internal/apperr"
)

func fixedNow(t *time.Time) func() time.Time { return func() time.Time { return *t } }

func checkInvariant(t *testing.T, l *Ledger) {
	t.Helper()
	tot := l.Totals()
	assert.LessOrEqual(t, tot.TotalReserved+tot.TotalDistributed, tot.ProjectBudget)
}

func TestReserveDistributeRelease(t *testing.T) {
	l := New(10_000, 0, nil)

	require.NoError(t, l.Reserve(6_000))
	require.NoError(t, l.Reserve(4_000))
	assert.ErrorIs(t, l.Reserve(1), ErrInsufficientBudget)
	checkInvariant(t, l)

	require.NoError(t, l.CommitDistribution(5_000))
	require.NoError(t, l.Release(1_000))
	checkInvariant(t, l)

	assert.Equal(t, Totals{ProjectBudget: 10_000, TotalReserved: 4_000, TotalDistributed: 5_000}, l.Totals())
	assert.Equal(t, uint64(1_000), l.Remaining())
	assert.Equal(t, "50", l.Utilization().String())
}

func TestOverReleaseAndOverDistributeFail(t *testing.T) {
	l := New(1_000, 0, nil)
	require.NoError(t, l.Reserve(100))

	before := l.Totals()
	assert.ErrorIs(t, l.Release(101), ErrInvariant)
	assert.ErrorIs(t, l.CommitDistribution(101), ErrInvariant)
	assert.Equal(t, before, l.Totals())
}

func TestReserveOverflowIsChecked(t *testing.T) {
	l := New(math.MaxUint64, 0, nil)
	require.NoError(t, l.Reserve(math.MaxUint64-1))
	err := l.Reserve(2)
	assert.ErrorIs(t, err, apperr.ErrOverflow)
	assert.Equal(t, uint64(math.MaxUint64-1), l.Totals().TotalReserved)
}

func TestTimelockedIncrease(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(1_000, 48*time.Hour, fixedNow(&now))

	_, err := l.ProposeIncrease("admin", 900)
	assert.ErrorIs(t, err, ErrNotAnIncrease)
	_, err = l.ProposeIncrease("admin", 1_000)
	assert.ErrorIs(t, err, ErrNotAnIncrease)

	inc, err := l.ProposeIncrease("admin", 5_000)
	require.NoError(t, err)
	assert.Equal(t, now.Add(48*time.Hour), inc.EffectiveAt)

	_, err = l.ProposeIncrease("admin", 6_000)
	assert.ErrorIs(t, err, ErrIncreasePending)

	now = now.Add(47 * time.Hour)
	_, err = l.ExecuteIncrease()
	assert.ErrorIs(t, err, ErrTimelockActive)
	assert.Equal(t, uint64(1_000), l.Totals().ProjectBudget)

	now = now.Add(time.Hour)
	_, err = l.ExecuteIncrease()
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000), l.Totals().ProjectBudget)

	_, ok := l.PendingIncrease()
	assert.False(t, ok)
	_, err = l.ExecuteIncrease()
	assert.ErrorIs(t, err, ErrNoPendingIncrease)
}

func TestCancelIncrease(t *testing.T) {
	l := New(1_000, 0, nil)
	_, err := l.CancelIncrease()
	assert.ErrorIs(t, err, ErrNoPendingIncrease)

	_, err = l.ProposeIncrease("admin", 2_000)
	require.NoError(t, err)
	inc, err := l.CancelIncrease()
	require.NoError(t, err)
	assert.Equal(t, uint64(2_000), inc.NewBudget)
	assert.Equal(t, uint64(1_000), l.Totals().ProjectBudget)
}

func TestRestoreRejectsBrokenTotals(t *testing.T) {
	l := New(1_000, 0, nil)
	err := l.Restore(Totals{ProjectBudget: 100, TotalReserved: 80, TotalDistributed: 30}, nil)
	assert.ErrorIs(t, err, ErrInvariant)
	assert.Equal(t, uint64(1_000), l.Totals().ProjectBudget)

	require.NoError(t, l.Restore(Totals{ProjectBudget: 100, TotalReserved: 70, TotalDistributed: 30}, &Increase{NewBudget: 200}))
	assert.Equal(t, uint64(0), l.Remaining())
	inc, ok := l.PendingIncrease()
	assert.True(t, ok)
	assert.Equal(t, uint64(200), inc.NewBudget)
}
