package registry

import (
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accordsai/spendlane/pkg/domain"
	"github.com/accordsai/spendlane/services/treasury/internal/apperr"
)

var t0 = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func draft(amounts ...uint64) Draft {
	recipients := make([]string, len(amounts))
	for i := range amounts {
		recipients[i] = fmt.Sprintf("payee-%d", i)
	}
	return Draft{
		Requester:    "req-1",
		Recipients:   recipients,
		Amounts:      amounts,
		Description:  "office chairs",
		DocumentHash: "QmDoc",
	}
}

func TestTotalAmountBounds(t *testing.T) {
	l := DefaultLimits()

	_, total, err := l.Validate(draft(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), total)

	_, _, err = l.Validate(draft(99))
	assert.ErrorIs(t, err, ErrAmountTooLow)

	_, _, err = l.Validate(draft(1_000_001))
	assert.ErrorIs(t, err, ErrAmountTooHigh)

	_, _, err = l.Validate(draft(1_000_000))
	assert.NoError(t, err)
}

func TestReceiverCountBounds(t *testing.T) {
	l := DefaultLimits()

	hundred := make([]uint64, 100)
	for i := range hundred {
		hundred[i] = 1
	}
	payouts, total, err := l.Validate(draft(hundred...))
	require.NoError(t, err)
	assert.Len(t, payouts, 100)
	assert.Equal(t, uint64(100), total)

	_, _, err = l.Validate(draft(append(hundred, 1)...))
	assert.ErrorIs(t, err, ErrInvalidReceiverCount)

	_, _, err = l.Validate(draft())
	assert.ErrorIs(t, err, ErrInvalidReceiverCount)
}

func TestValidationOrder(t *testing.T) {
	l := DefaultLimits()
	cases := []struct {
		name string
		mut  func(*Draft)
		want *apperr.Error
	}{
		{"mismatched before count", func(d *Draft) { d.Amounts = nil }, ErrMismatchedLengths},
		{"zero address before amount", func(d *Draft) { d.Recipients[0] = " "; d.Amounts[0] = 0 }, apperr.ErrZeroAddress},
		{"zero amount before total", func(d *Draft) { d.Amounts[1] = 0 }, ErrZeroAmount},
		{"total before description", func(d *Draft) { d.Amounts = []uint64{1, 1}; d.Description = "" }, ErrAmountTooLow},
		{"description before hash", func(d *Draft) { d.Description = strings.Repeat("x", 1001); d.DocumentHash = "" }, ErrInvalidDescription},
		{"empty document hash", func(d *Draft) { d.DocumentHash = "" }, ErrInvalidDocumentHash},
		{"long document hash", func(d *Draft) { d.DocumentHash = strings.Repeat("h", 101) }, ErrInvalidDocumentHash},
		{"overflowing total", func(d *Draft) { d.Amounts = []uint64{math.MaxUint64, 2} }, ErrAmountTooHigh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := draft(300, 300)
			tc.mut(&d)
			_, _, err := l.Validate(d)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDescriptionCountsCharactersNotBytes(t *testing.T) {
	d := draft(500)
	d.Description = strings.Repeat("é", 1000)
	_, _, err := DefaultLimits().Validate(d)
	assert.NoError(t, err)
}

func TestCreateAssignsMonotonicIDs(t *testing.T) {
	r := New(DefaultLimits())
	d := draft(150)
	payouts, total, err := r.Validate(d)
	require.NoError(t, err)

	a, err := r.Create(d, payouts, total, t0)
	require.NoError(t, err)
	b, err := r.Create(d, payouts, total, t0)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), a.ID)
	assert.Equal(t, uint64(2), b.ID)
	assert.Equal(t, domain.StatusPending, a.Status)
	assert.Equal(t, uint64(150), a.Reserved)
	assert.Equal(t, t0, a.LastActivityAt)

	_, err = r.Get(3)
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestActiveCapsRejectWithoutEvicting(t *testing.T) {
	l := DefaultLimits()
	l.MaxActive = 3
	l.MaxActivePerRequester = 2
	r := New(l)
	d := draft(100)
	payouts, total, _ := r.Validate(d)

	for i := 0; i < 2; i++ {
		_, err := r.Create(d, payouts, total, t0)
		require.NoError(t, err)
	}
	assert.ErrorIs(t, r.CheckCapacity("req-1"), ErrRequesterQuota)

	other := d
	other.Requester = "req-2"
	_, err := r.Create(other, payouts, total, t0)
	require.NoError(t, err)
	assert.ErrorIs(t, r.CheckCapacity("req-3"), ErrActiveIndexFull)

	_, err = r.Create(Draft{Requester: "req-3"}, payouts, total, t0)
	assert.ErrorIs(t, err, ErrActiveIndexFull)
	assert.Equal(t, []uint64{1, 2, 3}, idsOf(r.ListActive()))
}

func TestDeactivateOnceAndReinsertKeepsOrder(t *testing.T) {
	r := New(DefaultLimits())
	d := draft(100)
	payouts, total, _ := r.Validate(d)
	for i := 0; i < 3; i++ {
		_, err := r.Create(d, payouts, total, t0)
		require.NoError(t, err)
	}

	pos, err := r.Deactivate(2)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	_, err = r.Deactivate(2)
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Equal(t, []uint64{1, 3}, idsOf(r.ListActive()))

	require.NoError(t, r.Reactivate(2, "req-1", pos))
	assert.Equal(t, []uint64{1, 2, 3}, idsOf(r.ListActiveFor("req-1")))
	assert.Empty(t, r.ListActiveFor("nobody"))
}

func TestListActiveReturnsCopies(t *testing.T) {
	r := New(DefaultLimits())
	d := draft(100)
	payouts, total, _ := r.Validate(d)
	_, err := r.Create(d, payouts, total, t0)
	require.NoError(t, err)

	list := r.ListActive()
	list[0].Status = domain.StatusCancelled
	list[0].Payouts[0].Amount = 1

	live, _ := r.Get(1)
	assert.Equal(t, domain.StatusPending, live.Status)
	assert.Equal(t, uint64(100), live.Payouts[0].Amount)
}

func TestStateRoundTrip(t *testing.T) {
	r := New(DefaultLimits())
	d := draft(100)
	payouts, total, _ := r.Validate(d)
	for i := 0; i < 3; i++ {
		_, err := r.Create(d, payouts, total, t0)
		require.NoError(t, err)
	}
	req, _ := r.Get(1)
	req.Status = domain.StatusCancelled
	_, err := r.Deactivate(1)
	require.NoError(t, err)

	restored := New(DefaultLimits())
	require.NoError(t, restored.Load(r.State()))
	assert.Equal(t, []uint64{2, 3}, idsOf(restored.ListActive()))

	next, err := restored.Create(d, payouts, total, t0)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next.ID)
}

func TestLoadRejectsTerminalActiveEntry(t *testing.T) {
	r := New(DefaultLimits())
	err := r.Load(State{
		NextID:   2,
		Requests: []*domain.Request{{ID: 1, Requester: "x", Status: domain.StatusDistributed}},
		Active:   []uint64{1},
	})
	assert.ErrorIs(t, err, ErrNotActive)
}

func idsOf(reqs []*domain.Request) []uint64 {
	out := make([]uint64, len(reqs))
	for i, r := range reqs {
		out[i] = r.ID
	}
	return out
}
