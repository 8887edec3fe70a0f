package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapKeepsSentinelMatchable(t *testing.T) {
	err := Wrap(ErrInvalidStatus, "request %d is %s", 7, "CANCELLED")

	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.Equal(t, KindState, KindOf(err))
	assert.Equal(t, "INVALID_STATUS", CodeOf(err))
	assert.Contains(t, err.Error(), "request 7 is CANCELLED")
}

func TestIsComparesByCode(t *testing.T) {
	again := New(KindState, "INVALID_STATUS", "different message")
	assert.True(t, errors.Is(again, ErrInvalidStatus))
	assert.False(t, errors.Is(ErrNotFound, ErrInvalidStatus))
}

func TestForeignErrorsAreInternal(t *testing.T) {
	err := fmt.Errorf("db: %w", errors.New("connection refused"))
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "INTERNAL", CodeOf(err))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestKindHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:    400,
		KindAuthorization: 403,
		KindState:         409,
		KindResourceLimit: 429,
		KindTreasury:      402,
		KindReentrancy:    423,
		KindNotFound:      404,
		KindInternal:      500,
		Kind("UNKNOWN"):   500,
	}
	for k, want := range cases {
		assert.Equal(t, want, k.HTTPStatus(), string(k))
	}
}
