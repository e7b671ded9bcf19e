package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntitlementActive(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(48 * time.Hour)

	cases := []struct {
		name string
		to   *time.Time
		at   time.Time
		want bool
	}{
		{"before start", &to, from.Add(-time.Second), false},
		{"at start", &to, from, true},
		{"inside", &to, from.Add(time.Hour), true},
		{"at end", &to, to, true},
		{"after end", &to, to.Add(time.Second), false},
		{"open ended", nil, from.AddDate(10, 0, 0), true},
		{"open ended before start", nil, from.Add(-time.Hour), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EntitlementActive(from, tc.to, tc.at))
		})
	}
}

func TestOrderStatusValid(t *testing.T) {
	for _, st := range []OrderStatus{OrderPending, OrderConfirmed, OrderPreparing, OrderShipped, OrderDelivered, OrderCancelled, OrderRefunded} {
		assert.True(t, st.Valid(), st)
	}
	assert.False(t, OrderStatus("pending").Valid())
	assert.False(t, OrderStatus("").Valid())
}

func TestReservationHelpers(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := Reservation{Status: ReservationActive, ExpiresAt: now}
	assert.False(t, r.Expired(now))
	assert.True(t, r.Expired(now.Add(time.Nanosecond)))

	r.Status = ReservationReleased
	assert.False(t, r.Expired(now.Add(time.Hour)))
	assert.True(t, r.Status.Terminal())
	assert.False(t, ReservationActive.Terminal())
}

func TestInsufficientStockErrorMatchesSentinel(t *testing.T) {
	var err error = &InsufficientStockError{ProductID: "p1", Available: 2, Requested: 3}
	wrapped := errors.Join(errors.New("create order"), err)

	assert.ErrorIs(t, wrapped, ErrInsufficientStock)
	var ise *InsufficientStockError
	require.ErrorAs(t, wrapped, &ise)
	assert.Equal(t, 2, ise.Available)
	assert.Contains(t, err.Error(), "p1")
}

func TestValidate(t *testing.T) {
	type input struct {
		Email string `validate:"required,email"`
		Qty   int    `validate:"gt=0"`
	}

	require.NoError(t, Validate(input{Email: "a@b.co", Qty: 1}))

	err := Validate(input{Email: "nope", Qty: 0})
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "input.Email must be a valid email")
	assert.Contains(t, err.Error(), "input.Qty must be > 0")
}
