package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusFromChain(t *testing.T) {
	for raw, want := range map[uint8]Status{0: StatusActive, 1: StatusFilled, 2: StatusCanceled} {
		got, err := StatusFromChain(raw)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := StatusFromChain(3)
	require.Error(t, err)
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusActive, StatusFilled, true},
		{StatusActive, StatusCanceled, true},
		{StatusActive, StatusActive, true},
		{StatusFilled, StatusFilled, true},
		{StatusFilled, StatusActive, false},
		{StatusCanceled, StatusFilled, false},
		{StatusActive, StatusExpired, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
	require.False(t, Status("Pending").Valid())
	require.True(t, StatusExpired.Valid())
}

func TestDeriveStatus(t *testing.T) {
	timings := Windows{OrderExpirySeconds: 100, GracePeriodSeconds: 50}.ComputeTimings(1000)
	require.Equal(t, Timings{CreatedAt: 1000, ExpiresAt: 1100, GraceEndsAt: 1150}, timings)

	require.Equal(t, StatusActive, DeriveStatus(StatusActive, timings, 1100))
	require.Equal(t, StatusExpired, DeriveStatus(StatusActive, timings, 1101))
	require.Equal(t, StatusExpired, DeriveStatus(StatusActive, timings, 1151))
	require.Equal(t, StatusFilled, DeriveStatus(StatusFilled, timings, 5000))
	require.Equal(t, StatusCanceled, DeriveStatus(StatusCanceled, timings, 0))
}
