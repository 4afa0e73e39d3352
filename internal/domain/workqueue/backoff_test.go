package workqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAlertDelayIsFixed(t *testing.T) {
	for _, attempts := range []int{1, 2, 5, 50} {
		require.Equal(t, 30*time.Second, Delay(ProfileAlert, attempts), "attempt %d", attempts)
	}
}

func TestHeartbeatDelayDoublesToCeiling(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
		{5, 300 * time.Second},
		{12, 300 * time.Second},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Delay(ProfileHeartbeat, tc.attempts), "attempt %d", tc.attempts)
	}
}

func TestDelayClampsNonPositiveAttempts(t *testing.T) {
	require.Equal(t, 30*time.Second, Delay(ProfileHeartbeat, 0))
	require.Equal(t, 30*time.Second, Delay(ProfileHeartbeat, -3))
}
