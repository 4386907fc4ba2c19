package gen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestWindowsForTarget checks the coinbase window layout around the target
// height.
func TestWindowsForTarget(t *testing.T) {
	t.Parallel()

	w := windowsForTarget(40000)

	require.EqualValues(t, 39800, w.matureStart)
	require.EqualValues(t, 39899, w.matureEnd)
	require.EqualValues(t, 39901, w.immatureStart)

	// Everything mined in the mature window has >= 101 confirmations at
	// the target, everything from the immature window fewer than 100.
	require.GreaterOrEqual(t, int64(40000)-w.matureEnd, int64(101))
	require.Less(t, int64(40000)-w.immatureStart, int64(100))
}

// TestNextImportantHeight checks that the bulk loop stops at boundaries and
// window edges in the right order.
func TestNextImportantHeight(t *testing.T) {
	t.Parallel()

	var (
		target     = int64(40000)
		boundaries = []int64{4999, 9999, 14999}
		w          = windowsForTarget(target)
	)

	testCases := []struct {
		name    string
		current int64
		want    int64
	}{
		{
			name:    "before first boundary",
			current: 200,
			want:    4999,
		},
		{
			name:    "on a boundary",
			current: 4999,
			want:    9999,
		},
		{
			name:    "between boundaries",
			current: 12000,
			want:    14999,
		},
		{
			name:    "past all boundaries",
			current: 20000,
			want:    w.matureStart,
		},
		{
			name:    "inside mature window",
			current: 39850,
			want:    w.matureEnd,
		},
		{
			name:    "between windows",
			current: 39899,
			want:    w.immatureStart,
		},
		{
			name:    "inside immature window",
			current: 39950,
			want:    target,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := nextImportantHeight(
				tc.current, target, boundaries, w,
			)
			require.Equal(t, tc.want, got)
		})
	}
}

// TestPeriodicSendTables checks the rotating send tables stay in lockstep
// and inside the pre-generated address range.
func TestPeriodicSendTables(t *testing.T) {
	t.Parallel()

	require.Len(t, periodicSendAmounts, len(periodicSendIndices))

	for _, idx := range periodicSendIndices {
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, numAddresses)
	}

	for _, amt := range periodicSendAmounts {
		require.Positive(t, amt)
	}
}

// TestBoundaryMarkerAddressRange checks the marker rotation starts inside
// the pre-generated address range.
func TestBoundaryMarkerAddressRange(t *testing.T) {
	t.Parallel()

	require.Less(t, boundaryMarkerStart, numAddresses)
}
