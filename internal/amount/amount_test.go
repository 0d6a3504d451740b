package amount

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToNativeScalesByDecimals(t *testing.T) {
	got, err := ToNative("100", 6)
	require.NoError(t, err)
	require.Equal(t, uint64(100_000_000), got)

	got, err = ToNative("50", 8)
	require.NoError(t, err)
	require.Equal(t, uint64(5_000_000_000), got)

	got, err = ToNative("0.25", 2)
	require.NoError(t, err)
	require.Equal(t, uint64(25), got)

	got, err = ToNative(".5", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(5), got)
}

func TestToNativeTruncatesBelowOneUnit(t *testing.T) {
	// 1.23456789 at 6 decimals keeps 1.234567; the trailing 89 is dropped, not rounded.
	got, err := ToNative("1.23456789", 6)
	require.NoError(t, err)
	require.Equal(t, uint64(1_234_567), got)

	got, err = ToNative("0.0000009", 6)
	require.NoError(t, err)
	require.Zero(t, got)

	got, err = ToNative("7.9", 0)
	require.NoError(t, err)
	require.Equal(t, uint64(7), got)
}

func TestToNativeRejectsBadInput(t *testing.T) {
	cases := []struct {
		in       string
		decimals uint8
		want     error
	}{
		{"-1", 6, ErrNegative},
		{"", 6, ErrInvalidAmount},
		{".", 6, ErrInvalidAmount},
		{"1e6", 6, ErrInvalidAmount},
		{"1.2.3", 6, ErrInvalidAmount},
		{"abc", 6, ErrInvalidAmount},
		{"1", MaxDecimals + 1, ErrInvalidAmount},
		{"18446744073709551616", 0, ErrOverflow},
		{"18446744073709.551616", 6, ErrOverflow},
	}
	for _, tc := range cases {
		_, err := ToNative(tc.in, tc.decimals)
		require.Truef(t, errors.Is(err, tc.want), "input %q: got %v, want %v", tc.in, err, tc.want)
	}
}

func TestToHumanFloors(t *testing.T) {
	got, err := ToHuman(5_000_000_000, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(50), got)

	got, err = ToHuman(1_999_999, 6)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got)

	got, err = ToHuman(999, 3)
	require.NoError(t, err)
	require.Zero(t, got)
}

func TestRoundTripKeepsNativePrecision(t *testing.T) {
	cases := []struct {
		human    string
		decimals uint8
		want     string
		floor    uint64
	}{
		{"100", 6, "100", 100},
		{"1.5", 6, "1.5", 1},
		{"1.23456789", 6, "1.234567", 1},
		{"0.000001", 6, "0.000001", 0},
		{"0.0000001", 6, "0", 0},
		{"42.10", 9, "42.1", 42},
		{"3", 0, "3", 3},
	}
	for _, tc := range cases {
		native, err := ToNative(tc.human, tc.decimals)
		require.NoError(t, err)

		formatted, err := Format(native, tc.decimals)
		require.NoError(t, err)
		require.Equal(t, tc.want, formatted, "format %s", tc.human)

		floor, err := ToHuman(native, tc.decimals)
		require.NoError(t, err)
		require.Equal(t, tc.floor, floor, "floor %s", tc.human)
	}
}
