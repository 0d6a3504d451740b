// Package amount converts between human decimal token amounts and native
// integer units for a mint with a given number of decimals.
//
// Conversion to native units truncates: any fractional part finer than one
// native unit is dropped, never rounded. ToHuman floors the same way.
package amount

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrNegative      = errors.New("amount must not be negative")
	ErrOverflow      = errors.New("amount overflows native u64")
)

// MaxDecimals bounds the scale so 10^decimals stays representable.
const MaxDecimals = 19

func pow10(decimals uint8) (*uint256.Int, error) {
	if decimals > MaxDecimals {
		return nil, fmt.Errorf("%w: %d decimals", ErrInvalidAmount, decimals)
	}
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals))), nil
}

// ToNative parses a human decimal string such as "12.5" and scales it by
// 10^decimals. Digits beyond the mint's precision are truncated.
func ToNative(human string, decimals uint8) (uint64, error) {
	s := strings.TrimSpace(human)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("%w: %q", ErrNegative, human)
	}
	s = strings.TrimPrefix(s, "+")

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, human)
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, human)
	}
	if len(frac) > int(decimals) {
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))

	scale, err := pow10(decimals)
	if err != nil {
		return 0, err
	}

	w, err := parseUint256(whole)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrOverflow, human)
	}
	f, err := parseUint256(frac)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrOverflow, human)
	}

	total, overflow := new(uint256.Int).MulOverflow(w, scale)
	if overflow {
		return 0, fmt.Errorf("%w: %q", ErrOverflow, human)
	}
	total, overflow = total.AddOverflow(total, f)
	if overflow || !total.IsUint64() {
		return 0, fmt.Errorf("%w: %q", ErrOverflow, human)
	}
	return total.Uint64(), nil
}

// ToHuman integer-divides native units by 10^decimals. The remainder is
// discarded so the result is always the floor.
func ToHuman(native uint64, decimals uint8) (uint64, error) {
	scale, err := pow10(decimals)
	if err != nil {
		return 0, err
	}
	q := new(uint256.Int).Div(uint256.NewInt(native), scale)
	return q.Uint64(), nil
}

// Format renders native units as an exact decimal string with trailing
// zeros removed, e.g. Format(1_500_000, 6) == "1.5".
func Format(native uint64, decimals uint8) (string, error) {
	scale, err := pow10(decimals)
	if err != nil {
		return "", err
	}
	n := uint256.NewInt(native)
	whole := new(uint256.Int).Div(n, scale)
	rem := new(uint256.Int).Mod(n, scale)
	if rem.IsZero() {
		return whole.Dec(), nil
	}
	frac := rem.Dec()
	frac = strings.Repeat("0", int(decimals)-len(frac)) + frac
	frac = strings.TrimRight(frac, "0")
	return whole.Dec() + "." + frac, nil
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func parseUint256(s string) (*uint256.Int, error) {
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(s)
}
