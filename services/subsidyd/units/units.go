// Package units converts between decimal ether strings and wei amounts.
package units

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the number of fractional digits in one ether.
const Decimals = 18

var (
	// ErrInvalidAmount is returned for malformed decimal strings.
	ErrInvalidAmount = errors.New("units: invalid amount")
	// ErrOverflow is returned when a value does not fit in 256 bits.
	ErrOverflow = errors.New("units: amount overflows uint256")

	weiPerEther = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(Decimals))
)

// ParseEther converts a decimal ether string such as "0.0005" into wei.
func ParseEther(raw string) (*uint256.Int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	s = strings.TrimPrefix(s, "+")
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if len(frac) > Decimals {
		return nil, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, Decimals)
	}
	if whole == "" {
		whole = "0"
	}
	digits := strings.TrimLeft(whole+frac+strings.Repeat("0", Decimals-len(frac)), "0")
	if digits == "" {
		return new(uint256.Int), nil
	}
	out, err := uint256.FromDecimal(digits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOverflow, err)
	}
	return out, nil
}

// ParseWei parses a base-10 wei string.
func ParseWei(raw string) (*uint256.Int, error) {
	s := strings.TrimSpace(raw)
	if s == "" || !digitsOnly(s) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	out, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOverflow, err)
	}
	return out, nil
}

// FormatEther renders wei as a decimal ether string without trailing zeros.
func FormatEther(wei *uint256.Int) string {
	if wei == nil {
		return "0"
	}
	whole, rem := new(uint256.Int).DivMod(wei, weiPerEther, new(uint256.Int))
	if rem.IsZero() {
		return whole.Dec()
	}
	frac := rem.Dec()
	frac = strings.Repeat("0", Decimals-len(frac)) + frac
	frac = strings.TrimRight(frac, "0")
	return whole.Dec() + "." + frac
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
