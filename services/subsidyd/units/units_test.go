package units

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestParseEther(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0.0005", "500000000000000"},
		{"0.001", "1000000000000000"},
		{"1", "1000000000000000000"},
		{"12.5", "12500000000000000000"},
		{".25", "250000000000000000"},
		{"0", "0"},
		{"0.000000000000000001", "1"},
	}
	for _, tc := range cases {
		got, err := ParseEther(tc.in)
		if err != nil {
			t.Fatalf("ParseEther(%q): %v", tc.in, err)
		}
		if got.Dec() != tc.want {
			t.Fatalf("ParseEther(%q) = %s, want %s", tc.in, got.Dec(), tc.want)
		}
	}
}

func TestParseEtherRejects(t *testing.T) {
	for _, in := range []string{"", "-1", "1.2.3", "abc", "0.0000000000000000001", "."} {
		_, err := ParseEther(in)
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("ParseEther(%q) err = %v, want ErrInvalidAmount", in, err)
		}
	}
	_, err := ParseEther("1000000000000000000000000000000000000000000000000000000000000000000000000000000")
	require.ErrorIs(t, err, ErrOverflow)
}

func TestFormatEther(t *testing.T) {
	require.Equal(t, "0.0005", FormatEther(uint256.NewInt(500000000000000)))
	require.Equal(t, "1", FormatEther(uint256.NewInt(1000000000000000000)))
	require.Equal(t, "0", FormatEther(nil))
	require.Equal(t, "0.000000000000000001", FormatEther(uint256.NewInt(1)))
}

func TestParseWei(t *testing.T) {
	got, err := ParseWei("000500")
	require.NoError(t, err)
	require.Equal(t, uint64(500), got.Uint64())
	_, err = ParseWei("5e3")
	require.ErrorIs(t, err, ErrInvalidAmount)
}
