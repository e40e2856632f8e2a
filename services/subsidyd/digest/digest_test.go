package digest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func sample() Metadata {
	return Metadata{
		AmountWei:        "500000000000000",
		Remarks:          "  paddy irrigation  ",
		ProgramID:        "4b0f3e8e-9d1b-4c5e-8a6e-2f0a9c1d7e11",
		ProgramOnchainID: "7",
		SubmittedAt:      1718000000,
	}
}

func TestCanonicalJSONSortedAndTrimmed(t *testing.T) {
	got, err := sample().CanonicalJSON()
	require.NoError(t, err)
	want := `{"amount":"500000000000000","programId":"4b0f3e8e-9d1b-4c5e-8a6e-2f0a9c1d7e11","programOnchainId":"7","remarks":"paddy irrigation","submittedAt":1718000000}`
	require.Equal(t, want, string(got))
}

func TestDigestDeterministic(t *testing.T) {
	a, err := sample().Digest()
	require.NoError(t, err)
	b, err := sample().Digest()
	require.NoError(t, err)
	require.Equal(t, a, b)

	changed := sample()
	changed.Remarks = "different"
	c, err := changed.Digest()
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestDigestNormalizesEquivalentInputs(t *testing.T) {
	padded := sample()
	padded.AmountWei = "000500000000000000"
	padded.ProgramOnchainID = "007"
	a, err := sample().Digest()
	require.NoError(t, err)
	b, err := padded.Digest()
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestDigestRejectsInvalidFields(t *testing.T) {
	cases := map[string]func(*Metadata){
		"amount":           func(m *Metadata) { m.AmountWei = "0" },
		"programId":        func(m *Metadata) { m.ProgramID = " " },
		"programOnchainId": func(m *Metadata) { m.ProgramOnchainID = "" },
		"submittedAt":      func(m *Metadata) { m.SubmittedAt = 0 },
	}
	for field, mutate := range cases {
		m := sample()
		mutate(&m)
		_, err := m.Digest()
		var encErr *EncodingError
		if !errors.As(err, &encErr) {
			t.Fatalf("%s: expected EncodingError, got %v", field, err)
		}
		if encErr.Field != field {
			t.Fatalf("%s: error field = %s", field, encErr.Field)
		}
	}
	m := sample()
	m.AmountWei = "0.5"
	_, err := m.Digest()
	var encErr *EncodingError
	require.ErrorAs(t, err, &encErr)
}

func TestParseCanonicalRoundTripIgnoresKeyOrder(t *testing.T) {
	shuffled := []byte(`{"submittedAt":1718000000,"remarks":"paddy irrigation","programOnchainId":"7","amount":"500000000000000","programId":"4b0f3e8e-9d1b-4c5e-8a6e-2f0a9c1d7e11"}`)
	parsed, err := ParseCanonical(shuffled)
	require.NoError(t, err)
	want, _ := sample().Digest()
	got, err := parsed.Digest()
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = ParseCanonical([]byte(`{"amount":"1","programId":"p","programOnchainId":"1","remarks":"","submittedAt":1,"extra":true}`))
	require.Error(t, err)
	_, err = ParseCanonical([]byte(`{"amount":"1","programId":"p","programOnchainId":"1","remarks":""}`))
	require.Error(t, err)
}

func TestVerify(t *testing.T) {
	d, err := sample().Digest()
	require.NoError(t, err)
	ok, err := sample().Verify(d.Hex())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = sample().Verify("abc")
	require.Error(t, err)
}

func TestParseHash(t *testing.T) {
	want, err := sample().Digest()
	require.NoError(t, err)
	got, err := ParseHash("  " + want.Hex() + " ")
	require.NoError(t, err)
	require.Equal(t, want, got)

	for _, raw := range []string{
		"",
		"ab" + want.Hex()[2:],
		"0x" + want.Hex()[4:],
		"0x" + want.Hex()[2:65] + "z",
	} {
		_, err := ParseHash(raw)
		var encErr *EncodingError
		if !errors.As(err, &encErr) || encErr.Field != "digest" {
			t.Fatalf("ParseHash(%q): expected digest EncodingError, got %v", raw, err)
		}
	}
}
