package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"agrisubsidy/services/subsidyd/actor"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newVerifier(t *testing.T, now time.Time) *Verifier {
	t.Helper()
	v, err := NewVerifier(Config{Secret: testSecret, Issuer: "agrisubsidy", Now: func() time.Time { return now }})
	require.NoError(t, err)
	return v
}

func TestVerifyRoundTrip(t *testing.T) {
	now := time.Unix(1718000000, 0)
	v := newVerifier(t, now)
	farmer := actor.New("farmer-1", actor.RoleFarmer)
	farmer.Address = "0x1111111111111111111111111111111111111111"
	farmer.Farm = &actor.FarmProfile{SizeAcres: 3.5, State: "Punjab", District: "Ludhiana", Crops: []string{"wheat"}, LandDocType: "khasra"}

	token, err := v.Sign(farmer, time.Hour)
	require.NoError(t, err)

	got, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "farmer-1", got.ID)
	require.Equal(t, actor.RoleFarmer, got.Role)
	require.True(t, got.Can(actor.CapClaimSubmit))
	require.NotNil(t, got.Farm)
	require.Equal(t, "Punjab", got.Farm.State)
	require.Equal(t, farmer.Address, got.Address)
}

func TestVerifyRejects(t *testing.T) {
	now := time.Unix(1718000000, 0)
	v := newVerifier(t, now)

	expired, err := newVerifier(t, now.Add(-2*time.Hour)).Sign(actor.New("a", actor.RoleAgency), time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	require.Error(t, err)

	other, err := NewVerifier(Config{Secret: testSecret, Issuer: "someone-else", Now: func() time.Time { return now }})
	require.NoError(t, err)
	foreign, err := other.Sign(actor.New("a", actor.RoleAgency), time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(foreign)
	require.Error(t, err)

	badRole := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "x", "iss": "agrisubsidy", "exp": now.Add(time.Hour).Unix(), "role": "wizard",
	})
	signed, err := badRole.SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = v.Verify(signed)
	require.ErrorIs(t, err, actor.ErrUnknownRole)
}

func TestNewVerifierValidates(t *testing.T) {
	_, err := NewVerifier(Config{Secret: "short", Issuer: "x"})
	require.Error(t, err)
	_, err = NewVerifier(Config{Secret: testSecret})
	require.Error(t, err)
}

func TestMiddlewareCapabilities(t *testing.T) {
	now := time.Unix(1718000000, 0)
	v := newVerifier(t, now)
	handler := v.Authenticate(RequireCapability(actor.CapClaimReview)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"scheme", "Basic abc", http.StatusUnauthorized},
		{"farmer", bearer(t, v, actor.RoleFarmer), http.StatusForbidden},
		{"agency", bearer(t, v, actor.RoleAgency), http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}

func bearer(t *testing.T, v *Verifier, role actor.Role) string {
	t.Helper()
	token, err := v.Sign(actor.New(string(role)+"-1", role), time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}
