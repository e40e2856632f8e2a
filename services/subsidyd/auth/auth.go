// Package auth verifies bearer JWTs and attaches the resulting actor to the
// request context.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agrisubsidy/services/subsidyd/actor"
)

// Config controls signature verification and claim handling.
type Config struct {
	Secret    string
	Issuer    string
	Audience  string
	Leeway    time.Duration
	RoleClaim string
	Now       func() time.Time
}

// Verifier validates HS256 tokens.
type Verifier struct {
	secret    []byte
	issuer    string
	audience  string
	leeway    time.Duration
	roleClaim string
	now       func() time.Time
}

// NewVerifier constructs a Verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("auth: HS256 secret must not be empty")
	}
	if len(secret) < 32 {
		return nil, errors.New("auth: HS256 secret must be at least 32 bytes")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errors.New("auth: JWT issuer is required")
	}
	roleClaim := strings.TrimSpace(cfg.RoleClaim)
	if roleClaim == "" {
		roleClaim = "role"
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = 30 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		secret:    []byte(secret),
		issuer:    issuer,
		audience:  strings.TrimSpace(cfg.Audience),
		leeway:    leeway,
		roleClaim: roleClaim,
		now:       now,
	}, nil
}

// Verify parses token and returns the actor it describes.
func (v *Verifier) Verify(token string) (actor.Actor, error) {
	if v == nil {
		return actor.Actor{}, errors.New("auth: verifier not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return actor.Actor{}, err
	}
	if !parsed.Valid {
		return actor.Actor{}, errors.New("auth: token validation failed")
	}

	subject, _ := claims.GetSubject()
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return actor.Actor{}, errors.New("auth: token subject missing")
	}
	rawRole, _ := claims[v.roleClaim].(string)
	role, err := actor.ParseRole(rawRole)
	if err != nil {
		return actor.Actor{}, fmt.Errorf("auth: role claim %q: %w", v.roleClaim, err)
	}

	var extra []actor.Capability
	for _, c := range stringSlice(claims["caps"]) {
		extra = append(extra, actor.Capability(c))
	}
	a := actor.New(subject, role, extra...)
	if addr, ok := claims["addr"].(string); ok {
		a.Address = strings.TrimSpace(addr)
	}
	if farm, ok := claims["farm"]; ok && role == actor.RoleFarmer {
		profile, err := decodeFarm(farm)
		if err != nil {
			return actor.Actor{}, err
		}
		a.Farm = profile
	}
	return a, nil
}

// Sign issues a token for a. It backs the operator CLI and tests.
func (v *Verifier) Sign(a actor.Actor, ttl time.Duration) (string, error) {
	now := v.now()
	claims := jwt.MapClaims{
		"sub":       a.ID,
		"iss":       v.issuer,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
		v.roleClaim: string(a.Role),
	}
	if v.audience != "" {
		claims["aud"] = v.audience
	}
	if a.Address != "" {
		claims["addr"] = a.Address
	}
	if a.Farm != nil {
		claims["farm"] = a.Farm
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Authenticate rejects requests without a valid bearer token.
func (v *Verifier) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}
		scheme, token, ok := strings.Cut(authz, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
			http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
			return
		}
		a, err := v.Verify(strings.TrimSpace(token))
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(actor.WithActor(r.Context(), a)))
	})
}

// RequireCapability ensures the authenticated actor holds every listed capability.
func RequireCapability(caps ...actor.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a, ok := actor.FromContext(r.Context())
			if !ok {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if !a.Can(caps...) {
				http.Error(w, "insufficient capability", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func decodeFarm(raw any) (*actor.FarmProfile, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("auth: farm claim: %w", err)
	}
	var profile actor.FarmProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("auth: farm claim: %w", err)
	}
	return &profile, nil
}

func stringSlice(value interface{}) []string {
	switch v := value.(type) {
	case string:
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return []string{trimmed}
		}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					out = append(out, trimmed)
				}
			}
		}
		return out
	}
	return nil
}
