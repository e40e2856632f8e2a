// Package actor models the people acting on subsidy programs as a single
// Actor carrying a capability set.
package actor

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// Capability names a permitted action.
type Capability string

// Capabilities understood by the API.
const (
	CapProgramCreate   Capability = "program:create"
	CapProgramActivate Capability = "program:activate"
	CapProgramRead     Capability = "program:read"
	CapClaimSubmit     Capability = "claim:submit"
	CapClaimRead       Capability = "claim:read"
	CapClaimReview     Capability = "claim:review"
	CapClaimDisburse   Capability = "claim:disburse"
	CapEvidenceWrite   Capability = "evidence:write"
	CapOpsReconcile    Capability = "ops:reconcile"
	CapOpsAudit        Capability = "ops:audit"
)

// Role is a named bundle of capabilities.
type Role string

// Supported roles.
const (
	RoleFarmer   Role = "farmer"
	RoleAgency   Role = "agency"
	RoleRetailer Role = "retailer"
	RoleAdmin    Role = "admin"
)

var roleCapabilities = map[Role][]Capability{
	RoleFarmer:   {CapProgramRead, CapClaimSubmit, CapClaimRead, CapEvidenceWrite},
	RoleAgency:   {CapProgramCreate, CapProgramActivate, CapProgramRead, CapClaimRead, CapClaimReview, CapClaimDisburse},
	RoleRetailer: {CapProgramRead, CapClaimRead},
	RoleAdmin: {
		CapProgramCreate, CapProgramActivate, CapProgramRead, CapClaimRead, CapClaimReview,
		CapClaimDisburse, CapEvidenceWrite, CapOpsReconcile, CapOpsAudit,
	},
}

// ErrUnknownRole is returned by ParseRole for unsupported role names.
var ErrUnknownRole = errors.New("actor: unknown role")

// ParseRole normalises a role string.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := roleCapabilities[role]; !ok {
		return "", ErrUnknownRole
	}
	return role, nil
}

// Actor is an authenticated principal.
type Actor struct {
	ID      string
	Role    Role
	Address string
	// Farm describes the farmer profile used for eligibility checks. Nil for
	// non-farmer actors.
	Farm *FarmProfile

	caps map[Capability]struct{}
}

// FarmProfile carries the attributes eligibility rules are evaluated against.
type FarmProfile struct {
	SizeAcres   float64  `json:"size_acres"`
	State       string   `json:"state"`
	District    string   `json:"district"`
	Crops       []string `json:"crops"`
	LandDocType string   `json:"land_doc_type"`
}

// New builds an actor with the capabilities of role plus any extras.
func New(id string, role Role, extra ...Capability) Actor {
	a := Actor{ID: strings.TrimSpace(id), Role: role, caps: map[Capability]struct{}{}}
	for _, c := range roleCapabilities[role] {
		a.caps[c] = struct{}{}
	}
	for _, c := range extra {
		a.caps[c] = struct{}{}
	}
	return a
}

// Can reports whether the actor holds every listed capability.
func (a Actor) Can(caps ...Capability) bool {
	for _, c := range caps {
		if _, ok := a.caps[c]; !ok {
			return false
		}
	}
	return true
}

// Capabilities returns the sorted capability list.
func (a Actor) Capabilities() []Capability {
	out := make([]Capability, 0, len(a.caps))
	for c := range a.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type contextKey struct{}

// WithActor attaches the actor to ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

// FromContext returns the actor attached by WithActor.
func FromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	a, ok := ctx.Value(contextKey{}).(Actor)
	return a, ok && a.ID != ""
}

// System is the actor used by background recovery jobs.
func System() Actor {
	return New("system", RoleAdmin)
}
