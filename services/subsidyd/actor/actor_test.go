package actor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoleCapabilities(t *testing.T) {
	farmer := New("f-1", RoleFarmer)
	require.True(t, farmer.Can(CapClaimSubmit, CapEvidenceWrite))
	require.False(t, farmer.Can(CapClaimReview))

	agency := New("a-1", RoleAgency)
	require.True(t, agency.Can(CapProgramActivate, CapClaimReview))
	require.False(t, agency.Can(CapClaimSubmit))

	retailer := New("r-1", RoleRetailer)
	require.False(t, retailer.Can(CapProgramCreate))

	boosted := New("r-2", RoleRetailer, CapOpsAudit)
	require.True(t, boosted.Can(CapOpsAudit))
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole(" Agency ")
	require.NoError(t, err)
	require.Equal(t, RoleAgency, role)

	_, err = ParseRole("superuser")
	require.ErrorIs(t, err, ErrUnknownRole)
}

func TestContextRoundTrip(t *testing.T) {
	_, ok := FromContext(context.Background())
	require.False(t, ok)

	ctx := WithActor(context.Background(), New("f-1", RoleFarmer))
	got, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "f-1", got.ID)
	require.Contains(t, got.Capabilities(), CapClaimSubmit)
}
