package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafi/allocator/internal/types"
)

func TestCheckGrants(t *testing.T) {
	assert.NoError(t, Check(RoleKeeper, CapRunCycle))
	assert.ErrorIs(t, Check(RoleKeeper, CapReconcile), types.ErrUnauthorized)

	assert.NoError(t, Check(RoleOperator, CapManageStrategy))
	assert.ErrorIs(t, Check(RoleOperator, CapEmergencyMove), types.ErrUnauthorized)

	for _, c := range []Capability{CapRunCycle, CapManageStrategy, CapManageParams, CapReconcile, CapEmergencyMove} {
		assert.NoError(t, Check(RoleAdmin, c))
	}

	assert.ErrorIs(t, Check("ghost", CapRunCycle), types.ErrUnauthorized)
}

func TestTokenAuthenticator(t *testing.T) {
	a := NewTokenAuthenticator("s3cret")

	role, err := a.Authenticate("s3cret")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, role)

	_, err = a.Authenticate("wrong")
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	// No configured token means no privileged access at all, including an
	// empty presented token.
	disabled := NewTokenAuthenticator("")
	_, err = disabled.Authenticate("")
	assert.ErrorIs(t, err, types.ErrUnauthorized)
}
