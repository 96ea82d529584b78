/*

This file contains capability checks for boundary operations. Roles are
coarse: operators manage strategies and parameters, keepers run cycles, and
admins additionally reconcile halted ledgers and trigger emergency moves.

*/

package auth

import (
	"crypto/subtle"
	"fmt"

	"github.com/stratafi/allocator/internal/types"
)

// Role names a capability level.
type Role string

const (
	RoleKeeper   Role = "keeper"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Capability names a guarded operation.
type Capability string

const (
	CapRunCycle       Capability = "run_cycle"
	CapManageStrategy Capability = "manage_strategy"
	CapManageParams   Capability = "manage_params"
	CapReconcile      Capability = "reconcile"
	CapEmergencyMove  Capability = "emergency_move"
)

var grants = map[Role]map[Capability]bool{
	RoleKeeper: {
		CapRunCycle: true,
	},
	RoleOperator: {
		CapRunCycle:       true,
		CapManageStrategy: true,
		CapManageParams:   true,
	},
	RoleAdmin: {
		CapRunCycle:       true,
		CapManageStrategy: true,
		CapManageParams:   true,
		CapReconcile:      true,
		CapEmergencyMove:  true,
	},
}

// Check returns ErrUnauthorized unless the role grants the capability.
func Check(role Role, c Capability) error {
	if grants[role][c] {
		return nil
	}
	return fmt.Errorf("%w: role %q lacks capability %q", types.ErrUnauthorized, role, c)
}

// TokenAuthenticator maps a shared bearer token to the admin role. The
// operator surface is a trusted internal dashboard, not a multi-tenant API.
type TokenAuthenticator struct {
	adminToken string
}

// NewTokenAuthenticator creates an authenticator. An empty token disables
// all privileged endpoints.
func NewTokenAuthenticator(adminToken string) *TokenAuthenticator {
	return &TokenAuthenticator{adminToken: adminToken}
}

// Authenticate resolves a presented token to a role.
func (a *TokenAuthenticator) Authenticate(token string) (Role, error) {
	if a.adminToken == "" {
		return "", fmt.Errorf("%w: privileged access is not configured", types.ErrUnauthorized)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) == 1 {
		return RoleAdmin, nil
	}
	return "", fmt.Errorf("%w: invalid token", types.ErrUnauthorized)
}
