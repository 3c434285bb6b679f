// Package authctx carries the caller identity the transport layer has already
// validated. The core trusts a well-formed AuthContext and refuses anything
// else; credential validation never happens here.
package authctx

import (
	"context"

	"github.com/google/uuid"

	"github.com/harborline/receiving/pkg/faults"
)

// Role is the actor's role within a tenant.
type Role string

const (
	RoleCrew    Role = "crew"
	RoleHOD     Role = "hod"
	RoleService Role = "service"
)

// Capability names an action gated by role.
type Capability string

const (
	CapUpload Capability = "upload"
	CapVerify Capability = "verify"
	CapCommit Capability = "commit"
)

// AuthContext identifies the authenticated caller.
type AuthContext struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
	Role     Role
}

// Valid reports whether the context is well-formed.
func (a AuthContext) Valid() bool {
	if a.TenantID == uuid.Nil || a.UserID == uuid.Nil {
		return false
	}
	switch a.Role {
	case RoleCrew, RoleHOD, RoleService:
		return true
	}
	return false
}

// Can reports whether the actor's role satisfies a capability.
func (a AuthContext) Can(cap Capability) bool {
	switch cap {
	case CapUpload, CapVerify:
		return a.Role == RoleCrew || a.Role == RoleHOD || a.Role == RoleService
	case CapCommit:
		return a.Role == RoleHOD || a.Role == RoleService
	}
	return false
}

// Require returns a fault unless the context is valid and holds the capability.
func (a AuthContext) Require(cap Capability) error {
	if !a.Valid() {
		return faults.New(faults.KindUnauthorised, "missing or malformed auth context")
	}
	if !a.Can(cap) {
		return faults.Newf(faults.KindForbidden, "role %s lacks capability %s", a.Role, cap)
	}
	return nil
}

type ctxKey struct{}

// Into stores the AuthContext on a context.
func Into(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, ac)
}

// From retrieves the AuthContext, failing closed when absent.
func From(ctx context.Context) (AuthContext, error) {
	ac, ok := ctx.Value(ctxKey{}).(AuthContext)
	if !ok || !ac.Valid() {
		return AuthContext{}, faults.New(faults.KindUnauthorised, "missing or malformed auth context")
	}
	return ac, nil
}
