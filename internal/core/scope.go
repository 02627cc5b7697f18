// services/branchops/internal/core/scope.go
package core

import (
	"context"
	"errors"
	"fmt"
)

// Role determines what a user may see.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleUser    Role = "user"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleManager || r == RoleUser
}

// Scope is the visibility window of one caller. Admin scopes are unrestricted;
// every other scope is pinned to exactly one branch.
type Scope struct {
	UserID   string
	Role     Role
	BranchID uint
}

// AdminScope returns an unrestricted scope.
func AdminScope(userID string) Scope {
	return Scope{UserID: userID, Role: RoleAdmin}
}

// IsAdmin reports whether the scope sees every branch.
func (s Scope) IsAdmin() bool { return s.Role == RoleAdmin }

// Allows reports whether rows resolved to branchID are visible. Rows without
// a branch are only visible to admins.
func (s Scope) Allows(branchID *uint) bool {
	if s.IsAdmin() {
		return true
	}
	return branchID != nil && *branchID == s.BranchID
}

// CacheKey identifies the scope in shared caches.
func (s Scope) CacheKey() string {
	if s.IsAdmin() {
		return "all"
	}
	return fmt.Sprintf("branch:%d", s.BranchID)
}

// ResolveScope builds the scope for a user. Non-admin users without a
// deployment get ErrNoBranchAssigned, never an empty or unfiltered scope.
func ResolveScope(ctx context.Context, store DataStore, userID string, role Role) (Scope, error) {
	if !role.Valid() {
		return Scope{}, ErrForbidden
	}
	if role == RoleAdmin {
		return AdminScope(userID), nil
	}

	dep, err := store.GetDeploymentByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrDeploymentNotFound) {
			return Scope{}, ErrNoBranchAssigned
		}
		return Scope{}, fmt.Errorf("failed to resolve branch: %w", err)
	}

	return Scope{UserID: userID, Role: role, BranchID: dep.BranchID}, nil
}
