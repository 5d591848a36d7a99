package namespace

import (
	"context"
	"fmt"
	"slices"
)

// Permission is the ownership and POSIX mode of a node.
type Permission struct {
	User  string `json:"user"`
	Group string `json:"group"`
	Mode  uint16 `json:"mode"`
}

func (p Permission) String() string {
	return fmt.Sprintf("%s:%s:%04o", p.User, p.Group, p.Mode)
}

// Access is a requested permission bit set (rwx in the low three bits).
type Access uint16

const (
	AccessExecute Access = 1
	AccessWrite   Access = 2
	AccessRead    Access = 4
)

// Allows reports whether user with groups may perform access on p.
func (p Permission) Allows(user string, groups []string, access Access) bool {
	var bits uint16
	switch {
	case user == p.User:
		bits = (p.Mode >> 6) & 7
	case slices.Contains(groups, p.Group):
		bits = (p.Mode >> 3) & 7
	default:
		bits = p.Mode & 7
	}
	return Access(bits)&access == access
}

// AuthContext identifies the caller of a namespace operation.
type AuthContext struct {
	// Context carries cancellation for the operation
	Context context.Context

	// User is the caller's user name
	User string

	// Groups are the caller's group memberships
	Groups []string

	// ClientAddr is the caller's address, used for audit records and
	// replica placement hints
	ClientAddr string
}

// Ctx returns the operation context, defaulting to context.Background.
func (a *AuthContext) Ctx() context.Context {
	if a == nil || a.Context == nil {
		return context.Background()
	}
	return a.Context
}
