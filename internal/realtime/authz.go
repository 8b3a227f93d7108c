package realtime

import (
	"errors"
	"fmt"

	"github.com/plexalabs/dynconf/internal/dynconfig"
)

// ErrNoSubscriptionTypes rejects subscriptions that name no config types.
var ErrNoSubscriptionTypes = errors.New("realtime: subscription must name at least one config type")

// Role names a client's access level, carried in its token.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RolePartner    Role = "partner"
	RoleUser       Role = "user"
)

// AuthorizationError reports a subscribe or read denied by role policy.
type AuthorizationError struct {
	Role       Role
	ConfigType dynconfig.ConfigType
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("role %q is not permitted to access config type %q", e.Role, e.ConfigType)
}

// wildcardType grants a role every config type, current and future.
const wildcardType = dynconfig.ConfigType("*")

// Policy is the single role→allowed-types table. Both subscribe-time and
// delivery-time checks consult it, so changing access is a data edit.
type Policy struct {
	allowed map[Role]map[dynconfig.ConfigType]struct{}
}

// NewPolicy builds a policy from a role→types table.
func NewPolicy(table map[Role][]dynconfig.ConfigType) *Policy {
	allowed := make(map[Role]map[dynconfig.ConfigType]struct{}, len(table))
	for role, types := range table {
		set := make(map[dynconfig.ConfigType]struct{}, len(types))
		for _, configType := range types {
			set[configType] = struct{}{}
		}
		allowed[role] = set
	}
	return &Policy{allowed: allowed}
}

// DefaultPolicy grants admins everything, partners rule access only, and plain
// users nothing.
func DefaultPolicy() *Policy {
	return NewPolicy(map[Role][]dynconfig.ConfigType{
		RoleSuperAdmin: {wildcardType},
		RoleAdmin:      {wildcardType},
		RolePartner:    {dynconfig.ConfigTypeRule},
	})
}

// CanRead reports whether the role may see records of the given type.
func (p *Policy) CanRead(role Role, configType dynconfig.ConfigType) bool {
	set, ok := p.allowed[role]
	if !ok {
		return false
	}
	if _, ok := set[wildcardType]; ok {
		return true
	}
	_, ok = set[configType]
	return ok
}

// CanSubscribe rejects the subscription if it names no types, or if any
// requested type is outside the role's allowance. Denial is explicit, never
// silent filtering.
func (p *Policy) CanSubscribe(role Role, configTypes []dynconfig.ConfigType) error {
	if len(configTypes) == 0 {
		return ErrNoSubscriptionTypes
	}
	for _, configType := range configTypes {
		if !p.CanRead(role, configType) {
			return &AuthorizationError{Role: role, ConfigType: configType}
		}
	}
	return nil
}
