package escrow

import (
	"fmt"
	"strings"
)

// Role is a capability a principal holds relative to an escrow.
type Role string

const (
	RoleBuyer      Role = "buyer"
	RoleSeller     Role = "seller"
	RoleArbitrator Role = "arbitrator"
)

// Guard decides who may invoke which transition. The arbitrator set is fixed
// at construction so a Guard is safe for concurrent use.
type Guard struct {
	arbitrators map[string]struct{}
}

// NewGuard builds a Guard recognising the given arbitrator principals.
func NewGuard(arbitrators ...string) *Guard {
	g := &Guard{arbitrators: make(map[string]struct{}, len(arbitrators))}
	for _, a := range arbitrators {
		if a = strings.TrimSpace(a); a != "" {
			g.arbitrators[a] = struct{}{}
		}
	}
	return g
}

// IsArbitrator reports whether principal is a designated arbitrator.
func (g *Guard) IsArbitrator(principal string) bool {
	_, ok := g.arbitrators[principal]
	return ok
}

// Roles lists the roles caller holds on e.
func (g *Guard) Roles(e Escrow, caller string) []Role {
	var roles []Role
	if caller == "" {
		return roles
	}
	if caller == e.Buyer {
		roles = append(roles, RoleBuyer)
	}
	if caller == e.Seller {
		roles = append(roles, RoleSeller)
	}
	if g.IsArbitrator(caller) {
		roles = append(roles, RoleArbitrator)
	}
	return roles
}

// Authorize fails with ErrUnauthorized unless caller holds one of allowed on e.
func (g *Guard) Authorize(e Escrow, caller string, allowed ...Role) error {
	for _, have := range g.Roles(e, caller) {
		for _, want := range allowed {
			if have == want {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %q is not %s", ErrUnauthorized, caller, joinRoles(allowed))
}

// AuthorizeResolver admits an arbitrator who is not a party to e.
func (g *Guard) AuthorizeResolver(e Escrow, caller string) error {
	if err := g.Authorize(e, caller, RoleArbitrator); err != nil {
		return err
	}
	if caller == e.Buyer || caller == e.Seller {
		return fmt.Errorf("%w: arbitrator %q is a party to the escrow", ErrUnauthorized, caller)
	}
	return nil
}

// AuthorizeAdmin admits arbitrators to configuration operations.
func (g *Guard) AuthorizeAdmin(caller string) error {
	if !g.IsArbitrator(caller) {
		return fmt.Errorf("%w: %q is not arbitrator", ErrUnauthorized, caller)
	}
	return nil
}

func joinRoles(roles []Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, " or ")
}
