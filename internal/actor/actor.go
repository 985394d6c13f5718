// Package actor identifies who is performing an operation.
//
// Role comes from the outer auth layer (session, API key); this subsystem
// only cares which role is acting, never how it was authenticated.
package actor

// Role is the marketplace role an actor holds.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor is the identity attached to every state-changing call.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Admin reports whether the actor holds the admin role.
func (a Actor) Admin() bool {
	return a.Role == RoleAdmin
}

// System returns the identity used for internally triggered actions.
func System() Actor {
	return Actor{ID: "system", Role: RoleSystem}
}
