package auth

import "context"

// Role is the privilege level of an authenticated actor.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleAdmin    Role = "admin"
)

// Actor is the authenticated caller. Guests buying through the gateway have
// no Actor.
type Actor struct {
	ID   string
	Role Role
}

// IsAdmin reports whether the actor may run recovery operations.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

type actorKey struct{}

// WithActor returns a context carrying the actor.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor stored by WithActor.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
