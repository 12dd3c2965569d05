// Package actor identifies the user or system performing a stock operation.
//
// Every committed ledger entry records an actor id. Requests arriving through
// the API gateway carry X-User-* headers; direct callers present a Bearer
// token signed by the auth service. Background work runs as SystemActor.
package actor

import (
	"context"
	"fmt"
)

// SystemID is the actor id used for scheduler and consumer initiated work
const SystemID = "00000000-0000-0000-0000-000000000000"

// Actor represents the entity performing an action in the system.
type Actor struct {
	// ID is the unique identifier of the actor (user ID)
	ID string `json:"id"`

	// Email is the actor's email address
	Email string `json:"email,omitempty"`

	// RoleName is the actor's role (optional, for display purposes)
	RoleName string `json:"role_name,omitempty"`
}

// String returns a string representation of the actor for logging
func (a *Actor) String() string {
	if a == nil {
		return "system"
	}
	if a.Email == "" {
		return a.ID
	}
	return fmt.Sprintf("%s (%s)", a.ID, a.Email)
}

// IsSystem returns true if the actor represents the system.
func (a *Actor) IsSystem() bool {
	if a == nil {
		return true
	}
	return a.ID == SystemID
}

type contextKey string

const actorContextKey contextKey = "actor"

// FromContext retrieves the Actor from the context.
// Returns nil if no actor is present (e.g., system operations).
func FromContext(ctx context.Context) *Actor {
	if ctx == nil {
		return nil
	}
	a, ok := ctx.Value(actorContextKey).(*Actor)
	if !ok {
		return nil
	}
	return a
}

// IDFromContext returns the actor id in ctx, or SystemID when none is attached
func IDFromContext(ctx context.Context) string {
	if a := FromContext(ctx); a != nil && a.ID != "" {
		return a.ID
	}
	return SystemID
}

// WithActor returns a new context with the Actor attached.
func WithActor(ctx context.Context, a *Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorContextKey, a)
}

// SystemActor returns an Actor representing the system itself.
func SystemActor() *Actor {
	return &Actor{
		ID:    SystemID,
		Email: "system@stockflow.local",
	}
}
