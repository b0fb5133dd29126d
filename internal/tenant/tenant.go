// Package tenant carries the tenant of the current unit of work as an
// explicit context value.
package tenant

import (
	"context"
	"errors"
)

// ErrNoTenant is returned when a context carries no tenant.
var ErrNoTenant = errors.New("tenant: no tenant in context")

type ctxKey struct{}

// WithID returns a copy of ctx bound to tenant id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the tenant bound to ctx.
func FromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(ctxKey{}).(string)
	if !ok || id == "" {
		return "", ErrNoTenant
	}
	return id, nil
}

// Source enumerates the tenants that are currently active.
type Source interface {
	ActiveTenants(ctx context.Context) ([]string, error)
}
