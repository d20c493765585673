// Package scope provides request-scoped actor and company extraction.
// Every mutation entry point resolves its company through this package;
// a missing company fails fast, before any read.
package scope

import (
	"context"

	"milltrack/internal/core/apperror"
)

// Actor identifies who is performing an operation and for which company.
// Populated by the identity middleware (HTTP) or the worker loop.
type Actor struct {
	ActorID   string
	CompanyID string
	Email     string
	Roles     []string
}

type actorKey struct{}

// WithActor adds Actor to context.
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// GetActor returns Actor from context, or nil.
func GetActor(ctx context.Context) *Actor {
	if v, ok := ctx.Value(actorKey{}).(*Actor); ok {
		return v
	}
	return nil
}

// GetActorID returns actor ID from context or empty string.
func GetActorID(ctx context.Context) string {
	if a := GetActor(ctx); a != nil {
		return a.ActorID
	}
	return ""
}

// GetCompanyID returns company ID from context or empty string.
func GetCompanyID(ctx context.Context) string {
	if a := GetActor(ctx); a != nil {
		return a.CompanyID
	}
	return ""
}

// RequireCompany returns the company ID from context, failing with a
// TenancyViolation if none is present. Domain services call this before
// touching the store so a scope bug can never read cross-company data.
func RequireCompany(ctx context.Context) (string, error) {
	companyID := GetCompanyID(ctx)
	if companyID == "" {
		return "", apperror.NewTenancyViolation("company scope missing from request context")
	}
	return companyID, nil
}

// HasRole checks if actor has specific role.
func HasRole(ctx context.Context, role string) bool {
	a := GetActor(ctx)
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}
