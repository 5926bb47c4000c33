package auth

import (
	"context"

	"github.com/dgrijalva/jwt-go"
)

// Role is the coarse permission level carried in a bearer token.
type Role string

const (
	RoleCustomer   Role = "customer"
	RoleTechnician Role = "technician"
	RoleAdmin      Role = "admin"
)

// Claims are the JWT claims issued to marketplace users.
type Claims struct {
	Role Role `json:"role"`
	jwt.StandardClaims
}

// Principal is the authenticated caller of a request.
type Principal struct {
	Subject string
	Role    Role
}

// IsAdmin reports whether the caller may act on other users' payments.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

type ctxKey struct{}

// WithPrincipal stores p on the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the authenticated caller, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
