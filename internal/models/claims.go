package models

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are the fields read from an identity-provider bearer token.
type Claims struct {
	UserID uuid.UUID `json:"user_id"`
	Roles  []string  `json:"roles"`
	jwt.RegisteredClaims
}

type contextKey string

const (
	// UserContextKey holds the authenticated uuid.UUID in the request context.
	UserContextKey contextKey = "userID"
	// RolesContextKey holds the []string roles in the request context.
	RolesContextKey contextKey = "userRoles"
)

// GetUserIDFromContext returns the authenticated user, or uuid.Nil and false for anonymous requests.
func GetUserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(UserContextKey).(uuid.UUID)
	if !ok || userID == uuid.Nil {
		return uuid.Nil, false
	}
	return userID, true
}
