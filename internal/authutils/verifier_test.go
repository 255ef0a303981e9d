package authutils

import (
	"context"
	"testing"
	"time"

	"adventure-server/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestNewJWTVerifier_EmptySecret(t *testing.T) {
	_, err := NewJWTVerifier("", nil)
	assert.Error(t, err)
}

func TestVerifyToken(t *testing.T) {
	v, err := NewJWTVerifier(secret, nil)
	require.NoError(t, err)
	userID := uuid.New()

	valid, err := SignToken(secret, userID, time.Hour)
	require.NoError(t, err)
	expired, err := SignToken(secret, userID, -time.Hour)
	require.NoError(t, err)
	foreign, err := SignToken("other-secret", userID, time.Hour)
	require.NoError(t, err)
	noUser, err := SignToken(secret, uuid.Nil, time.Hour)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &models.Claims{UserID: userID}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	claims, err := v.VerifyToken(context.Background(), valid)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"expired", expired, models.ErrTokenExpired},
		{"wrong secret", foreign, models.ErrTokenInvalid},
		{"missing user", noUser, models.ErrTokenInvalid},
		{"garbage", "not-a-token", models.ErrTokenMalformed},
		{"unsigned", none, models.ErrTokenInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.VerifyToken(context.Background(), tt.token)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
