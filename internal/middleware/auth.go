package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"adventure-server/internal/models"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// TokenVerifier checks a bearer token and returns its claims.
// Errors are models.ErrTokenInvalid, models.ErrTokenExpired or models.ErrTokenMalformed.
type TokenVerifier func(ctx context.Context, tokenString string) (*models.Claims, error)

type errorBody struct {
	Message string `json:"message"`
}

// OptionalAuth authenticates requests that carry a bearer token and lets the rest through anonymously.
// A token that is present but fails verification is rejected with 401.
func OptionalAuth(verifier TokenVerifier, logger *zap.Logger) echo.MiddlewareFunc {
	logger = logger.Named("AuthMiddleware")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			log := logger.With(zap.String("path", req.URL.Path))

			authHeader := req.Header.Get(echo.HeaderAuthorization)
			if authHeader == "" {
				return next(c)
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
				log.Warn("Malformed Authorization header")
				return c.JSON(http.StatusUnauthorized, errorBody{Message: "Unauthorized: Malformed token header"})
			}

			claims, err := verifier(req.Context(), parts[1])
			if err != nil {
				msg := "Unauthorized: Invalid token"
				switch {
				case errors.Is(err, models.ErrTokenExpired):
					msg = "Unauthorized: Token expired"
				case errors.Is(err, models.ErrTokenMalformed), errors.Is(err, models.ErrTokenInvalid):
				default:
					log.Error("Unexpected token verification error", zap.Error(err))
					return c.JSON(http.StatusInternalServerError, errorBody{Message: "Internal server error during token verification"})
				}
				log.Warn("Token verification failed", zap.Error(err))
				return c.JSON(http.StatusUnauthorized, errorBody{Message: msg})
			}

			ctx := context.WithValue(req.Context(), models.UserContextKey, claims.UserID)
			ctx = context.WithValue(ctx, models.RolesContextKey, claims.Roles)
			c.SetRequest(req.WithContext(ctx))

			log.Debug("User authenticated", zap.String("userID", claims.UserID.String()))
			return next(c)
		}
	}
}
