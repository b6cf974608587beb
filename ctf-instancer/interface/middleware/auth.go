package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
)

const userIDContextKey = "user_id"

// AuthMiddleware resolves the bearer token on every request into the
// caller's user id. Public paths are let through untouched.
type AuthMiddleware struct {
	verifier    domain.TokenVerifier
	publicPaths map[string]bool
}

func NewAuthMiddleware(verifier domain.TokenVerifier, publicPaths ...string) *AuthMiddleware {
	public := make(map[string]bool, len(publicPaths))
	for _, p := range publicPaths {
		public[p] = true
	}

	return &AuthMiddleware{
		verifier:    verifier,
		publicPaths: public,
	}
}

func (m *AuthMiddleware) Handle(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if m.publicPaths[c.Path()] {
			return next(c)
		}

		token := c.Request().Header.Get(echo.HeaderAuthorization)
		if token == "" {
			return domain.ErrUnauthorized
		}
		token = strings.TrimPrefix(token, "Bearer ")

		principal, err := m.verifier.Verify(token)
		if err != nil {
			return err
		}

		c.Set(userIDContextKey, principal.UserID)
		return next(c)
	}
}

// UserID returns the id set by AuthMiddleware, or "" on public paths.
func UserID(c echo.Context) string {
	id, _ := c.Get(userIDContextKey).(string)
	return id
}
