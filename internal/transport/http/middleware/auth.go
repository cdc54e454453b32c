package middleware

import (
	"errors"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/yagydev/animalmela/internal/access"
	"github.com/yagydev/animalmela/internal/auth"
	"github.com/yagydev/animalmela/internal/presentation/http/response"
	"github.com/yagydev/animalmela/pkg/errorbank"
)

const actorKey = "animalmela.actor"

// AuthnTag names the Authenticate middleware in the Fx graph.
const AuthnTag = `name:"authn"`

// Authenticate resolves the bearer token into an access.Actor stored on the
// echo context. Requests without a valid token are rejected with 401.
func Authenticate(tokens *auth.Tokens, logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			actor, err := tokens.Verify(raw)
			if err != nil {
				code := "invalid_token"
				if errors.Is(err, auth.ErrMissingToken) {
					code = "missing_token"
				}
				logger.Debug("rejected bearer token", zap.String("path", c.Path()), zap.Error(err))
				return response.New(c).
					WithError(errorbank.Unauthorized("authentication required", errorbank.WithCode(code))).
					Build()
			}
			c.Set(actorKey, actor)
			return next(c)
		}
	}
}

// Actor returns the authenticated actor for the request.
func Actor(c echo.Context) (access.Actor, bool) {
	actor, ok := c.Get(actorKey).(access.Actor)
	return actor, ok
}

// MustActor returns the authenticated actor or a 401 error when the route was
// not wrapped in Authenticate.
func MustActor(c echo.Context) (access.Actor, error) {
	actor, ok := Actor(c)
	if !ok {
		return access.Actor{}, errorbank.Unauthorized("authentication required", errorbank.WithCode("missing_token"))
	}
	return actor, nil
}
