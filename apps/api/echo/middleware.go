package echoapi

import (
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

func adminMiddleware() echo.MiddlewareFunc {
	return claimsMiddleware(func(claims Claims) bool { return claims.IsAdmin })
}

// facultyMiddleware admits faculty and admins.
func facultyMiddleware() echo.MiddlewareFunc {
	return claimsMiddleware(func(claims Claims) bool { return claims.IsFaculty || claims.IsAdmin })
}

func studentMiddleware() echo.MiddlewareFunc {
	return claimsMiddleware(func(claims Claims) bool { return claims.IsStudent })
}

func claimsMiddleware(allowed func(Claims) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			if !allowed(claims) {
				return errHTTPForbidden
			}
			return next(ctx)
		}
	}
}
