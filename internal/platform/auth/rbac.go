package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admin always passes.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasAnyRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasAnyRole reports whether userRoles contains admin or one of roles.
// Role names compare case-insensitively.
func HasAnyRole(userRoles []string, roles ...string) bool {
	for _, has := range userRoles {
		if strings.EqualFold(has, "admin") {
			return true
		}
		for _, required := range roles {
			if strings.EqualFold(has, required) {
				return true
			}
		}
	}
	return false
}
