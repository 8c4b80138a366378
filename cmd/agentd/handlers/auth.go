package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/praxisline/agentd/cmd/agentd/container"
	"github.com/praxisline/agentd/cmd/agentd/ws"
	"github.com/praxisline/agentd/common/models"
)

const userContextKey = "agentd.user"

// ExtractUser resolves the X-User-ID header into the authenticated user
// and stores it on the request context. Requests without the header pass
// through unauthenticated; handlers that need a user call RequireUser.
func ExtractUser(c *container.Container) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			raw := ec.Request().Header.Get("X-User-ID")
			if raw == "" {
				return next(ec)
			}

			userID, err := uuid.Parse(raw)
			if err != nil {
				return ec.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": "X-User-ID must be a UUID",
				})
			}

			user, err := c.Users.GetByID(ec.Request().Context(), userID)
			if err != nil {
				return ec.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": "unknown user",
				})
			}

			ec.Set(userContextKey, &ws.ClientUser{ID: user.ID, Role: user.Role})
			return next(ec)
		}
	}
}

// CurrentUser returns the authenticated user, or nil
func CurrentUser(ec echo.Context) *ws.ClientUser {
	user, _ := ec.Get(userContextKey).(*ws.ClientUser)
	return user
}

// RequireAdmin returns the authenticated admin user. When the requirement
// is not met the error response has already been written and the returned
// error should be passed straight back to echo.
func RequireAdmin(ec echo.Context) (*ws.ClientUser, error) {
	user := CurrentUser(ec)
	if user == nil {
		return nil, ec.JSON(http.StatusUnauthorized, map[string]interface{}{
			"error": "authentication required (X-User-ID header missing)",
		})
	}
	if user.Role != models.RoleAdmin {
		return nil, ec.JSON(http.StatusForbidden, map[string]interface{}{
			"error": "admin role required",
		})
	}
	return user, nil
}
