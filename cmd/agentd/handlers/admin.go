package handlers

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/praxisline/agentd/cmd/agentd/container"
	"github.com/praxisline/agentd/common/config"
	"github.com/praxisline/agentd/common/repository"
)

// AdminStore is the destructive-reset surface of the admin repository
type AdminStore interface {
	ClearData(ctx context.Context) (*repository.ClearDataReport, error)
	FullRebuild(ctx context.Context) error
}

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// AdminHandler exposes the data-only reset and full schema rebuild
type AdminHandler struct {
	admin  AdminStore
	cfg    *config.Config
	logger Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(c *container.Container) *AdminHandler {
	return &AdminHandler{
		admin:  c.Admin,
		cfg:    c.Components.Config,
		logger: c.Components.Logger,
	}
}

// ClearData truncates all data except users and the migration version.
// POST /api/v1/admin/clear_data
func (h *AdminHandler) ClearData(ec echo.Context) error {
	user, err := RequireAdmin(ec)
	if user == nil {
		return err
	}

	report, err := h.admin.ClearData(ec.Request().Context())
	if err != nil {
		h.logger.Error("clear_data failed", "error", err)
		return ec.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "clear_data failed",
		})
	}
	return ec.JSON(http.StatusOK, report)
}

// FullRebuild drops and recreates the schema. Only the development and
// production environments may rebuild; production additionally requires
// the confirmation password header.
// POST /api/v1/admin/full_rebuild
func (h *AdminHandler) FullRebuild(ec echo.Context) error {
	user, err := RequireAdmin(ec)
	if user == nil {
		return err
	}

	env := h.cfg.Service.Environment
	if env != "development" && env != "production" {
		return ec.JSON(http.StatusForbidden, map[string]interface{}{
			"error": fmt.Sprintf("full_rebuild is disabled in the %s environment", env),
		})
	}
	if env == "production" {
		supplied := ec.Request().Header.Get("X-Confirmation-Password")
		expected := h.cfg.Admin.DBResetPassword
		if expected == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(expected)) != 1 {
			return ec.JSON(http.StatusForbidden, map[string]interface{}{
				"error": "confirmation password required",
			})
		}
	}

	if err := h.admin.FullRebuild(ec.Request().Context()); err != nil {
		h.logger.Error("full_rebuild failed", "error", err)
		return ec.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "full_rebuild failed",
		})
	}
	return ec.JSON(http.StatusOK, map[string]interface{}{
		"status": "rebuilt",
	})
}
