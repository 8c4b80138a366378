package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisline/agentd/cmd/agentd/ws"
	"github.com/praxisline/agentd/common/config"
	"github.com/praxisline/agentd/common/models"
	"github.com/praxisline/agentd/common/repository"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, keysAndValues ...interface{})  { l.t.Logf("[INFO] %s %v", msg, keysAndValues) }
func (l *testLogger) Error(msg string, keysAndValues ...interface{}) { l.t.Logf("[ERROR] %s %v", msg, keysAndValues) }
func (l *testLogger) Warn(msg string, keysAndValues ...interface{})  { l.t.Logf("[WARN] %s %v", msg, keysAndValues) }
func (l *testLogger) Debug(msg string, keysAndValues ...interface{}) { l.t.Logf("[DEBUG] %s %v", msg, keysAndValues) }

type fakeAdminStore struct {
	clearCalls   int
	rebuildCalls int
	report       *repository.ClearDataReport
	err          error
}

func (s *fakeAdminStore) ClearData(ctx context.Context) (*repository.ClearDataReport, error) {
	s.clearCalls++
	if s.err != nil {
		return nil, s.err
	}
	return s.report, nil
}

func (s *fakeAdminStore) FullRebuild(ctx context.Context) error {
	s.rebuildCalls++
	return s.err
}

func newAdminFixture(t *testing.T, environment, resetPassword string) (*AdminHandler, *fakeAdminStore) {
	cfg := &config.Config{}
	cfg.Service.Environment = environment
	cfg.Admin.DBResetPassword = resetPassword

	store := &fakeAdminStore{report: &repository.ClearDataReport{
		RowsBefore: map[string]int64{"agents": 3},
		RowsAfter:  map[string]int64{"agents": 0},
		Cleared:    3,
	}}
	return &AdminHandler{admin: store, cfg: cfg, logger: &testLogger{t: t}}, store
}

func adminUser() *ws.ClientUser {
	return &ws.ClientUser{ID: uuid.New(), Role: models.RoleAdmin}
}

func invoke(t *testing.T, handler echo.HandlerFunc, user *ws.ClientUser, password string) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	if password != "" {
		req.Header.Set("X-Confirmation-Password", password)
	}
	rec := httptest.NewRecorder()
	ec := e.NewContext(req, rec)
	if user != nil {
		ec.Set(userContextKey, user)
	}
	require.NoError(t, handler(ec))
	return rec
}

func TestFullRebuildAllowedInDevelopment(t *testing.T) {
	h, store := newAdminFixture(t, "development", "")

	rec := invoke(t, h.FullRebuild, adminUser(), "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, store.rebuildCalls)
	assert.Contains(t, rec.Body.String(), "rebuilt")
}

func TestFullRebuildRejectedOutsideKnownEnvironments(t *testing.T) {
	for _, env := range []string{"staging", "test", ""} {
		h, store := newAdminFixture(t, env, "hunter2")

		rec := invoke(t, h.FullRebuild, adminUser(), "hunter2")

		assert.Equal(t, http.StatusForbidden, rec.Code, "environment %q", env)
		assert.Equal(t, 0, store.rebuildCalls, "environment %q", env)
	}
}

func TestFullRebuildRequiresPasswordInProduction(t *testing.T) {
	h, store := newAdminFixture(t, "production", "hunter2")

	rec := invoke(t, h.FullRebuild, adminUser(), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = invoke(t, h.FullRebuild, adminUser(), "wrong")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, store.rebuildCalls)

	rec = invoke(t, h.FullRebuild, adminUser(), "hunter2")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, store.rebuildCalls)
}

func TestFullRebuildRejectsUnconfiguredProductionPassword(t *testing.T) {
	h, store := newAdminFixture(t, "production", "")

	rec := invoke(t, h.FullRebuild, adminUser(), "anything")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, store.rebuildCalls)
}

func TestFullRebuildRequiresAdminRole(t *testing.T) {
	h, store := newAdminFixture(t, "development", "")

	rec := invoke(t, h.FullRebuild, &ws.ClientUser{ID: uuid.New(), Role: models.RoleUser}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = invoke(t, h.FullRebuild, nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, store.rebuildCalls)
}

func TestClearDataReturnsReport(t *testing.T) {
	h, store := newAdminFixture(t, "development", "")

	rec := invoke(t, h.ClearData, adminUser(), "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, store.clearCalls)
	assert.Contains(t, rec.Body.String(), `"rows_cleared":3`)
}
