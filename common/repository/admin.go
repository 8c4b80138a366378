package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/praxisline/agentd/common/db"
)

// AdminRepository implements the data-only reset and full schema rebuild.
// Both operations are ADMIN-gated at the handler layer; full_rebuild is
// further limited to the development and production environments, with
// the confirmation password required in production.
type AdminRepository struct {
	db *db.DB

	// Logger interface matches the component convention
	logger interface {
		Info(msg string, keysAndValues ...interface{})
		Warn(msg string, keysAndValues ...interface{})
		Error(msg string, keysAndValues ...interface{})
	}
}

// NewAdminRepository creates a new admin repository
func NewAdminRepository(db *db.DB, logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}) *AdminRepository {
	return &AdminRepository{db: db, logger: logger}
}

// ClearDataReport summarizes a clear_data operation
type ClearDataReport struct {
	RowsBefore map[string]int64 `json:"rows_before"`
	RowsAfter  map[string]int64 `json:"rows_after"`
	Cleared    int64            `json:"rows_cleared"`
}

// ClearData truncates every core table except users and the migration
// version table, restarting identity sequences. The schema is never dropped.
func (r *AdminRepository) ClearData(ctx context.Context) (*ClearDataReport, error) {
	report := &ClearDataReport{
		RowsBefore: make(map[string]int64),
		RowsAfter:  make(map[string]int64),
	}

	var truncatable []string
	for _, table := range coreTables {
		if protectedTables[table] {
			continue
		}
		truncatable = append(truncatable, table)

		count, err := r.countRows(ctx, table)
		if err != nil {
			return nil, err
		}
		report.RowsBefore[table] = count
		report.Cleared += count
	}

	if report.Cleared > 0 {
		// One statement so FK ordering is postgres' problem, not ours
		stmt := fmt.Sprintf("TRUNCATE %s RESTART IDENTITY CASCADE", strings.Join(truncatable, ", "))
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("truncate failed: %w", err)
		}
	}

	for _, table := range truncatable {
		count, err := r.countRows(ctx, table)
		if err != nil {
			return nil, err
		}
		report.RowsAfter[table] = count
	}

	r.logger.Info("clear_data complete", "rows_cleared", report.Cleared)
	return report, nil
}

// FullRebuild drops and recreates the schema. It terminates competing
// connections, applies a short lock timeout, and retries up to 3 times
// with 1 s backoff on lock contention.
func (r *AdminRepository) FullRebuild(ctx context.Context) error {
	// Kick out other sessions so DROP TABLE doesn't block forever
	_, err := r.db.Exec(ctx, `
		SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE datname = current_database() AND pid <> pg_backend_pid()
	`)
	if err != nil {
		r.logger.Warn("failed to terminate competing connections", "error", err)
	}

	const attempts = 3
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = r.rebuildOnce(ctx)
		if lastErr == nil {
			r.logger.Info("full_rebuild complete", "attempt", attempt)
			return nil
		}
		r.logger.Warn("full_rebuild attempt failed", "attempt", attempt, "error", lastErr)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(1 * time.Second):
			}
		}
	}
	return fmt.Errorf("full_rebuild failed after %d attempts: %w", attempts, lastErr)
}

func (r *AdminRepository) rebuildOnce(ctx context.Context) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rebuild tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SET LOCAL lock_timeout = '5s'`); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}

	for _, table := range coreTables {
		if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", table)); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
	}

	if _, err := tx.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *AdminRepository) countRows(ctx context.Context, table string) (int64, error) {
	var count int64
	if err := r.db.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", table)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return count, nil
}
