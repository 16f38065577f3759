package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/clinicaccess/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all permission schema migrations.
// The SQL runs unchanged on PostgreSQL and SQLite.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create clinic_memberships table",
			SQL: `
				CREATE TABLE IF NOT EXISTS clinic_memberships (
					clinic_id BIGINT NOT NULL,
					user_id BIGINT NOT NULL,
					role VARCHAR(32) NOT NULL,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_by BIGINT,
					PRIMARY KEY (clinic_id, user_id)
				);

				CREATE INDEX IF NOT EXISTS idx_clinic_memberships_role ON clinic_memberships(clinic_id, role);
			`,
		},
		{
			Version:     2,
			Description: "Create user_grants table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_grants (
					clinic_id BIGINT NOT NULL,
					user_id BIGINT NOT NULL,
					module VARCHAR(64) NOT NULL,
					action VARCHAR(32) NOT NULL,
					granted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					granted_by BIGINT,
					PRIMARY KEY (clinic_id, user_id, module, action)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create role_templates table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_templates (
					clinic_id BIGINT NOT NULL,
					role VARCHAR(32) NOT NULL,
					name VARCHAR(255) NOT NULL,
					permissions TEXT NOT NULL DEFAULT '[]',
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_by BIGINT,
					PRIMARY KEY (clinic_id, role)
				);
			`,
		},
		{
			Version:     4,
			Description: "Create audit_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_events (
					id VARCHAR(36) PRIMARY KEY,
					occurred_at TIMESTAMP NOT NULL,
					event_type VARCHAR(64) NOT NULL,
					status VARCHAR(16) NOT NULL,
					actor_id BIGINT,
					clinic_id BIGINT NOT NULL,
					resource_type VARCHAR(32),
					resource_id VARCHAR(255),
					request_id VARCHAR(64),
					message TEXT,
					error_message TEXT,
					metadata TEXT,
					changes TEXT
				);

				CREATE INDEX IF NOT EXISTS idx_audit_events_clinic ON audit_events(clinic_id, occurred_at);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS permission_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM permission_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		log := logger.WithFields(map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		})
		log.Info("Running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO permission_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		log.Info("Migration completed")
	}

	return nil
}

// SchemaCurrent returns an error unless every migration has been applied
func SchemaCurrent(ctx context.Context, db *sql.DB) error {
	var applied int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM permission_migrations").Scan(&applied); err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	if want := len(GetMigrations()); applied < want {
		return fmt.Errorf("schema at %d of %d migrations", applied, want)
	}
	return nil
}
