package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/clinicaccess/pkg/contextkeys"
	"github.com/platinummonkey/clinicaccess/pkg/permissions"
)

// Store persists memberships, grants and role templates in SQL
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ Backend = (*Store)(nil)

// NewStore creates a new permission store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// GetAccess retrieves a user's role and explicit grants in a clinic
func (s *Store) GetAccess(ctx context.Context, clinicID, userID int64) (*Access, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM clinic_memberships WHERE clinic_id = $1 AND user_id = $2`,
		clinicID, userID,
	).Scan(&role)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("membership of user %d in clinic %d: %w", userID, clinicID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}

	access := &Access{
		ClinicID: clinicID,
		UserID:   userID,
		Role:     permissions.Role(role),
		Grants:   []permissions.Permission{},
	}
	if err := ValidateRole(access.Role); err != nil {
		return nil, fmt.Errorf("membership of user %d in clinic %d: %w", userID, clinicID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT module, action FROM user_grants WHERE clinic_id = $1 AND user_id = $2`,
		clinicID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get grants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var module, action string
		if err := rows.Scan(&module, &action); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		p := permissions.Permission{Module: permissions.Module(module), Action: permissions.Action(action)}
		if !permissions.IsValid(p) {
			access.Rejected = append(access.Rejected, p.String())
			continue
		}
		access.Grants = append(access.Grants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read grants: %w", err)
	}

	permissions.SortPermissions(access.Grants)
	return access, nil
}

// ListMembers retrieves every membership of a clinic
func (s *Store) ListMembers(ctx context.Context, clinicID int64) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT clinic_id, user_id, role, updated_at, updated_by
		FROM clinic_memberships
		WHERE clinic_id = $1
		ORDER BY user_id ASC
	`, clinicID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	members := []Membership{}
	for rows.Next() {
		var m Membership
		var role string
		var updatedBy sql.NullInt64
		if err := rows.Scan(&m.ClinicID, &m.UserID, &role, &m.UpdatedAt, &updatedBy); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		m.Role = permissions.Role(role)
		if updatedBy.Valid {
			id := updatedBy.Int64
			m.UpdatedBy = &id
		}
		members = append(members, m)
	}

	return members, rows.Err()
}

// UpdateRole sets a user's role in a clinic, creating the membership if needed
func (s *Store) UpdateRole(ctx context.Context, clinicID, userID int64, role permissions.Role) error {
	if err := ValidateRole(role); err != nil {
		return err
	}

	query := `
		INSERT INTO clinic_memberships (clinic_id, user_id, role, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (clinic_id, user_id)
		DO UPDATE SET role = excluded.role, updated_at = excluded.updated_at, updated_by = excluded.updated_by
	`
	_, err := s.db.ExecContext(ctx, query, clinicID, userID, string(role), s.now(), actor(ctx))
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	return nil
}

// DeleteGrants removes all explicit grants of a user in a clinic
func (s *Store) DeleteGrants(ctx context.Context, clinicID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_grants WHERE clinic_id = $1 AND user_id = $2`,
		clinicID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete grants: %w", err)
	}
	return nil
}

// CreateGrants inserts explicit grants in one transaction. Duplicates are ignored.
func (s *Store) CreateGrants(ctx context.Context, clinicID, userID int64, grants []permissions.Permission) error {
	if err := ValidatePermissions(grants); err != nil {
		return err
	}
	if len(grants) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	query := `
		INSERT INTO user_grants (clinic_id, user_id, module, action, granted_at, granted_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (clinic_id, user_id, module, action) DO NOTHING
	`
	now := s.now()
	grantedBy := actor(ctx)
	for _, p := range permissions.NewSet(grants...).Slice() {
		if _, err := tx.ExecContext(ctx, query, clinicID, userID, string(p.Module), string(p.Action), now, grantedBy); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to create grant %s: %w", p, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit grants: %w", err)
	}
	return nil
}

// GetTemplate retrieves a clinic's role template, falling back to the factory defaults
func (s *Store) GetTemplate(ctx context.Context, clinicID int64, role permissions.Role) (*RoleTemplate, error) {
	if err := ValidateRole(role); err != nil {
		return nil, err
	}
	if role.IsSuper() {
		return FactoryTemplate(clinicID, role), nil
	}

	var (
		name            string
		permissionsJSON string
		updatedAt       time.Time
		updatedBy       sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, permissions, updated_at, updated_by
		FROM role_templates
		WHERE clinic_id = $1 AND role = $2
	`, clinicID, string(role)).Scan(&name, &permissionsJSON, &updatedAt, &updatedBy)
	if err == sql.ErrNoRows {
		return FactoryTemplate(clinicID, role), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}

	var stored []permissions.Permission
	if err := json.Unmarshal([]byte(permissionsJSON), &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template permissions: %w", err)
	}

	tmpl := &RoleTemplate{
		ClinicID:    clinicID,
		Role:        role,
		Name:        name,
		Permissions: []permissions.Permission{},
		Custom:      true,
		UpdatedAt:   &updatedAt,
	}
	for _, p := range stored {
		if permissions.IsValid(p) {
			tmpl.Permissions = append(tmpl.Permissions, p)
		}
	}
	permissions.SortPermissions(tmpl.Permissions)
	if updatedBy.Valid {
		id := updatedBy.Int64
		tmpl.UpdatedBy = &id
	}

	return tmpl, nil
}

// UpsertTemplate persists a clinic's role template. It never touches user grants.
func (s *Store) UpsertTemplate(ctx context.Context, clinicID int64, role permissions.Role, grants []permissions.Permission) error {
	if err := ValidateRole(role); err != nil {
		return err
	}
	if role.IsSuper() {
		return fmt.Errorf("%w: %s", ErrRoleLocked, role)
	}
	if err := ValidatePermissions(grants); err != nil {
		return err
	}

	permissionsJSON, err := json.Marshal(permissions.NewSet(grants...).Slice())
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	query := `
		INSERT INTO role_templates (clinic_id, role, name, permissions, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (clinic_id, role)
		DO UPDATE SET permissions = excluded.permissions, updated_at = excluded.updated_at, updated_by = excluded.updated_by
	`
	_, err = s.db.ExecContext(ctx, query,
		clinicID,
		string(role),
		DefaultTemplateName(role),
		string(permissionsJSON),
		s.now(),
		actor(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert template: %w", err)
	}
	return nil
}

// actor returns the acting user recorded on writes, if the context carries one
func actor(ctx context.Context) *int64 {
	if id, ok := contextkeys.GetActorID(ctx); ok {
		return &id
	}
	return nil
}
