package editor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/platinummonkey/clinicaccess/pkg/audit"
	"github.com/platinummonkey/clinicaccess/pkg/fetch"
	"github.com/platinummonkey/clinicaccess/pkg/observability"
	"github.com/platinummonkey/clinicaccess/pkg/permissions"
	"github.com/platinummonkey/clinicaccess/pkg/rbac"
)

var (
	// ErrNotLoaded is returned before Load succeeded
	ErrNotLoaded = errors.New("no user loaded")

	// ErrForbidden is returned when the caller may not edit user access
	ErrForbidden = errors.New("not allowed to edit user access")

	// ErrSuperAdminOnly is returned when a non SUPER_ADMIN assigns or edits the SUPER_ADMIN role
	ErrSuperAdminOnly = errors.New("only a super admin can assign the super admin role")

	// ErrOwnerOnly is returned when a caller without a super role assigns or edits the OWNER role
	ErrOwnerOnly = errors.New("only an owner or super admin can assign the owner role")
)

// Invalidator is the keyed invalidation contract. *fetch.Cache implements it.
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...string)
}

// Authorizer describes the acting administrator. *provider.Provider implements it.
type Authorizer interface {
	HasPermission(m permissions.Module, a permissions.Action) bool
	Role() (permissions.Role, bool)
}

// SaveResult reports each half of a save independently
type SaveResult struct {
	RoleChanged bool
	RoleSaved   bool
	RoleErr     error

	GrantsChanged bool
	GrantsSaved   bool
	GrantsErr     error
	// GrantsCleared is set when the stored grants were deleted but the new
	// ones were not created, leaving the user with no explicit grants
	GrantsCleared bool
}

// Failed reports whether any attempted write failed
func (r *SaveResult) Failed() bool {
	return r.RoleErr != nil || r.GrantsErr != nil
}

// PartialSaveError is returned when one half was persisted and the other failed.
// The persisted half is not rolled back.
type PartialSaveError struct {
	Result *SaveResult
}

func (e *PartialSaveError) Error() string {
	if e.Result.RoleErr != nil {
		return fmt.Sprintf("grants saved but role update failed: %v", e.Result.RoleErr)
	}
	return fmt.Sprintf("role saved but grants update failed: %v", e.Result.GrantsErr)
}

func (e *PartialSaveError) Unwrap() error {
	if e.Result.RoleErr != nil {
		return e.Result.RoleErr
	}
	return e.Result.GrantsErr
}

// SaveError is returned when every attempted write failed.
// GrantsCleared reports that the grants replace stopped after deleting.
type SaveError struct {
	RoleErr       error
	GrantsErr     error
	GrantsCleared bool
}

func (e *SaveError) Error() string {
	msg := e.message()
	if e.GrantsCleared {
		msg += " (stored grants were cleared)"
	}
	return msg
}

func (e *SaveError) message() string {
	switch {
	case e.RoleErr != nil && e.GrantsErr != nil:
		return fmt.Sprintf("role update failed: %v; grants update failed: %v", e.RoleErr, e.GrantsErr)
	case e.RoleErr != nil:
		return fmt.Sprintf("role update failed: %v", e.RoleErr)
	default:
		return fmt.Sprintf("grants update failed: %v", e.GrantsErr)
	}
}

func (e *SaveError) Unwrap() []error {
	var errs []error
	if e.RoleErr != nil {
		errs = append(errs, e.RoleErr)
	}
	if e.GrantsErr != nil {
		errs = append(errs, e.GrantsErr)
	}
	return errs
}

// Editor edits one user's role and explicit grants in one clinic.
//
// Changes are staged until Save. The loaded baseline tracks what the backend
// holds, so after a partial save a retry re-issues only the failed half.
type Editor struct {
	backend rbac.Backend
	inv     Invalidator
	authz   Authorizer
	logger  *observability.Logger
	metrics *observability.Metrics
	audit   audit.Logger

	mu         sync.Mutex
	loaded     bool
	clinicID   int64
	userID     int64
	baseRole   permissions.Role
	role       permissions.Role
	baseGrants permissions.Set
	grants     permissions.Set
}

// Option configures an Editor
type Option func(*Editor)

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(e *Editor) { e.logger = l }
}

// WithMetrics records save outcomes
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Editor) { e.metrics = m }
}

// WithAudit records saves in an audit log
func WithAudit(l audit.Logger) Option {
	return func(e *Editor) { e.audit = l }
}

// New creates an editor
func New(backend rbac.Backend, inv Invalidator, authz Authorizer, opts ...Option) *Editor {
	e := &Editor{
		backend: backend,
		inv:     inv,
		authz:   authz,
		audit:   audit.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	e.logger = e.logger.WithField("component", "editor")
	return e
}

func (e *Editor) allowed(a permissions.Action) bool {
	return e.authz != nil && e.authz.HasPermission(permissions.ModuleUsers, a)
}

func (e *Editor) actorRole() permissions.Role {
	if e.authz == nil {
		return ""
	}
	role, ok := e.authz.Role()
	if !ok {
		return ""
	}
	return role
}

// Load fetches the current role and explicit grants of userID in clinicID, discarding staged changes
func (e *Editor) Load(ctx context.Context, userID, clinicID int64) error {
	if !e.allowed(permissions.ActionView) {
		return ErrForbidden
	}

	access, err := e.backend.GetAccess(ctx, clinicID, userID)
	if err != nil {
		return fmt.Errorf("failed to load access of user %d: %w", userID, err)
	}

	grants := access.GrantSet()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = true
	e.clinicID, e.userID = clinicID, userID
	e.baseRole, e.role = access.Role, access.Role
	e.baseGrants, e.grants = grants, grants
	return nil
}

// SetRole stages a role change
func (e *Editor) SetRole(role permissions.Role) error {
	if err := rbac.ValidateRole(role); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return ErrNotLoaded
	}
	if !e.allowed(permissions.ActionEdit) {
		return ErrForbidden
	}
	if !permissions.CanChangeRole(e.actorRole(), e.baseRole, role) {
		if role == permissions.RoleSuperAdmin || e.baseRole == permissions.RoleSuperAdmin {
			return ErrSuperAdminOnly
		}
		return ErrOwnerOnly
	}
	e.role = role
	return nil
}

// Role returns the staged role
func (e *Editor) Role() permissions.Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// Grants returns the staged explicit grants
func (e *Editor) Grants() permissions.Set {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.grants
}

// Dirty reports whether any staged change differs from the backend state
func (e *Editor) Dirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role != e.baseRole || !e.grants.Equal(e.baseGrants)
}

func (e *Editor) editableLocked() bool {
	return e.loaded && e.allowed(permissions.ActionEdit)
}

// ToggleModule sets every catalog action of module
func (e *Editor) ToggleModule(module permissions.Module, on bool) {
	perms := permissions.ModulePermissions(module)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.editableLocked() || len(perms) == 0 {
		return
	}
	if on {
		e.grants = e.grants.Union(permissions.NewSet(perms...))
	} else {
		e.grants = e.grants.Without(perms...)
	}
}

// ToggleAction sets a single pair. Pairs outside the catalog are ignored.
func (e *Editor) ToggleAction(module permissions.Module, action permissions.Action, on bool) {
	p := permissions.Permission{Module: module, Action: action}
	if !permissions.IsValid(p) {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.editableLocked() {
		return
	}
	if on {
		e.grants = e.grants.With(p)
	} else {
		e.grants = e.grants.Without(p)
	}
}

// ModuleChecked reports whether at least one action of module is staged
func (e *Editor) ModuleChecked(module permissions.Module) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range permissions.ModulePermissions(module) {
		if e.grants.Has(p) {
			return true
		}
	}
	return false
}

// Save writes the role if it changed, then replaces the explicit grants if
// they changed. The halves are independent: a failure of one does not stop
// or roll back the other. The access key is invalidated when any write was
// acknowledged.
//
// The error is a *PartialSaveError when one half persisted and the other
// failed, and a *SaveError when every attempted write failed.
func (e *Editor) Save(ctx context.Context) (*SaveResult, error) {
	e.mu.Lock()
	if !e.loaded {
		e.mu.Unlock()
		return nil, ErrNotLoaded
	}
	if !e.allowed(permissions.ActionEdit) {
		e.mu.Unlock()
		return nil, ErrForbidden
	}
	clinicID, userID := e.clinicID, e.userID
	baseRole, role := e.baseRole, e.role
	baseGrants, grants := e.baseGrants, e.grants
	e.mu.Unlock()

	logger := e.logger.WithFields(map[string]interface{}{
		"clinic_id": clinicID,
		"user_id":   userID,
	})
	result := &SaveResult{
		RoleChanged:   role != baseRole,
		GrantsChanged: !grants.Equal(baseGrants),
	}
	acknowledged := false

	if result.RoleChanged {
		result.RoleErr = e.backend.UpdateRole(ctx, clinicID, userID, role)
		e.metrics.ObserveSave("role", result.RoleErr)
		e.recordRole(ctx, clinicID, userID, baseRole, role, result.RoleErr)
		if result.RoleErr == nil {
			result.RoleSaved = true
			acknowledged = true
			e.commit(clinicID, userID, func() { e.baseRole = role })
		} else {
			logger.WithError(result.RoleErr).Error("Failed to update role")
		}
	}

	if result.GrantsChanged {
		deleted, err := e.replaceGrants(ctx, clinicID, userID, grants)
		result.GrantsErr = err
		e.metrics.ObserveSave("grants", err)
		e.recordGrants(ctx, clinicID, userID, baseGrants, grants, err)
		switch {
		case err == nil:
			result.GrantsSaved = true
			acknowledged = true
			e.commit(clinicID, userID, func() { e.baseGrants = grants })
		case deleted:
			// The old grants are gone; the retry still re-issues the full replace.
			result.GrantsCleared = true
			acknowledged = true
			e.commit(clinicID, userID, func() { e.baseGrants = permissions.Set{} })
			logger.WithError(err).Error("Grants deleted but not recreated")
		default:
			logger.WithError(err).Error("Failed to replace grants")
		}
	}

	if acknowledged && e.inv != nil {
		e.inv.Invalidate(ctx, fetch.AccessKey(clinicID, userID))
	}

	succeeded := result.RoleSaved || result.GrantsSaved
	switch {
	case !result.Failed():
		if result.RoleChanged || result.GrantsChanged {
			logger.WithFields(map[string]interface{}{
				"role_changed":   result.RoleChanged,
				"grants_changed": result.GrantsChanged,
			}).Info("Saved user access")
		}
		return result, nil
	case succeeded:
		return result, &PartialSaveError{Result: result}
	default:
		return result, &SaveError{RoleErr: result.RoleErr, GrantsErr: result.GrantsErr, GrantsCleared: result.GrantsCleared}
	}
}

// replaceGrants deletes every grant then inserts grants. deleted reports
// whether the delete was acknowledged.
func (e *Editor) replaceGrants(ctx context.Context, clinicID, userID int64, grants permissions.Set) (deleted bool, err error) {
	if err := e.backend.DeleteGrants(ctx, clinicID, userID); err != nil {
		return false, fmt.Errorf("failed to delete grants: %w", err)
	}
	if grants.Len() == 0 {
		return true, nil
	}
	if err := e.backend.CreateGrants(ctx, clinicID, userID, grants.Slice()); err != nil {
		return true, fmt.Errorf("failed to create grants: %w", err)
	}
	return true, nil
}

// commit applies fn to the baseline if the editor still holds the same user
func (e *Editor) commit(clinicID, userID int64, fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded && e.clinicID == clinicID && e.userID == userID {
		fn()
	}
}

func (e *Editor) recordRole(ctx context.Context, clinicID, userID int64, before, after permissions.Role, err error) {
	event := audit.NewEvent(ctx, clinicID, audit.EventTypeRoleChange, audit.StatusOf(err))
	event.ResourceType = audit.ResourceTypeMembership
	event.ResourceID = strconv.FormatInt(userID, 10)
	event.Changes = &audit.ChangeDetails{
		Before: map[string]interface{}{"role": string(before)},
		After:  map[string]interface{}{"role": string(after)},
	}
	e.log(ctx, event, err)
}

func (e *Editor) recordGrants(ctx context.Context, clinicID, userID int64, before, after permissions.Set, err error) {
	event := audit.NewEvent(ctx, clinicID, audit.EventTypeGrantsReplace, audit.StatusOf(err))
	event.ResourceType = audit.ResourceTypeGrants
	event.ResourceID = strconv.FormatInt(userID, 10)
	event.Changes = &audit.ChangeDetails{
		Before: map[string]interface{}{"grants": permissionStrings(before)},
		After:  map[string]interface{}{"grants": permissionStrings(after)},
	}
	e.log(ctx, event, err)
}

func (e *Editor) log(ctx context.Context, event *audit.AuditEvent, err error) {
	if err != nil {
		event.ErrorMessage = err.Error()
	}
	if logErr := e.audit.Log(ctx, event); logErr != nil {
		e.logger.WithError(logErr).Warn("Failed to record audit event")
	}
}

func permissionStrings(s permissions.Set) []string {
	perms := s.Slice()
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.String()
	}
	return out
}
