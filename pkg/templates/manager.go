package templates

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/platinummonkey/clinicaccess/pkg/audit"
	"github.com/platinummonkey/clinicaccess/pkg/fetch"
	"github.com/platinummonkey/clinicaccess/pkg/observability"
	"github.com/platinummonkey/clinicaccess/pkg/permissions"
	"github.com/platinummonkey/clinicaccess/pkg/rbac"
)

var (
	// ErrRoleLocked is returned when editing a role that always resolves to every permission
	ErrRoleLocked = rbac.ErrRoleLocked

	// ErrNotConfirmed is returned when RestoreDefaults is declined
	ErrNotConfirmed = errors.New("restore defaults not confirmed")

	// ErrForbidden is returned when the caller may not manage templates
	ErrForbidden = errors.New("not allowed to manage role templates")

	// ErrSaveFailed wraps backend failures of Save. The working set is kept.
	ErrSaveFailed = errors.New("failed to save role template")

	// ErrNoRole is returned before SelectRole succeeded
	ErrNoRole = errors.New("no role selected")
)

// Invalidator is the keyed invalidation contract. *fetch.Cache implements it.
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...string)
}

// Authorizer answers permission checks for the acting administrator. *provider.Provider implements it.
type Authorizer interface {
	HasPermission(m permissions.Module, a permissions.Action) bool
}

// ConfirmFunc asks the administrator to confirm a destructive reset of role's template
type ConfirmFunc func(role permissions.Role) bool

// Manager edits one clinic's role templates, one role at a time.
//
// Edits live in a working set until Save. Viewing requires users:view and
// every change requires users:edit; both are checked on each call.
type Manager struct {
	clinicID int64
	backend  rbac.Backend
	inv      Invalidator
	authz    Authorizer
	logger   *observability.Logger
	metrics  *observability.Metrics
	audit    audit.Logger

	mu        sync.Mutex
	selected  bool
	role      permissions.Role
	custom    bool
	baseline  permissions.Set
	working   permissions.Set
	selection uint64
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records save outcomes
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithAudit records saves in an audit log
func WithAudit(l audit.Logger) Option {
	return func(m *Manager) { m.audit = l }
}

// NewManager creates a manager for clinicID
func NewManager(clinicID int64, backend rbac.Backend, inv Invalidator, authz Authorizer, opts ...Option) *Manager {
	m := &Manager{
		clinicID: clinicID,
		backend:  backend,
		inv:      inv,
		authz:    authz,
		audit:    audit.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	m.logger = m.logger.WithFields(map[string]interface{}{
		"component": "templates",
		"clinic_id": clinicID,
	})
	return m
}

func (m *Manager) allowed(a permissions.Action) bool {
	return m.authz != nil && m.authz.HasPermission(permissions.ModuleUsers, a)
}

// SelectRole loads role's template into the working set, discarding unsaved edits.
// Without a stored template the factory defaults are loaded.
func (m *Manager) SelectRole(ctx context.Context, role permissions.Role) error {
	if !m.allowed(permissions.ActionView) {
		return ErrForbidden
	}
	if err := rbac.ValidateRole(role); err != nil {
		return err
	}

	tmpl, err := m.backend.GetTemplate(ctx, m.clinicID, role)
	if err != nil {
		return fmt.Errorf("failed to load template for %s: %w", role, err)
	}

	set := tmpl.PermissionSet()
	if role.IsSuper() {
		set = permissions.AllPermissions()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.selected = true
	m.role = role
	m.custom = tmpl.Custom
	m.baseline = set
	m.working = set
	m.selection++
	return nil
}

// Role returns the selected role
func (m *Manager) Role() (permissions.Role, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role, m.selected
}

// Custom reports whether the selected role had a stored template when loaded or last saved
func (m *Manager) Custom() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.custom
}

// Editable reports whether toggles, restore and save can change the selected role
func (m *Manager) Editable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.editableLocked()
}

func (m *Manager) editableLocked() bool {
	return m.selected && !m.role.IsSuper() && m.allowed(permissions.ActionEdit)
}

// WorkingSet returns the current working set
func (m *Manager) WorkingSet() permissions.Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.working
}

// Dirty reports whether the working set differs from the last loaded or saved template
func (m *Manager) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.working.Equal(m.baseline)
}

// ToggleGrant sets one pair in the working set and reports whether the set changed.
// It is a no-op for locked roles, pairs outside the catalog and callers without users:edit.
func (m *Manager) ToggleGrant(module permissions.Module, action permissions.Action, on bool) bool {
	p := permissions.Permission{Module: module, Action: action}
	if !permissions.IsValid(p) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.editableLocked() || m.working.Has(p) == on {
		return false
	}
	if on {
		m.working = m.working.With(p)
	} else {
		m.working = m.working.Without(p)
	}
	return true
}

// RestoreDefaults resets the working set to the factory defaults of the selected role
// once confirm approves. Nothing is persisted until Save.
func (m *Manager) RestoreDefaults(confirm ConfirmFunc) error {
	m.mu.Lock()
	role, err := m.checkEditableLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if confirm == nil || !confirm(role) {
		return ErrNotConfirmed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role != role {
		return ErrNotConfirmed
	}
	m.working = permissions.DefaultPermissions(role)
	return nil
}

func (m *Manager) checkEditableLocked() (permissions.Role, error) {
	switch {
	case !m.selected:
		return "", ErrNoRole
	case m.role.IsSuper():
		return m.role, fmt.Errorf("%w: %s", ErrRoleLocked, m.role)
	case !m.allowed(permissions.ActionEdit):
		return m.role, ErrForbidden
	}
	return m.role, nil
}

// Save persists the working set as the clinic's template for the selected role.
// Once the backend acknowledges the write, the template key is invalidated so
// active sessions holding the role re-resolve. On failure the working set is kept.
func (m *Manager) Save(ctx context.Context) error {
	m.mu.Lock()
	role, err := m.checkEditableLocked()
	working, baseline, selection := m.working, m.baseline, m.selection
	m.mu.Unlock()
	if err != nil {
		return err
	}

	grants := working.Slice()
	logger := m.logger.WithFields(map[string]interface{}{
		"role":        role,
		"permissions": len(grants),
	})

	err = m.backend.UpsertTemplate(ctx, m.clinicID, role, grants)
	m.metrics.ObserveSave("template", err)
	m.record(ctx, role, baseline, working, err)
	if err != nil {
		logger.WithError(err).Error("Failed to save role template")
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}

	m.mu.Lock()
	if m.selection == selection {
		m.baseline = working
		m.custom = true
	}
	m.mu.Unlock()

	if m.inv != nil {
		m.inv.Invalidate(ctx, fetch.TemplateKey(m.clinicID, role))
	}
	logger.Info("Saved role template")
	return nil
}

func (m *Manager) record(ctx context.Context, role permissions.Role, before, after permissions.Set, err error) {
	event := audit.NewEvent(ctx, m.clinicID, audit.EventTypeTemplateSave, audit.StatusOf(err))
	event.ResourceType = audit.ResourceTypeTemplate
	event.ResourceID = string(role)
	event.Changes = &audit.ChangeDetails{
		Before: map[string]interface{}{"permissions": permissionStrings(before)},
		After:  map[string]interface{}{"permissions": permissionStrings(after)},
	}
	if err != nil {
		event.ErrorMessage = err.Error()
	}
	if logErr := m.audit.Log(ctx, event); logErr != nil {
		m.logger.WithError(logErr).Warn("Failed to record audit event")
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
