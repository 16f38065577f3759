// Package rbactest provides test doubles and database helpers for code built on rbac.Backend.
package rbactest

import (
	"context"
	"fmt"
	"sync"

	"github.com/platinummonkey/clinicaccess/pkg/permissions"
	"github.com/platinummonkey/clinicaccess/pkg/rbac"
)

// Method names accepted by Backend.FailOn
const (
	MethodGetAccess      = "GetAccess"
	MethodListMembers    = "ListMembers"
	MethodUpdateRole     = "UpdateRole"
	MethodDeleteGrants   = "DeleteGrants"
	MethodCreateGrants   = "CreateGrants"
	MethodGetTemplate    = "GetTemplate"
	MethodUpsertTemplate = "UpsertTemplate"
)

type memberKey struct {
	clinicID int64
	userID   int64
}

type templateKey struct {
	clinicID int64
	role     permissions.Role
}

// Backend is an in-memory rbac.Backend with per-method failure injection
type Backend struct {
	mu        sync.Mutex
	roles     map[memberKey]permissions.Role
	grants    map[memberKey]permissions.Set
	templates map[templateKey]permissions.Set
	failures  map[string]error
	calls     []string

	// BeforeCall runs with the method name before each call, outside the lock.
	// Tests use it to block or reorder concurrent fetches.
	BeforeCall func(method string)
}

var _ rbac.Backend = (*Backend)(nil)

// NewBackend creates an empty in-memory backend
func NewBackend() *Backend {
	return &Backend{
		roles:     make(map[memberKey]permissions.Role),
		grants:    make(map[memberKey]permissions.Set),
		templates: make(map[templateKey]permissions.Set),
		failures:  make(map[string]error),
	}
}

// SetMember seeds a membership and its explicit grants
func (b *Backend) SetMember(clinicID, userID int64, role permissions.Role, grants ...permissions.Permission) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := memberKey{clinicID, userID}
	b.roles[k] = role
	b.grants[k] = permissions.NewSet(grants...)
}

// SetTemplate seeds a stored template
func (b *Backend) SetTemplate(clinicID int64, role permissions.Role, grants ...permissions.Permission) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.templates[templateKey{clinicID, role}] = permissions.NewSet(grants...)
}

// FailOn makes every later call of method return err. A nil err clears the failure.
func (b *Backend) FailOn(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, method)
		return
	}
	b.failures[method] = err
}

// Calls returns the method names invoked so far, in order
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	copy(out, b.calls)
	return out
}

// CountCalls returns how many times method was invoked
func (b *Backend) CountCalls(method string) int {
	n := 0
	for _, c := range b.Calls() {
		if c == method {
			n++
		}
	}
	return n
}

// Grants returns the stored explicit grants of a member
func (b *Backend) Grants(clinicID, userID int64) permissions.Set {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.grants[memberKey{clinicID, userID}]
}

// Role returns the stored role of a member
func (b *Backend) Role(clinicID, userID int64) (permissions.Role, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.roles[memberKey{clinicID, userID}]
	return r, ok
}

// StoredTemplate returns the persisted template of a role, if any
func (b *Backend) StoredTemplate(clinicID int64, role permissions.Role) (permissions.Set, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.templates[templateKey{clinicID, role}]
	return s, ok
}

func (b *Backend) enter(method string) error {
	if b.BeforeCall != nil {
		b.BeforeCall(method)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, method)
	return b.failures[method]
}

func (b *Backend) GetAccess(ctx context.Context, clinicID, userID int64) (*rbac.Access, error) {
	if err := b.enter(MethodGetAccess); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	k := memberKey{clinicID, userID}
	role, ok := b.roles[k]
	if !ok {
		return nil, fmt.Errorf("membership of user %d in clinic %d: %w", userID, clinicID, rbac.ErrNotFound)
	}
	return &rbac.Access{
		ClinicID: clinicID,
		UserID:   userID,
		Role:     role,
		Grants:   b.grants[k].Slice(),
	}, nil
}

func (b *Backend) ListMembers(ctx context.Context, clinicID int64) ([]rbac.Membership, error) {
	if err := b.enter(MethodListMembers); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	members := []rbac.Membership{}
	for k, role := range b.roles {
		if k.clinicID == clinicID {
			members = append(members, rbac.Membership{ClinicID: clinicID, UserID: k.userID, Role: role})
		}
	}
	return members, nil
}

func (b *Backend) UpdateRole(ctx context.Context, clinicID, userID int64, role permissions.Role) error {
	if err := b.enter(MethodUpdateRole); err != nil {
		return err
	}
	if err := rbac.ValidateRole(role); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roles[memberKey{clinicID, userID}] = role
	return nil
}

func (b *Backend) DeleteGrants(ctx context.Context, clinicID, userID int64) error {
	if err := b.enter(MethodDeleteGrants); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.grants, memberKey{clinicID, userID})
	return nil
}

func (b *Backend) CreateGrants(ctx context.Context, clinicID, userID int64, grants []permissions.Permission) error {
	if err := b.enter(MethodCreateGrants); err != nil {
		return err
	}
	if err := rbac.ValidatePermissions(grants); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	k := memberKey{clinicID, userID}
	b.grants[k] = b.grants[k].Union(permissions.NewSet(grants...))
	return nil
}

func (b *Backend) GetTemplate(ctx context.Context, clinicID int64, role permissions.Role) (*rbac.RoleTemplate, error) {
	if err := b.enter(MethodGetTemplate); err != nil {
		return nil, err
	}
	if err := rbac.ValidateRole(role); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, ok := b.templates[templateKey{clinicID, role}]
	if !ok || role.IsSuper() {
		return rbac.FactoryTemplate(clinicID, role), nil
	}
	return &rbac.RoleTemplate{
		ClinicID:    clinicID,
		Role:        role,
		Name:        rbac.DefaultTemplateName(role),
		Permissions: stored.Slice(),
		Custom:      true,
	}, nil
}

func (b *Backend) UpsertTemplate(ctx context.Context, clinicID int64, role permissions.Role, grants []permissions.Permission) error {
	if err := b.enter(MethodUpsertTemplate); err != nil {
		return err
	}
	if err := rbac.ValidateRole(role); err != nil {
		return err
	}
	if role.IsSuper() {
		return fmt.Errorf("%w: %s", rbac.ErrRoleLocked, role)
	}
	if err := rbac.ValidatePermissions(grants); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.templates[templateKey{clinicID, role}] = permissions.NewSet(grants...)
	return nil
}
