package permissions

import (
	"fmt"
	"sort"
	"strings"
)

// Module identifies a functional area of the clinic application
type Module string

const (
	ModuleDashboard     Module = "dashboard"
	ModuleClients       Module = "clients"
	ModuleAppointments  Module = "appointments"
	ModuleFinancial     Module = "financial"
	ModuleReports       Module = "reports"
	ModuleSettings      Module = "settings"
	ModuleCRM           Module = "crm"
	ModuleInventory     Module = "inventory"
	ModuleProfessionals Module = "professionals"
	ModuleTasks         Module = "tasks"
	ModuleAttendance    Module = "attendance"
	ModuleUsers         Module = "users"
)

// ParseModule validates a module name
func ParseModule(s string) (Module, error) {
	m := Module(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := catalogIndex[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownModule, s)
	}
	return m, nil
}

// Action represents an operation type within a module
type Action string

const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
	ActionExport Action = "export"
)

// allActions is the canonical action order used when sorting and rendering grids
var allActions = []Action{ActionView, ActionCreate, ActionEdit, ActionDelete, ActionExport}

func actionRank(a Action) int {
	for i, x := range allActions {
		if x == a {
			return i
		}
	}
	return len(allActions)
}

// ParseAction validates an action name
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if actionRank(a) == len(allActions) {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

// Permission is a (module, action) pair. Two permissions are equal iff both fields match.
type Permission struct {
	Module Module `json:"module"`
	Action Action `json:"action"`
}

// String returns "module:action"
func (p Permission) String() string {
	return string(p.Module) + ":" + string(p.Action)
}

// ParsePermission parses "module:action" and validates it against the catalog
func ParsePermission(s string) (Permission, error) {
	mod, act, ok := strings.Cut(s, ":")
	if !ok {
		return Permission{}, fmt.Errorf("%w: %q", ErrInvalidPermission, s)
	}
	m, err := ParseModule(mod)
	if err != nil {
		return Permission{}, err
	}
	a, err := ParseAction(act)
	if err != nil {
		return Permission{}, err
	}
	p := Permission{Module: m, Action: a}
	if !IsValid(p) {
		return Permission{}, fmt.Errorf("%w: %s is not defined for %s", ErrInvalidPermission, a, m)
	}
	return p, nil
}

// Role is the named tier attached to a clinic membership
type Role string

const (
	RoleSuperAdmin   Role = "SUPER_ADMIN"
	RoleOwner        Role = "OWNER"
	RoleManager      Role = "MANAGER"
	RoleProfessional Role = "PROFESSIONAL"
	RoleReceptionist Role = "RECEPTIONIST"
	RoleFinancial    Role = "FINANCIAL"
	RoleMarketing    Role = "MARKETING"
	RoleStaff        Role = "STAFF"
)

// Roles returns every role, highest tier first
func Roles() []Role {
	return []Role{
		RoleSuperAdmin,
		RoleOwner,
		RoleManager,
		RoleProfessional,
		RoleReceptionist,
		RoleFinancial,
		RoleMarketing,
		RoleStaff,
	}
}

// ParseRole validates a role name
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Roles() {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// IsSuper reports whether the role bypasses explicit grants entirely
func (r Role) IsSuper() bool {
	return r == RoleSuperAdmin || r == RoleOwner
}

// CanChangeRole reports whether actor may move a member from one role to another.
// Moves into or out of SUPER_ADMIN take a SUPER_ADMIN actor, and moves into or
// out of any other super role take a super actor.
func CanChangeRole(actor, from, to Role) bool {
	switch {
	case from == to:
		return true
	case from == RoleSuperAdmin || to == RoleSuperAdmin:
		return actor == RoleSuperAdmin
	case from.IsSuper() || to.IsSuper():
		return actor.IsSuper()
	default:
		return true
	}
}

// Set is an immutable set of permissions. The zero value is an empty set.
type Set struct {
	m map[Permission]struct{}
}

// NewSet builds a set from the given permissions
func NewSet(perms ...Permission) Set {
	m := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		m[p] = struct{}{}
	}
	return Set{m: m}
}

// Has reports membership. Safe on the zero value.
func (s Set) Has(p Permission) bool {
	_, ok := s.m[p]
	return ok
}

// Len returns the number of permissions in the set
func (s Set) Len() int {
	return len(s.m)
}

// Union returns a new set holding the permissions of both sets
func (s Set) Union(other Set) Set {
	m := make(map[Permission]struct{}, len(s.m)+len(other.m))
	for p := range s.m {
		m[p] = struct{}{}
	}
	for p := range other.m {
		m[p] = struct{}{}
	}
	return Set{m: m}
}

// With returns a copy of the set with p added
func (s Set) With(p Permission) Set {
	return s.Union(NewSet(p))
}

// Without returns a copy of the set with every given permission removed
func (s Set) Without(perms ...Permission) Set {
	m := make(map[Permission]struct{}, len(s.m))
	for p := range s.m {
		m[p] = struct{}{}
	}
	for _, p := range perms {
		delete(m, p)
	}
	return Set{m: m}
}

// Equal reports whether both sets hold exactly the same permissions
func (s Set) Equal(other Set) bool {
	if len(s.m) != len(other.m) {
		return false
	}
	for p := range s.m {
		if _, ok := other.m[p]; !ok {
			return false
		}
	}
	return true
}

// Slice returns the permissions in catalog order
func (s Set) Slice() []Permission {
	out := make([]Permission, 0, len(s.m))
	for p := range s.m {
		out = append(out, p)
	}
	SortPermissions(out)
	return out
}

// SortPermissions orders permissions by catalog module order, then action order
func SortPermissions(perms []Permission) {
	sort.Slice(perms, func(i, j int) bool {
		mi, mj := moduleRank(perms[i].Module), moduleRank(perms[j].Module)
		if mi != mj {
			return mi < mj
		}
		return actionRank(perms[i].Action) < actionRank(perms[j].Action)
	})
}
