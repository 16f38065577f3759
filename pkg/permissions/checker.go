package permissions

// CheckPermission decides whether a (module, action) check passes.
//
// A nil role always denies. SUPER_ADMIN and OWNER always pass regardless of
// grants. Any other role passes iff the pair is in grants.
func CheckPermission(grants Set, role *Role, m Module, a Action) bool {
	if role == nil {
		return false
	}
	if role.IsSuper() {
		return true
	}
	return grants.Has(Permission{Module: m, Action: a})
}

// ResolvedSet is the derived, immutable permission view of one user in one clinic
type ResolvedSet struct {
	role   Role
	grants Set
}

// Resolve unions a role template with a user's explicit grants.
// Grants only ever extend the template; nothing is subtracted.
func Resolve(role Role, template, grants Set) ResolvedSet {
	if role.IsSuper() {
		return ResolvedSet{role: role, grants: all}
	}
	return ResolvedSet{role: role, grants: template.Union(grants)}
}

// Role returns the role the set was resolved for
func (r ResolvedSet) Role() Role {
	return r.role
}

// All reports whether the set grants everything unconditionally
func (r ResolvedSet) All() bool {
	return r.role.IsSuper()
}

// Has checks a pair against the resolved set. The zero value denies everything.
func (r ResolvedSet) Has(m Module, a Action) bool {
	if r.role == "" {
		return false
	}
	role := r.role
	return CheckPermission(r.grants, &role, m, a)
}

// Permissions returns the effective permissions in catalog order
func (r ResolvedSet) Permissions() []Permission {
	return r.grants.Slice()
}
