package permissions

// RoleDefinition describes a role and its factory grants
type RoleDefinition struct {
	Role        Role         `json:"role"`
	DisplayName string       `json:"display_name"`
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`
}

func perms(m Module, actions ...Action) []Permission {
	out := make([]Permission, 0, len(actions))
	for _, a := range actions {
		out = append(out, Permission{Module: m, Action: a})
	}
	return out
}

func join(groups ...[]Permission) []Permission {
	var out []Permission
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// defaultTable maps every non-super role to its baseline grants.
// SUPER_ADMIN and OWNER resolve to every catalog pair.
var defaultTable = map[Role][]Permission{
	RoleManager: join(
		perms(ModuleDashboard, ActionView),
		perms(ModuleClients, ActionView, ActionCreate, ActionEdit, ActionDelete, ActionExport),
		perms(ModuleAppointments, ActionView, ActionCreate, ActionEdit, ActionDelete, ActionExport),
		perms(ModuleFinancial, ActionView, ActionCreate, ActionEdit, ActionExport),
		perms(ModuleReports, ActionView, ActionExport),
		perms(ModuleSettings, ActionView),
		perms(ModuleCRM, ActionView, ActionCreate, ActionEdit, ActionDelete),
		perms(ModuleInventory, ActionView, ActionCreate, ActionEdit, ActionDelete),
		perms(ModuleProfessionals, ActionView, ActionCreate, ActionEdit),
		perms(ModuleTasks, ActionView, ActionCreate, ActionEdit, ActionDelete),
		perms(ModuleAttendance, ActionView, ActionCreate, ActionEdit, ActionExport),
		perms(ModuleUsers, ActionView, ActionCreate, ActionEdit),
	),
	RoleProfessional: join(
		perms(ModuleDashboard, ActionView),
		perms(ModuleClients, ActionView, ActionCreate, ActionEdit),
		perms(ModuleAppointments, ActionView, ActionCreate, ActionEdit),
		perms(ModuleTasks, ActionView, ActionCreate, ActionEdit),
		perms(ModuleAttendance, ActionView, ActionCreate, ActionEdit),
	),
	RoleReceptionist: join(
		perms(ModuleDashboard, ActionView),
		perms(ModuleClients, ActionView, ActionCreate, ActionEdit),
		perms(ModuleAppointments, ActionView, ActionCreate, ActionEdit, ActionDelete),
		perms(ModuleProfessionals, ActionView),
		perms(ModuleCRM, ActionView, ActionCreate),
		perms(ModuleTasks, ActionView, ActionCreate),
		perms(ModuleAttendance, ActionView, ActionCreate),
	),
	RoleFinancial: join(
		perms(ModuleDashboard, ActionView),
		perms(ModuleClients, ActionView),
		perms(ModuleAppointments, ActionView),
		perms(ModuleFinancial, ActionView, ActionCreate, ActionEdit, ActionDelete, ActionExport),
		perms(ModuleReports, ActionView, ActionExport),
		perms(ModuleInventory, ActionView),
	),
	RoleMarketing: join(
		perms(ModuleDashboard, ActionView),
		perms(ModuleClients, ActionView, ActionExport),
		perms(ModuleCRM, ActionView, ActionCreate, ActionEdit, ActionDelete, ActionExport),
		perms(ModuleReports, ActionView),
	),
	RoleStaff: join(
		perms(ModuleDashboard, ActionView),
		perms(ModuleAppointments, ActionView),
		perms(ModuleTasks, ActionView, ActionEdit),
	),
}

var roleInfo = map[Role][2]string{
	RoleSuperAdmin:   {"Super Admin", "Platform operator with unrestricted access to every clinic"},
	RoleOwner:        {"Owner", "Clinic owner with unrestricted access to the clinic"},
	RoleManager:      {"Manager", "Runs day-to-day operations and manages staff"},
	RoleProfessional: {"Professional", "Attends clients and manages their own agenda"},
	RoleReceptionist: {"Receptionist", "Front desk scheduling and client intake"},
	RoleFinancial:    {"Financial", "Payments, billing and financial reporting"},
	RoleMarketing:    {"Marketing", "Leads, campaigns and client outreach"},
	RoleStaff:        {"Staff", "Basic access to agenda and tasks"},
}

// DefaultPermissions returns the factory grant set of a role
func DefaultPermissions(r Role) Set {
	if r.IsSuper() {
		return all
	}
	return NewSet(defaultTable[r]...)
}

// DefaultRoles returns the factory definition of every role
func DefaultRoles() []RoleDefinition {
	roles := Roles()
	out := make([]RoleDefinition, 0, len(roles))
	for _, r := range roles {
		info := roleInfo[r]
		out = append(out, RoleDefinition{
			Role:        r,
			DisplayName: info[0],
			Description: info[1],
			Permissions: DefaultPermissions(r).Slice(),
		})
	}
	return out
}
