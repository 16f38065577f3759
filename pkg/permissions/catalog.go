package permissions

// ModuleSpec declares a module and the actions it supports
type ModuleSpec struct {
	Module  Module   `json:"module"`
	Label   string   `json:"label"`
	Actions []Action `json:"actions"`
}

var crud = []Action{ActionView, ActionCreate, ActionEdit, ActionDelete, ActionExport}

// catalog is the single source of truth for valid (module, action) pairs.
// Order here is the display order of every permission grid.
var catalog = []ModuleSpec{
	{Module: ModuleDashboard, Label: "Dashboard", Actions: []Action{ActionView}},
	{Module: ModuleClients, Label: "Clients", Actions: crud},
	{Module: ModuleAppointments, Label: "Appointments", Actions: crud},
	{Module: ModuleFinancial, Label: "Financial", Actions: crud},
	{Module: ModuleReports, Label: "Reports", Actions: []Action{ActionView, ActionExport}},
	{Module: ModuleSettings, Label: "Settings", Actions: []Action{ActionView, ActionEdit}},
	{Module: ModuleCRM, Label: "CRM", Actions: crud},
	{Module: ModuleInventory, Label: "Inventory", Actions: crud},
	{Module: ModuleProfessionals, Label: "Professionals", Actions: crud},
	{Module: ModuleTasks, Label: "Tasks", Actions: crud},
	{Module: ModuleAttendance, Label: "Attendance", Actions: []Action{ActionView, ActionCreate, ActionEdit, ActionExport}},
	{Module: ModuleUsers, Label: "Users", Actions: []Action{ActionView, ActionCreate, ActionEdit, ActionDelete}},
}

var (
	catalogIndex = map[Module][]Action{}
	moduleOrder  = map[Module]int{}
	all          Set
)

func init() {
	var perms []Permission
	for i, spec := range catalog {
		catalogIndex[spec.Module] = spec.Actions
		moduleOrder[spec.Module] = i
		for _, a := range spec.Actions {
			perms = append(perms, Permission{Module: spec.Module, Action: a})
		}
	}
	all = NewSet(perms...)
}

func moduleRank(m Module) int {
	if i, ok := moduleOrder[m]; ok {
		return i
	}
	return len(catalog)
}

// Catalog returns a copy of the module catalog in display order
func Catalog() []ModuleSpec {
	out := make([]ModuleSpec, len(catalog))
	for i, spec := range catalog {
		out[i] = ModuleSpec{
			Module:  spec.Module,
			Label:   spec.Label,
			Actions: append([]Action(nil), spec.Actions...),
		}
	}
	return out
}

// Modules returns every module in display order
func Modules() []Module {
	out := make([]Module, len(catalog))
	for i, spec := range catalog {
		out[i] = spec.Module
	}
	return out
}

// ActionsFor returns the actions defined for a module, or nil if the module is unknown
func ActionsFor(m Module) []Action {
	actions, ok := catalogIndex[m]
	if !ok {
		return nil
	}
	return append([]Action(nil), actions...)
}

// IsValid reports whether the catalog defines the pair
func IsValid(p Permission) bool {
	return all.Has(p)
}

// AllPermissions returns the set of every valid pair
func AllPermissions() Set {
	return all
}

// ModulePermissions returns every valid pair of one module
func ModulePermissions(m Module) []Permission {
	actions := catalogIndex[m]
	out := make([]Permission, 0, len(actions))
	for _, a := range actions {
		out = append(out, Permission{Module: m, Action: a})
	}
	return out
}
