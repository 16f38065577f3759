package fetch

import (
	"fmt"
	"strings"

	"github.com/platinummonkey/clinicaccess/pkg/permissions"
)

// Key prefixes. Keys are "<prefix>:<clinic>:<user|role>".
const (
	AccessPrefix   = "access"
	TemplatePrefix = "template"
)

// AccessKey is the invalidation key of a user's role and grants in a clinic
func AccessKey(clinicID, userID int64) string {
	return fmt.Sprintf("%s:%d:%d", AccessPrefix, clinicID, userID)
}

// TemplateKey is the invalidation key of a clinic's template for a role
func TemplateKey(clinicID int64, role permissions.Role) string {
	return fmt.Sprintf("%s:%d:%s", TemplatePrefix, clinicID, role)
}

// ClinicTemplatesPrefix matches every template key of a clinic
func ClinicTemplatesPrefix(clinicID int64) string {
	return fmt.Sprintf("%s:%d:", TemplatePrefix, clinicID)
}

// ClinicAccessPrefix matches every access key of a clinic
func ClinicAccessPrefix(clinicID int64) string {
	return fmt.Sprintf("%s:%d:", AccessPrefix, clinicID)
}

// keyType returns the metrics label of a key
func keyType(key string) string {
	prefix, _, _ := strings.Cut(key, ":")
	switch prefix {
	case AccessPrefix, TemplatePrefix:
		return prefix
	default:
		return "other"
	}
}

// Event describes one invalidation: a set of exact keys and an optional prefix
type Event struct {
	Keys   []string `json:"keys,omitempty"`
	Prefix string   `json:"prefix,omitempty"`
}

// Matches reports whether key is invalidated by the event
func (e Event) Matches(key string) bool {
	if e.Prefix != "" && strings.HasPrefix(key, e.Prefix) {
		return true
	}
	for _, k := range e.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// Empty reports whether the event invalidates nothing
func (e Event) Empty() bool {
	return len(e.Keys) == 0 && e.Prefix == ""
}
