// Package audit records administrative changes to clinic permissions.
//
// Template saves, role changes and grant replacements each produce one
// AuditEvent carrying the acting user, the clinic, the resource and a
// before/after change set:
//
//	event := audit.NewEvent(ctx, clinicID, audit.EventTypeTemplateSave, audit.StatusOf(err))
//	event.ResourceType = audit.ResourceTypeTemplate
//	event.ResourceID = string(role)
//	_ = logger.Log(ctx, event)
//
// # Sinks
//
//   - DBLogger: audit_events table (created by rbac.RunMigrations), searchable per clinic
//   - FileLogger: JSON lines with size-based rotation
//   - MultiLogger: fans out to several sinks
//   - MemoryLogger, NoOpLogger: tests and disabled auditing
//
// Audit failures never fail the audited operation; callers log and continue.
package audit
