package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DBLogger implements audit logging to the audit_events table created by rbac.RunMigrations
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-based audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBLogger{db: db}, nil
}

// Log logs an audit event to the database
func (l *DBLogger) Log(ctx context.Context, event *AuditEvent) error {
	metadataJSON, err := marshalOptional(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	var changesJSON sql.NullString
	if event.Changes != nil {
		data, err := json.Marshal(event.Changes)
		if err != nil {
			return fmt.Errorf("failed to marshal changes: %w", err)
		}
		changesJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO audit_events (
			id, occurred_at, event_type, status,
			actor_id, clinic_id, resource_type, resource_id,
			request_id, message, error_message, metadata, changes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err = l.db.ExecContext(ctx, query,
		event.ID, event.Timestamp.UTC(), string(event.EventType), string(event.Status),
		event.ActorID, event.ClinicID, string(event.ResourceType), event.ResourceID,
		event.RequestID, event.Message, event.ErrorMessage, metadataJSON, changesJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func marshalOptional(m map[string]interface{}) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// Search returns a clinic's audit events, newest first
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error) {
	query := `
		SELECT
			id, occurred_at, event_type, status,
			actor_id, clinic_id, resource_type, resource_id,
			request_id, message, error_message, metadata, changes
		FROM audit_events
		WHERE clinic_id = $1
	`
	args := []interface{}{filter.ClinicID}
	argCount := 2

	if filter.StartTime != nil {
		query += fmt.Sprintf(" AND occurred_at >= $%d", argCount)
		args = append(args, filter.StartTime.UTC())
		argCount++
	}

	if filter.ResourceID != "" {
		query += fmt.Sprintf(" AND resource_id = $%d", argCount)
		args = append(args, filter.ResourceID)
		argCount++
	}

	if len(filter.EventTypes) > 0 {
		placeholders := make([]string, len(filter.EventTypes))
		for i, et := range filter.EventTypes {
			placeholders[i] = fmt.Sprintf("$%d", argCount)
			args = append(args, string(et))
			argCount++
		}
		query += " AND event_type IN (" + strings.Join(placeholders, ", ") + ")"
	}

	query += " ORDER BY occurred_at DESC, id"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}
	defer rows.Close()

	events := make([]*AuditEvent, 0)
	for rows.Next() {
		var (
			event                                    AuditEvent
			eventType, status                        string
			actorID                                  sql.NullInt64
			resourceType, resourceID, requestID      sql.NullString
			message, errorMessage, metadata, changes sql.NullString
			occurredAt                               time.Time
		)
		if err := rows.Scan(
			&event.ID, &occurredAt, &eventType, &status,
			&actorID, &event.ClinicID, &resourceType, &resourceID,
			&requestID, &message, &errorMessage, &metadata, &changes,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}

		event.Timestamp = occurredAt.UTC()
		event.EventType = EventType(eventType)
		event.Status = EventStatus(status)
		if actorID.Valid {
			id := actorID.Int64
			event.ActorID = &id
		}
		event.ResourceType = ResourceType(resourceType.String)
		event.ResourceID = resourceID.String
		event.RequestID = requestID.String
		event.Message = message.String
		event.ErrorMessage = errorMessage.String

		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		if changes.Valid {
			event.Changes = &ChangeDetails{}
			if err := json.Unmarshal([]byte(changes.String), event.Changes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal changes: %w", err)
			}
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}
	return events, nil
}

// Close is a no-op; the database handle is owned by the caller
func (l *DBLogger) Close() error {
	return nil
}
