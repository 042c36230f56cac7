package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/adserve/idgen"
)

// BusinessEvent is an operator-visible event: a catalog reload, a
// maintenance run.
type BusinessEvent struct {
	EventType   string
	ServiceName string
	EntityType  string
	EntityID    string
	Action      string
	Details     string
	Success     bool
}

// EventLogger writes business events.
type EventLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
}

// NewEventLogger creates a logger over the observability database.
func NewEventLogger(db *sql.DB, logger *slog.Logger) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogger{db: db, newID: idgen.Prefixed("evt_", idgen.Default), logger: logger}
}

// LogEvent writes one event. Failures are logged, never returned.
func (l *EventLogger) LogEvent(ctx context.Context, ev BusinessEvent) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO business_event_logs (
			event_id, event_type, service_name, entity_type, entity_id,
			action, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		l.newID(), ev.EventType, ev.ServiceName, ev.EntityType, ev.EntityID,
		ev.Action, ev.Details, ev.Success, time.Now().Unix())
	if err != nil {
		l.logger.Error("event log failed", "error", err, "event_type", ev.EventType)
	}
}

// Recent returns the newest events of eventType (all types when empty).
func (l *EventLogger) Recent(ctx context.Context, eventType string, limit int) ([]BusinessEvent, error) {
	q := `SELECT event_type, service_name, COALESCE(entity_type,''), COALESCE(entity_id,''),
		action, COALESCE(details,''), success FROM business_event_logs`
	var args []any
	if eventType != "" {
		q += " WHERE event_type = ?"
		args = append(args, eventType)
	}
	q += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []BusinessEvent
	for rows.Next() {
		var ev BusinessEvent
		if err := rows.Scan(&ev.EventType, &ev.ServiceName, &ev.EntityType, &ev.EntityID,
			&ev.Action, &ev.Details, &ev.Success); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CleanupEvents deletes events older than retentionDays.
func (l *EventLogger) CleanupEvents(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := l.db.ExecContext(ctx, "DELETE FROM business_event_logs WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup events: %w", err)
	}
	return res.RowsAffected()
}
