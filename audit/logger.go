package audit

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tomyedwab/fedhost/federation"
)

// EventType represents the type of audit event
type EventType string

const (
	EventRemoteLoaded     EventType = "remote_loaded"
	EventRemoteAbsent     EventType = "remote_absent"
	EventRemoteLoadFailed EventType = "remote_load_failed"
	EventRemoteReloaded   EventType = "remote_reloaded"
	EventRoutesAggregated EventType = "routes_aggregated"
)

// AuditEvent represents an audit log entry in the database
type AuditEvent struct {
	ID        string `db:"id"`
	EventType string `db:"event_type"`
	Timestamp int64  `db:"timestamp"`
	Scope     string `db:"scope"`
	Source    string `db:"source"`
	Strategy  string `db:"strategy"`
	ErrorKind string `db:"error_kind"`
	Detail    string `db:"detail"`
	Count     int    `db:"count"`
}

// Logger records remote loading lifecycle events. Digests are never stored:
// an integrity failure is recorded by its error kind only.
type Logger struct {
	db *sqlx.DB
}

// NewLogger creates a new audit logger instance
func NewLogger(db *sqlx.DB) (*Logger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Logger{
		db: db,
	}, nil
}

// DBInit initializes the remote events database table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS remote_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		scope TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		strategy TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		count INTEGER NOT NULL DEFAULT 0
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_remote_events_timestamp ON remote_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_remote_events_scope ON remote_events(scope)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_remote_events_event_type ON remote_events(event_type)`)
	return err
}

// redactSource strips credentials and query strings from a bundle location
// so that tokens embedded in URLs are not written to the log.
func redactSource(source string) string {
	if !strings.Contains(source, "://") {
		return source
	}
	u, err := url.Parse(source)
	if err != nil {
		return ""
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// insertEvent is a helper method to insert an audit event into the database
func (l *Logger) insertEvent(event *AuditEvent) error {
	event.ID = uuid.New().String()
	event.Timestamp = time.Now().UTC().Unix()
	_, err := l.db.Exec(`
		INSERT INTO remote_events (
			id, event_type, timestamp, scope, source,
			strategy, error_kind, detail, count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID,
		event.EventType,
		event.Timestamp,
		event.Scope,
		event.Source,
		event.Strategy,
		event.ErrorKind,
		event.Detail,
		event.Count,
	)
	return err
}

// LogRemoteLoaded logs a container resolved from source
func (l *Logger) LogRemoteLoaded(scope, source, strategy string) error {
	return l.insertEvent(&AuditEvent{
		EventType: string(EventRemoteLoaded),
		Scope:     scope,
		Source:    redactSource(source),
		Strategy:  strategy,
	})
}

// LogRemoteAbsent logs a remote that has no bundle at source
func (l *Logger) LogRemoteAbsent(scope, source string) error {
	return l.insertEvent(&AuditEvent{
		EventType: string(EventRemoteAbsent),
		Scope:     scope,
		Source:    redactSource(source),
	})
}

// LogLoadFailure logs a remote that failed to load or contribute routes
func (l *Logger) LogLoadFailure(scope, source string, loadErr error) error {
	event := &AuditEvent{
		EventType: string(EventRemoteLoadFailed),
		Scope:     scope,
		Source:    redactSource(source),
		ErrorKind: federation.TypeOf(loadErr).String(),
	}
	if loadErr != nil && !federation.IsIntegrityMismatch(loadErr) {
		event.Detail = loadErr.Error()
	}
	return l.insertEvent(event)
}

// LogRemoteReloaded logs a dev reload of a remote's entry
func (l *Logger) LogRemoteReloaded(scope, source string) error {
	return l.insertEvent(&AuditEvent{
		EventType: string(EventRemoteReloaded),
		Scope:     scope,
		Source:    redactSource(source),
	})
}

// LogRoutesAggregated logs one aggregation pass
func (l *Logger) LogRoutesAggregated(remotes, routes int) error {
	return l.insertEvent(&AuditEvent{
		EventType: string(EventRoutesAggregated),
		Count:     routes,
		Detail:    strconv.Itoa(remotes) + " remotes",
	})
}

// GetEventsByScope retrieves audit events for a specific remote
func (l *Logger) GetEventsByScope(scope string, limit int) ([]AuditEvent, error) {
	var events []AuditEvent
	err := l.db.Select(&events,
		"SELECT * FROM remote_events WHERE scope = $1 ORDER BY timestamp DESC LIMIT $2",
		scope, limit)
	return events, err
}

// GetEventsByType retrieves audit events of a specific type
func (l *Logger) GetEventsByType(eventType EventType, limit int) ([]AuditEvent, error) {
	var events []AuditEvent
	err := l.db.Select(&events,
		"SELECT * FROM remote_events WHERE event_type = $1 ORDER BY timestamp DESC LIMIT $2",
		string(eventType), limit)
	return events, err
}

// GetRecentEvents retrieves the most recent audit events
func (l *Logger) GetRecentEvents(limit int) ([]AuditEvent, error) {
	var events []AuditEvent
	err := l.db.Select(&events,
		"SELECT * FROM remote_events ORDER BY timestamp DESC LIMIT $1",
		limit)
	return events, err
}

// DeleteOldEvents deletes audit events older than the specified duration
func (l *Logger) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).Unix()
	result, err := l.db.Exec("DELETE FROM remote_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
