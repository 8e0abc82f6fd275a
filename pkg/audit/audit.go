package audit

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType represents the type of audit event
type EventType string

const (
	EventContainerSpawn       EventType = "container_spawn"
	EventContainerAttach      EventType = "container_attach"
	EventContainerKill        EventType = "container_kill"
	EventContainerStateChange EventType = "container_state_change"
	EventExecStart            EventType = "exec_start"
	EventExecCancel           EventType = "exec_cancel"
	EventExecComplete         EventType = "exec_complete"
	EventFSRead               EventType = "fs_read"
	EventFSWrite              EventType = "fs_write"
	EventFSDelete             EventType = "fs_delete"
	EventFSBatch              EventType = "fs_batch"
	EventFSStat               EventType = "fs_stat"
	EventFSList               EventType = "fs_list"
	EventSecurityAsRoot       EventType = "security_as_root"
	EventTransferExport       EventType = "transfer_export"
	EventTransferImport       EventType = "transfer_import"
	EventSystemStartup        EventType = "system_startup"
	EventSystemShutdown       EventType = "system_shutdown"
	EventSystemReconcile      EventType = "system_reconcile"
	EventSystemGC             EventType = "system_gc"
)

// Event is a single audit record
type Event struct {
	ID          string
	Type        EventType
	Timestamp   time.Time
	ContainerID string
	ClientName  string
	SessionID   string
	Details     map[string]any
}

// Option customizes an audit event
type Option func(*Event)

// WithContainerID attaches the container id to the event
func WithContainerID(id string) Option {
	return func(e *Event) { e.ContainerID = id }
}

// WithClient attaches the client name and session id to the event
func WithClient(clientName, sessionID string) Option {
	return func(e *Event) { e.ClientName = clientName; e.SessionID = sessionID }
}

// WithDetails attaches free-form details; values are redacted before logging
func WithDetails(details map[string]any) Option {
	return func(e *Event) { e.Details = details }
}

// Logger emits audit events to the structured log and to the broker
type Logger struct {
	log    zerolog.Logger
	broker *Broker
}

// NewLogger creates an audit logger. The broker is optional.
func NewLogger(log zerolog.Logger, broker *Broker) *Logger {
	return &Logger{log: log, broker: broker}
}

// Event records a single audit event
func (l *Logger) Event(eventType EventType, opts ...Option) {
	e := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.Details = Redact(e.Details)

	entry := l.log.Info().
		Str("audit_id", e.ID).
		Str("event", string(e.Type)).
		Time("ts", e.Timestamp)
	if e.ContainerID != "" {
		entry = entry.Str("container_id", e.ContainerID)
	}
	if e.ClientName != "" {
		entry = entry.Str("client_name", e.ClientName)
	}
	if e.SessionID != "" {
		entry = entry.Str("session_id", e.SessionID)
	}
	if len(e.Details) > 0 {
		entry = entry.Interface("details", e.Details)
	}
	entry.Msg("audit")

	if l.broker != nil {
		l.broker.Publish(e)
	}
}

// sensitiveMarkers are matched case-insensitively against detail keys.
var sensitiveMarkers = []string{
	"password", "token", "secret", "key", "auth", "credentials", "private",
}

const redacted = "***REDACTED***"

// Redact returns a copy of details with sensitive values replaced.
// Nested maps are redacted recursively; the input is not modified.
func Redact(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}

	out := make(map[string]any, len(details))
	for k, v := range details {
		if isSensitiveKey(k) {
			out[k] = redacted
			continue
		}
		switch nested := v.(type) {
		case map[string]any:
			out[k] = Redact(nested)
		case map[string]string:
			out[k] = RedactEnv(nested)
		default:
			out[k] = v
		}
	}
	return out
}

// RedactEnv redacts a flat string map, typically an exec environment.
func RedactEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}

	out := make(map[string]string, len(env))
	for k, v := range env {
		if isSensitiveKey(k) {
			out[k] = redacted
		} else {
			out[k] = v
		}
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
