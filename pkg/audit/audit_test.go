package audit

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name    string
		details map[string]any
		want    map[string]any
	}{
		{
			name:    "nil map",
			details: nil,
			want:    nil,
		},
		{
			name:    "plain values pass through",
			details: map[string]any{"image": "alpine:latest", "count": 3},
			want:    map[string]any{"image": "alpine:latest", "count": 3},
		},
		{
			name: "sensitive keys redacted case-insensitively",
			details: map[string]any{
				"Password":        "hunter2",
				"API_TOKEN":       "abc",
				"clientSecret":    "xyz",
				"ssh_private_key": "----",
				"AuthHeader":      "Bearer x",
				"credentials":     "user:pass",
				"LICENSE_KEY":     "123",
			},
			want: map[string]any{
				"Password":        redacted,
				"API_TOKEN":       redacted,
				"clientSecret":    redacted,
				"ssh_private_key": redacted,
				"AuthHeader":      redacted,
				"credentials":     redacted,
				"LICENSE_KEY":     redacted,
			},
		},
		{
			name: "nested maps redacted recursively",
			details: map[string]any{
				"env": map[string]any{
					"PATH":     "/usr/bin",
					"DB_TOKEN": "t",
				},
			},
			want: map[string]any{
				"env": map[string]any{
					"PATH":     "/usr/bin",
					"DB_TOKEN": redacted,
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Redact(tt.details))
		})
	}
}

func TestRedactDoesNotModifyInput(t *testing.T) {
	in := map[string]any{"password": "hunter2"}
	Redact(in)
	assert.Equal(t, "hunter2", in["password"])
}

func TestRedactEnv(t *testing.T) {
	env := map[string]string{
		"HOME":         "/home/user",
		"GITHUB_TOKEN": "gh_abc",
	}
	got := RedactEnv(env)
	assert.Equal(t, "/home/user", got["HOME"])
	assert.Equal(t, redacted, got["GITHUB_TOKEN"])
}

func TestLoggerEventRedactsDetails(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf), nil)

	logger.Event(EventExecStart,
		WithContainerID("c_1"),
		WithClient("cli", "sess-1"),
		WithDetails(map[string]any{"cmd": "env", "api_key": "sk-123"}),
	)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "exec_start", entry["event"])
	assert.Equal(t, "c_1", entry["container_id"])
	assert.Equal(t, "cli", entry["client_name"])
	assert.Equal(t, "sess-1", entry["session_id"])
	assert.NotEmpty(t, entry["audit_id"])

	details := entry["details"].(map[string]any)
	assert.Equal(t, "env", details["cmd"])
	assert.Equal(t, redacted, details["api_key"])
}

func TestBrokerDeliversToSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()

	broker.Publish(&Event{Type: EventSystemGC})

	select {
	case e := <-sub:
		assert.Equal(t, EventSystemGC, e.Type)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBrokerSkipsFullSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()

	// Overflow the per-subscriber buffer; publish must never block.
	for i := 0; i < 200; i++ {
		broker.Publish(&Event{Type: EventSystemGC})
	}

	// Drain whatever was delivered; at most the buffer size.
	time.Sleep(50 * time.Millisecond)
	delivered := 0
	for {
		select {
		case <-sub:
			delivered++
			continue
		default:
		}
		break
	}
	assert.LessOrEqual(t, delivered, 200)
	assert.Greater(t, delivered, 0)
}
