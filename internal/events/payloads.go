package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wire form of a global event. Stream entries carry two
// fields: "type" and "payload" (the JSON-encoded envelope body). Consumers
// that do not recognize a type pass the raw payload through untouched.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// RunEvent is the payload for RUN_* and STEP_* event types.
type RunEvent struct {
	RunID      string            `json:"run_id"`
	PipelineID string            `json:"pipeline_id,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"`
	StepID     string            `json:"step_id,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// PulseEvent is the payload for PULSE_TRIGGERED. Context stays a
// human-readable string; anything machine-facing goes in Metadata.
type PulseEvent struct {
	AgentID  string            `json:"agent_id"`
	Context  string            `json:"context"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TaskStatusEvent is the payload for TASK_STATUS_CHANGED and
// TASK_WORKSPACE_REMOVE_REQUESTED.
type TaskStatusEvent struct {
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Note      string `json:"note,omitempty"`
}

// PlanningEvent is the payload for PROJECT_PLANNING_COMPLETED.
type PlanningEvent struct {
	ProjectID string `json:"project_id"`
	RunID     string `json:"run_id"`
	TaskCount int    `json:"task_count"`
}

// WebhookNotice is published on webhooks:github after a delivery passes
// signature verification. The consumer loads the full payload from the state
// store by EventID.
type WebhookNotice struct {
	EventID        string `json:"event_id"`
	DeliveryID     string `json:"delivery_id"`
	Source         string `json:"source"`
	EventType      string `json:"event_type"`
	Action         string `json:"action,omitempty"`
	Repository     string `json:"repository,omitempty"`
	InstallationID string `json:"installation_id,omitempty"`
}

// SessionEvent is a per-session event as carried on sessions:{id} channels
// and, for structural types, the persistent session stream. StreamID is set
// on structural events so clients can track their replay cursor.
type SessionEvent struct {
	SessionID string          `json:"session_id"`
	StreamID  string          `json:"stream_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Encode wraps a typed payload in an Envelope and returns the stream field
// map used with bus.Append.
func Encode(eventType string, payload any) (map[string]string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	env := Envelope{Type: eventType, Timestamp: time.Now().UTC(), Payload: body}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", eventType, err)
	}
	return map[string]string{"type": eventType, "payload": string(raw)}, nil
}

// Decode parses the envelope out of a stream entry's field map.
func Decode(values map[string]string) (Envelope, error) {
	raw, ok := values["payload"]
	if !ok {
		return Envelope{}, fmt.Errorf("stream entry has no payload field")
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Type == "" {
		env.Type = values["type"]
	}
	return env, nil
}

// DecodePayload unmarshals an envelope payload into a typed value.
func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
	}
	return out, nil
}
