// Package ipc defines the control-plane/worker wire contract. The Message
// envelope is the only data that crosses the worker boundary.
package ipc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/remedyhq/remedy/internal/models"
)

// Type discriminates worker message kinds.
type Type string

const (
	TypeStart    Type = "start"
	TypePause    Type = "pause"
	TypeResume   Type = "resume"
	TypeStop     Type = "stop"
	TypeStatus   Type = "status"
	TypeEvent    Type = "event"
	TypeComplete Type = "complete"
	TypeError    Type = "error"
)

// Payload is implemented by every message payload variant. Control messages
// (pause, resume, stop) carry none.
type Payload interface {
	payloadType() Type
}

// StartPayload carries the session a worker should run.
type StartPayload struct {
	Session *models.Session `json:"session"`
	Resume  bool            `json:"resume,omitempty"`
}

func (StartPayload) payloadType() Type { return TypeStart }

// Progress mirrors the issue counters reported in status updates.
type Progress struct {
	Total    int `json:"total"`
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
}

// StatusPayload is a periodic worker progress report.
type StatusPayload struct {
	Status       string   `json:"status"`
	CurrentIssue string   `json:"currentIssue,omitempty"`
	Progress     Progress `json:"progress"`
}

func (StatusPayload) payloadType() Type { return TypeStatus }

// EventPayload carries a domain event for fan-out to subscribers.
type EventPayload struct {
	Event  string         `json:"event"`
	Fields map[string]any `json:"fields,omitempty"`
}

func (EventPayload) payloadType() Type { return TypeEvent }

// Summary describes a finished run.
type Summary struct {
	Total       int    `json:"total"`
	Resolved    int    `json:"resolved"`
	Failed      int    `json:"failed"`
	FinalCommit string `json:"finalCommit,omitempty"`
	Stopped     bool   `json:"stopped,omitempty"`
}

// CompletePayload signals normal worker termination.
type CompletePayload struct {
	Summary Summary `json:"summary"`
}

func (CompletePayload) payloadType() Type { return TypeComplete }

// ErrorPayload signals a worker error. Fatal errors terminate the worker;
// non-fatal ones are informational and must not deregister it.
type ErrorPayload struct {
	Error string `json:"error"`
	Stack string `json:"stack,omitempty"`
	Fatal bool   `json:"fatal"`
}

func (ErrorPayload) payloadType() Type { return TypeError }

// Message is the tagged envelope exchanged between control plane and worker.
type Message struct {
	Type      Type
	SessionID string
	Timestamp time.Time
	Payload   Payload
}

// New creates a payload-less control message stamped with the current time.
func New(t Type, sessionID string) Message {
	return Message{Type: t, SessionID: sessionID, Timestamp: time.Now().UTC()}
}

// NewWithPayload creates a message carrying the given payload. The payload's
// variant must match t; mismatches are a programming error surfaced at
// marshal time.
func NewWithPayload(t Type, sessionID string, p Payload) Message {
	return Message{Type: t, SessionID: sessionID, Timestamp: time.Now().UTC(), Payload: p}
}

// wire is the JSON shape defined by the IPC contract.
type wire struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wire{
		Type:      m.Type,
		SessionID: m.SessionID,
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if m.Payload != nil {
		if m.Payload.payloadType() != m.Type {
			return nil, fmt.Errorf("payload variant %q does not match message type %q", m.Payload.payloadType(), m.Type)
		}
		data, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", m.Type, err)
		}
		w.Payload = data
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler, decoding the payload into the
// variant selected by the type tag.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	m.Type = w.Type
	m.SessionID = w.SessionID
	if w.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return fmt.Errorf("parse message timestamp: %w", err)
		}
		m.Timestamp = ts
	}

	m.Payload = nil
	if len(w.Payload) == 0 {
		return nil
	}

	switch w.Type {
	case TypeStart:
		var p StartPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("parse start payload: %w", err)
		}
		m.Payload = p
	case TypeStatus:
		var p StatusPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("parse status payload: %w", err)
		}
		m.Payload = p
	case TypeEvent:
		var p EventPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("parse event payload: %w", err)
		}
		m.Payload = p
	case TypeComplete:
		var p CompletePayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("parse complete payload: %w", err)
		}
		m.Payload = p
	case TypeError:
		var p ErrorPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("parse error payload: %w", err)
		}
		m.Payload = p
	case TypePause, TypeResume, TypeStop:
		// Control messages carry no payload; ignore any stray bytes.
	default:
		return fmt.Errorf("unknown message type: %q", w.Type)
	}
	return nil
}
