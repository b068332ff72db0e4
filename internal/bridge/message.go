// Package bridge implements the correlated NDJSON message channel between the
// host and the isolated guest runtime. Messages travel over the guest process's
// standard streams, one JSON object per line, and are matched to in-flight
// requests by correlation ID.
package bridge

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message on the bridge.
type MessageType string

const (
	// Host → Guest
	MsgExecute MessageType = "execute"
	MsgResult  MessageType = "result"

	// Guest → Host
	MsgCall     MessageType = "call"
	MsgComplete MessageType = "complete"

	// Bidirectional: execution errors guest → host, call errors host → guest.
	MsgError MessageType = "error"
)

// Message is the wire envelope for all bridge communication.
// Every message carries the correlation ID of the request it belongs to.
type Message struct {
	Type MessageType     `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a Message with a fresh correlation ID.
func NewMessage(msgType MessageType, payload any) (*Message, error) {
	return NewMessageWithID(msgType, uuid.New().String(), payload)
}

// NewMessageWithID creates a Message correlated to an existing request ID.
func NewMessageWithID(msgType MessageType, id string, payload any) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Message{
		Type: msgType,
		ID:   id,
		Data: raw,
	}, nil
}

// Decode unmarshals the Data payload into the given target.
func (m *Message) Decode(target any) error {
	return json.Unmarshal(m.Data, target)
}

// --- Host → Guest payloads ---

// ExecutePayload carries one execution request into the guest.
type ExecutePayload struct {
	// Source is the untrusted snippet to execute.
	Source string `json:"source"`
	// Prelude is the generated proxy declaration code injected before Source.
	Prelude string `json:"prelude,omitempty"`
}

// ResultPayload carries a capability call's return value back to the guest.
type ResultPayload struct {
	Value any `json:"value"`
}

// --- Guest → Host payloads ---

// CallPayload is a capability invocation issued by guest code.
type CallPayload struct {
	Path   string         `json:"path"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// CompletePayload reports successful completion of an execution.
type CompletePayload struct {
	Output string `json:"output"`
}

// --- Error payload (both directions) ---

// Error codes carried on MsgError. For capability-call errors the guest maps
// these onto raised conditions; for execution errors the host maps them onto
// the ExecutionResult.
const (
	CodePermissionDenied = "permission_denied"
	CodeNotFound         = "not_found"
	CodeExecutionError   = "execution_error"
)

// ErrorPayload reports a failed execution (guest → host) or a failed
// capability call (host → guest).
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	// Output holds any guest output captured before the failure.
	Output string `json:"output,omitempty"`
}

// ExecutionRequest is one immutable submission to the sandbox.
type ExecutionRequest struct {
	ID      string
	Source  string
	Prelude string
	Timeout time.Duration
}
