// Package a2a defines the wire types of the agent-to-agent JSON-RPC
// protocol: message parts, tasks, task status, and the status/artifact
// update events the engine exchanges with peers and gateways over the
// broker. Field names use camelCase JSON tags to conform to the A2A
// protocol specification.
//
//nolint:tagliatelle // A2A protocol specification requires camelCase JSON field names
package a2a

import (
	"encoding/json"
	"fmt"
)

// PartKind identifies the kind of a message Part.
type PartKind string

const (
	// PartKindText marks a Part carrying plain text.
	PartKindText PartKind = "text"
	// PartKindFile marks a Part carrying a file reference or inline bytes.
	PartKindFile PartKind = "file"
	// PartKindData marks a Part carrying an arbitrary structured payload.
	PartKindData PartKind = "data"
)

// Part is one typed content element of a Message or Artifact. Exactly one
// of Text, File, or Data is populated, matching Kind.
type Part struct {
	// Kind discriminates which of Text, File, or Data is populated.
	Kind PartKind `json:"kind"`
	// Text holds the content when Kind == PartKindText.
	Text string `json:"text,omitempty"`
	// File holds the content when Kind == PartKindFile.
	File *FilePart `json:"file,omitempty"`
	// Data holds the content when Kind == PartKindData. Accepts either a
	// bare object or a string-encoded object on decode; both producer
	// forms are in the wild.
	Data DataPayload `json:"data,omitempty"`
}

// FilePart is the content of a Kind == PartKindFile Part.
type FilePart struct {
	// Name is the file's display name.
	Name string `json:"name"`
	// MIMEType is the file's MIME type.
	MIMEType string `json:"mimeType,omitempty"`
	// URI references externally stored bytes (mutually exclusive with Bytes).
	URI string `json:"uri,omitempty"`
	// Bytes holds base64-encoded inline content (mutually exclusive with URI).
	Bytes []byte `json:"bytes,omitempty"`
}

// DataPayload is the structured payload of a Kind == PartKindData Part. On
// unmarshal it accepts either a bare JSON object or a JSON string whose
// content is an encoded object; both are normalized to a map. Nested keys
// are kept as they arrive; no wrapper key is unwrapped.
type DataPayload map[string]any

// UnmarshalJSON accepts either a JSON object (decoded directly into the map)
// or a JSON-encoded string containing an object, to tolerate both dict-form
// and object-form compacted content producers.
func (d *DataPayload) UnmarshalJSON(raw []byte) error {
	if len(raw) == 0 || string(raw) == "null" {
		*d = nil
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		*d = m
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("a2a: data part: not an object or encoded object: %w", err)
	}
	var nested map[string]any
	if err := json.Unmarshal([]byte(s), &nested); err != nil {
		return fmt.Errorf("a2a: data part: decode nested string payload: %w", err)
	}
	*d = nested
	return nil
}

// A2AContext is the immutable per-task context carried alongside a
// TaskRequest: the coordinates needed to route status updates, replies, and
// peer-delegation bookkeeping back to the right topic and caller.
type A2AContext struct {
	LogicalTaskID    string `json:"logicalTaskId"`
	ContextID        string `json:"contextId"`
	ReplyToTopic     string `json:"replyToTopic,omitempty"`
	StatusTopic      string `json:"statusTopic,omitempty"`
	UserID           string `json:"userId"`
	JSONRPCRequestID string `json:"jsonrpcRequestId,omitempty"`
	// ParentSubTaskID is set when this task is itself a peer sub-task
	// dispatched by another agent.
	ParentSubTaskID string `json:"parentSubTaskId,omitempty"`
	// UserProfile is an opaque per-user blob round-tripped verbatim.
	UserProfile map[string]any `json:"userProfile,omitempty"`
}

// Message is a single message exchanged as part of a task, composed of
// ordered parts.
type Message struct {
	// Role is "user", "agent", or "system".
	Role string `json:"role"`
	// Parts are the ordered content parts of the message.
	Parts []*Part `json:"parts"`
	// MessageID uniquely identifies this message within its task.
	MessageID string `json:"messageId,omitempty"`
	// ContextID is the session/context identifier this message belongs to.
	ContextID string `json:"contextId,omitempty"`
	// TaskID is the task this message belongs to, when applicable.
	TaskID string `json:"taskId,omitempty"`
	// Metadata carries implementation-defined per-message metadata.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskState is the canonical lifecycle state of a Task.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCanceled      TaskState = "canceled"
)

// IsTerminal reports whether state ends the task's lifecycle.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	default:
		return false
	}
}

// TaskStatus is a point-in-time snapshot of a task's lifecycle state.
type TaskStatus struct {
	// State is the current lifecycle state.
	State TaskState `json:"state"`
	// Message is an optional human-readable or structured status message.
	Message *Message `json:"message,omitempty"`
	// Timestamp is an RFC3339 timestamp for this status.
	Timestamp string `json:"timestamp,omitempty"`
}

// ArtifactRef identifies one version of a named, versioned blob produced by
// a task, scoped to (app, user, session).
type ArtifactRef struct {
	App       string         `json:"app"`
	UserID    string         `json:"userId"`
	SessionID string         `json:"sessionId"`
	Filename  string         `json:"filename"`
	Version   int            `json:"version"`
	MIMEType  string         `json:"mimeType,omitempty"`
	SizeBytes int64          `json:"sizeBytes"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Task is the denormalized view of an A2A task returned by tasks/get and
// held internally as the authoritative task record.
type Task struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId,omitempty"`
	Status    *TaskStatus    `json:"status,omitempty"`
	Artifacts []*ArtifactRef `json:"artifacts,omitempty"`
	History   []*Message     `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskStatusUpdateEvent is a notification carrying an intermediate or
// terminal status change for a task.
type TaskStatusUpdateEvent struct {
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId,omitempty"`
	Status    *TaskStatus    `json:"status"`
	Final     bool           `json:"final"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskArtifactUpdateEvent is a notification carrying a newly produced or
// updated artifact for a task.
type TaskArtifactUpdateEvent struct {
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId,omitempty"`
	Artifact  *ArtifactRef   `json:"artifact"`
	Append    bool           `json:"append,omitempty"`
	LastChunk bool           `json:"lastChunk,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AgentCapabilities captures optional agent capability flags advertised on
// an AgentCard.
type AgentCapabilities struct {
	Streaming              bool `json:"streaming,omitempty"`
	PushNotifications      bool `json:"pushNotifications,omitempty"`
	StateTransitionHistory bool `json:"stateTransitionHistory,omitempty"`
}

// AgentSkill describes one capability an agent exposes for discovery
// purposes.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// AgentCard is the public discovery document an agent broadcasts on
// heartbeat.6 "heartbeat publisher".
type AgentCard struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	URL          string            `json:"url"`
	Version      string            `json:"version"`
	Skills       []AgentSkill      `json:"skills,omitempty"`
	Capabilities AgentCapabilities `json:"capabilities,omitempty"`
	Auth         map[string]any    `json:"auth,omitempty"`
}
