package a2a

import "encoding/json"

// Method names the core task-execution engine handles
const (
	MethodMessageSend   = "message/send"
	MethodMessageStream = "message/stream"
	MethodTasksCancel   = "tasks/cancel"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope. Exactly one of Result or
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response
// expected), used to wrap TaskStatusUpdateEvent / TaskArtifactUpdateEvent.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// RPCError codes used by the core engine. Engine error kinds map to
// these JSON-RPC error codes plus a domain-specific data.errorCode string.
const (
	CodeInternalError  = -32603
	CodeInvalidRequest = -32600
	CodeParseError     = -32700
)

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Error implements the error interface so RPCError can be used/wrapped like
// any other Go error.
func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// NewInternalError builds the JSONRPCError the translator publishes for
// engine errors.
func NewInternalError(taskID, message, errorCode string) *RPCError {
	return &RPCError{
		Code:    CodeInternalError,
		Message: message,
		Data: map[string]any{
			"taskId":    taskID,
			"errorCode": errorCode,
		},
	}
}

// NewNotification wraps an event as a JSON-RPC notification with the given
// method name. Params must be JSON-marshalable.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Notification{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// Notification method names for the two status-update event kinds.
const (
	MethodTaskStatusUpdate   = "tasks/statusUpdate"
	MethodTaskArtifactUpdate = "tasks/artifactUpdate"
)
