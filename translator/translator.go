// Package translator turns the LLM-adapter event stream into A2A protocol
// messages addressed to the correct status or reply topic, buffering and
// coalescing text deltas the way a streaming response coalescer does.
package translator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/solacelabs/sam-core/a2a"
	"github.com/solacelabs/sam-core/broker"
	"github.com/solacelabs/sam-core/internal/telemetry"
)

// EventKind discriminates an inbound LLM-adapter event.
type EventKind string

const (
	EventKindTextDelta        EventKind = "text_delta"
	EventKindFunctionCall     EventKind = "function_call"
	EventKindFunctionResponse EventKind = "function_response"
	EventKindInlineData       EventKind = "inline_data"
	EventKindError            EventKind = "error"
	EventKindFinal            EventKind = "final"
)

// Event is one LLM-adapter event the translator consumes.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Config bounds one agent's translator behavior.
type Config struct {
	AgentName         string
	GatewayID         string
	Namespace         string
	BatchThresholdBytes int // 0 disables batching (default).
}

// Translator buffers and forwards text deltas for one (agent, task) pair
// and routes terminal/error events to the right topic.
type Translator struct {
	cfg    Config
	pub    broker.Publisher
	topics a2a.Topics
	log    telemetry.Logger

	buf []byte
}

// New constructs a Translator for one agent's event stream.
func New(cfg Config, pub broker.Publisher, log telemetry.Logger) *Translator {
	if log == nil {
		log = telemetry.Noop{}
	}
	return &Translator{cfg: cfg, pub: pub, topics: a2a.Topics{Namespace: cfg.Namespace}, log: log}
}

// Handle processes one event for taskID under ctx2, publishing buffered or
// immediate A2A status updates.
func (t *Translator) Handle(ctx context.Context, ctx2 *a2a.A2AContext, taskID string, ev Event) error {
	switch ev.Kind {
	case EventKindTextDelta:
		t.buf = append(t.buf, ev.Text...)
		if t.cfg.BatchThresholdBytes > 0 && len(t.buf) >= t.cfg.BatchThresholdBytes {
			return t.flush(ctx, ctx2, taskID, false)
		}
		if t.cfg.BatchThresholdBytes == 0 {
			return t.flush(ctx, ctx2, taskID, false)
		}
		return nil
	case EventKindFunctionCall, EventKindFunctionResponse:
		// Not forwarded as status updates, but a non-text event
		// flushes any buffered text first.
		return t.flush(ctx, ctx2, taskID, false)
	case EventKindInlineData:
		t.log.Debug(ctx, "inline_data event received; logged only, not forwarded", "taskId", taskID)
		return t.flush(ctx, ctx2, taskID, false)
	case EventKindError:
		if err := t.flush(ctx, ctx2, taskID, false); err != nil {
			return err
		}
		return t.publishError(ctx, ctx2, taskID, ev.Err)
	case EventKindFinal:
		if err := t.flush(ctx, ctx2, taskID, true); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("translator: unknown event kind %q", ev.Kind)
	}
}

// flush publishes any buffered text as a TaskStatusUpdateEvent; a
// non-intervening flush with nothing buffered and final=false is a no-op, but
// a final flush always publishes (even with an empty buffer) so the
// terminal event reaches the caller.
func (t *Translator) flush(ctx context.Context, ctx2 *a2a.A2AContext, taskID string, final bool) error {
	if len(t.buf) == 0 && !final {
		return nil
	}
	text := string(t.buf)
	t.buf = t.buf[:0]

	state := a2a.TaskStateWorking
	if final {
		state = a2a.TaskStateCompleted
	}
	event := &a2a.TaskStatusUpdateEvent{
		TaskID: taskID,
		Status: &a2a.TaskStatus{
			State:   state,
			Message: &a2a.Message{Role: "agent", Parts: []*a2a.Part{{Kind: a2a.PartKindText, Text: text}}},
		},
		Final:    final,
		Metadata: map[string]any{"agent_name": t.cfg.AgentName},
	}
	return t.publishStatus(ctx, ctx2, taskID, event)
}

func (t *Translator) publishStatus(ctx context.Context, ctx2 *a2a.A2AContext, taskID string, event *a2a.TaskStatusUpdateEvent) error {
	notif, err := a2a.NewNotification(a2a.MethodTaskStatusUpdate, event)
	if err != nil {
		return fmt.Errorf("translator: build notification: %w", err)
	}
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("translator: marshal notification: %w", err)
	}
	return t.pub.Publish(ctx, t.statusTopic(ctx2, taskID), body, nil)
}

func (t *Translator) publishError(ctx context.Context, ctx2 *a2a.A2AContext, taskID string, cause error) error {
	msg := "internal error"
	if cause != nil {
		msg = cause.Error()
	}
	rpcErr := a2a.NewInternalError(taskID, msg, "INTERNAL_ERROR")
	resp := &a2a.Response{JSONRPC: "2.0", Error: rpcErr}
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("translator: marshal error response: %w", err)
	}
	return t.pub.Publish(ctx, t.replyTopic(ctx2, taskID), body, nil)
}

// PublishTerminal flushes any buffered text, then publishes a terminal
// status update with the given state and optional message text. Used for
// failed/canceled terminals where the plain final-event flush (which always
// reports completed) does not apply.
func (t *Translator) PublishTerminal(ctx context.Context, ctx2 *a2a.A2AContext, taskID string, state a2a.TaskState, text string) error {
	buffered := string(t.buf)
	t.buf = t.buf[:0]
	if text == "" {
		text = buffered
	}
	event := &a2a.TaskStatusUpdateEvent{
		TaskID: taskID,
		Status: &a2a.TaskStatus{
			State:   state,
			Message: &a2a.Message{Role: "agent", Parts: []*a2a.Part{{Kind: a2a.PartKindText, Text: text}}},
		},
		Final:    true,
		Metadata: map[string]any{"agent_name": t.cfg.AgentName},
	}
	return t.publishStatus(ctx, ctx2, taskID, event)
}

// PublishArtifactUpdate announces one produced artifact version on the
// status topic as a TaskArtifactUpdateEvent notification.
func (t *Translator) PublishArtifactUpdate(ctx context.Context, ctx2 *a2a.A2AContext, taskID string, ref *a2a.ArtifactRef) error {
	event := &a2a.TaskArtifactUpdateEvent{
		TaskID:   taskID,
		Artifact: ref,
		Metadata: map[string]any{"agent_name": t.cfg.AgentName},
	}
	notif, err := a2a.NewNotification(a2a.MethodTaskArtifactUpdate, event)
	if err != nil {
		return fmt.Errorf("translator: build artifact notification: %w", err)
	}
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("translator: marshal artifact notification: %w", err)
	}
	return t.pub.Publish(ctx, t.statusTopic(ctx2, taskID), body, nil)
}

// ReplyTopic exposes the reply-topic selection rule for callers publishing
// the final JSON-RPC response envelope.
func (t *Translator) ReplyTopic(ctx2 *a2a.A2AContext, taskID string) string {
	return t.replyTopic(ctx2, taskID)
}

// StatusTopic exposes the status-topic selection rule, used to point tool
// facades' send_status at the same destination the translator publishes to.
func (t *Translator) StatusTopic(ctx2 *a2a.A2AContext, taskID string) string {
	return t.statusTopic(ctx2, taskID)
}

// statusTopic selects the destination: the peer status
// topic if this task was delegated to us, else the gateway status topic.
func (t *Translator) statusTopic(ctx2 *a2a.A2AContext, taskID string) string {
	if ctx2 != nil && ctx2.StatusTopic != "" {
		return ctx2.StatusTopic
	}
	return t.topics.GatewayStatus(t.cfg.GatewayID, taskID)
}

// replyTopic selects where errors and final responses go.
func (t *Translator) replyTopic(ctx2 *a2a.A2AContext, taskID string) string {
	if ctx2 != nil && ctx2.ReplyToTopic != "" {
		return ctx2.ReplyToTopic
	}
	return t.topics.GatewayResponse(t.cfg.GatewayID, taskID)
}
