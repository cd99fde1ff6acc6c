package toolruntime

import (
	"context"
	"sync"

	"github.com/solacelabs/sam-core/a2a"
	"github.com/solacelabs/sam-core/broker"
	"github.com/solacelabs/sam-core/internal/telemetry"
)

// ToolContextFacade is the object exactly one optional tool parameter (by
// type or by name "ctx"/"context") may receive. It is never exposed to the
// LLM-visible schema
type ToolContextFacade interface {
	SessionID() string
	UserID() string
	AppName() string
	// SendStatus forwards text to the agent's status publisher from
	// whatever thread the tool runs on. Failure to reach a publisher is
	// non-fatal and returns false
	SendStatus(ctx context.Context, text string) bool
	// SendSignal forwards a structured data part the same way SendStatus
	// forwards text.
	SendSignal(ctx context.Context, data map[string]any) bool
	GetConfig(key string, def any) any
	State() map[string]any
	A2AContext() a2a.A2AContext
}

// Facade is the default ToolContextFacade implementation, publishing
// status/signal parts to the agent's status topic.
type Facade struct {
	sessionID  string
	userID     string
	appName    string
	a2aContext a2a.A2AContext
	config     map[string]any

	pub         broker.Publisher
	statusTopic string
	log         telemetry.Logger

	mu    sync.Mutex
	state map[string]any
}

// NewFacade constructs a Facade scoped to one task invocation.
func NewFacade(sessionID, userID, appName string, a2aCtx a2a.A2AContext, config map[string]any, pub broker.Publisher, statusTopic string, log telemetry.Logger) *Facade {
	if log == nil {
		log = telemetry.Noop{}
	}
	return &Facade{
		sessionID:   sessionID,
		userID:      userID,
		appName:     appName,
		a2aContext:  a2aCtx,
		config:      config,
		pub:         pub,
		statusTopic: statusTopic,
		log:         log,
		state:       make(map[string]any),
	}
}

func (f *Facade) SessionID() string          { return f.sessionID }
func (f *Facade) UserID() string             { return f.userID }
func (f *Facade) AppName() string            { return f.appName }
func (f *Facade) A2AContext() a2a.A2AContext { return f.a2aContext }

func (f *Facade) GetConfig(key string, def any) any {
	if f.config == nil {
		return def
	}
	if v, ok := f.config[key]; ok {
		return v
	}
	return def
}

func (f *Facade) State() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Facade) SendStatus(ctx context.Context, text string) bool {
	if f.pub == nil {
		return false
	}
	if err := f.pub.Publish(ctx, f.statusTopic, []byte(text), nil); err != nil {
		f.log.Warn(ctx, "tool send_status failed", "error", err)
		return false
	}
	return true
}

func (f *Facade) SendSignal(ctx context.Context, data map[string]any) bool {
	if f.pub == nil {
		return false
	}
	raw, err := marshalSignal(data)
	if err != nil {
		f.log.Warn(ctx, "tool send_signal marshal failed", "error", err)
		return false
	}
	if err := f.pub.Publish(ctx, f.statusTopic, raw, map[string]string{"contentType": "application/json"}); err != nil {
		f.log.Warn(ctx, "tool send_signal publish failed", "error", err)
		return false
	}
	return true
}
