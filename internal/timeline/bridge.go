package timeline

import (
	"github.com/agentworkstation/timelined/internal/toolexec"
)

// Session is the subset of agent-side session state the Timeline Service
// reads, per spec §4.6's "state.conversationHistory".
type Session struct {
	ID                 string
	ConversationHistory []Message
}

// AgentEventKind discriminates the two agent-bus events the Timeline
// Service subscribes to. Per the design notes (§9 "feedback loops between
// agent bus and timeline"), this is a read-only, one-directional feed:
// the Timeline Service never republishes onto it.
type AgentEventKind string

const (
	AgentEventMessageAdded   AgentEventKind = "message_added"
	AgentEventMessageUpdated AgentEventKind = "message_updated"
)

// AgentEvent is a notification the AgentBridge delivers to a subscribed
// handler.
type AgentEvent struct {
	Kind    AgentEventKind
	Message *Message
}

// AgentBridge is the read-only adapter the Timeline Service is
// constructed with (spec §4.6), narrow by design so the service never
// reaches back into agent internals beyond these four accessors.
type AgentBridge interface {
	GetSession(sessionID string) (*Session, bool)
	GetToolExecution(executionID string) (*toolexec.ToolExecution, bool)
	GetPermissionRequests(sessionID string) []*toolexec.PermissionRequest
	SubscribeAgentEvents(handler func(AgentEvent)) (unsubscribe func())
}

// NoopBridge is an AgentBridge that knows nothing and subscribes to
// nothing. Useful for tests and for deployments where the Timeline
// Service only ever receives calls through AddMessageToTimeline and TEM
// subscriptions, never through agent-bus events.
type NoopBridge struct{}

func (NoopBridge) GetSession(sessionID string) (*Session, bool) { return nil, false }

func (NoopBridge) GetToolExecution(executionID string) (*toolexec.ToolExecution, bool) {
	return nil, false
}

func (NoopBridge) GetPermissionRequests(sessionID string) []*toolexec.PermissionRequest {
	return nil
}

func (NoopBridge) SubscribeAgentEvents(handler func(AgentEvent)) (unsubscribe func()) {
	return func() {}
}

// StaticBridge is an AgentBridge backed by fixed, test-supplied data; it
// never delivers agent-bus events on its own, but lets a test fire one
// manually via Fire.
type StaticBridge struct {
	Sessions   map[string]*Session
	Executions map[string]*toolexec.ToolExecution
	Perms      map[string][]*toolexec.PermissionRequest

	handlers []func(AgentEvent)
}

func (b *StaticBridge) GetSession(sessionID string) (*Session, bool) {
	s, ok := b.Sessions[sessionID]
	return s, ok
}

func (b *StaticBridge) GetToolExecution(executionID string) (*toolexec.ToolExecution, bool) {
	e, ok := b.Executions[executionID]
	return e, ok
}

func (b *StaticBridge) GetPermissionRequests(sessionID string) []*toolexec.PermissionRequest {
	return b.Perms[sessionID]
}

func (b *StaticBridge) SubscribeAgentEvents(handler func(AgentEvent)) (unsubscribe func()) {
	b.handlers = append(b.handlers, handler)
	idx := len(b.handlers) - 1
	return func() {
		b.handlers[idx] = nil
	}
}

// Fire delivers ev to every still-subscribed handler. Test helper only.
func (b *StaticBridge) Fire(ev AgentEvent) {
	for _, h := range b.handlers {
		if h != nil {
			h(ev)
		}
	}
}
