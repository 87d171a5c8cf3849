// Package timeline implements the Timeline Store and Timeline Service: the
// append-only per-session log of chat messages, tool executions, and
// permission requests, and the event transformer that ingests, orders,
// persists, and rebroadcasts them.
package timeline

import (
	"time"

	"github.com/agentworkstation/timelined/internal/preview"
	"github.com/agentworkstation/timelined/internal/toolexec"
)

// ItemType discriminates the three kinds of timeline item.
type ItemType string

const (
	ItemMessage           ItemType = "message"
	ItemToolExecution     ItemType = "tool_execution"
	ItemPermissionRequest ItemType = "permission_request"
)

// Role is the author of a message item.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCallRef is how a StoredMessage references a tool execution it spawned.
type ToolCallRef struct {
	ExecutionID string `json:"executionId"`
	ToolName    string `json:"toolName"`
	Index       int    `json:"index"`
	IsBatched   bool   `json:"isBatched,omitempty"`
}

// Message is the ingest-time representation of a chat turn, as supplied by
// AddMessageToTimeline or an agent MessageAdded/MessageUpdated event.
type Message struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"sessionId"`
	Role            Role           `json:"role"`
	Timestamp       time.Time      `json:"timestamp"`
	Content         []ContentPart  `json:"content"`
	Sequence        *int           `json:"sequence,omitempty"`
	ToolCalls       []ToolCallRef  `json:"toolCalls,omitempty"`
	ParentMessageID string         `json:"parentMessageId,omitempty"`
	IsComplete      bool           `json:"isComplete"`
}

// ContentPart is one structured piece of a message's content.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TimelineItem is the persisted, tagged-union record. Exactly one of
// Message / Execution / Permission is populated, matching Type.
type TimelineItem struct {
	ID        string    `json:"id"`
	Type      ItemType  `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId"`

	// Message fields (Type == ItemMessage).
	Role            Role          `json:"role,omitempty"`
	Content         []ContentPart `json:"content,omitempty"`
	Sequence        *int          `json:"sequence,omitempty"`
	ToolExecutions  []string      `json:"toolExecutions,omitempty"`
	ParentMessageID string        `json:"parentMessageId,omitempty"`
	IsComplete      bool          `json:"isComplete,omitempty"`

	// Tool-execution fields (Type == ItemToolExecution).
	Execution *toolexec.ToolExecution `json:"execution,omitempty"`
	Preview   *preview.Preview        `json:"preview,omitempty"`

	// Permission-request fields (Type == ItemPermissionRequest).
	Permission *toolexec.PermissionRequest `json:"permission,omitempty"`
}

// Key returns the (type, id) upsert key for this item.
func (t TimelineItem) Key() ItemKey {
	return ItemKey{Type: t.Type, ID: t.ID}
}

// ItemKey is the uniqueness key within a session timeline: (type, id).
type ItemKey struct {
	Type ItemType
	ID   string
}

// Clone returns a deep-enough copy safe to persist or broadcast
// independently of the caller's copy (Execution/Permission/Preview get
// their own Clone; the Content and ToolExecutions slices and Sequence are
// copied by value).
func (t *TimelineItem) Clone() *TimelineItem {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Content != nil {
		cp.Content = append([]ContentPart(nil), t.Content...)
	}
	if t.ToolExecutions != nil {
		cp.ToolExecutions = append([]string(nil), t.ToolExecutions...)
	}
	if t.Sequence != nil {
		v := *t.Sequence
		cp.Sequence = &v
	}
	cp.Execution = t.Execution.Clone()
	cp.Preview = t.Preview.Clone()
	cp.Permission = t.Permission.Clone()
	return &cp
}
