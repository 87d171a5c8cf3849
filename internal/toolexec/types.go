// Package toolexec implements the Tool Execution Manager (TEM): the
// in-memory registry that tracks the lifecycle of tool invocations and
// their permission handshakes.
package toolexec

import "time"

// Status is the lifecycle state of a ToolExecution.
type Status string

const (
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusAwaitingPermission Status = "awaiting_permission"
	StatusCompleted          Status = "completed"
	StatusError              Status = "error"
	StatusAborted            Status = "aborted"
)

// IsTerminal reports whether status is one of {Completed, Error, Aborted}.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusAborted:
		return true
	default:
		return false
	}
}

// ExecutionError is the optional error payload on a failed ToolExecution.
type ExecutionError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// ToolExecution tracks one invocation of a named agent capability.
//
// Invariants (see spec §3): EndTime is present iff Status is terminal;
// for Error and Aborted, ExecutionTimeMs equals EndTime-StartTime, while
// CompleteExecution records the duration its caller supplies; once a
// terminal status is reached, only Preview and Summary may still change.
type ToolExecution struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionId"`
	ToolID     string         `json:"toolId"`
	ToolName   string         `json:"toolName"`
	ToolUseID  string         `json:"toolUseId"`
	Args       map[string]any `json:"args"`
	Status     Status         `json:"status"`
	StartTime  time.Time      `json:"startTime"`
	EndTime    *time.Time     `json:"endTime,omitempty"`
	ExecTimeMs *int64         `json:"executionTimeMs,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      *ExecutionError `json:"error,omitempty"`

	PermissionID string `json:"permissionId,omitempty"`
	PreviewID    string `json:"previewId,omitempty"`
	Summary      string `json:"summary,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to callers outside the
// manager's lock (Args/Result are shared by reference, matching the
// teacher's convention of treating tool payloads as opaque and immutable
// once set).
func (e *ToolExecution) Clone() *ToolExecution {
	if e == nil {
		return nil
	}
	cp := *e
	if e.EndTime != nil {
		t := *e.EndTime
		cp.EndTime = &t
	}
	if e.ExecTimeMs != nil {
		v := *e.ExecTimeMs
		cp.ExecTimeMs = &v
	}
	if e.Error != nil {
		errCopy := *e.Error
		cp.Error = &errCopy
	}
	return &cp
}

// PermissionRequest is a pending authorization gate attached 1:1 to a
// ToolExecution.
type PermissionRequest struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"sessionId"`
	ExecutionID  string         `json:"executionId"`
	ToolID       string         `json:"toolId"`
	ToolName     string         `json:"toolName"`
	Args         map[string]any `json:"args"`
	RequestTime  time.Time      `json:"requestTime"`
	ResolvedTime *time.Time     `json:"resolvedTime,omitempty"`
	Granted      *bool          `json:"granted,omitempty"`
	PreviewID    string         `json:"previewId,omitempty"`
}

// Clone returns a shallow-safe copy for handing outside the manager's lock.
func (p *PermissionRequest) Clone() *PermissionRequest {
	if p == nil {
		return nil
	}
	cp := *p
	if p.ResolvedTime != nil {
		t := *p.ResolvedTime
		cp.ResolvedTime = &t
	}
	if p.Granted != nil {
		g := *p.Granted
		cp.Granted = &g
	}
	return &cp
}
