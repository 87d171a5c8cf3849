package toolexec

import (
	"sync"
	"time"

	"github.com/agentworkstation/timelined/internal/apierror"
	"github.com/google/uuid"
)

// Manager is the in-memory registry of tool executions and permission
// requests for all sessions. It is guarded by a single mutex, matching the
// teacher's single-mutex-per-registry convention (see
// sessions.SessionLockManager): every mutation of the five maps below
// happens under lock, and events are only emitted after the lock is
// released so subscribers never re-enter the Manager synchronously.
type Manager struct {
	mu sync.RWMutex

	executions        map[string]*ToolExecution
	sessionExecutions map[string][]string

	permissionRequests   map[string]*PermissionRequest
	sessionPermissions   map[string][]string
	executionPermissions map[string]string // executionID -> permissionID

	subMu sync.RWMutex
	subs  []subscription
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		executions:           make(map[string]*ToolExecution),
		sessionExecutions:    make(map[string][]string),
		permissionRequests:   make(map[string]*PermissionRequest),
		sessionPermissions:   make(map[string][]string),
		executionPermissions: make(map[string]string),
	}
}

// Subscribe registers handler for events of kind. The returned func
// unsubscribes it.
func (m *Manager) Subscribe(kind EventKind, handler Handler) (unsubscribe func()) {
	m.subMu.Lock()
	sub := subscription{kind: kind, handler: handler}
	m.subs = append(m.subs, sub)
	idx := len(m.subs) - 1
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if idx < len(m.subs) && m.subs[idx].handler != nil {
			// Mark as removed without shifting indices of other unsubscribe closures.
			m.subs[idx].handler = nil
		}
	}
}

// emit delivers ev to every subscriber of ev.Kind. Each handler runs in its
// own goroutine so emission never blocks the caller and handlers can never
// re-enter the Manager while its mutex is held.
func (m *Manager) emit(ev Event) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, sub := range m.subs {
		if sub.handler == nil || sub.kind != ev.Kind {
			continue
		}
		h := sub.handler
		go h(ev)
	}
}

// CreateExecution registers a new Pending ToolExecution.
func (m *Manager) CreateExecution(sessionID, toolID, toolName, toolUseID string, args map[string]any) *ToolExecution {
	exec := &ToolExecution{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ToolID:    toolID,
		ToolName:  toolName,
		ToolUseID: toolUseID,
		Args:      args,
		Status:    StatusPending,
		StartTime: time.Now().UTC(),
	}

	m.mu.Lock()
	m.executions[exec.ID] = exec
	m.sessionExecutions[sessionID] = append(m.sessionExecutions[sessionID], exec.ID)
	m.mu.Unlock()

	m.emit(Event{Kind: EventCreated, SessionID: sessionID, Execution: exec.Clone()})
	return exec.Clone()
}

// StartExecution transitions a Pending execution to Running.
func (m *Manager) StartExecution(id string) (*ToolExecution, error) {
	return m.transition(id, EventUpdated, func(e *ToolExecution) error {
		if e.Status != StatusPending {
			return apierror.IllegalTransition(id, "StartExecution requires status Pending, got "+string(e.Status))
		}
		e.Status = StatusRunning
		return nil
	})
}

// CompleteExecution transitions an execution to Completed, setting EndTime
// and ExecutionTimeMs.
func (m *Manager) CompleteExecution(id string, result any, executionTimeMs int64) (*ToolExecution, error) {
	return m.transition(id, EventCompleted, func(e *ToolExecution) error {
		if e.Status.IsTerminal() {
			return apierror.IllegalTransition(id, "execution already terminal: "+string(e.Status))
		}
		now := time.Now().UTC()
		e.Status = StatusCompleted
		e.EndTime = &now
		e.Result = result
		ms := executionTimeMs
		e.ExecTimeMs = &ms
		return nil
	})
}

// FailExecution transitions an execution to Error.
func (m *Manager) FailExecution(id string, execErr *ExecutionError) (*ToolExecution, error) {
	return m.transition(id, EventError, func(e *ToolExecution) error {
		if e.Status.IsTerminal() {
			return apierror.IllegalTransition(id, "execution already terminal: "+string(e.Status))
		}
		now := time.Now().UTC()
		e.Status = StatusError
		e.EndTime = &now
		e.Error = execErr
		ms := now.Sub(e.StartTime).Milliseconds()
		e.ExecTimeMs = &ms
		return nil
	})
}

// AbortExecution transitions an execution to Aborted.
func (m *Manager) AbortExecution(id string) (*ToolExecution, error) {
	return m.transition(id, EventAborted, func(e *ToolExecution) error {
		if e.Status.IsTerminal() {
			return apierror.IllegalTransition(id, "execution already terminal: "+string(e.Status))
		}
		now := time.Now().UTC()
		e.Status = StatusAborted
		e.EndTime = &now
		ms := now.Sub(e.StartTime).Milliseconds()
		e.ExecTimeMs = &ms
		return nil
	})
}

// AssociatePreview attaches previewID to an execution regardless of its
// status (terminal executions still allow this mutation per spec §3), and
// emits PreviewGenerated so the Timeline Service can patch an
// already-persisted timeline item.
func (m *Manager) AssociatePreview(executionID, previewID string) (*ToolExecution, error) {
	m.mu.Lock()
	exec, ok := m.executions[executionID]
	if !ok {
		m.mu.Unlock()
		return nil, apierror.NotFound(executionID)
	}
	exec.PreviewID = previewID
	result := exec.Clone()
	sessionID := exec.SessionID
	m.mu.Unlock()

	m.emit(Event{Kind: EventPreviewGenerated, SessionID: sessionID, Execution: result.Clone(), PreviewID: previewID})
	return result, nil
}

// transition applies mutate to the execution under lock, then emits kind
// with the post-mutation record. A Completed event also carries the
// execution's PreviewID when a preview is already attached; the Manager
// itself has no knowledge of the Preview Registry, so the Timeline Service
// resolves that id to a preview before re-broadcasting.
func (m *Manager) transition(id string, kind EventKind, mutate func(*ToolExecution) error) (*ToolExecution, error) {
	m.mu.Lock()
	exec, ok := m.executions[id]
	if !ok {
		m.mu.Unlock()
		return nil, apierror.NotFound(id)
	}
	if err := mutate(exec); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	result := exec.Clone()
	sessionID := exec.SessionID
	m.mu.Unlock()

	ev := Event{Kind: kind, SessionID: sessionID, Execution: result.Clone()}
	if kind == EventCompleted {
		ev.PreviewID = result.PreviewID
	}
	m.emit(ev)
	return result, nil
}

// RequestPermission creates a PermissionRequest for an execution and moves
// the execution to AwaitingPermission.
func (m *Manager) RequestPermission(executionID string, args map[string]any) (*PermissionRequest, error) {
	m.mu.Lock()
	exec, ok := m.executions[executionID]
	if !ok {
		m.mu.Unlock()
		return nil, apierror.NotFound(executionID)
	}
	if exec.Status != StatusPending {
		m.mu.Unlock()
		return nil, apierror.IllegalTransition(executionID, "RequestPermission requires Pending, got "+string(exec.Status))
	}

	req := &PermissionRequest{
		ID:          uuid.NewString(),
		SessionID:   exec.SessionID,
		ExecutionID: executionID,
		ToolID:      exec.ToolID,
		ToolName:    exec.ToolName,
		Args:        args,
		RequestTime: time.Now().UTC(),
	}

	exec.Status = StatusAwaitingPermission
	exec.PermissionID = req.ID

	m.permissionRequests[req.ID] = req
	m.sessionPermissions[req.SessionID] = append(m.sessionPermissions[req.SessionID], req.ID)
	m.executionPermissions[executionID] = req.ID

	reqCopy := req.Clone()
	execCopy := exec.Clone()
	sessionID := exec.SessionID
	m.mu.Unlock()

	m.emit(Event{Kind: EventPermissionRequested, SessionID: sessionID, Permission: reqCopy.Clone()})
	m.emit(Event{Kind: EventUpdated, SessionID: sessionID, Execution: execCopy})
	return reqCopy, nil
}

// ResolvePermission grants or denies a pending permission request, and
// moves the linked execution to Running (granted) or Error (denied).
func (m *Manager) ResolvePermission(permissionID string, granted bool) (*PermissionRequest, error) {
	m.mu.Lock()
	req, ok := m.permissionRequests[permissionID]
	if !ok {
		m.mu.Unlock()
		return nil, apierror.NotFound(permissionID)
	}
	if req.ResolvedTime != nil {
		m.mu.Unlock()
		return nil, apierror.IllegalTransition(permissionID, "permission already resolved")
	}

	now := time.Now().UTC()
	req.ResolvedTime = &now
	req.Granted = &granted

	var execCopy *ToolExecution
	if exec, ok := m.executions[req.ExecutionID]; ok {
		if granted {
			exec.Status = StatusRunning
		} else {
			exec.Status = StatusError
			exec.EndTime = &now
			exec.Error = &ExecutionError{Message: "Permission denied"}
			ms := now.Sub(exec.StartTime).Milliseconds()
			exec.ExecTimeMs = &ms
		}
		execCopy = exec.Clone()
	}

	reqCopy := req.Clone()
	sessionID := req.SessionID
	m.mu.Unlock()

	m.emit(Event{Kind: EventPermissionResolved, SessionID: sessionID, Permission: reqCopy.Clone()})
	if execCopy != nil {
		kind := EventUpdated
		if execCopy.Status == StatusError {
			kind = EventError
		}
		m.emit(Event{Kind: kind, SessionID: sessionID, Execution: execCopy})
	}
	return reqCopy, nil
}

// GetExecution returns the current execution record, or apierror.ErrNotFound.
func (m *Manager) GetExecution(id string) (*ToolExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, apierror.NotFound(id)
	}
	return exec.Clone(), nil
}

// GetExecutionsForSession returns all executions for sessionID in creation order.
func (m *Manager) GetExecutionsForSession(sessionID string) []*ToolExecution {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.sessionExecutions[sessionID]
	out := make([]*ToolExecution, 0, len(ids))
	for _, id := range ids {
		if e, ok := m.executions[id]; ok {
			out = append(out, e.Clone())
		}
	}
	return out
}

// GetPermissionRequest returns a permission request by id.
func (m *Manager) GetPermissionRequest(id string) (*PermissionRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.permissionRequests[id]
	if !ok {
		return nil, apierror.NotFound(id)
	}
	return req.Clone(), nil
}

// GetPermissionRequestsForSession returns all permission requests for sessionID.
func (m *Manager) GetPermissionRequestsForSession(sessionID string) []*PermissionRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.sessionPermissions[sessionID]
	out := make([]*PermissionRequest, 0, len(ids))
	for _, id := range ids {
		if r, ok := m.permissionRequests[id]; ok {
			out = append(out, r.Clone())
		}
	}
	return out
}

// GetPermissionForExecution returns the permission request linked to an
// execution, if any.
func (m *Manager) GetPermissionForExecution(executionID string) (*PermissionRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	permID, ok := m.executionPermissions[executionID]
	if !ok {
		return nil, apierror.NotFound(executionID)
	}
	req, ok := m.permissionRequests[permID]
	if !ok {
		return nil, apierror.NotFound(permID)
	}
	return req.Clone(), nil
}
