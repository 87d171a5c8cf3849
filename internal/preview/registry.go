// Package preview implements the Preview Registry: a small map from
// preview id to the compact renderable summary of a tool execution, and
// an execution-id index into it.
package preview

import (
	"sync"

	"github.com/agentworkstation/timelined/internal/apierror"
)

// ContentType categorizes a Preview's payload.
type ContentType string

const (
	ContentText      ContentType = "text"
	ContentCode      ContentType = "code"
	ContentDiff      ContentType = "diff"
	ContentDirectory ContentType = "directory"
	ContentImage     ContentType = "image"
)

// Preview is a compact, renderable summary of a tool execution's result or
// a permission's subject.
type Preview struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"sessionId"`
	ExecutionID  string         `json:"executionId"`
	PermissionID string         `json:"permissionId,omitempty"`
	ContentType  ContentType    `json:"contentType"`
	BriefContent string         `json:"briefContent"`
	FullContent  string         `json:"fullContent,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// HasActualContent is always true on the wire (spec §6.1): a preview
	// is only ever embedded once its content exists, so this flag never
	// carries information of its own — it's a fixed marker the client
	// contract expects on every embedded preview object.
	HasActualContent bool `json:"hasActualContent"`
}

// Clone returns a copy safe to hand to callers outside the registry's lock.
func (p *Preview) Clone() *Preview {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// Registry stores Preview records addressable by id and by executionId.
// Attachment races with ToolExecutionManager.CompleteExecution (see
// spec §4.2): either order is valid, the registry itself imposes no
// ordering, it is a plain last-write-wins map.
type Registry struct {
	mu         sync.RWMutex
	byID       map[string]*Preview
	byExecID   map[string]string // executionID -> previewID
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]*Preview),
		byExecID: make(map[string]string),
	}
}

// Put stores or replaces a Preview.
func (r *Registry) Put(p *Preview) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := p.Clone()
	stored.HasActualContent = true
	r.byID[p.ID] = stored
	r.byExecID[p.ExecutionID] = p.ID
}

// Get returns the Preview with the given id.
func (r *Registry) Get(id string) (*Preview, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, apierror.NotFound(id)
	}
	return p.Clone(), nil
}

// GetForExecution returns the Preview attached to executionID, if any.
func (r *Registry) GetForExecution(executionID string) (*Preview, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byExecID[executionID]
	if !ok {
		return nil, apierror.NotFound(executionID)
	}
	p, ok := r.byID[id]
	if !ok {
		return nil, apierror.NotFound(id)
	}
	return p.Clone(), nil
}
