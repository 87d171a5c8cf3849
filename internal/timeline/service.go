package timeline

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/agentworkstation/timelined/internal/apierror"
	"github.com/agentworkstation/timelined/internal/metrics"
	"github.com/agentworkstation/timelined/internal/preview"
	"github.com/agentworkstation/timelined/internal/toolexec"
)

// Broadcaster is the Session Broadcaster surface the Timeline Service
// depends on (spec §4.5). Declared here, rather than imported from the
// broadcast package, so this package stays the dependency root: anything
// satisfying Emit can serve, including a test double.
type Broadcaster interface {
	Emit(sessionID string, eventName string, payload any)
}

// Service is the Timeline Service: it subscribes to TEM lifecycle events
// and agent-bus message events, debounces and enriches them, persists
// upserts to a Store, and rebroadcasts canonical wire events to session
// rooms. Construction takes every collaborator as an explicit argument
// (spec §9 "replace singletons with dependency injection") — there is no
// package-level registry anywhere in this file.
type Service struct {
	tem         *toolexec.Manager
	store       Store
	previews    *preview.Registry
	broadcaster Broadcaster
	bridge      AgentBridge
	logger      *slog.Logger

	toolDebounce *DebounceCoordinator
	permDebounce *DebounceCoordinator

	locker sessionLocker

	unsubscribers []func()

	metrics *metrics.Metrics
}

// SetMetrics attaches a metrics sink. Nil is valid and disables recording
// (the zero value of *Service already behaves this way before SetMetrics
// is ever called).
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// NewService wires a Service to tem, store, previews, and broadcaster
// using the default debounce windows (spec §4.4.2 / §4.4.3: 1000ms/5000ms
// for tool updates, 1000ms/2000ms for permissions). bridge may be nil, in
// which case a NoopBridge is used (no agent-bus events will ever arrive;
// AddMessageToTimeline still works). logger may be nil, in which case
// slog.Default is used.
func NewService(tem *toolexec.Manager, store Store, previews *preview.Registry, broadcaster Broadcaster, bridge AgentBridge, logger *slog.Logger) *Service {
	return NewServiceWithDebounce(tem, store, previews, broadcaster, bridge, logger, DefaultConfig().Debounce)
}

// NewServiceWithDebounce is NewService with an explicit DebounceConfig,
// used by deployments that load windows/TTLs from Config rather than
// accepting the defaults.
func NewServiceWithDebounce(tem *toolexec.Manager, store Store, previews *preview.Registry, broadcaster Broadcaster, bridge AgentBridge, logger *slog.Logger, debounce DebounceConfig) *Service {
	if bridge == nil {
		bridge = NoopBridge{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		tem:          tem,
		store:        store,
		previews:     previews,
		broadcaster:  broadcaster,
		bridge:       bridge,
		logger:       logger,
		toolDebounce: NewDebounceCoordinator(debounce.ToolUpdateWindow(), debounce.ToolUpdateCleanup()),
		permDebounce: NewDebounceCoordinator(debounce.PermissionWindow(), debounce.PermissionCleanup()),
	}

	s.subscribeTEM()
	s.subscribeAgentBus()
	return s
}

func (s *Service) subscribeTEM() {
	executionKinds := []toolexec.EventKind{
		toolexec.EventCreated,
		toolexec.EventUpdated,
		toolexec.EventCompleted,
		toolexec.EventError,
		toolexec.EventAborted,
	}
	for _, kind := range executionKinds {
		s.unsubscribers = append(s.unsubscribers, s.tem.Subscribe(kind, s.handleExecutionEvent))
	}

	permissionKinds := []toolexec.EventKind{toolexec.EventPermissionRequested, toolexec.EventPermissionResolved}
	for _, kind := range permissionKinds {
		s.unsubscribers = append(s.unsubscribers, s.tem.Subscribe(kind, s.handlePermissionEvent))
	}

	s.unsubscribers = append(s.unsubscribers, s.tem.Subscribe(toolexec.EventPreviewGenerated, s.handlePreviewGenerated))
}

func (s *Service) subscribeAgentBus() {
	unsub := s.bridge.SubscribeAgentEvents(func(ev AgentEvent) {
		if ev.Message == nil {
			return
		}
		switch ev.Kind {
		case AgentEventMessageAdded, AgentEventMessageUpdated:
			if _, err := s.addMessageInternal(ev.Message.SessionID, *ev.Message); err != nil {
				s.logger.Error("agent event message ingest failed", "sessionId", ev.Message.SessionID, "err", err)
			}
		}
	})
	s.unsubscribers = append(s.unsubscribers, unsub)
}

// Close unsubscribes from the TEM and the agent bridge, and stops all
// debounce cleanup timers. Safe to call once after the Service is no
// longer needed.
func (s *Service) Close() {
	for _, unsub := range s.unsubscribers {
		unsub()
	}
	s.toolDebounce.Stop()
	s.permDebounce.Stop()
}

// AddMessageToTimeline is the public, client-originated message ingest
// entrypoint (spec §4.4.1).
func (s *Service) AddMessageToTimeline(sessionID string, msg Message) (*TimelineItem, error) {
	return s.ingestMessage(sessionID, msg)
}

// addMessageInternal is the entrypoint used when reacting to agent-bus
// MessageAdded/MessageUpdated events. It is kept structurally distinct
// from AddMessageToTimeline, per the design notes' "agent→timeline is the
// only direction": this Service has no outbound agent-bus publish call to
// begin with, so the no-echo invariant holds by construction, but the
// separate name documents at every call site which direction triggered
// the ingest.
func (s *Service) addMessageInternal(sessionID string, msg Message) (*TimelineItem, error) {
	return s.ingestMessage(sessionID, msg)
}

func (s *Service) ingestMessage(sessionID string, msg Message) (*TimelineItem, error) {
	lock := s.locker.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	items, err := s.store.Load(sessionID)
	if err != nil {
		return nil, err
	}

	seq := msg.Sequence
	if seq == nil {
		computed := computeNextSequence(items, msg.Role)
		seq = &computed
	}

	item := messageToItem(sessionID, msg, ts, seq)

	if err := s.timedAppend(sessionID, item); err != nil {
		return nil, err
	}

	s.broadcaster.Emit(sessionID, "message_received", item)
	s.recordPersisted(string(ItemMessage))
	s.recordBroadcast("message_received")
	return item, nil
}

// messageToItem builds the TimelineItem representation of msg, shared by
// the ingest path (AddMessageToTimeline) and ReplayOnJoin's bridge-sourced
// conversation-history merge.
func messageToItem(sessionID string, msg Message, ts time.Time, seq *int) *TimelineItem {
	execIDs := make([]string, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		execIDs = append(execIDs, tc.ExecutionID)
	}
	return &TimelineItem{
		ID:              msg.ID,
		Type:            ItemMessage,
		Timestamp:       ts,
		SessionID:       sessionID,
		Role:            msg.Role,
		Content:         msg.Content,
		Sequence:        seq,
		ToolExecutions:  execIDs,
		ParentMessageID: msg.ParentMessageID,
		IsComplete:      msg.IsComplete,
	}
}

// timedAppend wraps Store.AppendOrReplace with a store-append-duration
// observation when a metrics sink is attached.
func (s *Service) timedAppend(sessionID string, item *TimelineItem) error {
	if s.metrics == nil {
		return s.store.AppendOrReplace(sessionID, item)
	}
	start := time.Now()
	err := s.store.AppendOrReplace(sessionID, item)
	s.metrics.ObserveStoreAppend(s.store.Backend(), time.Since(start).Seconds())
	return err
}

func (s *Service) recordPersisted(itemType string) {
	if s.metrics != nil {
		s.metrics.RecordItemPersisted(itemType)
	}
}

func (s *Service) recordBroadcast(eventName string) {
	if s.metrics != nil {
		s.metrics.RecordItemBroadcast(eventName)
	}
}

func (s *Service) recordDropped(concern string) {
	if s.metrics != nil {
		s.metrics.RecordDropped(concern)
	}
}

// computeNextSequence assigns the next sequence number in parity: even
// for user messages, odd for assistant messages, always greater than the
// current maximum message sequence (spec §4.4.1 step 2).
func computeNextSequence(items []*TimelineItem, role Role) int {
	maxSeq := -1
	for _, it := range items {
		if it.Type == ItemMessage && it.Sequence != nil && *it.Sequence > maxSeq {
			maxSeq = *it.Sequence
		}
	}
	next := maxSeq + 1
	wantEven := role == RoleUser
	if wantEven && next%2 != 0 {
		next++
	}
	if !wantEven && next%2 == 0 {
		next++
	}
	return next
}

// handleExecutionEvent is the circuit breaker and persist/broadcast path
// shared by every TEM event that carries an execution (spec §4.4.2). The
// debounce key is the execution id plus its status, so repeated
// observations of the same change are dropped while each status change
// still gets through.
func (s *Service) handleExecutionEvent(ev toolexec.Event) {
	if ev.Execution == nil {
		return
	}
	if !s.toolDebounce.ShouldProcess(ev.Execution.ID+":"+string(ev.Execution.Status), time.Now()) {
		s.logger.Warn("dropped duplicate tool execution update", "executionId", ev.Execution.ID, "sessionId", ev.SessionID)
		s.recordDropped("tool_update")
		return
	}
	s.persistExecution(ev.SessionID, ev.Execution)
}

func (s *Service) persistExecution(sessionID string, exec *toolexec.ToolExecution) {
	items, err := s.store.Load(sessionID)
	if err != nil {
		s.logger.Error("tool execution ingest: store load failed", "sessionId", sessionID, "executionId", exec.ID, "err", err)
		return
	}

	item := &TimelineItem{
		ID:              exec.ID,
		Type:            ItemToolExecution,
		Timestamp:       executionTimestamp(exec),
		SessionID:       sessionID,
		ParentMessageID: findParentMessageID(items, exec.ID),
		Execution:       exec.Clone(),
		Preview:         s.lookupPreview(exec.PreviewID),
	}

	if err := s.timedAppend(sessionID, item); err != nil {
		s.logger.Error("tool execution ingest: store write failed", "sessionId", sessionID, "executionId", exec.ID, "err", err)
		return
	}
	s.recordPersisted(string(ItemToolExecution))

	terminal := exec.Status.IsTerminal()
	eventName := "tool_execution_received"
	if terminal {
		eventName = "tool_execution_updated"
	}
	s.broadcaster.Emit(sessionID, eventName, s.buildExecutionPayload(sessionID, item, terminal))
	s.recordBroadcast(eventName)
}

func (s *Service) lookupPreview(previewID string) *preview.Preview {
	if previewID == "" || s.previews == nil {
		return nil
	}
	p, err := s.previews.Get(previewID)
	if err != nil {
		return nil
	}
	return p
}

func findParentMessageID(items []*TimelineItem, executionID string) string {
	for _, it := range items {
		if it.Type != ItemMessage {
			continue
		}
		for _, id := range it.ToolExecutions {
			if id == executionID {
				return it.ID
			}
		}
	}
	return ""
}

func executionTimestamp(exec *toolexec.ToolExecution) time.Time {
	if exec.EndTime != nil {
		return *exec.EndTime
	}
	if !exec.StartTime.IsZero() {
		return exec.StartTime
	}
	return time.Now().UTC()
}

// ExecutionWire is the tool-execution payload shape on the wire (spec
// §6.1): the execution record plus a standalone preview copy when one is
// attached and, for terminal statuses, the hasPreview/previewContentType
// convenience flags.
type ExecutionWire struct {
	*toolexec.ToolExecution
	Preview            *preview.Preview     `json:"preview,omitempty"`
	HasPreview         bool                 `json:"hasPreview,omitempty"`
	PreviewContentType preview.ContentType  `json:"previewContentType,omitempty"`
}

// ExecutionBroadcast is the full tool_execution_received /
// tool_execution_updated broadcast envelope.
type ExecutionBroadcast struct {
	SessionID     string        `json:"sessionId"`
	ToolExecution ExecutionWire `json:"toolExecution"`
}

func (s *Service) buildExecutionPayload(sessionID string, item *TimelineItem, terminal bool) ExecutionBroadcast {
	wire := ExecutionWire{ToolExecution: item.Execution}
	if item.Preview != nil {
		cp := item.Preview.Clone()
		cp.HasActualContent = true
		wire.Preview = cp
		if terminal {
			wire.HasPreview = true
			wire.PreviewContentType = cp.ContentType
		}
	}
	return ExecutionBroadcast{SessionID: sessionID, ToolExecution: wire}
}

// handlePermissionEvent upserts a PermissionRequestTimelineItem for both
// PermissionRequested and PermissionResolved (spec §4.4.3), then
// re-ingests the linked execution through the tool-execution debounce.
// The debounce key is the permission id plus whether it is resolved, so
// the resolution of a request is never dropped as a duplicate of it.
func (s *Service) handlePermissionEvent(ev toolexec.Event) {
	if ev.Permission == nil {
		return
	}
	debounceKey := ev.Permission.ID + ":requested"
	if ev.Permission.ResolvedTime != nil {
		debounceKey = ev.Permission.ID + ":resolved"
	}
	if !s.permDebounce.ShouldProcess(debounceKey, time.Now()) {
		s.logger.Warn("dropped duplicate permission request update", "permissionId", ev.Permission.ID, "sessionId", ev.SessionID)
		s.recordDropped("permission")
		return
	}

	ts := ev.Permission.RequestTime
	if ev.Permission.ResolvedTime != nil {
		ts = *ev.Permission.ResolvedTime
	}
	item := &TimelineItem{
		ID:         ev.Permission.ID,
		Type:       ItemPermissionRequest,
		Timestamp:  ts,
		SessionID:  ev.SessionID,
		Permission: ev.Permission.Clone(),
	}

	if err := s.timedAppend(ev.SessionID, item); err != nil {
		s.logger.Error("permission ingest: store write failed", "sessionId", ev.SessionID, "permissionId", ev.Permission.ID, "err", err)
		return
	}
	s.recordPersisted(string(ItemPermissionRequest))
	s.broadcaster.Emit(ev.SessionID, "permission_request", item)
	s.recordBroadcast("permission_request")

	if ev.Permission.ExecutionID == "" || s.tem == nil {
		return
	}
	exec, err := s.tem.GetExecution(ev.Permission.ExecutionID)
	if err != nil {
		return
	}
	s.handleExecutionEvent(toolexec.Event{Kind: toolexec.EventUpdated, SessionID: ev.SessionID, Execution: exec})
}

// handlePreviewGenerated patches an already-persisted tool-execution item
// with its preview (spec §4.4.4), bypassing the tool-execution debounce:
// this is a direct, targeted patch, not a generic "incoming execution
// update".
func (s *Service) handlePreviewGenerated(ev toolexec.Event) {
	if ev.Execution == nil {
		return
	}

	items, err := s.store.Load(ev.SessionID)
	if err != nil {
		s.logger.Error("preview attachment: store load failed", "sessionId", ev.SessionID, "executionId", ev.Execution.ID, "err", err)
		return
	}

	key := ItemKey{Type: ItemToolExecution, ID: ev.Execution.ID}
	var existing *TimelineItem
	for _, it := range items {
		if it.Key() == key {
			existing = it
			break
		}
	}
	if existing == nil {
		// No prior persisted item: treat as a full ingest instead of a patch.
		s.persistExecution(ev.SessionID, ev.Execution)
		return
	}

	existing.Execution = ev.Execution.Clone()
	existing.Preview = s.lookupPreview(ev.PreviewID)

	if err := s.timedAppend(ev.SessionID, existing); err != nil {
		s.logger.Error("preview attachment: store write failed", "sessionId", ev.SessionID, "executionId", ev.Execution.ID, "err", err)
		return
	}
	s.recordPersisted(string(ItemToolExecution))
	s.broadcaster.Emit(ev.SessionID, "tool_execution_updated", s.buildExecutionPayload(ev.SessionID, existing, true))
	s.recordBroadcast("tool_execution_updated")
}

// ListOptions configures GetTimelineItems. A nil Limit defaults to 50; a
// nil IncludeRelated defaults to true. An explicit Limit of 0 is honored
// verbatim (spec §8 boundary case), which is why Limit is a pointer
// rather than a bare int.
type ListOptions struct {
	Limit          *int
	PageToken      string
	Types          []ItemType
	IncludeRelated *bool
}

// TimelineItemsResult is the response shape for GetTimelineItems (spec §6.2).
type TimelineItemsResult struct {
	Items         []*TimelineItem
	TotalCount    int
	NextPageToken *string
}

// sessionExists reports whether sessionID is known to any collaborator:
// the Agent Bridge (spec §4.6's authoritative source of agent-owned
// session state), the Timeline Store (it has already persisted at least
// one item for the session), or the TEM (it is tracking at least one
// execution or permission request for the session). A session with none
// of these is treated as never having existed (spec §6.2: "404 if
// session unknown").
func (s *Service) sessionExists(sessionID string) (bool, error) {
	if _, ok := s.bridge.GetSession(sessionID); ok {
		return true, nil
	}
	items, err := s.store.Load(sessionID)
	if err != nil {
		return false, err
	}
	if len(items) > 0 {
		return true, nil
	}
	if s.tem != nil {
		if len(s.tem.GetExecutionsForSession(sessionID)) > 0 {
			return true, nil
		}
		if len(s.tem.GetPermissionRequestsForSession(sessionID)) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// GetTimelineItems implements the read path (spec §4.4.5): load, sort,
// filter, paginate.
func (s *Service) GetTimelineItems(sessionID string, opts ListOptions) (TimelineItemsResult, error) {
	exists, err := s.sessionExists(sessionID)
	if err != nil {
		return TimelineItemsResult{}, err
	}
	if !exists {
		return TimelineItemsResult{}, apierror.NotFound(sessionID)
	}

	limit := 50
	if opts.Limit != nil {
		limit = *opts.Limit
	}
	includeRelated := true
	if opts.IncludeRelated != nil {
		includeRelated = *opts.IncludeRelated
	}

	items, err := s.store.Load(sessionID)
	if err != nil {
		return TimelineItemsResult{}, err
	}

	sorted := Sort(items)

	hasUser, hasAssistant := false, false
	for _, it := range sorted {
		if it.Type != ItemMessage {
			continue
		}
		switch it.Role {
		case RoleUser:
			hasUser = true
		case RoleAssistant:
			hasAssistant = true
		}
	}
	if hasAssistant && !hasUser {
		s.logger.Warn("assistant messages present with no user messages; possible sort or ingestion bug", "sessionId", sessionID)
	}

	filtered := sorted
	if len(opts.Types) > 0 {
		allowed := make(map[ItemType]bool, len(opts.Types))
		for _, t := range opts.Types {
			allowed[t] = true
		}
		filtered = make([]*TimelineItem, 0, len(sorted))
		for _, it := range sorted {
			if allowed[it.Type] {
				filtered = append(filtered, it)
			}
		}
	}

	start := parsePageToken(opts.PageToken)
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	if end < start {
		end = start
	}

	page := filtered[start:end]
	if !includeRelated {
		page = stripPreviews(page)
	}

	var nextToken *string
	if end < len(filtered) {
		t := strconv.Itoa(end)
		nextToken = &t
	}

	return TimelineItemsResult{Items: page, TotalCount: len(filtered), NextPageToken: nextToken}, nil
}

// TimelineHistoryEvent is the reserved wire event a transport may send a
// client immediately after it joins a session's room, so the client's
// first paint isn't empty while it waits for new activity (spec §4.4,
// Open Questions: "timeline_history... reserved for future use"). The
// Timeline Service never sends this itself; ReplayOnJoin only builds the
// payload on request, leaving the decision of whether and when to push
// it to the transport layer.
type TimelineHistoryEvent struct {
	SessionID string          `json:"sessionId"`
	Items     []*TimelineItem `json:"items"`
}

// ReplayOnJoin builds the reserved timeline_history payload for
// sessionID. A transport may call this when a client joins a room and
// emit the result as a timeline_history event; the core never calls it
// automatically.
//
// Beyond what GetTimelineItems already returns from the Store, ReplayOnJoin
// pulls agent-owned state through the Agent Bridge (spec §2/§4.6) that may
// not have reached the Store yet: the session's conversation history,
// pending permission requests, and the live tool execution each such
// permission is waiting on. Anything the Bridge reports that already has a
// persisted item (matched by the same (type,id) key the Store upserts on)
// is left untouched — the persisted copy always wins.
func (s *Service) ReplayOnJoin(sessionID string) (TimelineHistoryEvent, error) {
	result, err := s.GetTimelineItems(sessionID, ListOptions{})
	if err != nil {
		return TimelineHistoryEvent{}, err
	}

	seen := make(map[ItemKey]bool, len(result.Items))
	merged := append([]*TimelineItem(nil), result.Items...)
	for _, it := range merged {
		seen[it.Key()] = true
	}

	if session, ok := s.bridge.GetSession(sessionID); ok {
		for _, msg := range session.ConversationHistory {
			key := ItemKey{Type: ItemMessage, ID: msg.ID}
			if seen[key] {
				continue
			}
			seen[key] = true
			ts := msg.Timestamp
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			merged = append(merged, messageToItem(sessionID, msg, ts, msg.Sequence))
		}
	}

	for _, perm := range s.bridge.GetPermissionRequests(sessionID) {
		key := ItemKey{Type: ItemPermissionRequest, ID: perm.ID}
		if seen[key] {
			continue
		}
		seen[key] = true

		item := &TimelineItem{
			ID:         perm.ID,
			Type:       ItemPermissionRequest,
			Timestamp:  perm.RequestTime,
			SessionID:  sessionID,
			Permission: perm.Clone(),
		}
		exec, hasExec := s.bridge.GetToolExecution(perm.ExecutionID)
		if hasExec {
			item.Preview = s.lookupPreview(exec.PreviewID)
		}
		merged = append(merged, item)

		execKey := ItemKey{Type: ItemToolExecution, ID: perm.ExecutionID}
		if !hasExec || seen[execKey] {
			continue
		}
		seen[execKey] = true
		merged = append(merged, &TimelineItem{
			ID:              exec.ID,
			Type:            ItemToolExecution,
			Timestamp:       executionTimestamp(exec),
			SessionID:       sessionID,
			ParentMessageID: findParentMessageID(merged, exec.ID),
			Execution:       exec.Clone(),
			Preview:         s.lookupPreview(exec.PreviewID),
		})
	}

	return TimelineHistoryEvent{SessionID: sessionID, Items: Sort(merged)}, nil
}

func parsePageToken(token string) int {
	if token == "" {
		return 0
	}
	n, err := strconv.Atoi(token)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func stripPreviews(items []*TimelineItem) []*TimelineItem {
	out := make([]*TimelineItem, len(items))
	for i, it := range items {
		if it.Type == ItemToolExecution && it.Preview != nil {
			cp := it.Clone()
			cp.Preview = nil
			out[i] = cp
		} else {
			out[i] = it
		}
	}
	return out
}
