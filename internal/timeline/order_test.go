package timeline

import (
	"testing"
	"time"

	"github.com/agentworkstation/timelined/internal/toolexec"
	"github.com/stretchr/testify/assert"
)

func seqPtr(v int) *int { return &v }

func msgItem(id string, role Role, seq int, ts time.Time) *TimelineItem {
	return &TimelineItem{ID: id, Type: ItemMessage, Role: role, Sequence: seqPtr(seq), Timestamp: ts}
}

func execItem(id, parentMsgID string, ts time.Time) *TimelineItem {
	return &TimelineItem{
		ID: id, Type: ItemToolExecution, ParentMessageID: parentMsgID, Timestamp: ts,
		Execution: &toolexec.ToolExecution{ID: id},
	}
}

func permItem(id, executionID string, ts time.Time) *TimelineItem {
	return &TimelineItem{
		ID: id, Type: ItemPermissionRequest, Timestamp: ts,
		Permission: &toolexec.PermissionRequest{ID: id, ExecutionID: executionID},
	}
}

func TestSort_ToolExecutionGroupsWithParentMessage(t *testing.T) {
	base := time.Now()
	m1 := msgItem("m1", RoleUser, 0, base)
	m2 := msgItem("m2", RoleAssistant, 1, base.Add(time.Second))
	e1 := execItem("e1", "m2", base.Add(2*time.Second))

	got := Sort([]*TimelineItem{e1, m2, m1})
	assert.Equal(t, []string{"m1", "m2", "e1"}, idsOf(got))
}

func TestSort_PermissionGroupsWithExecutionsParentMessage(t *testing.T) {
	base := time.Now()
	m1 := msgItem("m1", RoleAssistant, 1, base)
	e1 := execItem("e1", "m1", base.Add(time.Second))
	p1 := permItem("p1", "e1", base.Add(2*time.Second))

	got := Sort([]*TimelineItem{p1, e1, m1})
	assert.Equal(t, []string{"m1", "e1", "p1"}, idsOf(got))
}

func TestSort_SiblingToolsOrderedByTimestamp(t *testing.T) {
	base := time.Now()
	m1 := msgItem("m1", RoleAssistant, 1, base)
	eLate := execItem("eLate", "m1", base.Add(5*time.Second))
	eEarly := execItem("eEarly", "m1", base.Add(time.Second))

	got := Sort([]*TimelineItem{eLate, m1, eEarly})
	assert.Equal(t, []string{"m1", "eEarly", "eLate"}, idsOf(got))
}

func TestSort_MessagesOrderedBySequenceNotArrivalOrTimestamp(t *testing.T) {
	base := time.Now()
	// Assistant message arrives (and is timestamped) before the user
	// message that prompted it, but carries the higher sequence.
	mAssistant := msgItem("a1", RoleAssistant, 1, base)
	mUser := msgItem("u1", RoleUser, 0, base.Add(time.Second))

	got := Sort([]*TimelineItem{mAssistant, mUser})
	assert.Equal(t, []string{"u1", "a1"}, idsOf(got))
}

func TestSort_UnsequencedItemsFallBackToTimestamp(t *testing.T) {
	base := time.Now()
	m1 := &TimelineItem{ID: "m1", Type: ItemMessage, Role: RoleUser, Timestamp: base}
	m2 := &TimelineItem{ID: "m2", Type: ItemMessage, Role: RoleAssistant, Timestamp: base.Add(time.Second)}

	got := Sort([]*TimelineItem{m2, m1})
	assert.Equal(t, []string{"m1", "m2"}, idsOf(got))
}

func TestSort_SequencedItemsPrecedeUnsequenced(t *testing.T) {
	base := time.Now()
	sequenced := msgItem("seq", RoleUser, 0, base.Add(time.Hour))
	unsequenced := &TimelineItem{ID: "unseq", Type: ItemMessage, Role: RoleAssistant, Timestamp: base}

	got := Sort([]*TimelineItem{unsequenced, sequenced})
	assert.Equal(t, []string{"seq", "unseq"}, idsOf(got))
}

func TestSort_OrphanedToolExecutionFallsBackToTimestamp(t *testing.T) {
	base := time.Now()
	m1 := msgItem("m1", RoleUser, 0, base)
	orphan := execItem("orphan", "missing-parent", base.Add(time.Millisecond))

	got := Sort([]*TimelineItem{orphan, m1})
	assert.Equal(t, []string{"m1", "orphan"}, idsOf(got))
}

func TestSort_IsStableForExactTies(t *testing.T) {
	ts := time.Now()
	a := &TimelineItem{ID: "a", Type: ItemToolExecution, Timestamp: ts, Execution: &toolexec.ToolExecution{ID: "a"}}
	b := &TimelineItem{ID: "b", Type: ItemToolExecution, Timestamp: ts, Execution: &toolexec.ToolExecution{ID: "b"}}

	got := Sort([]*TimelineItem{a, b})
	assert.Equal(t, []string{"a", "b"}, idsOf(got))
}

func idsOf(items []*TimelineItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
