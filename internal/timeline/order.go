package timeline

import "sort"

// typeRank implements the type tiebreak from spec §4.4.6 rule 8:
// Message ≺ ToolExecution ≺ PermissionRequest.
func typeRank(t ItemType) int {
	switch t {
	case ItemMessage:
		return 0
	case ItemToolExecution:
		return 1
	case ItemPermissionRequest:
		return 2
	default:
		return 3
	}
}

// orderIndex resolves the cross-item relationships (parent linkage,
// sequence lookups) needed by the comparator without repeatedly scanning
// the full item slice.
type orderIndex struct {
	messagesByID   map[string]*TimelineItem
	executionsByID map[string]*TimelineItem // keyed by Execution.ID
}

func buildOrderIndex(items []*TimelineItem) *orderIndex {
	idx := &orderIndex{
		messagesByID:   make(map[string]*TimelineItem),
		executionsByID: make(map[string]*TimelineItem),
	}
	for _, it := range items {
		switch it.Type {
		case ItemMessage:
			idx.messagesByID[it.ID] = it
		case ItemToolExecution:
			if it.Execution != nil {
				idx.executionsByID[it.Execution.ID] = it
			}
		}
	}
	return idx
}

// parentMessageID resolves the message an item is rendered under: a
// message has no parent; a tool-execution item's parent is its
// ParentMessageID; a permission-request item's parent is whatever message
// its linked execution (if known) is parented under.
func (idx *orderIndex) parentMessageID(it *TimelineItem) string {
	switch it.Type {
	case ItemToolExecution:
		return it.ParentMessageID
	case ItemPermissionRequest:
		if it.Permission == nil {
			return ""
		}
		execItem, ok := idx.executionsByID[it.Permission.ExecutionID]
		if !ok {
			return ""
		}
		return execItem.ParentMessageID
	default:
		return ""
	}
}

// effectiveSequence resolves the sequence number an item groups under: a
// message's own Sequence, or its resolved parent message's Sequence for
// tool-execution/permission-request items. This is how rule 4 ("parent/
// child" adjacency) and rule 6 ("sibling tools ordered by timestamp") are
// realized: items sharing a parent share a group key, and are then
// sub-ordered by type-rank then timestamp within the group.
func (idx *orderIndex) effectiveSequence(it *TimelineItem) (int, bool) {
	if it.Type == ItemMessage {
		if it.Sequence != nil {
			return *it.Sequence, true
		}
		return 0, false
	}
	parentID := idx.parentMessageID(it)
	if parentID == "" {
		return 0, false
	}
	parent, ok := idx.messagesByID[parentID]
	if !ok || parent.Sequence == nil {
		return 0, false
	}
	return *parent.Sequence, true
}

// rootRole resolves the role an item groups under, used as a fallback
// ordering signal (rule 1 / rule 9) for items without a resolvable
// sequence. Design note: §9 states sequence is authoritative for message
// ordering ("ordering via timestamps is unreliable... make sequence
// authoritative"), so this implementation treats rule 1 (role priority) as
// a tiebreaker that applies once sequence comparison is unavailable or
// uninformative, rather than a global partition that would otherwise
// reorder a multi-turn conversation by role regardless of turn — see
// DESIGN.md for the recorded Open Question decision.
func (idx *orderIndex) rootRole(it *TimelineItem) (Role, bool) {
	if it.Type == ItemMessage {
		return it.Role, true
	}
	parentID := idx.parentMessageID(it)
	if parentID == "" {
		return "", false
	}
	parent, ok := idx.messagesByID[parentID]
	if !ok {
		return "", false
	}
	return parent.Role, true
}

// Sort orders items per spec §4.4.6 and returns a new, stably sorted slice.
// The input slice is not mutated.
func Sort(items []*TimelineItem) []*TimelineItem {
	out := make([]*TimelineItem, len(items))
	copy(out, items)

	idx := buildOrderIndex(items)

	sort.SliceStable(out, func(i, j int) bool {
		return less(idx, out[i], out[j])
	})
	return out
}

func less(idx *orderIndex, a, b *TimelineItem) bool {
	seqA, hasSeqA := idx.effectiveSequence(a)
	seqB, hasSeqB := idx.effectiveSequence(b)

	switch {
	case hasSeqA && hasSeqB:
		if seqA != seqB {
			return seqA < seqB // rule 2
		}
		// Same group: the message itself precedes its tool/permission
		// children (rule 4); siblings are ordered by type then timestamp
		// (rule 6 / rule 8).
		rankA, rankB := typeRank(a.Type), typeRank(b.Type)
		if rankA != rankB {
			return rankA < rankB
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp) // rule 6 / rule 7
		}
		return false // rule 10: preserve insertion order
	case hasSeqA != hasSeqB:
		return hasSeqA // rule 3
	default:
		roleA, okA := idx.rootRole(a)
		roleB, okB := idx.rootRole(b)
		if okA && okB && roleA != roleB {
			return roleA == RoleUser // rule 1 / rule 5 / rule 9
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp) // rule 7
		}
		rankA, rankB := typeRank(a.Type), typeRank(b.Type)
		if rankA != rankB {
			return rankA < rankB // rule 8
		}
		return false // rule 10
	}
}
