package timeline

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/agentworkstation/timelined/internal/apierror"
)

const (
	timelineFileName = "timeline.jsonl"
	messagesFileName = "messages.json"
	dirPerm          = 0o755
	filePerm         = 0o644
)

// jsonlRecord is one upsert record written per line of timeline.jsonl,
// matching spec §6.3's {key:{type,id}, item:…} shape.
type jsonlRecord struct {
	Key  ItemKey       `json:"key"`
	Item *TimelineItem `json:"item"`
}

// JSONLStore is a Store backed by one append-only timeline.jsonl file per
// session directory, grounded on the teacher's sessions.LockingStore
// pattern: a per-session lock held for the duration of each write, and a
// reduce-by-last-occurrence reader.
type JSONLStore struct {
	locker sessionLocker
	root   string
}

// NewJSONLStore creates a JSONLStore rooted at root. Each session gets its
// own subdirectory root/<sessionID>/.
func NewJSONLStore(root string) *JSONLStore {
	return &JSONLStore{root: root}
}

// SessionDir implements Store.
func (s *JSONLStore) SessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// Backend implements Store.
func (s *JSONLStore) Backend() string { return "jsonl" }

// AppendOrReplace implements Store. Despite the name, this never rewrites
// history: every call appends a new upsert record; Load reduces by
// last-occurrence-per-key on read, so "replace" is a read-time concept.
func (s *JSONLStore) AppendOrReplace(sessionID string, item *TimelineItem) error {
	lock := s.locker.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.SessionDir(sessionID)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return apierror.StorageFailure(sessionID, err)
	}

	f, err := os.OpenFile(filepath.Join(dir, timelineFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return apierror.StorageFailure(sessionID, err)
	}
	defer f.Close()

	rec := jsonlRecord{Key: item.Key(), Item: item}
	data, err := json.Marshal(rec)
	if err != nil {
		return apierror.StorageFailure(sessionID, err)
	}
	data = append(data, '\n')

	if _, err := f.Write(data); err != nil {
		return apierror.StorageFailure(sessionID, err)
	}
	return f.Sync()
}

// Load implements Store: replays timeline.jsonl, reducing to the last
// record per (type,id) key, then applies the messages.json compatibility
// shim (spec §6.3) when the reduced set carries no message items.
func (s *JSONLStore) Load(sessionID string) ([]*TimelineItem, error) {
	lock := s.locker.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.SessionDir(sessionID)
	items, order, err := s.readTimelineFile(filepath.Join(dir, timelineFileName))
	if err != nil {
		return nil, err
	}

	hasMessages := false
	for _, it := range items {
		if it.Type == ItemMessage {
			hasMessages = true
			break
		}
	}

	if !hasMessages {
		snapshot, err := s.readMessagesSnapshot(filepath.Join(dir, messagesFileName))
		if err != nil {
			return nil, err
		}
		for _, msg := range snapshot {
			key := msg.Key()
			if _, exists := items[key]; !exists {
				order = append(order, key)
			}
			items[key] = msg
		}
	}

	out := make([]*TimelineItem, 0, len(order))
	for _, key := range order {
		if it, ok := items[key]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *JSONLStore) readTimelineFile(path string) (map[ItemKey]*TimelineItem, []ItemKey, error) {
	items := make(map[ItemKey]*TimelineItem)
	var order []ItemKey

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return items, order, nil
		}
		return nil, nil, apierror.StorageFailure(path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec jsonlRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A malformed line is dropped, not fatal, matching the
			// InvalidPayload policy for ingest (spec §7).
			continue
		}
		if _, exists := items[rec.Key]; !exists {
			order = append(order, rec.Key)
		}
		items[rec.Key] = rec.Item
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, apierror.StorageFailure(path, err)
	}
	return items, order, nil
}

func (s *JSONLStore) readMessagesSnapshot(path string) ([]*TimelineItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apierror.StorageFailure(path, err)
	}
	var snapshot []*TimelineItem
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, apierror.StorageFailure(path, err)
	}
	return snapshot, nil
}
