package events

import (
	"bufio"
	"container/heap"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Query filters aggregated log entries. All filters are AND-combined.
type Query struct {
	Worker string
	TaskID string
	Level  string
	Event  string
	Since  string // RFC3339; inclusive lower bound
	Until  string // RFC3339; inclusive upper bound
	Search string // case-insensitive substring of the message
	Limit  int    // 0 = unlimited
}

// Aggregator merges the per-worker and orchestrator JSONL streams by
// timestamp at read time. No aggregated file is ever written.
type Aggregator struct {
	logDir string
}

// NewAggregator creates an aggregator over a feature's log directory.
func NewAggregator(logDir string) *Aggregator {
	return &Aggregator{logDir: logDir}
}

// shards lists every stream file currently present.
func (a *Aggregator) shards() []string {
	var paths []string
	if entries, err := os.ReadDir(filepath.Join(a.logDir, "workers")); err == nil {
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") {
				paths = append(paths, filepath.Join(a.logDir, "workers", e.Name()))
			}
		}
	}
	orch := filepath.Join(a.logDir, "orchestrator.jsonl")
	if _, err := os.Stat(orch); err == nil {
		paths = append(paths, orch)
	}
	sort.Strings(paths)
	return paths
}

// Query returns entries matching q, sorted by timestamp.
func (a *Aggregator) Query(q Query) ([]Entry, error) {
	it := NewIterator(a.shards())
	defer it.Close()

	var out []Entry
	for {
		entry, ok := it.Next()
		if !ok {
			break
		}
		if !matches(entry, q) {
			continue
		}
		out = append(out, *entry)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func matches(e *Entry, q Query) bool {
	if q.Worker != "" && e.Worker != q.Worker {
		return false
	}
	if q.TaskID != "" && e.TaskID != q.TaskID {
		return false
	}
	if q.Level != "" && e.Level != q.Level {
		return false
	}
	if q.Event != "" && e.Event != q.Event {
		return false
	}
	if q.Since != "" && e.Ts < q.Since {
		return false
	}
	if q.Until != "" && e.Ts > q.Until {
		return false
	}
	if q.Search != "" && !strings.Contains(strings.ToLower(e.Message), strings.ToLower(q.Search)) {
		return false
	}
	return true
}

// Tasks returns the distinct task ids present in logs and artifact dirs.
func (a *Aggregator) Tasks() []string {
	seen := make(map[string]bool)

	it := NewIterator(a.shards())
	for {
		entry, ok := it.Next()
		if !ok {
			break
		}
		if entry.TaskID != "" {
			seen[entry.TaskID] = true
		}
	}
	it.Close()

	if entries, err := os.ReadDir(filepath.Join(a.logDir, "tasks")); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				seen[e.Name()] = true
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TaskArtifacts returns the artifact files recorded for a task, keyed by
// artifact name. Only files that exist are returned.
func (a *Aggregator) TaskArtifacts(taskID string) map[string]string {
	taskDir := filepath.Join(a.logDir, "tasks", taskID)
	artifacts := make(map[string]string)
	for _, name := range []string{"execution.jsonl", "verification_output.txt", "result.json"} {
		path := filepath.Join(taskDir, name)
		if _, err := os.Stat(path); err == nil {
			artifacts[name] = path
		}
	}
	return artifacts
}

// shardReader walks one JSONL stream, skipping blank and malformed lines.
// A partial trailing line from a live writer parses as malformed and is
// skipped, so readers can run while writers append.
type shardReader struct {
	origin  string
	file    *os.File
	scanner *bufio.Scanner
	head    *Entry
}

func (r *shardReader) advance() bool {
	for r.scanner.Scan() {
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		entry.Origin = r.origin
		r.head = &entry
		return true
	}
	r.head = nil
	return false
}

// Iterator k-way merges multiple JSONL shards by timestamp. RFC3339
// timestamps compare correctly as strings. The iterator is restartable:
// construct a new one to pick up entries appended since.
type Iterator struct {
	readers shardHeap
}

// NewIterator opens every shard path; unreadable shards are skipped.
func NewIterator(paths []string) *Iterator {
	it := &Iterator{}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		r := &shardReader{
			origin:  strings.TrimSuffix(filepath.Base(path), ".jsonl"),
			file:    f,
			scanner: scanner,
		}
		if r.advance() {
			it.readers = append(it.readers, r)
		} else {
			f.Close()
		}
	}
	heap.Init(&it.readers)
	return it
}

// Next returns the next entry in timestamp order, or ok=false when drained.
func (it *Iterator) Next() (*Entry, bool) {
	if it.readers.Len() == 0 {
		return nil, false
	}
	r := it.readers[0]
	entry := r.head
	if r.advance() {
		heap.Fix(&it.readers, 0)
	} else {
		r.file.Close()
		heap.Pop(&it.readers)
	}
	return entry, true
}

// Close releases any shards not yet drained.
func (it *Iterator) Close() {
	for _, r := range it.readers {
		r.file.Close()
	}
	it.readers = nil
}

type shardHeap []*shardReader

func (h shardHeap) Len() int { return len(h) }
func (h shardHeap) Less(i, j int) bool {
	if h[i].head.Ts != h[j].head.Ts {
		return h[i].head.Ts < h[j].head.Ts
	}
	return h[i].origin < h[j].origin
}
func (h shardHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *shardHeap) Push(x any)        { *h = append(*h, x.(*shardReader)) }
func (h *shardHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
