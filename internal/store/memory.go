// Package store keeps the latest known state of daemon tasks for this
// instance.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/carlosprados/assetlink/internal/gateway"
)

// TaskInfo is a task as last reported by the daemon.
type TaskInfo struct {
	gateway.Task
	Updated time.Time `json:"updated"`
}

// Finished reports whether the daemon will not update the task again.
func (t TaskInfo) Finished() bool {
	return t.Status == "finished" || t.Status == "error" || t.Status == "cancelled"
}

// MemoryStore is a tiny in-memory task store keyed by task id.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]TaskInfo
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]TaskInfo)}
}

// Upsert stores t. Empty fields keep their previous value, since reports may
// carry only what changed.
func (s *MemoryStore) Upsert(t gateway.Task) {
	if t.TaskID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.items[t.TaskID]; ok {
		if t.TaskType == "" {
			t.TaskType = prev.TaskType
		}
		if t.Status == "" {
			t.Status = prev.Status
		}
		if t.Message == "" {
			t.Message = prev.Message
		}
		if t.Data == nil {
			t.Data = prev.Data
		}
		if t.Result == nil {
			t.Result = prev.Result
		}
	}
	s.items[t.TaskID] = TaskInfo{Task: t, Updated: time.Now()}
}

// UpsertAll stores every task of a report.
func (s *MemoryStore) UpsertAll(tasks []gateway.Task) {
	for _, t := range tasks {
		s.Upsert(t)
	}
}

// List returns all tasks ordered by id.
func (s *MemoryStore) List() []TaskInfo {
	s.mu.RLock()
	out := make([]TaskInfo, 0, len(s.items))
	for _, v := range s.items {
		out = append(out, v)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

func (s *MemoryStore) Get(id string) (TaskInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[id]
	return v, ok
}

// Prune drops finished tasks last updated before cutoff and returns how many
// were removed.
func (s *MemoryStore) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, v := range s.items {
		if v.Finished() && v.Updated.Before(cutoff) {
			delete(s.items, id)
			n++
		}
	}
	return n
}
