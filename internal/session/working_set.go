package session

import (
	"sort"
	"sync"
)

// WorkingSet tracks the ids of Working sessions so the status poller does
// not walk the whole registry. It has its own lock and is always acquired
// after the registry lock.
type WorkingSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewWorkingSet() *WorkingSet {
	return &WorkingSet{ids: map[string]struct{}{}}
}

func (w *WorkingSet) Add(id string) {
	w.mu.Lock()
	w.ids[id] = struct{}{}
	w.mu.Unlock()
}

func (w *WorkingSet) Remove(id string) {
	w.mu.Lock()
	delete(w.ids, id)
	w.mu.Unlock()
}

func (w *WorkingSet) IDs() []string {
	w.mu.Lock()
	out := make([]string, 0, len(w.ids))
	for id := range w.ids {
		out = append(out, id)
	}
	w.mu.Unlock()
	sort.Strings(out)
	return out
}

func (w *WorkingSet) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ids)
}
