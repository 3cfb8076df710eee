// Copyright 2024-2026 Aiku AI

package connector

import (
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
)

// DedupWindow remembers the last N native message ids, evicting the oldest
// first. It is not safe for concurrent use.
type DedupWindow struct {
	size  int
	order *queue.Queue[string]
	ids   mapset.Set[string]
}

func NewDedupWindow(size int) *DedupWindow {
	if size <= 0 {
		size = DefaultDedupWindow
	}
	return &DedupWindow{
		size:  size,
		order: queue.New[string](),
		ids:   mapset.New[string](),
	}
}

// Contains reports whether id was added and not yet evicted.
func (w *DedupWindow) Contains(id string) bool {
	return id != "" && w.ids.Has(id)
}

// Add records id. Adding an id already present does not refresh it.
func (w *DedupWindow) Add(id string) {
	if id == "" || w.ids.Has(id) {
		return
	}
	w.ids.Add(id)
	w.order.Add(id)
	for w.order.Len() > w.size {
		old, _ := w.order.Pop()
		w.ids.Remove(old)
	}
}

func (w *DedupWindow) Len() int {
	return w.order.Len()
}
