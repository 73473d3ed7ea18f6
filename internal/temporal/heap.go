package temporal

import (
	"container/heap"

	"github.com/petrijr/tokenflow/pkg/api"
)

type heapItem struct {
	entry api.TimerEntry
	index int
}

// timerHeap is a min-heap of entries ordered by api.TimerLess with an id
// index for removal. It is not safe for concurrent use; the queue actor owns
// it.
type timerHeap struct {
	items []*heapItem
	byID  map[string]*heapItem
}

func newTimerHeap() *timerHeap {
	return &timerHeap{byID: make(map[string]*heapItem)}
}

func (h *timerHeap) Len() int { return len(h.items) }

func (h *timerHeap) Less(i, j int) bool {
	return api.TimerLess(h.items[i].entry, h.items[j].entry)
}

func (h *timerHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *timerHeap) Push(x any) {
	it := x.(*heapItem)
	it.index = len(h.items)
	h.items = append(h.items, it)
}

func (h *timerHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	return it
}

// upsert adds e, or replaces the entry with the same id.
func (h *timerHeap) upsert(e api.TimerEntry) {
	if it, ok := h.byID[e.ID]; ok {
		it.entry = e
		heap.Fix(h, it.index)
		return
	}
	it := &heapItem{entry: e}
	h.byID[e.ID] = it
	heap.Push(h, it)
}

func (h *timerHeap) remove(id string) bool {
	it, ok := h.byID[id]
	if !ok {
		return false
	}
	heap.Remove(h, it.index)
	delete(h.byID, id)
	return true
}

func (h *timerHeap) peek() (api.TimerEntry, bool) {
	if len(h.items) == 0 {
		return api.TimerEntry{}, false
	}
	return h.items[0].entry, true
}

func (h *timerHeap) pop() api.TimerEntry {
	it := heap.Pop(h).(*heapItem)
	delete(h.byID, it.entry.ID)
	return it.entry
}

// dropShard removes every entry of a shard.
func (h *timerHeap) dropShard(shard int) {
	var ids []string
	for _, it := range h.items {
		if it.entry.Shard == shard {
			ids = append(ids, it.entry.ID)
		}
	}
	for _, id := range ids {
		h.remove(id)
	}
}

func (h *timerHeap) reset() {
	h.items = nil
	h.byID = make(map[string]*heapItem)
}
