package retrytimer

import "container/heap"

// deadline is one pending retry wake-up.
type deadline struct {
	key  string // job key
	atMs int64  // UTC milliseconds, sort key

	// idx is the entry's position in the heap, kept current by Swap so that
	// Cancel can use heap.Remove.
	idx int
}

// deadlineHeap keeps the soonest deadline at index 0.
type deadlineHeap []*deadline

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool { return h[i].atMs < h[j].atMs }

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *deadlineHeap) Push(x any) {
	d := x.(*deadline)
	d.idx = len(*h)
	*h = append(*h, d)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	d.idx = -1
	*h = old[:n-1]
	return d
}

func (h *deadlineHeap) remove(idx int) *deadline {
	return heap.Remove(h, idx).(*deadline)
}
