package scheduler

// entry is a queued event with its trigger time. seq orders entries sharing a
// trigger time by arrival.
type entry struct {
	time  float64
	seq   uint64
	event Event
}

// eventHeap implements [container/heap.Interface] as a min-heap ordered by
// trigger time, with FIFO tie-breaking on seq.
type eventHeap []entry

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].time != h[j].time {
		return h[i].time < h[j].time
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push].
func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(entry))
}

// Pop removes and returns the last element. Called by [container/heap.Pop].
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}
