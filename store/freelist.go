package store

import "container/heap"

// blockIDHeap is a min-heap of block ids, used so Store.AllocBlock can
// always hand out the lowest currently-free id in O(log n).
type blockIDHeap []BlockID

func (h blockIDHeap) Len() int            { return len(h) }
func (h blockIDHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h blockIDHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *blockIDHeap) Push(x interface{}) { *h = append(*h, x.(BlockID)) }
func (h *blockIDHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// freeList tracks deallocated block ids, supporting idempotent insertion,
// ascending-order extraction, and membership queries.
type freeList struct {
	members map[BlockID]struct{}
	order   blockIDHeap
}

func newFreeList() *freeList {
	return &freeList{members: make(map[BlockID]struct{})}
}

func (f *freeList) Len() int {
	return len(f.members)
}

func (f *freeList) Has(id BlockID) bool {
	_, ok := f.members[id]
	return ok
}

// Add inserts id into the free set. Returns false if id was already free
// (a no-op double-free).
func (f *freeList) Add(id BlockID) bool {
	if _, ok := f.members[id]; ok {
		return false
	}
	f.members[id] = struct{}{}
	heap.Push(&f.order, id)
	return true
}

// PopMin removes and returns the smallest free id. The second return value
// is false if the free set is empty.
func (f *freeList) PopMin() (BlockID, bool) {
	for f.order.Len() > 0 {
		id := heap.Pop(&f.order).(BlockID)
		if _, ok := f.members[id]; ok {
			delete(f.members, id)
			return id, true
		}
		// Heap entry that is no longer a member; skip it.
	}
	return InvalidBlockID, false
}

// Sorted returns the free ids in ascending order without mutating the
// free list.
func (f *freeList) Sorted() []BlockID {
	out := make([]BlockID, 0, len(f.members))
	for id := range f.members {
		out = append(out, id)
	}
	sortBlockIDs(out)
	return out
}

// ResetFrom discards the current contents and repopulates from ids,
// deduplicating as it goes.
func (f *freeList) ResetFrom(ids []BlockID) {
	f.members = make(map[BlockID]struct{}, len(ids))
	f.order = f.order[:0]
	for _, id := range ids {
		if _, ok := f.members[id]; ok {
			continue
		}
		f.members[id] = struct{}{}
		heap.Push(&f.order, id)
	}
}

func sortBlockIDs(ids []BlockID) {
	// Simple insertion sort; kept here as a helper so callers don't need
	// to import sort for this single case.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}
