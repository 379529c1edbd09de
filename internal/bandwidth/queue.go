package bandwidth

import (
	"container/heap"

	"github.com/archivechain/archivechain/internal/model"
)

// queuedTransfer is one heap slot. The sequence number keeps ordering
// stable for requests queued in the same instant.
type queuedTransfer struct {
	request TransferRequest
	seq     uint64
	index   int
}

// requestQueue is a max-heap of transfer requests: higher priority
// first, then earlier deadline, deadlined before open-ended, then FIFO.
type requestQueue struct {
	slots []*queuedTransfer
	byID  map[model.Hash]*queuedTransfer
	seq   uint64
}

func newRequestQueue() *requestQueue {
	return &requestQueue{byID: make(map[model.Hash]*queuedTransfer)}
}

func (q *requestQueue) Len() int { return len(q.slots) }

func (q *requestQueue) Less(i, j int) bool {
	return precedes(q.slots[i], q.slots[j])
}

func precedes(a, b *queuedTransfer) bool {
	if a.request.Priority != b.request.Priority {
		return a.request.Priority > b.request.Priority
	}
	aDead, bDead := !a.request.Deadline.IsZero(), !b.request.Deadline.IsZero()
	switch {
	case aDead && bDead:
		if !a.request.Deadline.Equal(b.request.Deadline) {
			return a.request.Deadline.Before(b.request.Deadline)
		}
	case aDead:
		return true
	case bDead:
		return false
	}
	if !a.request.QueuedAt.Equal(b.request.QueuedAt) {
		return a.request.QueuedAt.Before(b.request.QueuedAt)
	}
	return a.seq < b.seq
}

func (q *requestQueue) Swap(i, j int) {
	q.slots[i], q.slots[j] = q.slots[j], q.slots[i]
	q.slots[i].index = i
	q.slots[j].index = j
}

func (q *requestQueue) Push(x any) {
	slot := x.(*queuedTransfer)
	slot.index = len(q.slots)
	q.slots = append(q.slots, slot)
}

func (q *requestQueue) Pop() any {
	last := len(q.slots) - 1
	slot := q.slots[last]
	q.slots[last] = nil
	q.slots = q.slots[:last]
	return slot
}

func (q *requestQueue) enqueue(req TransferRequest) {
	q.seq++
	slot := &queuedTransfer{request: req, seq: q.seq}
	heap.Push(q, slot)
	q.byID[req.ID] = slot
}

func (q *requestQueue) peek() (TransferRequest, bool) {
	if len(q.slots) == 0 {
		return TransferRequest{}, false
	}
	return q.slots[0].request, true
}

func (q *requestQueue) dequeue() (TransferRequest, bool) {
	if len(q.slots) == 0 {
		return TransferRequest{}, false
	}
	slot := heap.Pop(q).(*queuedTransfer)
	delete(q.byID, slot.request.ID)
	return slot.request, true
}

// remove drops a queued request by id.
func (q *requestQueue) remove(id model.Hash) (TransferRequest, bool) {
	slot, ok := q.byID[id]
	if !ok {
		return TransferRequest{}, false
	}
	heap.Remove(q, slot.index)
	delete(q.byID, id)
	return slot.request, true
}

// removeIf drops every queued request matching the predicate and returns
// the removed requests.
func (q *requestQueue) removeIf(match func(TransferRequest) bool) []TransferRequest {
	var removed []TransferRequest
	for _, slot := range q.slots {
		if match(slot.request) {
			removed = append(removed, slot.request)
		}
	}
	for _, req := range removed {
		q.remove(req.ID)
	}
	return removed
}
