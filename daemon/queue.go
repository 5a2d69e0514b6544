package daemon

import "sync/atomic"

type queueNode struct {
	next atomic.Pointer[queueNode]
	name string
}

// SignalQueue is a FIFO of signal names with any number of producers and a
// single consumer. Push is wait-free and takes no locks, so the signal trap
// can call it without coordinating with the dispatcher.
//
// The queue is a linked list with a stub node: producers swap themselves in
// at the head, the consumer follows next pointers from the tail. A Push that
// has swapped the head but not yet linked its node is simply not visible to
// Pop until the link is stored, so nothing is lost or reordered
type SignalQueue struct {
	head atomic.Pointer[queueNode]
	// tail is only touched by the consumer
	tail *queueNode
	len  atomic.Int64
}

func NewSignalQueue() *SignalQueue {
	stub := &queueNode{}

	q := &SignalQueue{tail: stub}
	q.head.Store(stub)

	return q
}

// Push appends name. Safe to call from any goroutine
func (q *SignalQueue) Push(name string) {
	n := &queueNode{name: name}

	q.len.Add(1)

	prev := q.head.Swap(n)
	prev.next.Store(n)
}

// Pop removes the oldest name. It must only be called from one goroutine
func (q *SignalQueue) Pop() (string, bool) {
	next := q.tail.next.Load()
	if next == nil {
		return "", false
	}

	// next becomes the new stub
	q.tail = next
	name := next.name
	next.name = ""

	q.len.Add(-1)

	return name, true
}

// Len is the number of pushed names not yet popped. Pushes still in
// progress may or may not be counted
func (q *SignalQueue) Len() int {
	return int(q.len.Load())
}
