package stream

import "github.com/eapache/queue"

// outboundQueue is a bounded FIFO of encoded messages that evicts the oldest
// entry once full. Not safe for concurrent use; the client guards it.
type outboundQueue struct {
	items *queue.Queue
	max   int
}

func newOutboundQueue(maxSize int) *outboundQueue {
	if maxSize < 1 {
		maxSize = 1
	}

	return &outboundQueue{
		items: queue.New(),
		max:   maxSize,
	}
}

// push appends payload and returns the entries evicted to make room.
func (q *outboundQueue) push(payload []byte) [][]byte {
	var dropped [][]byte
	for q.items.Length() >= q.max {
		old, _ := q.items.Remove().([]byte)
		dropped = append(dropped, old)
	}

	q.items.Add(payload)

	return dropped
}

// peek returns the oldest entry without removing it.
func (q *outboundQueue) peek() ([]byte, bool) {
	if q.items.Length() == 0 {
		return nil, false
	}

	payload, _ := q.items.Peek().([]byte)

	return payload, true
}

func (q *outboundQueue) pop() {
	if q.items.Length() > 0 {
		q.items.Remove()
	}
}

func (q *outboundQueue) len() int {
	return q.items.Length()
}
