package events

import "sync"

type message struct {
	Kind    string
	Subject string
	Data    []byte
	next    *message
}

// buffer is a FIFO of pending events. Once it holds capacity events, a push
// evicts the oldest one. Zero capacity means unbounded.
type buffer struct {
	lock     sync.Mutex
	head     *message
	tail     *message
	size     int
	capacity int
	dropped  int
}

func newBuffer(capacity int) *buffer {
	return &buffer{capacity: capacity}
}

// PushBack appends msg and returns the event evicted to make room, if any.
func (b *buffer) PushBack(msg *message) (evicted *message) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.capacity > 0 && b.size >= b.capacity {
		evicted = b.popLocked()
		b.dropped++
	}

	msg.next = nil
	if b.tail == nil {
		b.head = msg
	} else {
		b.tail.next = msg
	}
	b.tail = msg
	b.size++

	return evicted
}

func (b *buffer) Pop() *message {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.popLocked()
}

func (b *buffer) popLocked() *message {
	msg := b.head
	if msg == nil {
		return nil
	}
	b.head = msg.next
	if b.head == nil {
		b.tail = nil
	}
	msg.next = nil
	b.size--
	return msg
}

func (b *buffer) Size() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.size
}

// Dropped counts the events evicted since the buffer was created.
func (b *buffer) Dropped() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.dropped
}
