package collab

import (
	"sync"
)

const defaultOutboxSize = 64

// Sink receives encoded frames for one connection.
type Sink interface {
	// Deliver enqueues frame without blocking and reports whether it was accepted.
	Deliver(frame []byte) bool
	// Close stops further delivery. Safe to call more than once.
	Close()
}

// Outbox is a bounded, non-blocking Sink backed by a channel that a transport drains.
type Outbox struct {
	mu     sync.Mutex
	frames chan []byte
	closed bool
}

// NewOutbox allocates an outbox buffering up to size frames.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = defaultOutboxSize
	}
	return &Outbox{frames: make(chan []byte, size)}
}

// Deliver implements Sink.
func (o *Outbox) Deliver(frame []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	select {
	case o.frames <- frame:
		return true
	default:
		return false
	}
}

// Close implements Sink.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.frames)
}

// Frames is drained by the transport until it is closed.
func (o *Outbox) Frames() <-chan []byte {
	return o.frames
}

// channel fans frames out to the sockets of one room. Callers hold the room lock.
type channel struct {
	subscribers map[ConnID]Sink
}

func newChannel() *channel {
	return &channel{subscribers: make(map[ConnID]Sink)}
}

func (c *channel) subscribe(connID ConnID, sink Sink) {
	c.subscribers[connID] = sink
}

func (c *channel) unsubscribe(connID ConnID) {
	delete(c.subscribers, connID)
}

// evict closes and removes the subscriber.
func (c *channel) evict(connID ConnID) {
	if sink, ok := c.subscribers[connID]; ok {
		sink.Close()
		delete(c.subscribers, connID)
	}
}

// publish delivers frame to every subscriber except the excluded connection and
// returns the connections whose buffers were full. Those are closed and dropped.
func (c *channel) publish(frame []byte, except ConnID) []ConnID {
	var dropped []ConnID
	for connID, sink := range c.subscribers {
		if connID == except {
			continue
		}
		if sink.Deliver(frame) {
			continue
		}
		sink.Close()
		delete(c.subscribers, connID)
		dropped = append(dropped, connID)
	}
	return dropped
}

// send delivers frame to one subscriber.
func (c *channel) send(connID ConnID, frame []byte) bool {
	sink, ok := c.subscribers[connID]
	if !ok {
		return false
	}
	if sink.Deliver(frame) {
		return true
	}
	sink.Close()
	delete(c.subscribers, connID)
	return false
}
