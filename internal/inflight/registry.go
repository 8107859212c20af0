// Package inflight holds outbound messages that were handed to the
// transport and are still waiting for a broker acknowledgment.
//
// The registry is keyed by the transport-assigned message identifier.
// Identifiers are unique among pending messages but may be reused once
// the earlier message has been retired. Identifier zero means "not
// assigned" and is never stored.
//
// A Registry is not safe for concurrent use. It is owned by the event
// loop and every call must come from that single goroutine; callers on
// a multi-threaded runtime must serialize access through one consumer.
package inflight

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

var (
	// ErrDuplicateID is returned when a message id is already pending.
	ErrDuplicateID = errors.New("inflight: duplicate message id")

	// ErrZeroID is returned when inserting a message without an id.
	ErrZeroID = errors.New("inflight: message id zero is reserved")
)

// Message is one outbound message awaiting acknowledgment. Values
// handed out by the registry are copies; mutating them never touches
// the stored entry.
type Message struct {
	ID      uint16
	Topic   string
	Payload []byte
	QoS     byte
	SentAt  time.Time
}

func (m Message) clone() Message {
	m.Payload = bytes.Clone(m.Payload)
	return m
}

// Registry maps message ids to pending messages.
type Registry struct {
	entries   map[uint16]Message
	traversal bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uint16]Message)}
}

// Insert stores msg. The payload is copied so the registry exclusively
// owns it. An existing entry with the same id is never overwritten.
func (r *Registry) Insert(msg Message) error {
	r.mustNotTraverse("Insert")

	if msg.ID == 0 {
		return ErrZeroID
	}
	if _, ok := r.entries[msg.ID]; ok {
		return fmt.Errorf("insert message %d on %q: %w", msg.ID, msg.Topic, ErrDuplicateID)
	}
	r.entries[msg.ID] = msg.clone()
	return nil
}

// Remove deletes the entry for id and returns it. The second result is
// false if no such entry exists.
func (r *Registry) Remove(id uint16) (Message, bool) {
	r.mustNotTraverse("Remove")

	msg, ok := r.entries[id]
	if !ok {
		return Message{}, false
	}
	delete(r.entries, id)
	return msg, true
}

// Lookup returns a copy of the entry for id without removing it.
func (r *Registry) Lookup(id uint16) (Message, bool) {
	msg, ok := r.entries[id]
	if !ok {
		return Message{}, false
	}
	return msg.clone(), true
}

// Len returns the number of pending messages.
func (r *Registry) Len() int {
	return len(r.entries)
}

// ForEach calls fn for every pending message in ascending id order.
// fn receives copies. Calling Insert, Remove or Drain from fn panics.
func (r *Registry) ForEach(fn func(Message)) {
	r.traversal = true
	defer func() { r.traversal = false }()

	for _, id := range slices.Sorted(maps.Keys(r.entries)) {
		fn(r.entries[id].clone())
	}
}

// Drain removes every entry and returns them in ascending id order.
func (r *Registry) Drain() []Message {
	r.mustNotTraverse("Drain")

	ids := slices.Sorted(maps.Keys(r.entries))
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.entries[id])
	}
	clear(r.entries)
	return out
}

func (r *Registry) mustNotTraverse(op string) {
	if r.traversal {
		panic("inflight: " + op + " called during ForEach")
	}
}
