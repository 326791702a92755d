// Package message defines the envelope and handler-registration types
// shared across the dispatch pipeline, reliable-delivery subsystems, and
// transport. It carries no behavior of its own beyond construction and
// copy-with-update helpers.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Kind tags the variant of a Message.
type Kind string

const (
	KindCommand Kind = "COMMAND"
	KindQuery   Kind = "QUERY"
	KindEvent   Kind = "EVENT"
)

// Message is the opaque envelope carried through the dispatch pipeline,
// Outbox/Inbox, the queue engine, and the transport. Type is the message's
// logical type tag (the registry key used by Dispatcher and handler
// registration); Body is the caller-supplied payload. Message is passed by
// value throughout the bus; mutation is always copy-with-update via the
// With* methods.
type Message struct {
	ID            string
	Kind          Kind
	Type          string
	Body          any
	CorrelationID string
	CausationID   string
	Metadata      map[string]string
	Timestamp     time.Time
}

// New builds a Message with a fresh ID and timestamp.
func New(kind Kind, msgType string, body any) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Type:      msgType,
		Body:      body,
		Metadata:  map[string]string{},
		Timestamp: time.Now(),
	}
}

// NewCommand is a convenience constructor for a Kind: Command message.
func NewCommand(msgType string, body any) Message { return New(KindCommand, msgType, body) }

// NewQuery is a convenience constructor for a Kind: Query message.
func NewQuery(msgType string, body any) Message { return New(KindQuery, msgType, body) }

// NewEvent is a convenience constructor for a Kind: Event message.
func NewEvent(msgType string, body any) Message { return New(KindEvent, msgType, body) }

// WithCorrelation returns a copy of m carrying the given correlation ID,
// leaving m unmodified.
func (m Message) WithCorrelation(correlationID string) Message {
	cp := m
	cp.CorrelationID = correlationID
	return cp
}

// WithCausation returns a copy of m carrying the given causation ID,
// leaving m unmodified.
func (m Message) WithCausation(causationID string) Message {
	cp := m
	cp.CausationID = causationID
	return cp
}

// WithMetadata returns a copy of m with key=value merged into its
// Metadata, cloning the map so the original is never mutated.
func (m Message) WithMetadata(key, value string) Message {
	cp := m
	cp.Metadata = cloneMeta(m.Metadata)
	cp.Metadata[key] = value
	return cp
}

// MetaValue returns the metadata entry for key and whether it was present.
func (m Message) MetaValue(key string) (string, bool) {
	if m.Metadata == nil {
		return "", false
	}
	v, ok := m.Metadata[key]
	return v, ok
}

func cloneMeta(m map[string]string) map[string]string {
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
