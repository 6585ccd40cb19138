// Package wire implements the framing of the reverse notification
// stream.  Each frame carries the service name and method name as
// length-prefixed UTF-8 strings (2-byte big-endian length) followed by
// the method's input message as a varint-delimited protobuf body.
package wire

import (
	"encoding/json"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// MaxNameLen is the longest service or method name a frame can carry.
const MaxNameLen = 0xFFFF

// DefaultMaxMessageSize caps a protobuf body when none is configured.
const DefaultMaxMessageSize = 16 << 20

// Event is one decoded notification.
type Event struct {
	Service    string
	Method     string
	Message    proto.Message
	Peer       string
	ReceivedAt time.Time
	// Warnings lists recoverable decode issues, such as fields the
	// schema does not know about.
	Warnings []string
}

type eventJSON struct {
	Service    string          `json:"service"`
	Method     string          `json:"method"`
	Peer       string          `json:"peer,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Warnings   []string        `json:"warnings,omitempty"`
	Message    json.RawMessage `json:"message"`
}

// MarshalJSON renders the event with its message in protojson form.
func (e *Event) MarshalJSON() ([]byte, error) {
	body := []byte("null")
	if e.Message != nil {
		var err error
		body, err = protojson.MarshalOptions{UseProtoNames: true}.Marshal(e.Message)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(eventJSON{
		Service:    e.Service,
		Method:     e.Method,
		Peer:       e.Peer,
		ReceivedAt: e.ReceivedAt,
		Warnings:   e.Warnings,
		Message:    body,
	})
}

// Clone returns a deep copy of e.
func (e *Event) Clone() *Event {
	c := *e
	if e.Message != nil {
		c.Message = proto.Clone(e.Message)
	}
	c.Warnings = append([]string(nil), e.Warnings...)
	return &c
}
