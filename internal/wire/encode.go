package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/proto"
)

// Encoder writes frames in the layout [Decoder] reads.  It is used by
// the peer simulator and by tests.
type Encoder struct {
	w   io.Writer
	buf bytes.Buffer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteEvent writes one frame with a single Write call.
func (e *Encoder) WriteEvent(service, method string, msg proto.Message) error {
	e.buf.Reset()
	if err := writeName(&e.buf, service); err != nil {
		return err
	}
	if err := writeName(&e.buf, method); err != nil {
		return err
	}
	if _, err := protodelim.MarshalTo(&e.buf, msg); err != nil {
		return fmt.Errorf("encoding %s.%s: %w", service, method, err)
	}
	_, err := e.w.Write(e.buf.Bytes())
	return err
}

func writeName(buf *bytes.Buffer, name string) error {
	if len(name) > MaxNameLen {
		return fmt.Errorf("name too long: %d bytes", len(name))
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(name)))
	buf.Write(hdr[:])
	buf.WriteString(name)
	return nil
}
