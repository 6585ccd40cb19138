package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	ncerr "revnotify/internal/errors"
)

// Decoder reads frames addressed to one service.  It is stateless and
// may be shared by every connection.
type Decoder struct {
	service protoreflect.ServiceDescriptor
	maxSize int
}

// NewDecoder returns a Decoder for svc.  maxSize <= 0 selects
// [DefaultMaxMessageSize].
func NewDecoder(svc protoreflect.ServiceDescriptor, maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Decoder{service: svc, maxSize: maxSize}
}

// Service returns the descriptor frames are checked against.
func (d *Decoder) Service() protoreflect.ServiceDescriptor { return d.service }

// ReadEvent reads one frame.  It returns io.EOF when the stream ends
// cleanly between frames and a *ProtocolError for a truncated or
// undecodable frame.  Errors from the underlying connection, such as a
// closed socket or an expired read deadline, are returned unwrapped.
func (d *Decoder) ReadEvent(r *bufio.Reader) (*Event, error) {
	service, err := readName(r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, frameError("service name", err)
	}
	method, err := readName(r)
	if err != nil {
		return nil, frameError("method name", err)
	}

	if service != string(d.service.Name()) && service != string(d.service.FullName()) {
		return nil, ncerr.Protocol("service name", fmt.Errorf("%w: %q", ncerr.ErrUnknownService, service))
	}
	md := d.service.Methods().ByName(protoreflect.Name(method))
	if md == nil {
		return nil, ncerr.Protocol("method name", fmt.Errorf("%w: %s.%s", ncerr.ErrUnknownMethod, service, method))
	}

	msg := dynamicpb.NewMessage(md.Input())
	opts := protodelim.UnmarshalOptions{MaxSize: int64(d.maxSize)}
	if err := opts.UnmarshalFrom(r, msg); err != nil {
		var tooLarge *protodelim.SizeTooLargeError
		if errors.As(err, &tooLarge) {
			err = fmt.Errorf("%w: %d bytes (max %d)", ncerr.ErrFrameTooLarge, tooLarge.Size, tooLarge.MaxSize)
		}
		return nil, frameError("message", err)
	}

	return &Event{
		Service:    service,
		Method:     method,
		Message:    msg,
		ReceivedAt: time.Now(),
		Warnings:   unknownFields(msg.ProtoReflect(), string(md.Input().FullName())),
	}, nil
}

// readName reads a 2-byte length followed by that many bytes.  It
// returns io.EOF only if the stream ended before the first byte.
func readName(r *bufio.Reader) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	buf := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return string(buf), nil
}

// frameError classifies a failure part-way through a frame.  A stream
// that ends early or carries bad bytes is a protocol error; connection
// errors pass through.
func frameError(op string, err error) error {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if isConnError(err) {
		return err
	}
	return ncerr.Protocol(op, err)
}

func isConnError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// unknownFields walks m and reports every message carrying fields the
// schema does not declare.
func unknownFields(m protoreflect.Message, path string) []string {
	var out []string
	if raw := m.GetUnknown(); len(raw) > 0 {
		out = append(out, fmt.Sprintf("%s: %d bytes of unknown fields", path, len(raw)))
	}
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if fd.Message() == nil {
			return true
		}
		child := path + "." + string(fd.Name())
		switch {
		case fd.IsMap():
			if fd.MapValue().Message() == nil {
				return true
			}
			v.Map().Range(func(k protoreflect.MapKey, mv protoreflect.Value) bool {
				out = append(out, unknownFields(mv.Message(), fmt.Sprintf("%s[%v]", child, k.Interface()))...)
				return true
			})
		case fd.IsList():
			l := v.List()
			for i := 0; i < l.Len(); i++ {
				out = append(out, unknownFields(l.Get(i).Message(), fmt.Sprintf("%s[%d]", child, i))...)
			}
		default:
			out = append(out, unknownFields(v.Message(), child)...)
		}
		return true
	})
	return out
}
