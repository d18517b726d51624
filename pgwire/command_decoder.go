package pgwire

import (
	"encoding/binary"
	"fmt"
)

// CommandFunc receives each decoded frontend message together with the
// exact wire bytes that produced it (type code and length header
// included). The raw slice aliases the decoder's internal buffer and is
// valid only until the next Parse call; callers that hold on to it across
// Parse calls must copy it first.
type CommandFunc func(cmd Command, raw []byte) error

// CommandDecoder reassembles and parses frontend messages from a stream
// of byte chunks. Until the startup packet has been seen, incoming bytes
// are interpreted as the unframed startup preamble; afterwards as the
// framed stream. A decode failure is fatal: the decoder emits no further
// messages and the session must be torn down.
type CommandDecoder struct {
	streamBuffer
	startedUp bool
	failed    error
}

// NewCommandDecoder returns a decoder for text result mode. Binary result
// mode is not supported and fails here rather than misdecoding rows later.
func NewCommandDecoder(format FormatCode) (*CommandDecoder, error) {
	if format != FormatText {
		return nil, fmt.Errorf("unsupported decoder mode %q", format)
	}
	return &CommandDecoder{}, nil
}

// StartedUp reports whether the startup packet has been consumed.
func (d *CommandDecoder) StartedUp() bool {
	return d.startedUp
}

// Parse appends chunk to the internal buffer and invokes emit once per
// complete message, in wire order. It returns the first error from emit
// or a *ProtocolError on a wire violation; either way the decoder is dead
// afterwards.
func (d *CommandDecoder) Parse(chunk []byte, emit CommandFunc) error {
	if d.failed != nil {
		return d.failed
	}
	d.push(chunk)

	for {
		if !d.startedUp {
			advanced, err := d.parseStartup(emit)
			if err != nil {
				d.failed = err
				return err
			}
			if !advanced {
				return nil
			}
			continue
		}

		// Reject unknown type codes as soon as the first byte of a frame
		// is visible, before waiting for the declared body. A stray second
		// startup packet begins with the length MSB 0x00 and would
		// otherwise sit in the buffer forever, its version bytes read as
		// an enormous frame length.
		if w := d.window(); len(w) > 0 && !validFrontendCode(w[0]) {
			err := protoErrf(w[0], "unknown frontend message type")
			d.failed = err
			return err
		}

		code, total, ok, err := d.peekFrame()
		if err != nil {
			d.failed = err
			return err
		}
		if !ok {
			return nil
		}

		raw := d.window()[:total]
		cmd, err := parseCommandBody(code, raw[5:])
		if err != nil {
			d.failed = err
			return err
		}
		d.advance(total)
		debugDecoded("<-", CommandName(code), cmd)
		if err := emit(cmd, raw); err != nil {
			d.failed = err
			return err
		}
	}
}

// parseStartup consumes one unframed packet (startup, SSL request or
// cancel request) if fully buffered. It reports whether it advanced.
func (d *CommandDecoder) parseStartup(emit CommandFunc) (bool, error) {
	w := d.window()
	if len(w) < 4 {
		return false, nil
	}
	length := int(int32(binary.BigEndian.Uint32(w)))
	if length < 8 {
		return false, protoErrf(0, "startup packet length %d below minimum", length)
	}
	if len(w) < length {
		return false, nil
	}

	raw := w[:length]
	r := NewByteReader(raw[4:])
	version := r.Int32()

	var cmd Command
	switch version {
	case SSLRequestCode:
		cmd = &SSLRequest{}
	case CancelRequestCode:
		cmd = &CancelRequest{ProcessID: r.Uint32(), SecretKey: r.Uint32()}
	default:
		major := uint16(uint32(version) >> 16)
		minor := uint16(uint32(version) & 0xFFFF)
		if major != 3 {
			return false, protoErrf(0, "unsupported protocol version %d.%d", major, minor)
		}
		opts := make(map[string]string)
		for r.Remaining() > 1 {
			key := r.CString()
			if key == "" {
				break
			}
			opts[key] = r.CString()
		}
		if r.Err() != nil {
			return false, protoErrf(0, "malformed startup options: %v", r.Err())
		}
		cmd = &StartupMessage{Major: major, Minor: minor, Options: opts}
		d.startedUp = true
	}
	if r.Err() != nil {
		return false, protoErrf(0, "truncated startup packet: %v", r.Err())
	}

	d.advance(length)
	debugDecoded("<-", CommandName(0), cmd)
	if err := emit(cmd, raw); err != nil {
		return false, err
	}
	return true, nil
}

// validFrontendCode reports whether code is a framed message type a
// client may send after startup.
func validFrontendCode(code byte) bool {
	switch code {
	case MsgQuery, MsgPasswordMessage, MsgParse, MsgBind, MsgDescribe,
		MsgClose, MsgExecute, MsgFlush, MsgSync, MsgTerminate,
		MsgCopyData, MsgCopyDone, MsgCopyFail:
		return true
	}
	return false
}

// parseCommandBody dispatches on the type code and parses the message
// body (the bytes after the length header).
func parseCommandBody(code byte, body []byte) (Command, error) {
	r := NewByteReader(body)

	var cmd Command
	switch code {
	case MsgQuery:
		cmd = &Query{Query: r.CString()}

	case MsgPasswordMessage:
		cmd = &PasswordMessage{Password: r.CString()}

	case MsgParse:
		p := &Parse{Name: r.CString(), Query: r.CString()}
		n := int(r.Uint16())
		for i := 0; i < n; i++ {
			p.ParameterTypes = append(p.ParameterTypes, uint32(r.Int32()))
		}
		cmd = p

	case MsgBind:
		b := &Bind{Portal: r.CString(), Statement: r.CString()}
		r.Uint16() // parameter format-code count, read and discarded
		n := int(r.Uint16())
		for i := 0; i < n; i++ {
			kind := FormatCode(r.Int16())
			size := int(r.Int32())
			v := Value{Format: kind}
			if size >= 0 {
				// Copy out of the rolling buffer so the value survives
				// the raw-bytes window.
				v.Data = append([]byte(nil), r.Bytes(size)...)
			}
			b.Values = append(b.Values, v)
		}
		b.Binary = r.Int16() == 1
		cmd = b

	case MsgDescribe, MsgClose:
		target := r.CString()
		if target == "" {
			return nil, protoErrf(code, "empty target")
		}
		kind := TargetKind(target[0])
		if kind != TargetPortal && kind != TargetStatement {
			return nil, protoErrf(code, "bad target kind %q", target[0])
		}
		cmd = &PortalOp{Kind: PortalOpKind(code), Target: kind, Name: target[1:]}

	case MsgExecute:
		cmd = &Execute{Portal: r.CString(), MaxRows: r.Uint32()}

	case MsgFlush:
		cmd = &Flush{}
	case MsgSync:
		cmd = &Sync{}
	case MsgTerminate:
		cmd = &Terminate{}
	case MsgCopyDone:
		cmd = &CopyDone{}

	case MsgCopyFail:
		cmd = &CopyFail{Message: r.CString()}

	case MsgCopyData:
		cmd = &CopyData{Data: append([]byte(nil), r.Rest()...)}

	default:
		return nil, protoErrf(code, "unknown frontend message type")
	}

	if r.Err() != nil {
		return nil, protoErrf(code, "truncated body: %v", r.Err())
	}
	return cmd, nil
}
