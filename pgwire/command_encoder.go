package pgwire

import (
	"bufio"
	"fmt"
	"io"
)

// CommandEncoder serializes frontend messages to the wire. It is the
// mirror of ResponseEncoder and is used by the proxy to re-emit modified
// commands upstream and by tests to state the round-trip laws.
type CommandEncoder struct {
	w *bufio.Writer
	b *ByteWriter
}

// NewCommandEncoder wraps an io.Writer for writing frontend messages.
func NewCommandEncoder(w io.Writer) *CommandEncoder {
	return &CommandEncoder{w: bufio.NewWriter(w), b: NewByteWriter()}
}

// Flush flushes buffered data to the underlying writer.
func (e *CommandEncoder) Flush() error {
	return e.w.Flush()
}

func (e *CommandEncoder) finish(code byte) error {
	msg := e.b.Flush(code)
	debugEmitted("<-", CommandName(code), len(msg))
	_, err := e.w.Write(msg)
	return err
}

// WriteStartup sends the unframed startup packet.
func (e *CommandEncoder) WriteStartup(m *StartupMessage) error {
	e.b.Int32(int32(uint32(m.Major)<<16 | uint32(m.Minor)))
	for k, v := range m.Options {
		e.b.CString(k)
		e.b.CString(v)
	}
	e.b.Byte(0)
	msg := e.b.FlushStartup()
	debugEmitted("<-", CommandName(0), len(msg))
	_, err := e.w.Write(msg)
	return err
}

// WriteSSLRequest sends the unframed SSL probe packet.
func (e *CommandEncoder) WriteSSLRequest() error {
	e.b.Int32(SSLRequestCode)
	_, err := e.w.Write(e.b.FlushStartup())
	return err
}

// WriteCancelRequest sends the unframed cancel packet.
func (e *CommandEncoder) WriteCancelRequest(pid, secret uint32) error {
	e.b.Int32(CancelRequestCode)
	e.b.Uint32(pid)
	e.b.Uint32(secret)
	_, err := e.w.Write(e.b.FlushStartup())
	return err
}

// WritePassword sends the client's password or digest response.
func (e *CommandEncoder) WritePassword(password string) error {
	e.b.CString(password)
	return e.finish(MsgPasswordMessage)
}

// WriteQuery sends a simple-protocol query.
func (e *CommandEncoder) WriteQuery(sql string) error {
	e.b.CString(sql)
	return e.finish(MsgQuery)
}

// WriteParse sends a Parse for a named or unnamed statement.
func (e *CommandEncoder) WriteParse(m *Parse) error {
	e.b.CString(m.Name)
	e.b.CString(m.Query)
	e.b.Int16(int16(len(m.ParameterTypes)))
	for _, oid := range m.ParameterTypes {
		e.b.Int32(int32(oid))
	}
	return e.finish(MsgParse)
}

// WriteBind sends a Bind creating a portal from a prepared statement.
func (e *CommandEncoder) WriteBind(m *Bind) error {
	e.b.CString(m.Portal)
	e.b.CString(m.Statement)
	e.b.Int16(0) // parameter format-code count, unused by the decoder
	e.b.Int16(int16(len(m.Values)))
	for _, v := range m.Values {
		e.b.Int16(int16(v.Format))
		if v.IsNull() {
			e.b.Int32(-1)
			continue
		}
		e.b.Int32(int32(len(v.Data)))
		e.b.Bytes(v.Data)
	}
	if m.Binary {
		e.b.Int16(1)
	} else {
		e.b.Int16(0)
	}
	return e.finish(MsgBind)
}

// WritePortalOp sends a Describe or Close for a portal or statement.
func (e *CommandEncoder) WritePortalOp(m *PortalOp) error {
	e.b.Byte(byte(m.Target))
	e.b.CString(m.Name)
	return e.finish(byte(m.Kind))
}

// WriteExecute runs a bound portal.
func (e *CommandEncoder) WriteExecute(portal string, maxRows uint32) error {
	e.b.CString(portal)
	e.b.Uint32(maxRows)
	return e.finish(MsgExecute)
}

// WriteCopyFail aborts a copy-in transfer.
func (e *CommandEncoder) WriteCopyFail(message string) error {
	e.b.CString(message)
	return e.finish(MsgCopyFail)
}

// WriteCopyData sends one opaque chunk of a COPY payload.
func (e *CommandEncoder) WriteCopyData(data []byte) error {
	e.b.Bytes(data)
	return e.finish(MsgCopyData)
}

// WriteFlush asks the backend to deliver pending output.
func (e *CommandEncoder) WriteFlush() error { return e.finish(MsgFlush) }

// WriteSync closes the current extended-protocol batch.
func (e *CommandEncoder) WriteSync() error { return e.finish(MsgSync) }

// WriteTerminate sends the orderly goodbye.
func (e *CommandEncoder) WriteTerminate() error { return e.finish(MsgTerminate) }

// WriteCopyDone terminates a client-to-server copy stream.
func (e *CommandEncoder) WriteCopyDone() error { return e.finish(MsgCopyDone) }

// WriteRaw forwards pre-framed wire bytes unchanged. Used by the proxy
// when a command passes through without modification.
func (e *CommandEncoder) WriteRaw(raw []byte) error {
	_, err := e.w.Write(raw)
	return err
}

// WriteCommand serializes any typed frontend message. It is the dispatch
// dual of the CommandDecoder.
func (e *CommandEncoder) WriteCommand(cmd Command) error {
	switch m := cmd.(type) {
	case *StartupMessage:
		return e.WriteStartup(m)
	case *SSLRequest:
		return e.WriteSSLRequest()
	case *CancelRequest:
		return e.WriteCancelRequest(m.ProcessID, m.SecretKey)
	case *PasswordMessage:
		return e.WritePassword(m.Password)
	case *Query:
		return e.WriteQuery(m.Query)
	case *Parse:
		return e.WriteParse(m)
	case *Bind:
		return e.WriteBind(m)
	case *PortalOp:
		return e.WritePortalOp(m)
	case *Execute:
		return e.WriteExecute(m.Portal, m.MaxRows)
	case *Flush:
		return e.WriteFlush()
	case *Sync:
		return e.WriteSync()
	case *Terminate:
		return e.WriteTerminate()
	case *CopyFail:
		return e.WriteCopyFail(m.Message)
	case *CopyData:
		return e.WriteCopyData(m.Data)
	case *CopyDone:
		return e.WriteCopyDone()
	default:
		return fmt.Errorf("unencodable command type %T", cmd)
	}
}
