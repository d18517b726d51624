package pgwire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// ResponseEncoder serializes backend messages to the wire. Writes are
// buffered; callers flush at protocol cadence points (typically after
// ReadyForQuery). Every method hands its bytes to the buffered stream
// before returning.
type ResponseEncoder struct {
	w *bufio.Writer
	b *ByteWriter
}

// NewResponseEncoder wraps an io.Writer for writing backend messages.
func NewResponseEncoder(w io.Writer) *ResponseEncoder {
	return &ResponseEncoder{w: bufio.NewWriter(w), b: NewByteWriter()}
}

// Flush flushes buffered data to the underlying writer.
func (e *ResponseEncoder) Flush() error {
	return e.w.Flush()
}

func (e *ResponseEncoder) finish(code byte) error {
	msg := e.b.Flush(code)
	debugEmitted("->", ResponseName(code), len(msg))
	_, err := e.w.Write(msg)
	return err
}

// WriteSSLRefuse writes the single 'N' byte refusing an SSL upgrade.
func (e *ResponseEncoder) WriteSSLRefuse() error {
	_, err := e.w.Write([]byte{'N'})
	return err
}

// WriteAuthOk tells the client that authentication succeeded.
func (e *ResponseEncoder) WriteAuthOk() error {
	e.b.Int32(AuthOk)
	return e.finish(MsgAuthentication)
}

// WriteAuthCleartextPassword tells the client to send a cleartext password.
func (e *ResponseEncoder) WriteAuthCleartextPassword() error {
	e.b.Int32(AuthCleartextPassword)
	return e.finish(MsgAuthentication)
}

// WriteAuthMD5Password tells the client to send an md5 digest salted with
// the given four bytes.
func (e *ResponseEncoder) WriteAuthMD5Password(salt [4]byte) error {
	e.b.Int32(AuthMD5Password)
	e.b.Bytes(salt[:])
	return e.finish(MsgAuthentication)
}

// WriteAuthSASL advertises the supported SASL mechanisms.
func (e *ResponseEncoder) WriteAuthSASL(mechanisms []string) error {
	e.b.Int32(AuthSASL)
	for _, m := range mechanisms {
		e.b.CString(m)
	}
	e.b.Byte(0)
	return e.finish(MsgAuthentication)
}

// WriteAuthSASLContinue sends a SASL challenge.
func (e *ResponseEncoder) WriteAuthSASLContinue(data []byte) error {
	e.b.Int32(AuthSASLContinue)
	e.b.Bytes(data)
	return e.finish(MsgAuthentication)
}

// WriteAuthSASLFinal sends the final SASL server message.
func (e *ResponseEncoder) WriteAuthSASLFinal(data []byte) error {
	e.b.Int32(AuthSASLFinal)
	e.b.Bytes(data)
	return e.finish(MsgAuthentication)
}

// WriteParameterStatus sends a server parameter to the client.
func (e *ResponseEncoder) WriteParameterStatus(name, value string) error {
	e.b.CString(name)
	e.b.CString(value)
	return e.finish(MsgParameterStatus)
}

// WriteBackendKeyData sends the backend process ID and secret key.
func (e *ResponseEncoder) WriteBackendKeyData(pid, secret uint32) error {
	e.b.Uint32(pid)
	e.b.Uint32(secret)
	return e.finish(MsgBackendKeyData)
}

// WriteReadyForQuery signals the client that the server is ready for a
// new command cycle.
func (e *ResponseEncoder) WriteReadyForQuery(status byte) error {
	e.b.Byte(status)
	return e.finish(MsgReadyForQuery)
}

// WriteRowDescription sends column metadata for a query result.
func (e *ResponseEncoder) WriteRowDescription(fields []FieldDesc) error {
	e.b.Int16(int16(len(fields)))
	for _, f := range fields {
		e.b.CString(f.Name)
		e.b.Uint32(f.TableOID)
		e.b.Uint16(f.ColumnAttr)
		e.b.Uint32(f.DataTypeOID)
		e.b.Int16(f.DataTypeSize)
		e.b.Int32(f.TypeModifier)
		e.b.Int16(int16(f.Format))
	}
	return e.finish(MsgRowDescription)
}

// WriteDataRow sends a single data row. A nil field is NULL and travels
// as length -1 with no body.
func (e *ResponseEncoder) WriteDataRow(fields [][]byte) error {
	e.b.Int16(int16(len(fields)))
	for _, f := range fields {
		if f == nil {
			e.b.Int32(-1)
			continue
		}
		e.b.Int32(int32(len(f)))
		e.b.Bytes(f)
	}
	return e.finish(MsgDataRow)
}

// WriteCommandComplete signals that a command has finished.
func (e *ResponseEncoder) WriteCommandComplete(tag string) error {
	e.b.CString(tag)
	return e.finish(MsgCommandComplete)
}

// WriteNotification delivers a LISTEN/NOTIFY event.
func (e *ResponseEncoder) WriteNotification(pid uint32, channel, payload string) error {
	e.b.Uint32(pid)
	e.b.CString(channel)
	e.b.CString(payload)
	return e.finish(MsgNotificationResponse)
}

// WriteErrorFields sends an ErrorResponse with the given fields. Empty
// fields are omitted; the wire order follows the shared tag table.
func (e *ResponseEncoder) WriteErrorFields(f NoticeFields) error {
	e.writeNoticeBody(f)
	return e.finish(MsgErrorResponse)
}

// WriteNoticeFields sends a NoticeResponse with the given fields.
func (e *ResponseEncoder) WriteNoticeFields(f NoticeFields) error {
	e.writeNoticeBody(f)
	return e.finish(MsgNoticeResponse)
}

// WriteErrorResponse sends an error built from severity, code and message.
func (e *ResponseEncoder) WriteErrorResponse(severity, code, message string) error {
	return e.WriteErrorFields(NoticeFields{Severity: severity, Code: code, Message: message})
}

// WriteError sends an arbitrary error value to the client. A *WireError
// passes its fields through; anything else is wrapped as severity ERROR
// with the catch-all internal_error SQLSTATE.
func (e *ResponseEncoder) WriteError(err error) error {
	var we *WireError
	if errors.As(err, &we) {
		f := we.Fields
		if f.Severity == "" {
			f.Severity = "ERROR"
		}
		if f.Code == "" {
			f.Code = "XX000"
		}
		return e.WriteErrorFields(f)
	}
	return e.WriteErrorResponse("ERROR", "XX000", err.Error())
}

func (e *ResponseEncoder) writeNoticeBody(f NoticeFields) {
	for _, ft := range noticeFieldTags {
		if v := *ft.get(&f); v != "" {
			e.b.Byte(ft.tag)
			e.b.CString(v)
		}
	}
	e.b.Byte(0)
}

// WriteCopyIn tells the client to start streaming CopyData chunks.
func (e *ResponseEncoder) WriteCopyIn(binary bool, columnFormats []uint16) error {
	return e.writeCopyResponse(MsgCopyInResponse, binary, columnFormats)
}

// WriteCopyOut announces a server-to-client copy stream.
func (e *ResponseEncoder) WriteCopyOut(binary bool, columnFormats []uint16) error {
	return e.writeCopyResponse(MsgCopyOutResponse, binary, columnFormats)
}

func (e *ResponseEncoder) writeCopyResponse(code byte, binary bool, columnFormats []uint16) error {
	if binary {
		e.b.Byte(1)
	} else {
		e.b.Byte(0)
	}
	e.b.Int16(int16(len(columnFormats)))
	for _, f := range columnFormats {
		e.b.Uint16(f)
	}
	return e.finish(code)
}

// WriteCopyData sends one opaque chunk of a COPY payload.
func (e *ResponseEncoder) WriteCopyData(data []byte) error {
	e.b.Bytes(data)
	return e.finish(MsgCopyData)
}

// WriteCode emits a code-only backend message such as ParseComplete or
// NoData.
func (e *ResponseEncoder) WriteCode(code byte) error {
	return e.finish(code)
}

// WriteParseComplete acknowledges a Parse.
func (e *ResponseEncoder) WriteParseComplete() error { return e.finish(MsgParseComplete) }

// WriteBindComplete acknowledges a Bind.
func (e *ResponseEncoder) WriteBindComplete() error { return e.finish(MsgBindComplete) }

// WriteCloseComplete acknowledges a Close.
func (e *ResponseEncoder) WriteCloseComplete() error { return e.finish(MsgCloseComplete) }

// WriteNoData reports that a described portal or statement returns no rows.
func (e *ResponseEncoder) WriteNoData() error { return e.finish(MsgNoData) }

// WritePortalSuspended reports that an Execute hit its row limit.
func (e *ResponseEncoder) WritePortalSuspended() error { return e.finish(MsgPortalSuspended) }

// WriteEmptyQueryResponse answers an empty query string.
func (e *ResponseEncoder) WriteEmptyQueryResponse() error { return e.finish(MsgEmptyQueryResponse) }

// WriteCopyDone terminates a server-to-client copy stream.
func (e *ResponseEncoder) WriteCopyDone() error { return e.finish(MsgCopyDone) }

// WriteReplicationStart announces the start of a replication stream.
func (e *ResponseEncoder) WriteReplicationStart() error { return e.finish(MsgReplicationStart) }

// WriteRaw forwards pre-framed wire bytes unchanged. Used by the proxy
// when a message passes through without modification.
func (e *ResponseEncoder) WriteRaw(raw []byte) error {
	_, err := e.w.Write(raw)
	return err
}

// WriteResponse serializes any typed backend message. It is the dispatch
// dual of the ResponseDecoder and lets the proxy re-emit decoded
// responses.
func (e *ResponseEncoder) WriteResponse(resp Response) error {
	switch m := resp.(type) {
	case *Authentication:
		return e.writeAuthentication(m)
	case *ParameterStatus:
		return e.WriteParameterStatus(m.Name, m.Value)
	case *BackendKeyData:
		return e.WriteBackendKeyData(m.ProcessID, m.SecretKey)
	case *ReadyForQuery:
		return e.WriteReadyForQuery(m.Status)
	case *RowDescription:
		return e.WriteRowDescription(m.Fields)
	case *DataRow:
		return e.WriteDataRow(m.Fields)
	case *CommandComplete:
		return e.WriteCommandComplete(m.Tag)
	case *NotificationResponse:
		return e.WriteNotification(m.ProcessID, m.Channel, m.Payload)
	case *ErrorResponse:
		return e.WriteErrorFields(m.Fields)
	case *NoticeResponse:
		return e.WriteNoticeFields(m.Fields)
	case *CopyInResponse:
		return e.WriteCopyIn(m.Binary, m.ColumnFormats)
	case *CopyOutResponse:
		return e.WriteCopyOut(m.Binary, m.ColumnFormats)
	case *CopyData:
		return e.WriteCopyData(m.Data)
	case *CopyDone:
		return e.WriteCopyDone()
	case *ParseComplete:
		return e.WriteParseComplete()
	case *BindComplete:
		return e.WriteBindComplete()
	case *CloseComplete:
		return e.WriteCloseComplete()
	case *NoData:
		return e.WriteNoData()
	case *PortalSuspended:
		return e.WritePortalSuspended()
	case *EmptyQueryResponse:
		return e.WriteEmptyQueryResponse()
	case *ReplicationStart:
		return e.WriteReplicationStart()
	default:
		return fmt.Errorf("unencodable response type %T", resp)
	}
}

func (e *ResponseEncoder) writeAuthentication(a *Authentication) error {
	switch a.Kind {
	case AuthOk:
		return e.WriteAuthOk()
	case AuthCleartextPassword:
		return e.WriteAuthCleartextPassword()
	case AuthMD5Password:
		return e.WriteAuthMD5Password(a.Salt)
	case AuthSASL:
		return e.WriteAuthSASL(a.Mechanisms)
	case AuthSASLContinue:
		return e.WriteAuthSASLContinue(a.Data)
	case AuthSASLFinal:
		return e.WriteAuthSASLFinal(a.Data)
	default:
		return fmt.Errorf("unencodable authentication kind %d", a.Kind)
	}
}
