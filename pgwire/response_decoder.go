package pgwire

import "fmt"

// ResponseFunc receives each decoded backend message together with the
// exact wire bytes that produced it. The raw slice aliases the decoder's
// internal buffer and is valid only until the next Parse call.
type ResponseFunc func(resp Response, raw []byte) error

// ResponseDecoder reassembles and parses backend messages from a stream
// of byte chunks. It is the mirror of CommandDecoder for the server →
// client direction and is used by the proxy to observe or re-serialize
// upstream traffic. Backend streams have no startup preamble, so every
// byte is framed.
type ResponseDecoder struct {
	streamBuffer
	failed error
}

// NewResponseDecoder returns a decoder for text result mode. Binary
// result mode is not supported and fails here rather than misdecoding
// DataRow fields later.
func NewResponseDecoder(format FormatCode) (*ResponseDecoder, error) {
	if format != FormatText {
		return nil, fmt.Errorf("unsupported decoder mode %q", format)
	}
	return &ResponseDecoder{}, nil
}

// Parse appends chunk to the internal buffer and invokes emit once per
// complete message, in wire order. It returns the first error from emit
// or a *ProtocolError on a wire violation; either way the decoder is dead
// afterwards.
func (d *ResponseDecoder) Parse(chunk []byte, emit ResponseFunc) error {
	if d.failed != nil {
		return d.failed
	}
	d.push(chunk)

	for {
		// Unknown type codes fail on the first byte, before the declared
		// body length is trusted enough to wait for.
		if w := d.window(); len(w) > 0 && !validBackendCode(w[0]) {
			err := protoErrf(w[0], "unknown backend message type")
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
		resp, err := parseResponseBody(code, raw[5:])
		if err != nil {
			d.failed = err
			return err
		}
		d.advance(total)
		debugDecoded("->", ResponseName(code), resp)
		if err := emit(resp, raw); err != nil {
			d.failed = err
			return err
		}
	}
}

// validBackendCode reports whether code is a message type a server may
// send.
func validBackendCode(code byte) bool {
	_, ok := responseNames[code]
	return ok
}

// parseResponseBody dispatches on the type code and parses the message
// body (the bytes after the length header).
func parseResponseBody(code byte, body []byte) (Response, error) {
	r := NewByteReader(body)

	var resp Response
	switch code {
	case MsgReadyForQuery:
		resp = &ReadyForQuery{Status: r.Byte()}

	case MsgCommandComplete:
		resp = &CommandComplete{Tag: r.CString()}

	case MsgDataRow:
		n := int(r.Uint16())
		row := &DataRow{}
		for i := 0; i < n; i++ {
			size := int(r.Int32())
			if size < 0 {
				row.Fields = append(row.Fields, nil)
				continue
			}
			row.Fields = append(row.Fields, append([]byte(nil), r.Bytes(size)...))
		}
		resp = row

	case MsgRowDescription:
		n := int(r.Uint16())
		rd := &RowDescription{}
		for i := 0; i < n; i++ {
			rd.Fields = append(rd.Fields, FieldDesc{
				Name:         r.CString(),
				TableOID:     r.Uint32(),
				ColumnAttr:   r.Uint16(),
				DataTypeOID:  r.Uint32(),
				DataTypeSize: r.Int16(),
				TypeModifier: r.Int32(),
				Format:       FormatCode(r.Int16()),
			})
		}
		resp = rd

	case MsgParameterStatus:
		resp = &ParameterStatus{Name: r.CString(), Value: r.CString()}

	case MsgBackendKeyData:
		resp = &BackendKeyData{ProcessID: r.Uint32(), SecretKey: r.Uint32()}

	case MsgNotificationResponse:
		resp = &NotificationResponse{ProcessID: r.Uint32(), Channel: r.CString(), Payload: r.CString()}

	case MsgAuthentication:
		resp = parseAuthentication(r, len(body))

	case MsgErrorResponse:
		resp = &ErrorResponse{Fields: parseNoticeFields(r)}

	case MsgNoticeResponse:
		resp = &NoticeResponse{Fields: parseNoticeFields(r)}

	case MsgCopyInResponse, MsgCopyOutResponse:
		binary := r.Byte() == 1
		n := int(r.Uint16())
		formats := make([]uint16, 0, n)
		for i := 0; i < n; i++ {
			formats = append(formats, r.Uint16())
		}
		if code == MsgCopyInResponse {
			resp = &CopyInResponse{Binary: binary, ColumnFormats: formats}
		} else {
			resp = &CopyOutResponse{Binary: binary, ColumnFormats: formats}
		}

	case MsgCopyData:
		resp = &CopyData{Data: append([]byte(nil), r.Rest()...)}

	case MsgCopyDone:
		resp = &CopyDone{}
	case MsgParseComplete:
		resp = &ParseComplete{}
	case MsgBindComplete:
		resp = &BindComplete{}
	case MsgCloseComplete:
		resp = &CloseComplete{}
	case MsgNoData:
		resp = &NoData{}
	case MsgPortalSuspended:
		resp = &PortalSuspended{}
	case MsgEmptyQueryResponse:
		resp = &EmptyQueryResponse{}
	case MsgReplicationStart:
		resp = &ReplicationStart{}

	default:
		return nil, protoErrf(code, "unknown backend message type")
	}

	if r.Err() != nil {
		return nil, protoErrf(code, "truncated body: %v", r.Err())
	}
	return resp, nil
}

// parseAuthentication decodes the 'R' subcode dispatch. Password-request
// subcodes with an unexpected body length decode as AuthOk, matching the
// relaxed handling of pre-9.x servers.
func parseAuthentication(r *ByteReader, bodyLen int) *Authentication {
	sub := r.Int32()
	auth := &Authentication{Kind: AuthOk}

	switch sub {
	case AuthCleartextPassword:
		if bodyLen != 4 {
			return auth
		}
		auth.Kind = AuthCleartextPassword

	case AuthMD5Password:
		// Full message length is 12: 4 header + 4 subcode + 4 salt.
		if bodyLen != 8 {
			return auth
		}
		auth.Kind = AuthMD5Password
		copy(auth.Salt[:], r.Bytes(4))

	case AuthSASL:
		auth.Kind = AuthSASL
		for r.Remaining() > 1 {
			m := r.CString()
			if m == "" {
				break
			}
			auth.Mechanisms = append(auth.Mechanisms, m)
		}

	case AuthSASLContinue:
		auth.Kind = AuthSASLContinue
		auth.Data = append([]byte(nil), r.Rest()...)

	case AuthSASLFinal:
		auth.Kind = AuthSASLFinal
		auth.Data = append([]byte(nil), r.Rest()...)
	}
	return auth
}

// parseNoticeFields decodes the (tag, cstring) pairs of an error or
// notice body. A zero tag terminates the list; unknown tags are skipped.
func parseNoticeFields(r *ByteReader) NoticeFields {
	var f NoticeFields
	for r.Err() == nil && r.Remaining() > 0 {
		tag := r.Byte()
		if tag == 0 {
			break
		}
		value := r.CString()
		for _, ft := range noticeFieldTags {
			if ft.tag == tag {
				*ft.get(&f) = value
				break
			}
		}
	}
	return f
}
