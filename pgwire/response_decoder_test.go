package pgwire

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func feedResponses(t *testing.T, stream []byte, chunkSize int) (resps []Response, raws [][]byte) {
	t.Helper()
	dec, err := NewResponseDecoder(FormatText)
	if err != nil {
		t.Fatal(err)
	}
	for off := 0; off < len(stream); off += chunkSize {
		end := off + chunkSize
		if end > len(stream) {
			end = len(stream)
		}
		err := dec.Parse(stream[off:end], func(resp Response, raw []byte) error {
			resps = append(resps, resp)
			raws = append(raws, append([]byte(nil), raw...))
			return nil
		})
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
	}
	return resps, raws
}

func TestResponseDecoderBinaryModeRefused(t *testing.T) {
	if _, err := NewResponseDecoder(FormatBinary); err == nil {
		t.Fatal("expected binary mode to fail at construction")
	}
}

func TestResponseDecoderSessionPreamble(t *testing.T) {
	var stream []byte
	stream = append(stream, frame(MsgAuthentication, func(w *ByteWriter) { w.Int32(AuthOk) })...)
	stream = append(stream, frame(MsgParameterStatus, func(w *ByteWriter) {
		w.CString("server_version")
		w.CString("15.0")
	})...)
	stream = append(stream, frame(MsgBackendKeyData, func(w *ByteWriter) {
		w.Uint32(42)
		w.Uint32(7)
	})...)
	stream = append(stream, frame(MsgReadyForQuery, func(w *ByteWriter) { w.Byte(TxIdle) })...)

	want := []Response{
		&Authentication{Kind: AuthOk},
		&ParameterStatus{Name: "server_version", Value: "15.0"},
		&BackendKeyData{ProcessID: 42, SecretKey: 7},
		&ReadyForQuery{Status: TxIdle},
	}

	for _, chunkSize := range []int{len(stream), 1, 5} {
		resps, raws := feedResponses(t, stream, chunkSize)
		if !reflect.DeepEqual(resps, want) {
			t.Fatalf("chunk size %d: decoded\n%#v\nwant\n%#v", chunkSize, resps, want)
		}
		if got := bytes.Join(raws, nil); !bytes.Equal(got, stream) {
			t.Fatalf("chunk size %d: raw bytes do not reassemble the stream", chunkSize)
		}
	}
}

func TestResponseDecoderResultSet(t *testing.T) {
	var stream []byte
	stream = append(stream, frame(MsgRowDescription, func(w *ByteWriter) {
		w.Int16(2)
		w.CString("id")
		w.Uint32(16384)
		w.Uint16(1)
		w.Uint32(23)
		w.Int16(4)
		w.Int32(-1)
		w.Int16(0)
		w.CString("name")
		w.Uint32(16384)
		w.Uint16(2)
		w.Uint32(25)
		w.Int16(-1)
		w.Int32(-1)
		w.Int16(0)
	})...)
	stream = append(stream, frame(MsgDataRow, func(w *ByteWriter) {
		w.Int16(2)
		w.Int32(1)
		w.String("1")
		w.Int32(-1)
	})...)
	stream = append(stream, frame(MsgCommandComplete, func(w *ByteWriter) { w.CString("SELECT 1") })...)

	resps, _ := feedResponses(t, stream, len(stream))
	if len(resps) != 3 {
		t.Fatalf("decoded %d responses, want 3", len(resps))
	}

	rd := resps[0].(*RowDescription)
	if len(rd.Fields) != 2 || rd.Fields[0].Name != "id" || rd.Fields[1].DataTypeOID != 25 {
		t.Fatalf("row description = %#v", rd)
	}

	row := resps[1].(*DataRow)
	if len(row.Fields) != 2 {
		t.Fatalf("row has %d fields, want 2", len(row.Fields))
	}
	if string(row.Fields[0]) != "1" {
		t.Fatalf("field 0 = %q, want 1", row.Fields[0])
	}
	if row.Fields[1] != nil {
		t.Fatalf("field 1 = %v, want nil for NULL", row.Fields[1])
	}

	cc := resps[2].(*CommandComplete)
	if cc.Tag != "SELECT 1" {
		t.Fatalf("tag = %q", cc.Tag)
	}
}

func TestResponseDecoderAuthentication(t *testing.T) {
	tests := []struct {
		name string
		body func(w *ByteWriter)
		want *Authentication
	}{
		{
			"cleartext",
			func(w *ByteWriter) { w.Int32(AuthCleartextPassword) },
			&Authentication{Kind: AuthCleartextPassword},
		},
		{
			"md5",
			func(w *ByteWriter) {
				w.Int32(AuthMD5Password)
				w.Bytes([]byte{1, 2, 3, 4})
			},
			&Authentication{Kind: AuthMD5Password, Salt: [4]byte{1, 2, 3, 4}},
		},
		{
			"sasl",
			func(w *ByteWriter) {
				w.Int32(AuthSASL)
				w.CString("SCRAM-SHA-256")
				w.Byte(0)
			},
			&Authentication{Kind: AuthSASL, Mechanisms: []string{"SCRAM-SHA-256"}},
		},
		{
			"sasl continue",
			func(w *ByteWriter) {
				w.Int32(AuthSASLContinue)
				w.Bytes([]byte("r=nonce"))
			},
			&Authentication{Kind: AuthSASLContinue, Data: []byte("r=nonce")},
		},
		{
			// A cleartext request with trailing junk decodes as AuthOk.
			"cleartext with unexpected length",
			func(w *ByteWriter) {
				w.Int32(AuthCleartextPassword)
				w.Byte(0xFF)
			},
			&Authentication{Kind: AuthOk},
		},
		{
			// An md5 request without its salt decodes as AuthOk.
			"md5 without salt",
			func(w *ByteWriter) { w.Int32(AuthMD5Password) },
			&Authentication{Kind: AuthOk},
		},
		{
			"unknown subcode",
			func(w *ByteWriter) { w.Int32(99) },
			&Authentication{Kind: AuthOk},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := frame(MsgAuthentication, tt.body)
			resps, _ := feedResponses(t, stream, len(stream))
			if len(resps) != 1 {
				t.Fatalf("decoded %d responses, want 1", len(resps))
			}
			if !reflect.DeepEqual(resps[0], tt.want) {
				t.Fatalf("decoded %#v, want %#v", resps[0], tt.want)
			}
		})
	}
}

func TestResponseDecoderErrorFields(t *testing.T) {
	stream := frame(MsgErrorResponse, func(w *ByteWriter) {
		w.Byte('S')
		w.CString("ERROR")
		w.Byte('C')
		w.CString("42P01")
		w.Byte('M')
		w.CString(`relation "users" does not exist`)
		w.Byte('P')
		w.CString("15")
		w.Byte('Z') // unknown tag, skipped
		w.CString("ignored")
		w.Byte(0)
	})

	resps, _ := feedResponses(t, stream, len(stream))
	er := resps[0].(*ErrorResponse)
	want := NoticeFields{
		Severity: "ERROR",
		Code:     "42P01",
		Message:  `relation "users" does not exist`,
		Position: "15",
	}
	if er.Fields != want {
		t.Fatalf("fields = %+v, want %+v", er.Fields, want)
	}
}

func TestResponseDecoderNotice(t *testing.T) {
	stream := frame(MsgNoticeResponse, func(w *ByteWriter) {
		w.Byte('S')
		w.CString("WARNING")
		w.Byte('M')
		w.CString("nonstandard use of escape")
		w.Byte(0)
	})

	resps, _ := feedResponses(t, stream, len(stream))
	n := resps[0].(*NoticeResponse)
	if n.Fields.Severity != "WARNING" || n.Fields.Message != "nonstandard use of escape" {
		t.Fatalf("fields = %+v", n.Fields)
	}
}

func TestResponseDecoderCopy(t *testing.T) {
	var stream []byte
	stream = append(stream, frame(MsgCopyInResponse, func(w *ByteWriter) {
		w.Byte(0)
		w.Int16(2)
		w.Uint16(0)
		w.Uint16(0)
	})...)
	stream = append(stream, frame(MsgCopyOutResponse, func(w *ByteWriter) {
		w.Byte(1)
		w.Int16(0)
	})...)
	stream = append(stream, frame(MsgCopyData, func(w *ByteWriter) { w.Bytes([]byte("1\talice\n")) })...)
	stream = append(stream, frame(MsgCopyDone, nil)...)

	resps, _ := feedResponses(t, stream, len(stream))
	want := []Response{
		&CopyInResponse{Binary: false, ColumnFormats: []uint16{0, 0}},
		&CopyOutResponse{Binary: true, ColumnFormats: []uint16{}},
		&CopyData{Data: []byte("1\talice\n")},
		&CopyDone{},
	}
	if !reflect.DeepEqual(resps, want) {
		t.Fatalf("decoded\n%#v\nwant\n%#v", resps, want)
	}
}

func TestResponseDecoderNotification(t *testing.T) {
	stream := frame(MsgNotificationResponse, func(w *ByteWriter) {
		w.Uint32(77)
		w.CString("jobs")
		w.CString("done")
	})

	resps, _ := feedResponses(t, stream, len(stream))
	n := resps[0].(*NotificationResponse)
	if n.ProcessID != 77 || n.Channel != "jobs" || n.Payload != "done" {
		t.Fatalf("notification = %+v", n)
	}
}

func TestResponseDecoderUnknownCode(t *testing.T) {
	dec, err := NewResponseDecoder(FormatText)
	if err != nil {
		t.Fatal(err)
	}
	err = dec.Parse(frame('z', nil), func(Response, []byte) error { return nil })
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
	if again := dec.Parse([]byte{0}, func(Response, []byte) error { return nil }); again == nil {
		t.Fatal("decoder accepted input after a protocol error")
	}
}
