package pgwire

import "fmt"

// Command is the interface implemented by all frontend (client → server)
// messages. The unexported marker method restricts implementations to this
// package.
type Command interface {
	commandMsg()
}

// Response is the interface implemented by all backend (server → client)
// messages.
type Response interface {
	responseMsg()
}

// ---------------------------------------------------------------------------
// Frontend messages
// ---------------------------------------------------------------------------

// StartupMessage is the initial unframed message sent by the client after
// the TCP connection is established. Its synthesized type code is 0.
type StartupMessage struct {
	Major   uint16
	Minor   uint16
	Options map[string]string
}

// SSLRequest is the unframed magic packet a client sends to probe for TLS
// support before the real startup.
type SSLRequest struct{}

// CancelRequest is the unframed magic packet carrying the key data of the
// session whose current query should be cancelled.
type CancelRequest struct {
	ProcessID uint32
	SecretKey uint32
}

// PasswordMessage carries the client's response to an authentication
// request: a cleartext password, an md5 digest, or SASL data rendered as a
// string.
type PasswordMessage struct {
	Password string
}

// Query is a simple-protocol query.
type Query struct {
	Query string
}

// Parse creates a named or unnamed prepared statement.
type Parse struct {
	Name           string
	Query          string
	ParameterTypes []uint32
}

// Value is a single bound parameter. Data == nil encodes SQL NULL, which
// travels as length -1 on the wire.
type Value struct {
	Format FormatCode
	Data   []byte
}

// IsNull reports whether the value encodes SQL NULL.
func (v Value) IsNull() bool {
	return v.Data == nil
}

// Text returns the value as a string. Only meaningful for FormatText.
func (v Value) Text() string {
	return string(v.Data)
}

// Bind binds parameter values to a prepared statement, creating a portal.
type Bind struct {
	Portal    string
	Statement string
	Values    []Value
	Binary    bool
}

// PortalOpKind distinguishes the two operations that address a portal or
// statement by name.
type PortalOpKind byte

const (
	OpDescribe PortalOpKind = PortalOpKind(MsgDescribe)
	OpClose    PortalOpKind = PortalOpKind(MsgClose)
)

// TargetKind selects whether a PortalOp addresses a portal or a prepared
// statement.
type TargetKind byte

const (
	TargetPortal    TargetKind = 'P'
	TargetStatement TargetKind = 'S'
)

// PortalOp is a Describe or Close addressed at a portal or statement.
// An empty Name addresses the unnamed portal/statement.
type PortalOp struct {
	Kind   PortalOpKind
	Target TargetKind
	Name   string
}

// Execute runs a bound portal. MaxRows == 0 means no row limit.
type Execute struct {
	Portal  string
	MaxRows uint32
}

// Flush asks the backend to deliver any pending output.
type Flush struct{}

// Sync closes the current extended-protocol batch.
type Sync struct{}

// Terminate is the client's orderly goodbye.
type Terminate struct{}

// CopyFail aborts a copy-in transfer with a client-supplied reason.
type CopyFail struct {
	Message string
}

// CopyData is an opaque chunk of a COPY payload. It travels in both
// directions with the same layout.
type CopyData struct {
	Data []byte
}

// CopyDone terminates a COPY payload stream in either direction.
type CopyDone struct{}

func (*StartupMessage) commandMsg()  {}
func (*SSLRequest) commandMsg()      {}
func (*CancelRequest) commandMsg()   {}
func (*PasswordMessage) commandMsg() {}
func (*Query) commandMsg()           {}
func (*Parse) commandMsg()           {}
func (*Bind) commandMsg()            {}
func (*PortalOp) commandMsg()        {}
func (*Execute) commandMsg()         {}
func (*Flush) commandMsg()           {}
func (*Sync) commandMsg()            {}
func (*Terminate) commandMsg()       {}
func (*CopyFail) commandMsg()        {}
func (*CopyData) commandMsg()        {}
func (*CopyDone) commandMsg()        {}

// ---------------------------------------------------------------------------
// Backend messages
// ---------------------------------------------------------------------------

// Authentication is the backend's 'R' message. Kind selects which of the
// optional fields is meaningful: Salt for AuthMD5Password, Mechanisms for
// AuthSASL, Data for the SASL continue/final exchanges.
type Authentication struct {
	Kind       int32
	Salt       [4]byte
	Mechanisms []string
	Data       []byte
}

// ParameterStatus reports a server run-time parameter to the client.
type ParameterStatus struct {
	Name  string
	Value string
}

// BackendKeyData hands the client the key material for cancel requests.
type BackendKeyData struct {
	ProcessID uint32
	SecretKey uint32
}

// ReadyForQuery signals that the backend can accept a new command cycle.
type ReadyForQuery struct {
	Status byte
}

// FieldDesc describes a single column in a RowDescription.
type FieldDesc struct {
	Name         string
	TableOID     uint32
	ColumnAttr   uint16
	DataTypeOID  uint32
	DataTypeSize int16
	TypeModifier int32
	Format       FormatCode
}

// RowDescription announces the shape of the rows that follow.
type RowDescription struct {
	Fields []FieldDesc
}

// DataRow is one result row. A nil field is SQL NULL (wire length -1).
type DataRow struct {
	Fields [][]byte
}

// CommandComplete carries the tag of a finished command, e.g. "SELECT 1".
type CommandComplete struct {
	Tag string
}

// NotificationResponse delivers a LISTEN/NOTIFY event.
type NotificationResponse struct {
	ProcessID uint32
	Channel   string
	Payload   string
}

// ErrorResponse reports an error. Structurally identical to
// NoticeResponse; only the severity semantics differ.
type ErrorResponse struct {
	Fields NoticeFields
}

// NoticeResponse is a non-fatal informational message.
type NoticeResponse struct {
	Fields NoticeFields
}

// CopyInResponse tells the client to start streaming CopyData chunks.
type CopyInResponse struct {
	Binary        bool
	ColumnFormats []uint16
}

// CopyOutResponse announces a server-to-client copy stream.
type CopyOutResponse struct {
	Binary        bool
	ColumnFormats []uint16
}

// Code-only backend markers.
type (
	ParseComplete      struct{}
	BindComplete       struct{}
	CloseComplete      struct{}
	NoData             struct{}
	PortalSuspended    struct{}
	EmptyQueryResponse struct{}
	ReplicationStart   struct{}
)

func (*Authentication) responseMsg()       {}
func (*ParameterStatus) responseMsg()      {}
func (*BackendKeyData) responseMsg()       {}
func (*ReadyForQuery) responseMsg()        {}
func (*RowDescription) responseMsg()       {}
func (*DataRow) responseMsg()              {}
func (*CommandComplete) responseMsg()      {}
func (*NotificationResponse) responseMsg() {}
func (*ErrorResponse) responseMsg()        {}
func (*NoticeResponse) responseMsg()       {}
func (*CopyInResponse) responseMsg()       {}
func (*CopyOutResponse) responseMsg()      {}
func (*CopyData) responseMsg()             {}
func (*CopyDone) responseMsg()             {}
func (*ParseComplete) responseMsg()        {}
func (*BindComplete) responseMsg()         {}
func (*CloseComplete) responseMsg()        {}
func (*NoData) responseMsg()               {}
func (*PortalSuspended) responseMsg()      {}
func (*EmptyQueryResponse) responseMsg()   {}
func (*ReplicationStart) responseMsg()     {}

// ---------------------------------------------------------------------------
// Notice and error fields
// ---------------------------------------------------------------------------

// NoticeFields holds the named fields of an ErrorResponse or
// NoticeResponse. Empty fields are omitted on the wire.
type NoticeFields struct {
	Severity         string
	Code             string
	Message          string
	Detail           string
	Hint             string
	Position         string
	InternalPosition string
	InternalQuery    string
	Where            string
	Schema           string
	Table            string
	Column           string
	DataType         string
	Constraint       string
	File             string
	Line             string
	Routine          string
}

// noticeFieldTags maps the single-letter wire tags to NoticeFields
// members. The table is the single source of truth for both the encoder
// and the decoders; its order is the wire order on encode.
var noticeFieldTags = []struct {
	tag byte
	get func(*NoticeFields) *string
}{
	{'S', func(f *NoticeFields) *string { return &f.Severity }},
	{'C', func(f *NoticeFields) *string { return &f.Code }},
	{'M', func(f *NoticeFields) *string { return &f.Message }},
	{'D', func(f *NoticeFields) *string { return &f.Detail }},
	{'H', func(f *NoticeFields) *string { return &f.Hint }},
	{'P', func(f *NoticeFields) *string { return &f.Position }},
	{'p', func(f *NoticeFields) *string { return &f.InternalPosition }},
	{'q', func(f *NoticeFields) *string { return &f.InternalQuery }},
	{'W', func(f *NoticeFields) *string { return &f.Where }},
	{'s', func(f *NoticeFields) *string { return &f.Schema }},
	{'t', func(f *NoticeFields) *string { return &f.Table }},
	{'c', func(f *NoticeFields) *string { return &f.Column }},
	{'d', func(f *NoticeFields) *string { return &f.DataType }},
	{'n', func(f *NoticeFields) *string { return &f.Constraint }},
	{'F', func(f *NoticeFields) *string { return &f.File }},
	{'L', func(f *NoticeFields) *string { return &f.Line }},
	{'R', func(f *NoticeFields) *string { return &f.Routine }},
}

// WireError is an error carrying NoticeFields, so that handler failures
// can round-trip through ResponseEncoder.WriteError with their severity
// and SQLSTATE code intact.
type WireError struct {
	Fields NoticeFields
}

// NewWireError builds a WireError with severity ERROR.
func NewWireError(code, message string) *WireError {
	return &WireError{Fields: NoticeFields{Severity: "ERROR", Code: code, Message: message}}
}

func (e *WireError) Error() string {
	if e.Fields.Code != "" {
		return e.Fields.Code + ": " + e.Fields.Message
	}
	return e.Fields.Message
}

// ProtocolError is a fatal wire-protocol violation. The decoder that
// raises it emits no further messages and the session must be torn down.
type ProtocolError struct {
	Code   byte // offending message type, 0 when not applicable
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("protocol violation in '%c' message: %s", e.Code, e.Reason)
	}
	return "protocol violation: " + e.Reason
}

func protoErrf(code byte, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Reason: fmt.Sprintf(format, args...)}
}
