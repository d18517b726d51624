package pgwire

// Protocol version 3.0.
const ProtocolVersion int32 = 196608 // 3 << 16

// SSL request code sent by clients before the real startup message,
// encoded as the magic version "1234.5679".
const SSLRequestCode int32 = 80877103

// Cancel request code, magic version "1234.5678". The payload carries the
// process ID and secret key from an earlier BackendKeyData.
const CancelRequestCode int32 = 80877102

// Frontend (client → server) message types.
const (
	MsgBind            byte = 'B'
	MsgClose           byte = 'C'
	MsgCopyFail        byte = 'f'
	MsgDescribe        byte = 'D'
	MsgExecute         byte = 'E'
	MsgFlush           byte = 'H'
	MsgParse           byte = 'P'
	MsgPasswordMessage byte = 'p'
	MsgQuery           byte = 'Q'
	MsgSync            byte = 'S'
	MsgTerminate       byte = 'X'
)

// Message types used in both directions.
const (
	MsgCopyData byte = 'd'
	MsgCopyDone byte = 'c'
)

// Backend (server → client) message types.
const (
	MsgAuthentication       byte = 'R'
	MsgBackendKeyData       byte = 'K'
	MsgBindComplete         byte = '2'
	MsgCloseComplete        byte = '3'
	MsgCommandComplete      byte = 'C'
	MsgCopyInResponse       byte = 'G'
	MsgCopyOutResponse      byte = 'H'
	MsgDataRow              byte = 'D'
	MsgEmptyQueryResponse   byte = 'I'
	MsgErrorResponse        byte = 'E'
	MsgNoData               byte = 'n'
	MsgNoticeResponse       byte = 'N'
	MsgNotificationResponse byte = 'A'
	MsgParameterStatus      byte = 'S'
	MsgParseComplete        byte = '1'
	MsgPortalSuspended      byte = 's'
	MsgReadyForQuery        byte = 'Z'
	MsgReplicationStart     byte = 'W'
	MsgRowDescription       byte = 'T'
)

// Authentication sub-types (carried inside 'R' messages).
const (
	AuthOk                int32 = 0
	AuthCleartextPassword int32 = 3
	AuthMD5Password       int32 = 5
	AuthSASL              int32 = 10
	AuthSASLContinue      int32 = 11
	AuthSASLFinal         int32 = 12
)

// Transaction status indicators for ReadyForQuery.
const (
	TxIdle   byte = 'I'
	TxInTx   byte = 'T'
	TxFailed byte = 'E'
)

// FormatCode selects the text or binary representation of a value on the
// wire. Only text decoding is supported; requesting a binary-mode decoder
// fails at construction.
type FormatCode int16

const (
	FormatText   FormatCode = 0
	FormatBinary FormatCode = 1
)

func (f FormatCode) String() string {
	if f == FormatBinary {
		return "binary"
	}
	return "text"
}

var commandNames = map[byte]string{
	0:                  "StartupMessage",
	MsgBind:            "Bind",
	MsgClose:           "Close",
	MsgCopyData:        "CopyData",
	MsgCopyDone:        "CopyDone",
	MsgCopyFail:        "CopyFail",
	MsgDescribe:        "Describe",
	MsgExecute:         "Execute",
	MsgFlush:           "Flush",
	MsgParse:           "Parse",
	MsgPasswordMessage: "PasswordMessage",
	MsgQuery:           "Query",
	MsgSync:            "Sync",
	MsgTerminate:       "Terminate",
}

var responseNames = map[byte]string{
	MsgAuthentication:       "Authentication",
	MsgBackendKeyData:       "BackendKeyData",
	MsgBindComplete:         "BindComplete",
	MsgCloseComplete:        "CloseComplete",
	MsgCommandComplete:      "CommandComplete",
	MsgCopyData:             "CopyData",
	MsgCopyDone:             "CopyDone",
	MsgCopyInResponse:       "CopyInResponse",
	MsgCopyOutResponse:      "CopyOutResponse",
	MsgDataRow:              "DataRow",
	MsgEmptyQueryResponse:   "EmptyQueryResponse",
	MsgErrorResponse:        "ErrorResponse",
	MsgNoData:               "NoData",
	MsgNoticeResponse:       "NoticeResponse",
	MsgNotificationResponse: "NotificationResponse",
	MsgParameterStatus:      "ParameterStatus",
	MsgParseComplete:        "ParseComplete",
	MsgPortalSuspended:      "PortalSuspended",
	MsgReadyForQuery:        "ReadyForQuery",
	MsgReplicationStart:     "ReplicationStart",
	MsgRowDescription:       "RowDescription",
}

// CommandName returns the human-readable name of a frontend message type.
func CommandName(code byte) string {
	if n, ok := commandNames[code]; ok {
		return n
	}
	return "Unknown('" + string(code) + "')"
}

// ResponseName returns the human-readable name of a backend message type.
func ResponseName(code byte) string {
	if n, ok := responseNames[code]; ok {
		return n
	}
	return "Unknown('" + string(code) + "')"
}
