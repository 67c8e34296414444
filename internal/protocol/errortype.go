package protocol

import (
	"fmt"
	"regexp"
	"strconv"
)

// ErrorType is the closed set of errors a peer can report during handshake
// or inside an error goodbye. The numeric value is the wire code.
type ErrorType uint8

const (
	ErrorLowLevelConnection       ErrorType = 0
	ErrorProtocolVersionMismatch  ErrorType = 1
	ErrorClientNamespaceCollision ErrorType = 2
	ErrorServerShuttingDown       ErrorType = 10
	ErrorInvalidHandshakeData     ErrorType = 91
	ErrorInternalServerError      ErrorType = 92
	ErrorUnknown                  ErrorType = 99
)

type errorTypeInfo struct {
	name  string
	retry bool
}

var errorTypes = map[ErrorType]errorTypeInfo{
	ErrorLowLevelConnection:       {name: "LOW_LEVEL_CONNECTION_ERROR", retry: true},
	ErrorProtocolVersionMismatch:  {name: "PROTOCOL_VERSION_MISMATCH"},
	ErrorClientNamespaceCollision: {name: "CLIENT_NAMESPACE_COLLISION"},
	ErrorServerShuttingDown:       {name: "SERVER_SHUTTING_DOWN", retry: true},
	ErrorInvalidHandshakeData:     {name: "INVALID_HANDSHAKE_DATA"},
	ErrorInternalServerError:      {name: "INTERNAL_SERVER_ERROR"},
	ErrorUnknown:                  {name: "UNKNOWN_ERROR"},
}

// wrappedErrorPattern matches "E<code>: <message>"; (?s) lets multi-line
// messages survive a round trip.
var wrappedErrorPattern = regexp.MustCompile(`(?s)^E(\d+): (.*)$`)

// ErrorTypes lists every defined error type in code order.
func ErrorTypes() []ErrorType {
	return []ErrorType{
		ErrorLowLevelConnection,
		ErrorProtocolVersionMismatch,
		ErrorClientNamespaceCollision,
		ErrorServerShuttingDown,
		ErrorInvalidHandshakeData,
		ErrorInternalServerError,
		ErrorUnknown,
	}
}

func (t ErrorType) Code() int {
	return int(t)
}

// ClientShouldRetry reports whether a client may reconnect automatically
// after being refused with this error type.
func (t ErrorType) ClientShouldRetry() bool {
	return errorTypes[t].retry
}

func (t ErrorType) Valid() bool {
	_, ok := errorTypes[t]
	return ok
}

func (t ErrorType) String() string {
	if info, ok := errorTypes[t]; ok {
		return info.name
	}
	return fmt.Sprintf("ErrorType(%d)", uint8(t))
}

// Wrap renders message in the "E<code>: <message>" transport form.
func (t ErrorType) Wrap(message string) string {
	return WrapError(t.Code(), message)
}

func WrapError(code int, message string) string {
	return "E" + strconv.Itoa(code) + ": " + message
}

// ErrorTypeForCode resolves a wire code. Unknown codes map to ErrorUnknown
// with ok=false.
func ErrorTypeForCode(code int) (ErrorType, bool) {
	if code < 0 || code > 255 {
		return ErrorUnknown, false
	}
	t := ErrorType(code)
	if !t.Valid() {
		return ErrorUnknown, false
	}
	return t, true
}

// UnwrapErrorType extracts the error type from wrapped text. Malformed text
// and unknown codes yield ErrorUnknown.
func UnwrapErrorType(wrapped string) ErrorType {
	m := wrappedErrorPattern.FindStringSubmatch(wrapped)
	if m == nil {
		return ErrorUnknown
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return ErrorUnknown
	}
	t, _ := ErrorTypeForCode(code)
	return t
}

// UnwrapErrorMessage extracts the message part of wrapped text. Malformed
// text is returned inside a placeholder instead of failing.
func UnwrapErrorMessage(wrapped string) string {
	m := wrappedErrorPattern.FindStringSubmatch(wrapped)
	if m == nil {
		return "Unrecognized error message format: " + wrapped
	}
	return m[2]
}

// UnwrapError is UnwrapErrorType and UnwrapErrorMessage in one call.
func UnwrapError(wrapped string) (ErrorType, string) {
	return UnwrapErrorType(wrapped), UnwrapErrorMessage(wrapped)
}
