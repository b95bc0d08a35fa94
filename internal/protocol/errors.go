package protocol

import (
	"errors"
	"fmt"
)

// Error codes the core emits. Codes are stable strings; admins match on
// them programmatically.
const (
	CodeUnknownCommand = "UNKNOWN_COMMAND"
	CodeInvalidParams  = "INVALID_PARAMS"
	CodeTimeout        = "TIMEOUT"
	CodeHandlerFailed  = "HANDLER_FAILED"
	CodeStaleEndpoint  = "STALE_ENDPOINT"
	CodeDisconnect     = "DISCONNECT"
	CodeUnknownTarget  = "UNKNOWN_TARGET"
	CodeEvicted        = "EVICTED"
	CodeRestarting     = "RESTARTING"
	CodeReloadFailed   = "RELOAD_FAILED"
	CodeProtocolError  = "PROTOCOL_ERROR"
)

// Protocol-level sentinel errors. A connection that produces one of
// these is closed with a terminal error envelope.
var (
	ErrMissingType = errors.New("envelope missing type")
	ErrMissingID   = errors.New("envelope missing id")
	ErrTooLarge    = errors.New("envelope exceeds max message size")
)

// ParseError wraps a JSON decoding failure of a frame or payload.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed frame: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err is a fault that must terminate
// the connection rather than produce a command response.
func IsProtocolError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe) ||
		errors.Is(err, ErrMissingType) ||
		errors.Is(err, ErrMissingID) ||
		errors.Is(err, ErrTooLarge)
}

// CommandError is a typed failure a handler opts into. The scheduler
// maps it to an error response carrying the handler's own code instead
// of HANDLER_FAILED.
type CommandError struct {
	Code    string
	Message string
	Details any
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewCommandError builds a CommandError with a formatted message.
func NewCommandError(code, format string, args ...any) *CommandError {
	return &CommandError{Code: code, Message: fmt.Sprintf(format, args...)}
}
