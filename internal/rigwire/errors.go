package rigwire

import "fmt"

// Kind enumerates the error taxonomy a rig operation can fail with.
type Kind string

const (
	KindIO       Kind = "io"
	KindProtocol Kind = "protocol"
	KindRig      Kind = "rig"
	KindBand     Kind = "band"
	KindTimeout  Kind = "timeout"
	KindBusy     Kind = "busy"
)

// Error is the error type returned by every rig operation. Kind is
// matched programmatically (errors.As); Hamlib RPRT codes are mapped
// numerically into Code, never by parsing the message text.
type Error struct {
	Kind  Kind
	Cmd   string
	Code  int
	Msg   string
	Lines []string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Cmd, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Cmd, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Cmd, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Cmd, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewIOError wraps a socket read/write/connect failure.
func NewIOError(cmd string, err error) *Error {
	return &Error{Kind: KindIO, Cmd: cmd, Err: err}
}

// NewProtocolError wraps a malformed or missing RPRT line.
func NewProtocolError(cmd, msg string, lines []string) *Error {
	return &Error{Kind: KindProtocol, Cmd: cmd, Msg: msg, Lines: lines}
}

// NewRigError wraps a negative RPRT code returned by the rig.
func NewRigError(cmd string, code int) *Error {
	return &Error{Kind: KindRig, Cmd: cmd, Code: code, Msg: rprtMessage(code)}
}

// NewBandError wraps a client-side band-policy rejection. No network
// traffic is emitted for this failure.
func NewBandError(cmd string) *Error {
	return &Error{Kind: KindBand, Cmd: cmd, Msg: "Frequency out of configured band ranges"}
}

// NewTimeoutError wraps a deadline exceeded on an in-flight command.
func NewTimeoutError(cmd string) *Error {
	return &Error{Kind: KindTimeout, Cmd: cmd, Msg: "deadline exceeded"}
}

// NewBusyError wraps a submission rejected because the command queue is full.
func NewBusyError(cmd string) *Error {
	return &Error{Kind: KindBusy, Cmd: cmd, Msg: "command queue full"}
}

// rprtMessage maps a Hamlib RPRT error code to a stable short string, for
// display only. The mapping the code drives is numeric (Code field);
// this text never feeds back into control-flow decisions.
func rprtMessage(code int) string {
	messages := map[int]string{
		-1:  "Invalid parameter",
		-2:  "Invalid configuration",
		-3:  "Memory shortage",
		-4:  "Function not implemented",
		-5:  "Communication timed out",
		-6:  "IO error",
		-7:  "Internal Hamlib error",
		-8:  "Protocol error",
		-9:  "Command rejected by the rig",
		-10: "Command performed, but arg truncated",
		-11: "Feature Not Available",
		-12: "Target not found",
		-13: "Error talking on the bus",
		-14: "Collision on the bus",
		-15: "NULL RIG handle or invalid pointer parameter",
		-16: "Invalid VFO",
		-17: "Argument out of domain of function",
	}
	if msg, ok := messages[code]; ok {
		return fmt.Sprintf("%d %s", code, msg)
	}
	return fmt.Sprintf("%d unknown error", code)
}
