package protocol

import (
	"encoding/json"
	"time"
)

// Version is the only protocol version spoken between a parent and its worker.
const Version = 1

// Message types.
const (
	TypeInit     = "init"     // parent -> child, once, right after spawn
	TypeCall     = "call"     // parent -> child
	TypeResult   = "result"   // child -> parent, one per init or call
	TypeShutdown = "shutdown" // parent -> child, stop the worker loop
)

// Result statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Result error codes.
const (
	CodeRemoteError      = "remote_error"
	CodePanic            = "panic"
	CodeUnknownOperation = "unknown_operation"
	CodeInitFailed       = "init_failed"
	CodeBadRequest       = "bad_request"
	CodeMissingArgument  = "missing_argument"
)

// Message is the single envelope carried on a channel. Exactly one of the
// payload pointers is set, matching Type.
type Message struct {
	Protocol int       `json:"protocol"`
	Type     string    `json:"type"`
	Init     *Init     `json:"init,omitempty"`
	Call     *Call     `json:"call,omitempty"`
	Result   *Result   `json:"result,omitempty"`
	Shutdown *Shutdown `json:"shutdown,omitempty"`
}

// Init seeds the child with the construction snapshot of its kind.
type Init struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Snapshot     json.RawMessage `json:"snapshot,omitempty"`
	Digest       string          `json:"digest"` // blake3 of Snapshot, hex
	PollInterval time.Duration   `json:"poll_interval"`
}

// Call is a pending call: operation identifier plus positional and keyword arguments.
type Call struct {
	ID     string                     `json:"id"`
	Op     string                     `json:"op"`
	Args   []json.RawMessage          `json:"args,omitempty"`
	Kwargs map[string]json.RawMessage `json:"kwargs,omitempty"`
}

// Result answers exactly one Init or Call.
type Result struct {
	ID     string          `json:"id"`
	Status string          `json:"status"` // ok | error
	Value  json.RawMessage `json:"value,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// Shutdown asks the worker loop to stop.
type Shutdown struct {
	Reason string `json:"reason,omitempty"`
}

// Ready is the value of a successful init result.
type Ready struct {
	PID  int    `json:"pid"`
	Kind string `json:"kind"`
}

// NewCall wraps c in a Message.
func NewCall(c *Call) *Message {
	return &Message{Protocol: Version, Type: TypeCall, Call: c}
}

// NewInit wraps in in a Message.
func NewInit(in *Init) *Message {
	return &Message{Protocol: Version, Type: TypeInit, Init: in}
}

// NewShutdown builds a shutdown Message.
func NewShutdown(reason string) *Message {
	return &Message{Protocol: Version, Type: TypeShutdown, Shutdown: &Shutdown{Reason: reason}}
}

// OK builds a successful result for id carrying value.
func OK(id string, value json.RawMessage) *Message {
	return &Message{Protocol: Version, Type: TypeResult, Result: &Result{ID: id, Status: StatusOK, Value: value}}
}

// Fail builds an error result for id.
func Fail(id, code, msg string) *Message {
	return &Message{Protocol: Version, Type: TypeResult, Result: &Result{ID: id, Status: StatusError, Code: code, Error: msg}}
}

// Failed reports whether r carries an error.
func (r *Result) Failed() bool {
	return r.Status == StatusError
}
