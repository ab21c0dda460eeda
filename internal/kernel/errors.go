package kernel

import (
	"errors"
	"fmt"
)

// ErrorKind tags the step of a control request that failed.
// Every kind collapses to the same client-visible result; the kind exists for logs.
type ErrorKind int

const (
	KindDial ErrorKind = iota
	KindResolveFamily
	KindInvalidPayload
	KindSend
	KindReceive
	KindEmptyReply
	KindMalformedReply
	KindTimeout
)

var kindNames = map[ErrorKind]string{
	KindDial:           "dial",
	KindResolveFamily:  "resolve_family",
	KindInvalidPayload: "invalid_payload",
	KindSend:           "send",
	KindReceive:        "receive",
	KindEmptyReply:     "empty_reply",
	KindMalformedReply: "malformed_reply",
	KindTimeout:        "timeout",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

var (
	errEmptyReply    = errors.New("received empty reply")
	errMissingStatus = errors.New("reply has no status attribute")
	errNULInPayload  = errors.New("payload contains NUL byte")
)

// RPCError is returned by Client.Execute for any failed control request.
type RPCError struct {
	Kind    ErrorKind
	Command Command
	Err     error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("kernel %s request: %s: %v", e.Command, e.Kind, e.Err)
}

func (e *RPCError) Unwrap() error {
	return e.Err
}

// IsModuleNotLoaded reports whether err means the control family is not registered,
// which happens when the kernel module is not loaded.
func IsModuleNotLoaded(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Kind == KindResolveFamily
}
