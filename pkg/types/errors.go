package types

import "fmt"

// InvalidArgsError reports a client request the core rejects outright, such
// as an empty member list. Not retryable. Malformed version vectors and actor
// ids are reported by their parsers as plain errors, not as this type.
type InvalidArgsError struct {
	Msg string
}

func (e *InvalidArgsError) Error() string {
	return e.Msg
}

// NewInvalidArgs builds an InvalidArgsError.
func NewInvalidArgs(format string, args ...any) *InvalidArgsError {
	return &InvalidArgsError{Msg: fmt.Sprintf(format, args...)}
}

// NotReadyError means a read's client version vector is not yet descended by
// the local one. Carries the local vector so the client can retry against a
// replica that has caught up.
type NotReadyError struct {
	Local *VersionVector
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("not ready to serve read, local vv %q", e.Local)
}

// DecodeError reports undecodable replication bytes. The message is dropped
// and the connection continues.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "decode operation: " + e.Reason
}
