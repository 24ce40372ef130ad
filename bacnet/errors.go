package bacnet

import (
	"errors"
	"strconv"
)

var (
	// ErrTimeout is returned when a confirmed request exhausts its
	// per-attempt timeout without a response.
	ErrTimeout = errors.New("request timed out")

	// ErrClosed is returned for requests issued while the transport
	// is closed, and to waiters when it closes under them.
	ErrClosed = errors.New("transport closed")

	// ErrUnknownTag is returned when a response carries no decodable
	// application tag.
	ErrUnknownTag = errors.New("no decodable application tag")

	// ErrValueLeak is returned when a decoded string carries a raw
	// protocol-object dump. See [Value.Leaks].
	ErrValueLeak = errors.New("value leaks an internal object representation")

	// ErrUnencodable is returned when a value kind has no write
	// encoding.
	ErrUnencodable = errors.New("value kind cannot be encoded")
)

// IsTimeout reports whether err is, or wraps, a request timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

var abortReasons = map[uint8]string{
	0: "other",
	1: "buffer-overflow",
	2: "invalid-apdu-in-this-state",
	3: "preempted-by-higher-priority-task",
	4: "segmentation-not-supported",
}

// AbortError is an Abort PDU received for a confirmed request.
type AbortError struct {
	Reason uint8
}

func (e *AbortError) Error() string {
	if name, ok := abortReasons[e.Reason]; ok {
		return "request aborted: " + name
	}
	return "request aborted: reason " + strconv.Itoa(int(e.Reason))
}

var rejectReasons = map[uint8]string{
	0: "other",
	1: "buffer-overflow",
	2: "inconsistent-parameters",
	3: "invalid-parameter-data-type",
	4: "invalid-tag",
	5: "missing-required-parameter",
	6: "parameter-out-of-range",
	7: "too-many-arguments",
	8: "undefined-enumeration",
	9: "unrecognized-service",
}

// RejectError is a Reject PDU received for a confirmed request.
type RejectError struct {
	Reason uint8
}

func (e *RejectError) Error() string {
	if name, ok := rejectReasons[e.Reason]; ok {
		return "request rejected: " + name
	}
	return "request rejected: reason " + strconv.Itoa(int(e.Reason))
}

var errorClasses = map[uint64]string{
	0: "device",
	1: "object",
	2: "property",
	3: "resources",
	4: "security",
	5: "services",
	6: "vt",
	7: "communication",
}

var errorCodes = map[uint64]string{
	9:  "invalid-data-type",
	25: "operational-problem",
	31: "unknown-object",
	32: "unknown-property",
	37: "value-out-of-range",
	40: "write-access-denied",
}

// ServiceError is an Error PDU received for a confirmed request.
type ServiceError struct {
	Class uint64
	Code  uint64
}

func (e *ServiceError) Error() string {
	class, ok := errorClasses[e.Class]
	if !ok {
		class = "class-" + strconv.FormatUint(e.Class, 10)
	}
	code, ok := errorCodes[e.Code]
	if !ok {
		code = "code-" + strconv.FormatUint(e.Code, 10)
	}
	return "device error: " + class + ": " + code
}

// ReadError wraps a failed property read with its target.
type ReadError struct {
	Addr     string
	Object   ObjectID
	Property PropertyID
	Err      error
}

func (e *ReadError) Error() string {
	return "read " + e.Object.String() + " " + e.Property.String() +
		" from " + e.Addr + ": " + e.Err.Error()
}

func (e *ReadError) Unwrap() error { return e.Err }

// Timeout reports whether the read failed on timeout.
func (e *ReadError) Timeout() bool { return errors.Is(e.Err, ErrTimeout) }

// WriteError wraps a failed present-value write with its target.
type WriteError struct {
	Addr   string
	Object ObjectID
	Err    error
}

func (e *WriteError) Error() string {
	return "write " + e.Object.String() + " to " + e.Addr + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error { return e.Err }

// Timeout reports whether the write failed on timeout.
func (e *WriteError) Timeout() bool { return errors.Is(e.Err, ErrTimeout) }

var errTruncated = errors.New("truncated tag")
