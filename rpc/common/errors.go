package common

import (
	"errors"
	"fmt"
)

// Sentinel errors of the client, grouped by kind.
//
// Components wrap them with context using fmt.Errorf("...: %w", err), callers
// test for them with errors.Is. KindOf maps any error to its kind.

// Handshake errors - fatal to one connect attempt.
var (
	// ErrBadGreeting is returned when the server greeting is malformed.
	ErrBadGreeting = errors.New("bad greeting")

	// ErrAuthFailed is returned when the server rejects the credentials.
	ErrAuthFailed = errors.New("authentication failed")
)

// Timeout errors - the connection itself stays alive.
var (
	// ErrConnectTimeout is returned when connect did not finish the greeting in time.
	ErrConnectTimeout = errors.New("connect timed out")

	// ErrRequestTimeout is returned when no reply arrived before the request deadline.
	ErrRequestTimeout = errors.New("request timed out")
)

// Transport errors - the connection is gone.
var (
	// ErrConnectionClosed is returned for requests on a closed or dropped connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// Shutdown errors - the server announced a graceful shutdown.
var (
	// ErrShuttingDown is returned for requests failed by a server-initiated shutdown.
	ErrShuttingDown = errors.New("server is shutting down")
)

// Availability errors - no network operation was attempted.
var (
	// ErrNoAvailableClients is returned by balancers when no slot is active.
	ErrNoAvailableClients = errors.New("no available clients")

	// ErrSlotNotActive is returned by the pool when the slot is out of service.
	ErrSlotNotActive = errors.New("slot is not active")
)

// Configuration errors - synchronous, never retried.
var (
	// ErrNoSuchGroup is returned for an unknown group tag.
	ErrNoSuchGroup = errors.New("no such group")

	// ErrIndexOutOfRange is returned for a slot index beyond the group size.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrPoolClosed is returned by every pool operation after Close.
	ErrPoolClosed = errors.New("pool closed")

	// ErrAlreadyConnecting is returned when connect is called on a connection that is not closed.
	ErrAlreadyConnecting = errors.New("already connecting or closing")

	// ErrInvalidConfig is returned when a configuration fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrWatchersUnsupported is returned when the server did not negotiate the watchers feature.
	ErrWatchersUnsupported = errors.New("server does not support watchers")
)

// ServerError is an error reply sent by the server
type ServerError struct {
	Code    uint32
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// --------------------------------------------------------------------------
// Error Kinds
// --------------------------------------------------------------------------

// ErrorKind classifies errors so callers can decide between failing over and waiting
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindHandshake
	KindTimeout
	KindTransport
	KindShutdown
	KindAvailability
	KindConfiguration
	KindServer
)

// String returns the string representation of an ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindShutdown:
		return "shutdown"
	case KindAvailability:
		return "availability"
	case KindConfiguration:
		return "configuration"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// KindOf returns the kind of err
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrBadGreeting), errors.Is(err, ErrAuthFailed):
		return KindHandshake
	case errors.Is(err, ErrConnectTimeout), errors.Is(err, ErrRequestTimeout):
		return KindTimeout
	case errors.Is(err, ErrShuttingDown):
		return KindShutdown
	case errors.Is(err, ErrConnectionClosed):
		return KindTransport
	case errors.Is(err, ErrNoAvailableClients), errors.Is(err, ErrSlotNotActive):
		return KindAvailability
	case errors.Is(err, ErrNoSuchGroup), errors.Is(err, ErrIndexOutOfRange), errors.Is(err, ErrPoolClosed),
		errors.Is(err, ErrAlreadyConnecting), errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrWatchersUnsupported):
		return KindConfiguration
	}
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return KindServer
	}
	return KindUnknown
}
