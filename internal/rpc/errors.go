package rpc

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrConnection matches every transport-level failure.
	ErrConnection = errors.New("connection error")
	// ErrUnknownMethod is returned for a call to a method the handler lacks.
	ErrUnknownMethod = errors.New("unknown method")
	// ErrUnknownTarget is returned when no handler is registered for an id.
	ErrUnknownTarget = errors.New("no such agent")
	// ErrClosed is returned by calls on a closed client.
	ErrClosed = errors.New("client closed")
	// ErrRateLimited is returned for calls over a connection's rate limit.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrTooLarge is returned instead of a result that would exceed the
	// frame limit.
	ErrTooLarge = errors.New("reply exceeds frame limit")
)

func init() {
	RegisterCode("unknown_method", ErrUnknownMethod)
	RegisterCode("unknown_target", ErrUnknownTarget)
	RegisterCode("rate_limited", ErrRateLimited)
	RegisterCode("too_large", ErrTooLarge)
}

// codes maps wire error codes to the sentinels they stand for. Handler
// failures matching a registered sentinel travel with its code, so callers
// can still test them with errors.Is.
var codes struct {
	mu     sync.RWMutex
	order  []string
	byCode map[string]error
}

// RegisterCode ties code to sentinel. Registering a code again replaces its
// sentinel.
func RegisterCode(code string, sentinel error) {
	codes.mu.Lock()
	defer codes.mu.Unlock()
	if codes.byCode == nil {
		codes.byCode = make(map[string]error)
	}
	if _, ok := codes.byCode[code]; !ok {
		codes.order = append(codes.order, code)
	}
	codes.byCode[code] = sentinel
}

// CodeOf returns the code of the first registered sentinel err matches, or
// "".
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	codes.mu.RLock()
	defer codes.mu.RUnlock()
	for _, code := range codes.order {
		if errors.Is(err, codes.byCode[code]) {
			return code
		}
	}
	return ""
}

func sentinel(code string) error {
	codes.mu.RLock()
	defer codes.mu.RUnlock()
	return codes.byCode[code]
}

// ConnError is a failure to reach or keep talking to an address.
type ConnError struct {
	Addr string
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.Addr, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

func (e *ConnError) Is(target error) bool { return target == ErrConnection }

// RemoteError carries a failure reported by the remote handler.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Method, e.Message)
}

// Is matches the sentinel registered for the error's code.
func (e *RemoteError) Is(target error) bool {
	if e.Code == "" {
		return false
	}
	s := sentinel(e.Code)
	return s != nil && s == target
}
