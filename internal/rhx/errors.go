package rhx

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConnect          = errors.New("rhx: connect failed")
	ErrNotConnected     = errors.New("rhx: not connected")
	ErrShuttingDown     = errors.New("rhx: shutting down")
	ErrWatchdogTimeout  = errors.New("rhx: watchdog timeout")
	ErrHostRequired     = errors.New("rhx: host required")
	ErrInvalidPort      = errors.New("rhx: invalid port")
	ErrInvalidHeartbeat = errors.New("rhx: invalid heartbeat interval")
)

// ConnectError aggregates every failed address for one channel.
type ConnectError struct {
	Channel string
	Host    string
	Port    int
	Errs    []error
}

func (e *ConnectError) Error() string {
	parts := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("rhx: connect %s %s:%d: %s", e.Channel, e.Host, e.Port, strings.Join(parts, "; "))
}

func (e *ConnectError) Unwrap() []error { return e.Errs }

func (e *ConnectError) Is(target error) bool { return target == ErrConnect }

// CallbackError is a listener failure; it is logged and counted, never
// propagated to the decode loop.
type CallbackError struct {
	Topic string
	Err   error
	Panic any
}

func (e *CallbackError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("rhx: %s listener panic: %v", e.Topic, e.Panic)
	}
	return fmt.Sprintf("rhx: %s listener: %v", e.Topic, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }
