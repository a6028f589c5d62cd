package waveform

import (
	"errors"
	"fmt"
)

var (
	ErrStreamClosed = errors.New("waveform: stream closed")
	ErrNilReader    = errors.New("waveform: nil reader")
)

// FaultKind classifies why a decode loop stopped.
type FaultKind int

const (
	FaultIO FaultKind = iota
	FaultClosed
	FaultDisposed
	FaultPanic
)

func (k FaultKind) String() string {
	switch k {
	case FaultIO:
		return "io"
	case FaultClosed:
		return "closed"
	case FaultDisposed:
		return "disposed"
	case FaultPanic:
		return "panic"
	default:
		return "unknown"
	}
}

// StreamFault terminates a decoder instance. It is reported exactly once.
type StreamFault struct {
	Kind FaultKind
	Err  error
}

func (f *StreamFault) Error() string {
	return fmt.Sprintf("waveform: stream fault (%s): %v", f.Kind, f.Err)
}

func (f *StreamFault) Unwrap() error {
	return f.Err
}
