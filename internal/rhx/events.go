package rhx

import (
	"sync"
	"sync/atomic"

	"github.com/danmuck/rhxlink/internal/observability"
	"github.com/danmuck/rhxlink/internal/waveform"
	"github.com/rs/zerolog/log"
)

// BlockEvent is published once per decoded block. RMS is only valid for the
// duration of the listener call.
type BlockEvent struct {
	RMS            []float64
	Sequence       uint64
	FirstTimestamp int32
	Generation     string
}

type FaultEvent struct {
	Fault      *waveform.StreamFault
	Generation string
}

type StateEvent struct {
	From   State
	To     State
	Reason string
}

type (
	BlockListener func(BlockEvent) error
	FaultListener func(FaultEvent) error
	StateListener func(StateEvent) error
)

type listener[T any] struct {
	id uint64
	fn func(T) error
}

// listeners is a copy-on-write list; publishing never takes the lock.
type listeners[T any] struct {
	mu   sync.Mutex
	next uint64
	list atomic.Pointer[[]listener[T]]
}

func (l *listeners[T]) add(fn func(T) error) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.next
	var cur []listener[T]
	if p := l.list.Load(); p != nil {
		cur = *p
	}
	next := make([]listener[T], 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, listener[T]{id: id, fn: fn})
	l.list.Store(&next)

	var once sync.Once
	return func() { once.Do(func() { l.remove(id) }) }
}

func (l *listeners[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.list.Load()
	if p == nil {
		return
	}
	next := make([]listener[T], 0, len(*p))
	for _, item := range *p {
		if item.id != id {
			next = append(next, item)
		}
	}
	l.list.Store(&next)
}

func (l *listeners[T]) len() int {
	if p := l.list.Load(); p != nil {
		return len(*p)
	}
	return 0
}

// Hub fans events out to registered listeners. Listener errors and panics
// are isolated per listener.
type Hub struct {
	blocks listeners[BlockEvent]
	faults listeners[FaultEvent]
	states listeners[StateEvent]

	listenerErrors atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{}
}

// OnBlock registers fn and returns its unsubscribe func.
func (h *Hub) OnBlock(fn BlockListener) func() { return h.blocks.add(fn) }

func (h *Hub) OnFault(fn FaultListener) func() { return h.faults.add(fn) }

func (h *Hub) OnState(fn StateListener) func() { return h.states.add(fn) }

// ListenerErrors counts listener failures since the hub was created.
func (h *Hub) ListenerErrors() uint64 { return h.listenerErrors.Load() }

func (h *Hub) publishBlock(ev BlockEvent) {
	p := h.blocks.list.Load()
	if p == nil {
		return
	}
	for _, item := range *p {
		invoke(h, "block", item.fn, ev)
	}
}

func (h *Hub) publishFault(ev FaultEvent) {
	if p := h.faults.list.Load(); p != nil {
		for _, item := range *p {
			invoke(h, "fault", item.fn, ev)
		}
	}
}

func (h *Hub) publishState(ev StateEvent) {
	if p := h.states.list.Load(); p != nil {
		for _, item := range *p {
			invoke(h, "state", item.fn, ev)
		}
	}
}

func invoke[T any](h *Hub, topic string, fn func(T) error, ev T) {
	defer func() {
		if r := recover(); r != nil {
			h.listenerFailed(&CallbackError{Topic: topic, Panic: r})
		}
	}()
	if err := fn(ev); err != nil {
		h.listenerFailed(&CallbackError{Topic: topic, Err: err})
	}
}

func (h *Hub) listenerFailed(err *CallbackError) {
	h.listenerErrors.Add(1)
	observability.RecordListenerError()
	log.Warn().Err(err).Str("topic", err.Topic).Msg("rhx.Hub listener failed")
}

// BlockSnapshot is an owned copy of a BlockEvent.
type BlockSnapshot struct {
	RMS            []float64
	Sequence       uint64
	FirstTimestamp int32
	Generation     string
}

// BlockSubscription delivers copies of blocks over a bounded channel. When
// the consumer falls behind, new blocks are dropped and counted.
type BlockSubscription struct {
	C <-chan BlockSnapshot

	mu      sync.Mutex
	ch      chan BlockSnapshot
	closed  bool
	dropped atomic.Uint64
	cancel  func()
}

// SubscribeBlocks registers a buffered consumer that runs independently of
// the decode goroutine.
func (h *Hub) SubscribeBlocks(buffer int) *BlockSubscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan BlockSnapshot, buffer)
	sub := &BlockSubscription{C: ch, ch: ch}
	sub.cancel = h.OnBlock(sub.offer)
	return sub
}

func (s *BlockSubscription) offer(ev BlockEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	snap := BlockSnapshot{
		RMS:            append([]float64(nil), ev.RMS...),
		Sequence:       ev.Sequence,
		FirstTimestamp: ev.FirstTimestamp,
		Generation:     ev.Generation,
	}
	select {
	case s.ch <- snap:
	default:
		s.dropped.Add(1)
	}
	return nil
}

func (s *BlockSubscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *BlockSubscription) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
