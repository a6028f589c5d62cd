package rhx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/rhxlink/internal/observability"
	"github.com/danmuck/rhxlink/internal/protocol/command"
	"github.com/danmuck/rhxlink/internal/protocol/frame"
	"github.com/danmuck/rhxlink/internal/protocol/session"
	"github.com/danmuck/rhxlink/internal/waveform"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type SessionConfig struct {
	Host        string
	CommandPort int
	DataPort    int
	Channels    int
	SpikeOutput bool
	Session     session.Config
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Host:        "127.0.0.1",
		CommandPort: 5000,
		DataPort:    5001,
		Channels:    64,
		Session:     session.DefaultConfig(),
	}
}

func (c SessionConfig) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return ErrHostRequired
	}
	for _, p := range []int{c.CommandPort, c.DataPort} {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("%w: %d", ErrInvalidPort, p)
		}
	}
	if c.CommandPort == c.DataPort {
		return fmt.Errorf("%w: command and data ports are both %d", ErrInvalidPort, c.DataPort)
	}
	if c.Channels < frame.MinChannels || c.Channels > frame.MaxChannels {
		return fmt.Errorf("%w: %d", frame.ErrChannelCount, c.Channels)
	}
	return c.Session.Validate()
}

// Status is a point-in-time view of the connection.
type Status struct {
	State          State  `json:"state"`
	Connected      bool   `json:"connected"`
	Host           string `json:"host"`
	CommandPort    int    `json:"command_port"`
	DataPort       int    `json:"data_port"`
	Channels       int    `json:"channels"`
	Generation     string `json:"generation,omitempty"`
	Sequence       uint64 `json:"sequence"`
	LastBlockAgeMS int64  `json:"last_block_age_ms"`
	ResyncBytes    uint64 `json:"resync_bytes"`
	ListenerErrors uint64 `json:"listener_errors"`
	Reconnects     uint64 `json:"reconnects"`
	ReconnectLoop  bool   `json:"reconnect_loop"`
}

type faultHook func(reason string, err error)

// generation is one connected pair of sockets and the decoder bound to the
// data socket. It is never reused after teardown.
type generation struct {
	id      string
	cmd     net.Conn
	data    net.Conn
	decoder *waveform.Decoder
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	writeMu sync.Mutex
	w       *bufio.Writer

	seq      atomic.Uint64
	closed   atomic.Bool
	faulted  atomic.Bool
	cmdAlive atomic.Bool
	// dropped is set once the generation reported a lost link.
	dropped atomic.Bool
}

// Session owns the command and data connections to one device.
//
// Hub listeners run on the decode goroutine and must not call ConnectAll or
// DisconnectAll; doing so deadlocks teardown.
type Session struct {
	cfg SessionConfig
	hub *Hub

	gate  chan struct{}
	gen   atomic.Pointer[generation]
	state atomic.Int32
	hook  atomic.Pointer[faultHook]

	epoch     time.Time
	lastBlock atomic.Int64
	shutdown  atomic.Bool
}

func NewSession(cfg SessionConfig, hub *Hub) (*Session, error) {
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if hub == nil {
		hub = NewHub()
	}
	return &Session{
		cfg:   cfg,
		hub:   hub,
		gate:  make(chan struct{}, 1),
		epoch: time.Now(),
	}, nil
}

func (s *Session) Config() SessionConfig { return s.cfg }

func (s *Session) Hub() *Hub { return s.hub }

func (s *Session) State() State { return State(s.state.Load()) }

// ConnectAll replaces any existing connections with a fresh pair and starts
// a new decoder. Concurrent calls are serialized.
func (s *Session) ConnectAll(ctx context.Context) error {
	if s.shutdown.Load() {
		return ErrShuttingDown
	}
	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.gate }()

	s.teardown()
	if s.shutdown.Load() {
		return ErrShuttingDown
	}
	s.setState(StateConnecting, "connect")

	gen, err := s.open(ctx)
	if err != nil {
		s.setState(StateDisconnected, "connect failed")
		return err
	}
	if s.shutdown.Load() {
		gen.closeConns()
		return ErrShuttingDown
	}

	runCtx, cancel := context.WithCancel(context.Background())
	gen.cancel = cancel
	s.touch()
	s.gen.Store(gen)
	gen.wg.Add(2)
	go s.decode(runCtx, gen)
	go s.drainCommands(gen)

	observability.SetConnected(true)
	s.setState(StateStreaming, "connected")
	log.Info().
		Str("generation", gen.id).
		Str("host", s.cfg.Host).
		Int("command_port", s.cfg.CommandPort).
		Int("data_port", s.cfg.DataPort).
		Int("channels", s.cfg.Channels).
		Msg("rhx.Session connected")
	return nil
}

func (s *Session) open(ctx context.Context) (*generation, error) {
	cmd, err := dialDevice(ctx, channelCommand, s.cfg.Host, s.cfg.CommandPort, s.cfg.Session)
	if err != nil {
		return nil, err
	}
	data, err := dialDevice(ctx, channelData, s.cfg.Host, s.cfg.DataPort, s.cfg.Session)
	if err != nil {
		_ = cmd.Close()
		return nil, err
	}

	gen := &generation{
		id:   uuid.NewString(),
		cmd:  cmd,
		data: data,
		w:    bufio.NewWriter(cmd),
	}
	gen.cmdAlive.Store(true)
	gen.decoder, err = waveform.NewDecoder(data, s.cfg.Channels, waveform.Handlers{
		OnBlock: func(rms []float64, first int32) {
			s.onBlock(gen, rms, first)
		},
		OnFault: func(fault *waveform.StreamFault) {
			s.onFault(gen, fault)
		},
		OnResync: func(skipped int) {
			observability.RecordResync(skipped)
			log.Debug().Int("skipped", skipped).Str("generation", gen.id).Msg("rhx.Session resync")
		},
	})
	if err != nil {
		gen.closeConns()
		return nil, err
	}
	return gen, nil
}

// DisconnectAll stops the decoder and closes both connections. It is safe to
// call at any time, any number of times.
func (s *Session) DisconnectAll() {
	s.gate <- struct{}{}
	defer func() { <-s.gate }()
	s.teardown()
	if !s.shutdown.Load() {
		s.setState(StateDisconnected, "disconnect")
	}
}

// teardown must run with the gate held.
func (s *Session) teardown() {
	gen := s.gen.Swap(nil)
	if gen == nil {
		return
	}
	gen.closed.Store(true)
	if gen.cancel != nil {
		gen.cancel()
	}
	_ = gen.decoder.Close()
	gen.closeConns()
	gen.wg.Wait()
	observability.SetConnected(false)
	log.Debug().Str("generation", gen.id).Uint64("blocks", gen.seq.Load()).Msg("rhx.Session teardown")
}

func (g *generation) closeConns() {
	_ = g.data.Close()
	_ = g.cmd.Close()
}

func (s *Session) decode(ctx context.Context, gen *generation) {
	defer gen.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := gen.decoder.Run(ctx); err != nil {
		log.Debug().Err(err).Str("generation", gen.id).Msg("rhx.Session decoder exited")
	}
}

func (s *Session) onBlock(gen *generation, rms []float64, first int32) {
	seq := gen.seq.Add(1)
	s.touch()
	observability.RecordBlock()
	s.hub.publishBlock(BlockEvent{
		RMS:            rms,
		Sequence:       seq,
		FirstTimestamp: first,
		Generation:     gen.id,
	})
}

func (s *Session) onFault(gen *generation, fault *waveform.StreamFault) {
	observability.RecordStreamFault(fault.Kind.String())
	if gen.closed.Load() {
		return
	}
	gen.faulted.Store(true)
	log.Warn().Err(fault).Str("kind", fault.Kind.String()).Str("generation", gen.id).Msg("rhx.Session stream fault")
	s.lost(gen, "stream_fault", fault)
	s.hub.publishFault(FaultEvent{Fault: fault, Generation: gen.id})
}

// drainCommands consumes device replies on the command channel so its
// receive window never fills.
func (s *Session) drainCommands(gen *generation) {
	defer gen.wg.Done()
	buf := make([]byte, 4096)
	var (
		pending  string
		stmts    []string
		overflow bool
		warned   bool
	)
	for {
		n, err := gen.cmd.Read(buf)
		if n > 0 {
			stmts, pending, overflow = splitReplies(pending, buf[:n])
			for _, stmt := range stmts {
				log.Debug().Str("reply", stmt).Str("generation", gen.id).Msg("rhx.Session command reply")
			}
			if overflow && !warned {
				warned = true
				log.Warn().Int("limit", maxReplyFragment).Str("generation", gen.id).Msg("rhx.Session unterminated command reply dropped")
			}
		}
		if err != nil {
			gen.cmdAlive.Store(false)
			if gen.closed.Load() {
				return
			}
			log.Warn().Err(err).Str("generation", gen.id).Msg("rhx.Session command channel lost")
			s.lost(gen, "command_closed", err)
			return
		}
	}
}

// maxReplyFragment bounds the unterminated tail kept between reads.
const maxReplyFragment = 4096

// splitReplies appends chunk to the pending fragment and returns complete
// statements. A tail longer than maxReplyFragment is discarded.
func splitReplies(pending string, chunk []byte) (stmts []string, rest string, overflow bool) {
	stmts, rest = command.Split(pending + string(chunk))
	if len(rest) > maxReplyFragment {
		return stmts, "", true
	}
	return stmts, rest, false
}

// lost marks gen unusable and hands the reason to the reconnect hook. It is
// called from connection goroutines and never takes the gate.
func (s *Session) lost(gen *generation, reason string, err error) {
	if s.gen.Load() != gen {
		return
	}
	gen.dropped.Store(true)
	observability.SetConnected(false)
	if !s.shutdown.Load() {
		s.setState(StateDisconnected, reason)
	}
	if p := s.hook.Load(); p != nil {
		(*p)(reason, err)
	}
}

// SendCommand writes text to the command channel. Failures are logged and
// returned; they do not start a reconnect.
func (s *Session) SendCommand(text string) error {
	gen := s.gen.Load()
	if gen == nil || !gen.cmdAlive.Load() {
		log.Warn().Str("command", text).Msg("rhx.Session.SendCommand not connected")
		return ErrNotConnected
	}
	gen.writeMu.Lock()
	defer gen.writeMu.Unlock()
	_ = gen.cmd.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
	_, err := io.WriteString(gen.w, text)
	if err == nil {
		err = gen.w.Flush()
	}
	if err != nil {
		gen.cmdAlive.Store(false)
		log.Error().Err(err).Str("command", text).Str("generation", gen.id).Msg("rhx.Session.SendCommand failed")
		return err
	}
	log.Debug().Str("command", text).Msg("rhx.Session.SendCommand")
	return nil
}

// StartRoutine clears outputs, enables every configured channel and sets the
// device running. It stops at the first failed write.
func (s *Session) StartRoutine() error {
	for _, stmt := range command.StartRoutine(s.cfg.Channels, s.cfg.SpikeOutput) {
		if err := s.SendCommand(stmt); err != nil {
			return err
		}
	}
	log.Info().Int("channels", s.cfg.Channels).Bool("spike", s.cfg.SpikeOutput).Msg("rhx.Session start routine sent")
	return nil
}

func (s *Session) StopRoutine() error {
	var errs []error
	for _, stmt := range command.StopRoutine() {
		errs = append(errs, s.SendCommand(stmt))
	}
	return errors.Join(errs...)
}

// IsConnected is true only while both connections are up and the decoder
// is inside its read loop.
func (s *Session) IsConnected() bool {
	gen := s.gen.Load()
	return gen != nil &&
		!gen.closed.Load() &&
		!gen.faulted.Load() &&
		gen.cmdAlive.Load() &&
		gen.decoder.IsRunning()
}

// Sequence is the last block number of the current generation, 0 if none.
func (s *Session) Sequence() uint64 {
	if gen := s.gen.Load(); gen != nil {
		return gen.seq.Load()
	}
	return 0
}

func (s *Session) Generation() string {
	if gen := s.gen.Load(); gen != nil {
		return gen.id
	}
	return ""
}

func (s *Session) hasGeneration() bool { return s.gen.Load() != nil }

// linkLost reports a current generation that lost its stream or command
// channel and has not been replaced yet.
func (s *Session) linkLost() bool {
	gen := s.gen.Load()
	return gen != nil && gen.dropped.Load()
}

// LastBlockAge is the monotonic time since the last decoded block, or since
// the current generation connected if no block has arrived yet.
func (s *Session) LastBlockAge() time.Duration {
	return time.Duration(int64(time.Since(s.epoch)) - s.lastBlock.Load())
}

func (s *Session) touch() {
	s.lastBlock.Store(int64(time.Since(s.epoch)))
}

func (s *Session) Status() Status {
	st := Status{
		State:          s.State(),
		Connected:      s.IsConnected(),
		Host:           s.cfg.Host,
		CommandPort:    s.cfg.CommandPort,
		DataPort:       s.cfg.DataPort,
		Channels:       s.cfg.Channels,
		ListenerErrors: s.hub.ListenerErrors(),
	}
	if gen := s.gen.Load(); gen != nil {
		st.Generation = gen.id
		st.Sequence = gen.seq.Load()
		st.ResyncBytes = gen.decoder.SkippedBytes()
		st.LastBlockAgeMS = s.LastBlockAge().Milliseconds()
	}
	return st
}

func (s *Session) setFaultHook(fn faultHook) {
	if fn == nil {
		s.hook.Store(nil)
		return
	}
	s.hook.Store(&fn)
}

func (s *Session) beginShutdown() {
	s.shutdown.Store(true)
	s.setState(StateShuttingDown, "shutdown")
}

func (s *Session) setState(to State, reason string) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	log.Debug().Str("from", from.String()).Str("to", to.String()).Str("reason", reason).Msg("rhx.Session state")
	s.hub.publishState(StateEvent{From: from, To: to, Reason: reason})
}
