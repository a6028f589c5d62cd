// Package simulator runs a stand-in acquisition device: a command listener
// that accepts ';'-terminated statements and a data listener that streams
// synthetic waveform blocks while the device is in run mode.
package simulator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/rhxlink/internal/protocol/command"
	"github.com/danmuck/rhxlink/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// DefaultBlockRate is 30 kS/s divided into 128-frame blocks.
const DefaultBlockRate = 30000.0 / frame.FramesPerBlock

var ErrNotListening = errors.New("simulator: not listening")

type Config struct {
	Host        string
	CommandPort int
	DataPort    int
	Channels    int
	BlockRate   float64
	AmplitudeUV float64
	NoiseUV     float64
	// GarbageRate is the chance per block of writing junk bytes first.
	GarbageRate float64
	Seed        int64
}

func DefaultConfig() Config {
	return Config{
		Host:        "127.0.0.1",
		CommandPort: 5000,
		DataPort:    5001,
		Channels:    64,
		BlockRate:   DefaultBlockRate,
		AmplitudeUV: 120,
		NoiseUV:     8,
	}
}

type Device struct {
	cfg    Config
	layout frame.Layout

	cmdLn  net.Listener
	dataLn net.Listener

	mu        sync.Mutex
	running   bool
	enabled   map[int]struct{}
	dataConns map[net.Conn]struct{}

	statements atomic.Int64
	blocks     atomic.Uint64
	garbage    atomic.Uint64
	cmdClients atomic.Int64
}

func New(cfg Config) (*Device, error) {
	if cfg.BlockRate <= 0 {
		cfg.BlockRate = DefaultBlockRate
	}
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.GarbageRate < 0 || cfg.GarbageRate > 1 {
		return nil, fmt.Errorf("simulator: garbage rate out of range: %v", cfg.GarbageRate)
	}
	layout, err := frame.NewLayout(cfg.Channels)
	if err != nil {
		return nil, err
	}
	return &Device{
		cfg:       cfg,
		layout:    layout,
		enabled:   make(map[int]struct{}),
		dataConns: make(map[net.Conn]struct{}),
	}, nil
}

// Listen binds both ports. Port 0 picks a free port.
func (d *Device) Listen() error {
	cmdLn, err := net.Listen("tcp", net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.CommandPort)))
	if err != nil {
		return fmt.Errorf("simulator: listen command: %w", err)
	}
	dataLn, err := net.Listen("tcp", net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.DataPort)))
	if err != nil {
		_ = cmdLn.Close()
		return fmt.Errorf("simulator: listen data: %w", err)
	}
	d.cmdLn, d.dataLn = cmdLn, dataLn
	return nil
}

func (d *Device) CommandPort() int { return port(d.cmdLn) }

func (d *Device) DataPort() int { return port(d.dataLn) }

func port(ln net.Listener) int {
	if ln == nil {
		return 0
	}
	return ln.Addr().(*net.TCPAddr).Port
}

func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// EnabledChannels counts channels enabled since the last clear.
func (d *Device) EnabledChannels() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.enabled)
}

func (d *Device) Statements() int64 { return d.statements.Load() }

func (d *Device) Blocks() uint64 { return d.blocks.Load() }

func (d *Device) GarbageWrites() uint64 { return d.garbage.Load() }

// Serve accepts clients and streams until ctx is done. Listen must have
// been called first.
func (d *Device) Serve(ctx context.Context) error {
	if d.cmdLn == nil || d.dataLn == nil {
		return ErrNotListening
	}
	log.Info().
		Str("command_addr", d.cmdLn.Addr().String()).
		Str("data_addr", d.dataLn.Addr().String()).
		Int("channels", d.cfg.Channels).
		Float64("block_rate_hz", d.cfg.BlockRate).
		Msg("simulator listening")

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		d.acceptCommands(ctx)
	}()
	go func() {
		defer wg.Done()
		d.acceptData(ctx)
	}()
	go func() {
		defer wg.Done()
		d.stream(ctx)
	}()

	<-ctx.Done()
	_ = d.cmdLn.Close()
	_ = d.dataLn.Close()
	d.mu.Lock()
	for conn := range d.dataConns {
		_ = conn.Close()
	}
	d.mu.Unlock()
	wg.Wait()
	log.Info().Uint64("blocks", d.Blocks()).Msg("simulator stopped")
	return nil
}

func (d *Device) acceptCommands(ctx context.Context) {
	var conns sync.WaitGroup
	defer conns.Wait()
	for {
		conn, err := d.cmdLn.Accept()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("simulator command accept failed")
			}
			return
		}
		conns.Add(1)
		go func() {
			defer conns.Done()
			d.handleCommands(ctx, conn)
		}()
	}
}

// handleCommands applies each statement read from conn until it closes.
func (d *Device) handleCommands(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	active := d.cmdClients.Add(1)
	log.Info().Str("remote", remote).Int64("active_clients", active).Msg("simulator command client connected")
	defer func() {
		remaining := d.cmdClients.Add(-1)
		log.Info().Str("remote", remote).Int64("active_clients", remaining).Msg("simulator command client disconnected")
	}()

	reader := bufio.NewReader(conn)
	buf := make([]byte, 4096)
	var pending string
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			var stmts []string
			stmts, pending = command.Split(pending + string(buf[:n]))
			for _, stmt := range stmts {
				d.apply(stmt)
			}
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Warn().Err(err).Str("remote", remote).Msg("simulator command read failed")
			}
			return
		}
	}
}

// apply interprets the statements the client sends. Anything else is
// counted and ignored.
func (d *Device) apply(stmt string) {
	d.statements.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case stmt == command.RunModeRun:
		if !d.running {
			log.Info().Int("enabled", len(d.enabled)).Msg("simulator run mode")
		}
		d.running = true
	case stmt == command.RunModeStop:
		if d.running {
			log.Info().Msg("simulator stop mode")
		}
		d.running = false
	case stmt == command.ClearOutputs:
		clear(d.enabled)
	case strings.HasSuffix(stmt, ".tcpdataoutputenabled true;"):
		if ch, ok := parseChannel(stmt); ok {
			d.enabled[ch] = struct{}{}
		}
	default:
		log.Debug().Str("stmt", stmt).Msg("simulator ignored statement")
	}
}

// parseChannel extracts N from "set a-NNN.<property> ...;".
func parseChannel(stmt string) (int, bool) {
	rest, ok := strings.CutPrefix(stmt, "set a-")
	if !ok {
		return 0, false
	}
	num, _, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, false
	}
	ch, err := strconv.Atoi(num)
	if err != nil || ch < 0 {
		return 0, false
	}
	return ch, true
}

func (d *Device) acceptData(ctx context.Context) {
	for {
		conn, err := d.dataLn.Accept()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("simulator data accept failed")
			}
			return
		}
		d.mu.Lock()
		if ctx.Err() != nil {
			d.mu.Unlock()
			_ = conn.Close()
			return
		}
		d.dataConns[conn] = struct{}{}
		d.mu.Unlock()
		log.Info().Str("remote", conn.RemoteAddr().String()).Msg("simulator data client connected")
	}
}

// stream writes one block per tick to every data client while running.
func (d *Device) stream(ctx context.Context) {
	interval := time.Duration(float64(time.Second) / d.cfg.BlockRate)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	gen := newSignal(d.cfg, d.layout)
	var (
		block []byte
		err   error
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !d.Running() {
			continue
		}
		block, err = gen.next(block[:0])
		if err != nil {
			log.Error().Err(err).Msg("simulator encode failed")
			return
		}
		if d.cfg.GarbageRate > 0 && gen.rng.Float64() < d.cfg.GarbageRate {
			junk := gen.junk()
			d.broadcast(junk)
			d.garbage.Add(1)
		}
		if d.broadcast(block) > 0 {
			d.blocks.Add(1)
		}
	}
}

// broadcast writes p to each data client, dropping clients that fail.
func (d *Device) broadcast(p []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	sent := 0
	for conn := range d.dataConns {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := conn.Write(p); err != nil {
			log.Info().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("simulator data client dropped")
			_ = conn.Close()
			delete(d.dataConns, conn)
			continue
		}
		sent++
	}
	return sent
}

// signal produces a per-channel sine with gaussian noise, expressed as raw
// counts centred on zero.
type signal struct {
	cfg    Config
	layout frame.Layout
	rng    *rand.Rand
	frames []frame.Frame
	ts     int32
}

func newSignal(cfg Config, layout frame.Layout) *signal {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	frames := make([]frame.Frame, frame.FramesPerBlock)
	for i := range frames {
		frames[i].Samples = make([]int16, layout.Channels)
	}
	return &signal{
		cfg:    cfg,
		layout: layout,
		rng:    rand.New(rand.NewSource(seed)),
		frames: frames,
	}
}

func (s *signal) next(dst []byte) ([]byte, error) {
	sampleRate := s.cfg.BlockRate * frame.FramesPerBlock
	for i := range s.frames {
		f := &s.frames[i]
		f.Timestamp = s.ts
		t := float64(s.ts) / sampleRate
		for ch := range f.Samples {
			hz := 5.0 + float64(ch%16)
			uv := s.cfg.AmplitudeUV*math.Sin(2*math.Pi*hz*t+float64(ch)) + s.cfg.NoiseUV*s.rng.NormFloat64()
			f.Samples[ch] = toCounts(uv)
		}
		s.ts++
	}
	return frame.AppendBlock(dst, s.layout, s.frames)
}

// junk returns 1..16 random bytes that never form the magic.
func (s *signal) junk() []byte {
	n := 1 + s.rng.Intn(16)
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(s.rng.Intn(0x08))
	}
	return out
}

func toCounts(uv float64) int16 {
	c := math.Round(uv / frame.CountScale)
	return int16(max(math.MinInt16, min(math.MaxInt16, c)))
}
