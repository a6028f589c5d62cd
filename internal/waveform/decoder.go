package waveform

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync/atomic"
	"time"

	"github.com/danmuck/rhxlink/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var ErrDecoderUsed = errors.New("waveform: decoder already started")

// BlockHandler receives the RMS vector and the block's first-frame timestamp.
// rms is only valid until the handler returns.
type BlockHandler func(rms []float64, firstTimestamp int32)

type FaultHandler func(fault *StreamFault)

// ResyncHandler reports how many bytes were skipped to find the next magic.
type ResyncHandler func(skipped int)

type Handlers struct {
	OnBlock  BlockHandler
	OnFault  FaultHandler
	OnResync ResyncHandler
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Decoder turns a byte stream into per-block RMS vectors.
type Decoder struct {
	src      io.Reader
	r        *bufio.Reader
	layout   frame.Layout
	handlers Handlers

	block []byte
	sumSq []float64
	rms   []float64

	started  atomic.Bool
	running  atomic.Bool
	disposed atomic.Bool
	blocks   atomic.Uint64
	skipped  atomic.Uint64
}

func NewDecoder(src io.Reader, channels int, h Handlers) (*Decoder, error) {
	if src == nil {
		return nil, ErrNilReader
	}
	layout, err := frame.NewLayout(channels)
	if err != nil {
		return nil, err
	}
	return &Decoder{
		src:      src,
		r:        bufio.NewReaderSize(src, layout.BlockBytes),
		layout:   layout,
		handlers: h,
		block:    make([]byte, layout.BlockBytes),
		sumSq:    make([]float64, channels),
		rms:      make([]float64, channels),
	}, nil
}

func (d *Decoder) Layout() frame.Layout { return d.layout }

// IsRunning reports whether Run is inside its decode loop.
func (d *Decoder) IsRunning() bool { return d.running.Load() }

// Blocks is the number of blocks decoded so far.
func (d *Decoder) Blocks() uint64 { return d.blocks.Load() }

// SkippedBytes is the total number of bytes discarded while resyncing.
func (d *Decoder) SkippedBytes() uint64 { return d.skipped.Load() }

// Run decodes blocks until ctx is cancelled or the stream faults. A fault is
// passed to OnFault once and also returned; cancellation returns nil.
// Run may be called once per Decoder.
func (d *Decoder) Run(ctx context.Context) (err error) {
	if !d.started.CompareAndSwap(false, true) {
		return ErrDecoderUsed
	}
	d.running.Store(true)
	defer d.running.Store(false)

	stop := context.AfterFunc(ctx, d.interrupt)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			err = d.report(&StreamFault{Kind: FaultPanic, Err: fmt.Errorf("%v", r)})
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := d.syncMagic(ctx); err != nil {
			return d.fail(ctx, err)
		}
		if err := d.readFull(ctx, d.block[frame.MagicLen:]); err != nil {
			return d.fail(ctx, err)
		}
		first := d.decodeBlock()
		d.blocks.Add(1)
		d.dispatch(first)
	}
}

// Close disposes the underlying stream. A pending read fails and, unless the
// run context was already cancelled, is reported as FaultDisposed.
func (d *Decoder) Close() error {
	if !d.disposed.CompareAndSwap(false, true) {
		return nil
	}
	if c, ok := d.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// syncMagic leaves the magic value in block[0:4], skipping any bytes that
// precede it.
func (d *Decoder) syncMagic(ctx context.Context) error {
	if err := d.readFull(ctx, d.block[:frame.MagicLen]); err != nil {
		return err
	}
	window := binary.LittleEndian.Uint32(d.block[:frame.MagicLen])
	skipped := 0
	next := d.block[frame.MagicLen : frame.MagicLen+1]
	for window != frame.Magic {
		if err := d.readFull(ctx, next); err != nil {
			return err
		}
		window = window>>8 | uint32(next[0])<<24
		skipped++
	}
	if skipped > 0 {
		binary.LittleEndian.PutUint32(d.block[:frame.MagicLen], window)
		d.skipped.Add(uint64(skipped))
		d.resynced(skipped)
	}
	return nil
}

func (d *Decoder) resynced(skipped int) {
	if d.handlers.OnResync == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Int("skipped", skipped).Msg("waveform.Decoder resync listener failed")
		}
	}()
	d.handlers.OnResync(skipped)
}

func (d *Decoder) readFull(ctx context.Context, p []byte) error {
	for read := 0; read < len(p); {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := d.r.Read(p[read:])
		read += n
		if err != nil {
			if read == len(p) && errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: eof after %d of %d bytes", ErrStreamClosed, read, len(p))
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: zero-byte read after %d of %d bytes", ErrStreamClosed, read, len(p))
		}
	}
	return nil
}

func (d *Decoder) decodeBlock() int32 {
	clear(d.sumSq)
	payload := d.block[frame.MagicLen:]
	var first int32
	off := 0
	for f := 0; f < frame.FramesPerBlock; f++ {
		ts := int32(binary.LittleEndian.Uint32(payload[off:]))
		off += frame.TimestampLen
		if f == 0 {
			first = ts
		}
		for ch := range d.sumSq {
			v := frame.Microvolts(int16(binary.LittleEndian.Uint16(payload[off:])))
			off += frame.SampleLen
			d.sumSq[ch] += v * v
		}
	}
	for ch, sum := range d.sumSq {
		d.rms[ch] = math.Sqrt(sum / frame.FramesPerBlock)
	}
	return first
}

func (d *Decoder) dispatch(first int32) {
	if d.handlers.OnBlock == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Uint64("block", d.blocks.Load()).Msg("waveform.Decoder listener failed")
		}
	}()
	d.handlers.OnBlock(d.rms, first)
}

func (d *Decoder) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return d.report(d.classify(err))
}

func (d *Decoder) report(fault *StreamFault) error {
	if d.handlers.OnFault != nil {
		d.handlers.OnFault(fault)
	}
	return fault
}

func (d *Decoder) classify(err error) *StreamFault {
	kind := FaultIO
	switch {
	case d.disposed.Load(), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		kind = FaultDisposed
	case errors.Is(err, ErrStreamClosed), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrNoProgress):
		kind = FaultClosed
	}
	return &StreamFault{Kind: kind, Err: err}
}

// interrupt unblocks a pending network read when the run context ends.
func (d *Decoder) interrupt() {
	if rd, ok := d.src.(readDeadliner); ok {
		_ = rd.SetReadDeadline(time.Unix(1, 0))
	}
}
