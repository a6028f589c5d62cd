package waveform

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"testing"
	"testing/iotest"
	"time"

	"github.com/danmuck/rhxlink/internal/protocol/frame"
	"github.com/danmuck/rhxlink/internal/testutil/testlog"
)

type blockResult struct {
	rms   []float64
	first int32
}

func buildBlock(t *testing.T, channels int, firstTS int32, sample func(f, ch int) int16) []byte {
	t.Helper()
	l, err := frame.NewLayout(channels)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	frames := make([]frame.Frame, frame.FramesPerBlock)
	for f := range frames {
		s := make([]int16, channels)
		for ch := range s {
			s[ch] = sample(f, ch)
		}
		frames[f] = frame.Frame{Timestamp: firstTS + int32(f), Samples: s}
	}
	b, err := frame.AppendBlock(nil, l, frames)
	if err != nil {
		t.Fatalf("append block: %v", err)
	}
	return b
}

func expectedRMS(channels int, sample func(f, ch int) int16) []float64 {
	out := make([]float64, channels)
	for ch := range out {
		var sum float64
		for f := 0; f < frame.FramesPerBlock; f++ {
			v := 0.195 * (float64(sample(f, ch)) - 32768)
			sum += v * v
		}
		out[ch] = math.Sqrt(sum / 128)
	}
	return out
}

// decodeAll runs a decoder over r until the stream ends and returns copies of
// every block plus the terminating fault.
func decodeAll(t *testing.T, r io.Reader, channels int) ([]blockResult, *StreamFault) {
	t.Helper()
	var got []blockResult
	var fault *StreamFault
	faults := 0
	d, err := NewDecoder(r, channels, Handlers{
		OnBlock: func(rms []float64, first int32) {
			got = append(got, blockResult{rms: append([]float64(nil), rms...), first: first})
		},
		OnFault: func(f *StreamFault) {
			faults++
			fault = f
		},
	})
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}
	runErr := d.Run(context.Background())
	if faults > 1 {
		t.Fatalf("fault reported %d times", faults)
	}
	if fault != nil && !errors.Is(runErr, fault) {
		t.Fatalf("run returned %v, fault handler saw %v", runErr, fault)
	}
	return got, fault
}

func assertRMS(t *testing.T, got, want []float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("rms len got=%d want=%d", len(got), len(want))
	}
	for ch := range want {
		if math.Abs(got[ch]-want[ch]) > 1e-9 {
			t.Fatalf("rms[%d] got=%v want=%v", ch, got[ch], want[ch])
		}
	}
}

func TestDecoderAllZeroRawSamples(t *testing.T) {
	testlog.Start(t)
	zero := func(int, int) int16 { return 0 }
	blocks, fault := decodeAll(t, bytes.NewReader(buildBlock(t, 4, 77, zero)), 4)
	if len(blocks) != 1 {
		t.Fatalf("blocks got=%d", len(blocks))
	}
	for ch, v := range blocks[0].rms {
		if math.Abs(v-0.195*32768) > 1e-9 {
			t.Fatalf("rms[%d] got=%v", ch, v)
		}
	}
	if blocks[0].first != 77 {
		t.Fatalf("first timestamp got=%d", blocks[0].first)
	}
	if fault == nil || fault.Kind != FaultClosed {
		t.Fatalf("expected closed fault at end of stream, got %v", fault)
	}
}

func TestDecoderDistinguishedChannel(t *testing.T) {
	testlog.Start(t)
	sample := func(f, ch int) int16 {
		if ch == 2 {
			return int16(f*250 - 16000)
		}
		return 0
	}
	blocks, _ := decodeAll(t, bytes.NewReader(buildBlock(t, 5, -12, sample)), 5)
	if len(blocks) != 1 {
		t.Fatalf("blocks got=%d", len(blocks))
	}
	assertRMS(t, blocks[0].rms, expectedRMS(5, sample))
	if blocks[0].rms[2] == blocks[0].rms[0] {
		t.Fatalf("distinguished channel not distinct: %v", blocks[0].rms)
	}
	if blocks[0].first != -12 {
		t.Fatalf("first timestamp got=%d", blocks[0].first)
	}
}

func TestDecoderFullSampleRange(t *testing.T) {
	testlog.Start(t)
	sample := func(f, ch int) int16 {
		if f%2 == 0 {
			return math.MinInt16
		}
		return math.MaxInt16
	}
	blocks, _ := decodeAll(t, bytes.NewReader(buildBlock(t, 1, 0, sample)), 1)
	if len(blocks) != 1 {
		t.Fatalf("blocks got=%d", len(blocks))
	}
	assertRMS(t, blocks[0].rms, expectedRMS(1, sample))
}

func TestDecoderResyncAfterGarbage(t *testing.T) {
	testlog.Start(t)
	sample := func(f, ch int) int16 { return int16(f*ch - 300) }
	block := buildBlock(t, 3, 4242, sample)
	base, _ := decodeAll(t, bytes.NewReader(block), 3)
	if len(base) != 1 {
		t.Fatalf("baseline blocks got=%d", len(base))
	}

	for _, k := range []int{0, 1, 3, 127} {
		stream := append(bytes.Repeat([]byte{0xAA}, k), block...)
		var skipped int
		d, err := NewDecoder(bytes.NewReader(stream), 3, Handlers{
			OnBlock: func(rms []float64, first int32) {
				assertRMS(t, rms, base[0].rms)
				if first != base[0].first {
					t.Fatalf("k=%d first got=%d want=%d", k, first, base[0].first)
				}
			},
			OnResync: func(n int) { skipped += n },
		})
		if err != nil {
			t.Fatalf("new decoder: %v", err)
		}
		_ = d.Run(context.Background())
		if d.Blocks() != 1 {
			t.Fatalf("k=%d blocks got=%d", k, d.Blocks())
		}
		if skipped != k || d.SkippedBytes() != uint64(k) {
			t.Fatalf("k=%d skipped got=%d counter=%d", k, skipped, d.SkippedBytes())
		}
	}
}

func TestDecoderResyncMidStreamCorruption(t *testing.T) {
	testlog.Start(t)
	a := buildBlock(t, 2, 0, func(f, ch int) int16 { return 100 })
	b := buildBlock(t, 2, 128, func(f, ch int) int16 { return -100 })
	// the tail of a block whose magic was lost sits between a and b
	lost := b[frame.MagicLen : len(b)/3]
	var stream []byte
	stream = append(stream, a...)
	stream = append(stream, lost...)
	stream = append(stream, b...)

	var blocks []blockResult
	d, _ := NewDecoder(bytes.NewReader(stream), 2, Handlers{
		OnBlock: func(rms []float64, first int32) {
			blocks = append(blocks, blockResult{rms: append([]float64(nil), rms...), first: first})
		},
	})
	_ = d.Run(context.Background())
	if len(blocks) != 2 {
		t.Fatalf("blocks got=%d", len(blocks))
	}
	assertRMS(t, blocks[0].rms, expectedRMS(2, func(int, int) int16 { return 100 }))
	assertRMS(t, blocks[1].rms, expectedRMS(2, func(int, int) int16 { return -100 }))
	if blocks[1].first != 128 {
		t.Fatalf("second block first timestamp got=%d", blocks[1].first)
	}
	if d.SkippedBytes() != uint64(len(lost)) {
		t.Fatalf("skipped got=%d want=%d", d.SkippedBytes(), len(lost))
	}
}

func TestDecoderPartialReadsAssembleBlocks(t *testing.T) {
	testlog.Start(t)
	sample := func(f, ch int) int16 { return int16(f - ch) }
	block := buildBlock(t, 8, 9, sample)
	stream := append(append([]byte{}, block...), block...)
	want := expectedRMS(8, sample)

	readers := map[string]io.Reader{
		"one-byte": iotest.OneByteReader(bytes.NewReader(stream)),
		"half":     iotest.HalfReader(bytes.NewReader(stream)),
		"data-err": iotest.DataErrReader(bytes.NewReader(stream)),
	}
	for name, r := range readers {
		blocks, fault := decodeAll(t, r, 8)
		if len(blocks) != 2 {
			t.Fatalf("%s: blocks got=%d", name, len(blocks))
		}
		for _, b := range blocks {
			assertRMS(t, b.rms, want)
		}
		if fault == nil || fault.Kind != FaultClosed {
			t.Fatalf("%s: expected closed fault, got %v", name, fault)
		}
	}
}

func TestDecoderTruncatedBlockFaults(t *testing.T) {
	testlog.Start(t)
	block := buildBlock(t, 2, 0, func(int, int) int16 { return 1 })
	blocks, fault := decodeAll(t, bytes.NewReader(block[:len(block)-5]), 2)
	if len(blocks) != 0 {
		t.Fatalf("truncated block delivered: %d", len(blocks))
	}
	if fault == nil || fault.Kind != FaultClosed || !errors.Is(fault, ErrStreamClosed) {
		t.Fatalf("expected closed fault, got %v", fault)
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) { return 0, nil }

func TestDecoderZeroByteReadFaults(t *testing.T) {
	testlog.Start(t)
	block := buildBlock(t, 1, 0, func(int, int) int16 { return 1 })
	r := io.MultiReader(bytes.NewReader(block[:100]), zeroReader{})
	blocks, fault := decodeAll(t, r, 1)
	if len(blocks) != 0 {
		t.Fatalf("partial block delivered")
	}
	if fault == nil || fault.Kind != FaultClosed {
		t.Fatalf("expected closed fault, got %v", fault)
	}
}

func TestDecoderReusesResultBuffer(t *testing.T) {
	testlog.Start(t)
	var stream []byte
	for i := 0; i < 3; i++ {
		v := int16(i * 1000)
		stream = append(stream, buildBlock(t, 2, int32(i*128), func(int, int) int16 { return v })...)
	}
	var kept [][]float64
	var ptr *float64
	d, _ := NewDecoder(bytes.NewReader(stream), 2, Handlers{
		OnBlock: func(rms []float64, first int32) {
			if ptr == nil {
				ptr = &rms[0]
			} else if ptr != &rms[0] {
				t.Fatalf("rms buffer identity changed")
			}
			kept = append(kept, rms)
		},
	})
	_ = d.Run(context.Background())
	if len(kept) != 3 {
		t.Fatalf("blocks got=%d", len(kept))
	}
	last := expectedRMS(2, func(int, int) int16 { return 2000 })
	for _, k := range kept {
		// uncopied references all show the final block
		assertRMS(t, k, last)
	}
}

func TestDecoderListenerPanicIsolated(t *testing.T) {
	testlog.Start(t)
	block := buildBlock(t, 1, 0, func(int, int) int16 { return 5 })
	stream := append(append([]byte{}, block...), block...)
	calls := 0
	d, _ := NewDecoder(bytes.NewReader(stream), 1, Handlers{
		OnBlock: func([]float64, int32) {
			calls++
			if calls == 1 {
				panic("listener boom")
			}
		},
	})
	_ = d.Run(context.Background())
	if calls != 2 || d.Blocks() != 2 {
		t.Fatalf("calls=%d blocks=%d", calls, d.Blocks())
	}
}

func TestDecoderResyncPanicIsolated(t *testing.T) {
	testlog.Start(t)
	block := buildBlock(t, 1, 0, func(int, int) int16 { return 5 })
	var stream []byte
	for i := 0; i < 2; i++ {
		stream = append(stream, 0x01, 0x02, 0x03)
		stream = append(stream, block...)
	}
	resyncs := 0
	var fault *StreamFault
	d, _ := NewDecoder(bytes.NewReader(stream), 1, Handlers{
		OnResync: func(int) {
			resyncs++
			panic("resync boom")
		},
		OnFault: func(f *StreamFault) { fault = f },
	})
	_ = d.Run(context.Background())
	if resyncs != 2 || d.Blocks() != 2 || d.SkippedBytes() != 6 {
		t.Fatalf("resyncs=%d blocks=%d skipped=%d", resyncs, d.Blocks(), d.SkippedBytes())
	}
	if fault == nil || fault.Kind != FaultClosed {
		t.Fatalf("expected closed fault at end of stream, got %v", fault)
	}
}

func TestDecoderCancelExitsWithoutFault(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer server.Close()
	faulted := make(chan struct{}, 1)
	d, _ := NewDecoder(client, 1, Handlers{OnFault: func(*StreamFault) { faulted <- struct{}{} }})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitRunning(t, d)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("decoder did not stop on cancel")
	}
	select {
	case <-faulted:
		t.Fatalf("cancellation reported as fault")
	default:
	}
	if d.IsRunning() {
		t.Fatalf("decoder still running")
	}
}

func TestDecoderDisposeMidReadFaults(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer server.Close()
	faults := make(chan *StreamFault, 2)
	d, _ := NewDecoder(client, 1, Handlers{OnFault: func(f *StreamFault) { faults <- f }})

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	waitRunning(t, d)
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case f := <-faults:
		if f.Kind != FaultDisposed {
			t.Fatalf("expected disposed fault, got %v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no fault after dispose")
	}
	if err := <-done; err == nil {
		t.Fatalf("expected run error after dispose")
	}
	if len(faults) != 0 {
		t.Fatalf("fault reported more than once")
	}
}

func TestDecoderRunOnce(t *testing.T) {
	testlog.Start(t)
	d, _ := NewDecoder(bytes.NewReader(nil), 1, Handlers{})
	_ = d.Run(context.Background())
	if err := d.Run(context.Background()); !errors.Is(err, ErrDecoderUsed) {
		t.Fatalf("expected ErrDecoderUsed, got %v", err)
	}
}

func TestNewDecoderValidates(t *testing.T) {
	testlog.Start(t)
	if _, err := NewDecoder(nil, 1, Handlers{}); !errors.Is(err, ErrNilReader) {
		t.Fatalf("expected ErrNilReader, got %v", err)
	}
	if _, err := NewDecoder(bytes.NewReader(nil), 0, Handlers{}); !errors.Is(err, frame.ErrChannelCount) {
		t.Fatalf("expected ErrChannelCount, got %v", err)
	}
}

type loopReader struct {
	data []byte
	off  int
}

func (r *loopReader) Read(p []byte) (int, error) {
	n := copy(p, r.data[r.off:])
	r.off = (r.off + n) % len(r.data)
	return n, nil
}

func TestDecoderSteadyStateDoesNotAllocate(t *testing.T) {
	testlog.Start(t)
	block := buildBlock(t, 64, 0, func(f, ch int) int16 { return int16(f + ch) })
	d, _ := NewDecoder(&loopReader{data: block}, 64, Handlers{OnBlock: func([]float64, int32) {}})
	ctx := context.Background()
	allocs := testing.AllocsPerRun(50, func() {
		if err := d.syncMagic(ctx); err != nil {
			t.Fatalf("sync: %v", err)
		}
		if err := d.readFull(ctx, d.block[frame.MagicLen:]); err != nil {
			t.Fatalf("read: %v", err)
		}
		d.dispatch(d.decodeBlock())
	})
	if allocs != 0 {
		t.Fatalf("allocs per block got=%v", allocs)
	}
}

func waitRunning(t *testing.T, d *Decoder) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !d.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatalf("decoder never started")
		}
		time.Sleep(time.Millisecond)
	}
}
