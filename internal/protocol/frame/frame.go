package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic opens every waveform block on the data channel.
	Magic uint32 = 0x2ef07a08

	FramesPerBlock = 128
	MagicLen       = 4
	TimestampLen   = 4
	SampleLen      = 2

	MinChannels = 1
	MaxChannels = 256

	// CountScale and CountOffset convert a raw sample count to microvolts.
	CountScale  = 0.195
	CountOffset = 32768
)

var (
	ErrChannelCount  = errors.New("frame: channel count out of range")
	ErrFrameCount    = errors.New("frame: block needs exactly 128 frames")
	ErrSampleCount   = errors.New("frame: sample count does not match channel count")
	ErrShortBlock    = errors.New("frame: buffer shorter than block")
	ErrMagicMismatch = errors.New("frame: magic mismatch")
)

// Layout holds the byte geometry of one block for a fixed channel count.
type Layout struct {
	Channels   int
	FrameBytes int
	BlockBytes int
}

func NewLayout(channels int) (Layout, error) {
	if channels < MinChannels || channels > MaxChannels {
		return Layout{}, fmt.Errorf("%w: %d", ErrChannelCount, channels)
	}
	frameBytes := TimestampLen + SampleLen*channels
	return Layout{
		Channels:   channels,
		FrameBytes: frameBytes,
		BlockBytes: MagicLen + FramesPerBlock*frameBytes,
	}, nil
}

// PayloadBytes is the block size without the leading magic.
func (l Layout) PayloadBytes() int {
	return FramesPerBlock * l.FrameBytes
}

// Frame is one timestamped sample vector.
type Frame struct {
	Timestamp int32
	Samples   []int16
}

// Microvolts converts a raw sample count to a calibrated value.
func Microvolts(raw int16) float64 {
	return CountScale * (float64(raw) - CountOffset)
}

// AppendBlock appends the wire encoding of frames to dst.
func AppendBlock(dst []byte, l Layout, frames []Frame) ([]byte, error) {
	if len(frames) != FramesPerBlock {
		return dst, fmt.Errorf("%w: got=%d", ErrFrameCount, len(frames))
	}
	for i, f := range frames {
		if len(f.Samples) != l.Channels {
			return dst, fmt.Errorf("%w: frame=%d got=%d want=%d", ErrSampleCount, i, len(f.Samples), l.Channels)
		}
	}
	dst = binary.LittleEndian.AppendUint32(dst, Magic)
	for _, f := range frames {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(f.Timestamp))
		for _, s := range f.Samples {
			dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
		}
	}
	return dst, nil
}

// ReadTimestamp returns the timestamp of frame i inside a full block buffer.
func ReadTimestamp(block []byte, l Layout, i int) (int32, error) {
	if len(block) < l.BlockBytes {
		return 0, ErrShortBlock
	}
	if binary.LittleEndian.Uint32(block[:MagicLen]) != Magic {
		return 0, ErrMagicMismatch
	}
	off := MagicLen + i*l.FrameBytes
	return int32(binary.LittleEndian.Uint32(block[off : off+TimestampLen])), nil
}
