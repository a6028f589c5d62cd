// Package waveform decodes the device's binary block stream and computes a
// per-channel RMS for every block.
//
// A Decoder owns one data connection for its lifetime. All buffers are sized
// from the channel count at construction and reused for every block; the RMS
// slice handed to OnBlock is overwritten by the next block, so listeners that
// retain values must copy them.
//
// Wire format (little-endian):
//
//	Block = MAGIC(0x2ef07a08) + 128 x Frame
//	Frame = Timestamp(int32) + C x Sample(int16)
//
// When the four bytes at the read position are not the magic value, the
// decoder slides a four-byte window forward one byte at a time until it is.
// That scan is linear in the garbage length; it is what lets a stream that
// starts mid-block or loses bytes recover without reconnecting.
package waveform
