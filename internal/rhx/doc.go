// Package rhx manages the paired command and data connections to an RHX
// acquisition device.
//
// Ownership boundary:
// - Session: dial/tune/teardown of both sockets, decoder lifecycle, command routines
// - Supervisor: stream-fault and watchdog driven reconnect with capped backoff
// - Hub: fan-out of decoded blocks, faults and state changes to listeners
// - Service: process lifecycle tying the above together
//
// Decoded blocks are delivered on the decoder's goroutine. The RMS slice in a
// BlockEvent is reused for the next block; listeners copy what they keep, or
// use SubscribeBlocks / LatestRMS which copy for them.
package rhx
