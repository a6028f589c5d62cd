// Package session holds transport reliability settings for the device link.
//
// Ownership boundary:
// - connect/write timeouts
// - watchdog timeout and tick interval
// - reconnect backoff
// - socket tuning knobs
package session
