package rhx

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/rhxlink/internal/observability"
	"github.com/danmuck/rhxlink/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Supervisor reconnects a Session after stream faults and silent stalls.
// At most one reconnect loop runs at a time.
type Supervisor struct {
	sess  *Session
	cfg   session.Config
	rng   *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc

	active     atomic.Bool
	reconnects atomic.Uint64

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

func NewSupervisor(sess *Session) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	sv := &Supervisor{
		sess:   sess,
		cfg:    sess.cfg.Session,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepContext,
		ctx:    ctx,
		cancel: cancel,
	}
	sess.setFaultHook(func(reason string, _ error) {
		sv.Trigger(reason)
	})
	return sv
}

// Start launches the watchdog. Calls after the first, or after Shutdown, do
// nothing.
func (sv *Supervisor) Start() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.started || sv.stopped {
		return
	}
	sv.started = true
	sv.wg.Add(1)
	go sv.watchdog()
}

// Active reports whether a reconnect loop is running.
func (sv *Supervisor) Active() bool { return sv.active.Load() }

// Reconnects counts reconnect loops started.
func (sv *Supervisor) Reconnects() uint64 { return sv.reconnects.Load() }

// Trigger starts a reconnect loop unless one is already running, automatic
// reconnect is off, or the supervisor is shut down. It never blocks on I/O.
func (sv *Supervisor) Trigger(reason string) bool {
	if !sv.cfg.AutoReconnect {
		return false
	}
	sv.mu.Lock()
	if sv.stopped {
		sv.mu.Unlock()
		return false
	}
	if !sv.active.CompareAndSwap(false, true) {
		sv.mu.Unlock()
		log.Debug().Str("reason", reason).Msg("rhx.Supervisor trigger collapsed into active loop")
		return false
	}
	sv.wg.Add(1)
	sv.mu.Unlock()

	sv.reconnects.Add(1)
	observability.RecordReconnect(reason)
	// state listeners run outside mu so they may call Trigger
	sv.sess.setState(StateReconnecting, reason)
	go sv.loop(reason)
	return true
}

func (sv *Supervisor) watchdog() {
	defer sv.wg.Done()
	ticker := time.NewTicker(sv.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sv.ctx.Done():
			return
		case <-ticker.C:
			sv.checkWatchdog()
		}
	}
}

// checkWatchdog triggers a reconnect when the current generation reported a
// lost link without a loop picking it up, or when no block has completed
// within the watchdog timeout. Sessions that never connected are left alone.
func (sv *Supervisor) checkWatchdog() bool {
	if !sv.cfg.AutoReconnect || sv.active.Load() || !sv.sess.hasGeneration() {
		return false
	}
	if sv.sess.linkLost() {
		log.Warn().Msg("rhx.Supervisor watchdog found a lost link")
		return sv.Trigger("link_lost")
	}
	age := sv.sess.LastBlockAge()
	if age <= sv.cfg.WatchdogTimeout {
		return false
	}
	log.Warn().
		Err(ErrWatchdogTimeout).
		Dur("since_last_block", age).
		Dur("timeout", sv.cfg.WatchdogTimeout).
		Msg("rhx.Supervisor watchdog expired")
	return sv.Trigger("watchdog")
}

func (sv *Supervisor) loop(reason string) {
	defer sv.wg.Done()
	defer sv.active.Store(false)

	for attempt := 1; ; attempt++ {
		delay := session.NextBackoffDelay(sv.cfg.Backoff, attempt, sv.rng)
		log.Info().Str("reason", reason).Int("attempt", attempt).Dur("delay", delay).Msg("rhx.Supervisor reconnecting")
		if err := sv.sleep(sv.ctx, delay); err != nil {
			return
		}

		err := sv.sess.ConnectAll(sv.ctx)
		if err == nil {
			err = sv.sess.StartRoutine()
		}
		if err == nil {
			log.Info().Str("reason", reason).Int("attempt", attempt).Str("generation", sv.sess.Generation()).Msg("rhx.Supervisor reconnected")
			return
		}
		if sv.ctx.Err() != nil || errors.Is(err, ErrShuttingDown) {
			return
		}
		log.Warn().Err(err).Str("reason", reason).Int("attempt", attempt).Msg("rhx.Supervisor reconnect failed")
		sv.sess.setState(StateReconnecting, reason)
	}
}

// Shutdown stops the watchdog, cancels any pending or in-flight reconnect
// attempt and disconnects the session. New triggers are refused.
func (sv *Supervisor) Shutdown() {
	sv.mu.Lock()
	if sv.stopped {
		sv.mu.Unlock()
		return
	}
	sv.stopped = true
	sv.mu.Unlock()

	sv.sess.beginShutdown()
	sv.cancel()
	sv.wg.Wait()
	sv.sess.DisconnectAll()
	sv.sess.setState(StateDisconnected, "shutdown")
	log.Info().Uint64("reconnects", sv.reconnects.Load()).Msg("rhx.Supervisor stopped")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
