package rhx

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// ServiceConfig configures the acquisition client runtime.
type ServiceConfig struct {
	Session           SessionConfig
	ConnectOnStart    bool
	HeartbeatInterval time.Duration
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Session:           DefaultSessionConfig(),
		ConnectOnStart:    true,
		HeartbeatInterval: 5 * time.Second,
	}
}

// Service ties a Session, its Supervisor and the latest-value cells into one
// process lifecycle.
type Service struct {
	cfg    ServiceConfig
	hub    *Hub
	sess   *Session
	sv     *Supervisor
	latest *LatestRMS
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.HeartbeatInterval <= 0 {
		return nil, ErrInvalidHeartbeat
	}
	hub := NewHub()
	sess, err := NewSession(cfg.Session, hub)
	if err != nil {
		return nil, err
	}
	cfg.Session = sess.Config()
	latest := NewLatestRMS(cfg.Session.Channels)
	hub.OnBlock(latest.Listener())
	return &Service{
		cfg:    cfg,
		hub:    hub,
		sess:   sess,
		sv:     NewSupervisor(sess),
		latest: latest,
	}, nil
}

func (s *Service) Session() *Session { return s.sess }

func (s *Service) Supervisor() *Supervisor { return s.sv }

func (s *Service) Hub() *Hub { return s.hub }

func (s *Service) Latest() *LatestRMS { return s.latest }

// Status adds supervisor counters to the session status.
func (s *Service) Status() Status {
	st := s.sess.Status()
	st.Reconnects = s.sv.Reconnects()
	st.ReconnectLoop = s.sv.Active()
	return st
}

// Connect dials both channels and sends the start routine. On failure the
// supervisor takes over when automatic reconnect is enabled.
func (s *Service) Connect(ctx context.Context) error {
	err := s.sess.ConnectAll(ctx)
	if err == nil {
		err = s.sess.StartRoutine()
	}
	if err != nil {
		log.Error().Err(err).Msg("rhx.Service.Connect failed")
		if s.sv.Trigger("connect_failed") {
			log.Info().Msg("rhx.Service.Connect handed to reconnect loop")
		}
		return err
	}
	return nil
}

// Run blocks until ctx is done, then stops the device and disconnects.
func (s *Service) Run(ctx context.Context) error {
	s.sv.Start()
	defer s.sv.Shutdown()

	if s.cfg.ConnectOnStart {
		_ = s.Connect(ctx)
	}

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("rhx.Service.Run shutdown")
			if s.sess.IsConnected() {
				_ = s.sess.StopRoutine()
			}
			return nil
		case <-ticker.C:
			st := s.Status()
			log.Info().
				Str("state", st.State.String()).
				Bool("connected", st.Connected).
				Str("generation", st.Generation).
				Uint64("sequence", st.Sequence).
				Int64("last_block_age_ms", st.LastBlockAgeMS).
				Uint64("reconnects", st.Reconnects).
				Msg("rhx.Service.heartbeat")
		}
	}
}

// Reconnect asks the supervisor for a reconnect loop.
func (s *Service) Reconnect(reason string) bool { return s.sv.Trigger(reason) }

func (s *Service) StartRoutine() error { return s.sess.StartRoutine() }

func (s *Service) StopRoutine() error { return s.sess.StopRoutine() }
