package server

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/rhxlink/internal/observability"
	"github.com/danmuck/rhxlink/internal/rhx"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// Device is the part of the acquisition service the status surface reads
// and controls.
type Device interface {
	Status() rhx.Status
	Latest() *rhx.LatestRMS
	Reconnect(reason string) bool
	StartRoutine() error
	StopRoutine() error
}

type Server struct {
	addr     string
	device   Device
	router   *gin.Engine
	appeared time.Time
}

func New(addr string, corsOrigins []string, device Device) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		addr:     addr,
		device:   device,
		router:   r,
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine { return s.router }

// Serve listens on the configured address until ctx is done, then drains
// in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("server.Serve listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": "rhx-link",
			"version": "0.1.0",
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		st := s.device.Status()
		code := http.StatusOK
		if !st.Connected {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready": st.Connected,
			"state": st.State,
		})
	})

	s.router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.device.Status())
	})

	s.router.GET("/rms", func(c *gin.Context) {
		latest := s.device.Latest()
		values := latest.Snapshot(nil)
		out := make([]*float64, len(values))
		for i := range values {
			if !math.IsNaN(values[i]) {
				out[i] = &values[i]
			}
		}
		var updated string
		if at := latest.UpdatedAt(); !at.IsZero() {
			updated = at.UTC().Format(time.RFC3339Nano)
		}
		c.JSON(http.StatusOK, gin.H{
			"sequence":   latest.Sequence(),
			"updated_at": updated,
			"channels":   out,
		})
	})

	s.router.POST("/routine/:action", func(c *gin.Context) {
		var err error
		switch c.Param("action") {
		case "start":
			err = s.device.StartRoutine()
		case "stop":
			err = s.device.StopRoutine()
		default:
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown routine"})
			return
		}
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, rhx.ErrNotConnected) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.router.POST("/reconnect", func(c *gin.Context) {
		started := s.device.Reconnect("manual")
		c.JSON(http.StatusAccepted, gin.H{"started": started})
	})

	s.router.GET("/metrics", gin.WrapH(observability.Handler()))
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
