package rhx

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/danmuck/rhxlink/internal/protocol/command"
	"github.com/danmuck/rhxlink/internal/testutil/devicetest"
	"github.com/danmuck/rhxlink/internal/testutil/testlog"
)

func TestNewServiceValidates(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.HeartbeatInterval = 0
	if _, err := NewService(cfg); !errors.Is(err, ErrInvalidHeartbeat) {
		t.Fatalf("expected ErrInvalidHeartbeat, got %v", err)
	}
	cfg = DefaultServiceConfig()
	cfg.Session.Host = ""
	if _, err := NewService(cfg); !errors.Is(err, ErrHostRequired) {
		t.Fatalf("expected ErrHostRequired, got %v", err)
	}
}

func TestServiceRunConnectsAndStops(t *testing.T) {
	testlog.Start(t)
	dev := devicetest.New(t)
	cfg := DefaultServiceConfig()
	cfg.Session = testSessionConfig(dev, 2)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	if !dev.WaitCommand(command.RunModeRun, testWait) {
		t.Fatalf("start routine not sent got=%v", dev.Commands())
	}
	data := dev.NextDataConn(testWait)
	writeBlocks(t, data, 2, 1)
	waitFor(t, "latest rms", func() bool { return svc.Latest().Sequence() == 1 })

	st := svc.Status()
	if !st.Connected || st.Sequence != 1 || st.Generation == "" || st.ReconnectLoop {
		t.Fatalf("status got=%+v", st)
	}
	if got := svc.Latest().Load(1); math.Abs(got-0.195*32768) > 1e-9 {
		t.Fatalf("latest ch1 got=%v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(testWait):
		t.Fatalf("run did not return")
	}
	if !dev.WaitCommand(command.RunModeStop, testWait) {
		t.Fatalf("stop routine not sent got=%v", dev.Commands())
	}
	if svc.Session().IsConnected() || svc.Session().State() != StateDisconnected {
		t.Fatalf("session still up after run state=%v", svc.Session().State())
	}
}

func TestServiceConnectFailureHandsOffToSupervisor(t *testing.T) {
	testlog.Start(t)
	dev := devicetest.New(t)
	cfg := DefaultServiceConfig()
	cfg.Session = testSessionConfig(dev, 1)
	cfg.Session.DataPort = devicetest.UnusedPort(t)
	cfg.Session.Session.AutoReconnect = true
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Supervisor().Shutdown)
	svc.Supervisor().sleep = func(ctx context.Context, _ time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}

	if err := svc.Connect(context.Background()); !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
	if !svc.Supervisor().Active() || svc.Status().Reconnects != 1 {
		t.Fatalf("reconnect loop not started status=%+v", svc.Status())
	}
}
