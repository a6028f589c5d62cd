package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/danmuck/rhxlink/internal/config"
	"github.com/danmuck/rhxlink/internal/observability"
	"github.com/danmuck/rhxlink/internal/rhx"
	"github.com/danmuck/rhxlink/internal/server"
	"github.com/rs/zerolog/log"
)

var version = "dev"

var CLI struct {
	Run    RunCmd    `cmd:"" default:"withargs" help:"Connect to the acquisition device and stream blocks."`
	Config ConfigCmd `cmd:"" help:"Generate or check config files."`

	Version kong.VersionFlag `help:"Show version."`
}

type RunCmd struct {
	Config     string `short:"c" help:"TOML config file." type:"path"`
	Host       string `help:"Override device host."`
	Channels   int    `help:"Override channel count."`
	StatusAddr string `name:"status-addr" help:"Override status HTTP address; empty disables." placeholder:"ADDR"`
	NoStatus   bool   `name:"no-status" help:"Disable the status HTTP server."`
}

type ConfigCmd struct {
	Template TemplateCmd `cmd:"" help:"Write a config template."`
	Validate ValidateCmd `cmd:"" help:"Strictly validate a config file."`
}

type TemplateCmd struct {
	Kind  string `arg:"" optional:"" default:"client" enum:"client,rhxctl,sim,rhxsim" help:"Template kind."`
	Out   string `short:"o" default:"rhx.toml" type:"path" help:"Output path."`
	Force bool   `help:"Overwrite an existing file."`
}

type ValidateCmd struct {
	Kind string `default:"client" enum:"client,sim" help:"Config kind."`
	Path string `arg:"" type:"existingfile" help:"Config file."`
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("rhxctl"),
		kong.Description("Streaming client for RHX acquisition devices."),
		kong.Vars{"version": version},
		kong.UsageOnError(),
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "rhxctl: %v\n", err)
		os.Exit(1)
	}
}

func (c *RunCmd) Run() error {
	observability.InitLogger("rhxctl")

	cfg := defaultRunConfig()
	if c.Config != "" {
		if _, err := config.LoadClient(c.Config); err != nil {
			return err
		}
		loaded, err := loadRunConfig(c.Config)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if c.Host != "" {
		cfg.Service.Session.Host = c.Host
	}
	if c.Channels > 0 {
		cfg.Service.Session.Channels = c.Channels
	}
	if c.StatusAddr != "" {
		cfg.StatusAddr = c.StatusAddr
	}
	if c.NoStatus {
		cfg.StatusAddr = ""
	}

	svc, err := rhx.NewService(cfg.Service)
	if err != nil {
		return err
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	ctx, stop := context.WithCancel(sigCtx)
	defer stop()

	sc := svc.Session().Config()
	log.Info().
		Str("host", sc.Host).
		Int("command_port", sc.CommandPort).
		Int("data_port", sc.DataPort).
		Int("channels", sc.Channels).
		Bool("auto_reconnect", sc.Session.AutoReconnect).
		Str("status_addr", cfg.StatusAddr).
		Msg("rhxctl starting")

	httpErr := make(chan error, 1)
	if cfg.StatusAddr != "" {
		srv := server.New(cfg.StatusAddr, cfg.CORSOrigins, svc)
		go func() {
			err := srv.Serve(ctx)
			if err != nil {
				log.Error().Err(err).Msg("rhxctl status server failed")
				stop()
			}
			httpErr <- err
		}()
	}

	runErr := svc.Run(ctx)
	if cfg.StatusAddr != "" {
		if err := <-httpErr; err != nil {
			runErr = errors.Join(runErr, err)
		}
	}
	log.Info().Msg("rhxctl stopped")
	return runErr
}

func (c *TemplateCmd) Run() error {
	if err := config.WriteTemplate(c.Out, c.Kind, c.Force); err != nil {
		return err
	}
	fmt.Printf("wrote %s template to %s\n", c.Kind, c.Out)
	return nil
}

func (c *ValidateCmd) Run() error {
	var err error
	switch c.Kind {
	case "sim":
		_, err = config.LoadSim(c.Path)
	default:
		_, err = config.LoadClient(c.Path)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s: ok\n", c.Path)
	return nil
}
