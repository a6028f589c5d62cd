package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/danmuck/rhxlink/internal/config"
	"github.com/danmuck/rhxlink/internal/observability"
	"github.com/danmuck/rhxlink/internal/simulator"
)

var version = "dev"

var CLI struct {
	Config      string  `short:"c" help:"TOML config file; flags override its values." type:"existingfile"`
	Host        string  `help:"Listen host."`
	CommandPort int     `name:"command-port" help:"Command listener port."`
	DataPort    int     `name:"data-port" help:"Data listener port."`
	Channels    int     `help:"Channel count."`
	BlockRate   float64 `name:"block-rate" help:"Blocks per second."`
	Amplitude   float64 `help:"Sine amplitude in microvolts."`
	Noise       float64 `help:"Gaussian noise sigma in microvolts."`
	Garbage     float64 `help:"Chance per block of writing junk bytes before it."`
	Seed        int64   `help:"RNG seed; 0 uses the clock."`

	Version kong.VersionFlag `help:"Show version."`
}

func main() {
	kong.Parse(&CLI,
		kong.Name("rhxsim"),
		kong.Description("Simulated RHX acquisition device."),
		kong.Vars{"version": version},
		kong.UsageOnError(),
	)
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rhxsim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	observability.InitLogger("rhxsim")

	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	dev, err := simulator.New(cfg)
	if err != nil {
		return err
	}
	if err := dev.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return dev.Serve(ctx)
}

func buildConfig() (simulator.Config, error) {
	cfg := simulator.DefaultConfig()
	if CLI.Config != "" {
		file, err := config.LoadSim(CLI.Config)
		if err != nil {
			return simulator.Config{}, err
		}
		applyFile(&cfg, file)
	}
	if CLI.Host != "" {
		cfg.Host = CLI.Host
	}
	if CLI.CommandPort > 0 {
		cfg.CommandPort = CLI.CommandPort
	}
	if CLI.DataPort > 0 {
		cfg.DataPort = CLI.DataPort
	}
	if CLI.Channels > 0 {
		cfg.Channels = CLI.Channels
	}
	if CLI.BlockRate > 0 {
		cfg.BlockRate = CLI.BlockRate
	}
	if CLI.Amplitude > 0 {
		cfg.AmplitudeUV = CLI.Amplitude
	}
	if CLI.Noise > 0 {
		cfg.NoiseUV = CLI.Noise
	}
	if CLI.Garbage > 0 {
		cfg.GarbageRate = CLI.Garbage
	}
	cfg.Seed = CLI.Seed
	return cfg, nil
}

// applyFile copies the non-zero values of a strictly loaded sim config.
func applyFile(cfg *simulator.Config, f config.SimFile) {
	if f.Host != "" {
		cfg.Host = f.Host
	}
	if f.CommandPort > 0 {
		cfg.CommandPort = f.CommandPort
	}
	if f.DataPort > 0 {
		cfg.DataPort = f.DataPort
	}
	if f.Channels > 0 {
		cfg.Channels = f.Channels
	}
	if f.BlockRate > 0 {
		cfg.BlockRate = f.BlockRate
	}
	cfg.AmplitudeUV = f.AmplitudeUV
	cfg.NoiseUV = f.NoiseUV
	cfg.GarbageRate = f.GarbageRate
}
