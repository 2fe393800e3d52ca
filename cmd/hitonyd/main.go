// Command hitonyd is the firmware entrypoint: it derives the device
// identity, loads settings, opens the audio devices, and starts the Capture
// & Pipeline Worker (A) and the Control Worker (B) side by side.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"hitony/internal/codec"
	"hitony/internal/config"
	"hitony/internal/control"
	"hitony/internal/identity"
	"hitony/internal/pipeline"
	"hitony/internal/pool"
	"hitony/internal/transport"
)

const ringCapacitySamples = 16000 // 1s of mono PCM at 16kHz, per ring buffer

// headlessDisplay satisfies control.Display when no real board-support
// package is wired in; it just logs the expression change.
type headlessDisplay struct{ log *log.Logger }

func (d headlessDisplay) SetExpression(expr string, duration time.Duration) {
	d.log.Info("expression", "expr", expr, "duration", duration)
}

func main() {
	var (
		serverAddr  = pflag.StringP("server", "s", "", "cloud conversation service address (overrides config)")
		deviceIDOpt = pflag.String("device-id", "", "override derived device id (development only)")
		logLevel    = pflag.String("log-level", "", "log level: debug|info|warn|error (overrides config)")
	)
	pflag.Parse()

	cfg := config.Load()
	if *serverAddr != "" {
		cfg.ServerAddr = *serverAddr
	}
	if *deviceIDOpt != "" {
		cfg.DeviceIDOverride = *deviceIDOpt
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("hitonyd exited", "err", err)
	}
}

func run(cfg config.Config, logger *log.Logger) error {
	addr, err := normalizeServerAddr(cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("main: %w", err)
	}

	id, err := deriveIdentity(cfg)
	if err != nil {
		return fmt.Errorf("main: %w", err)
	}
	logger.Info("device identity", "device_id", id.DeviceID)

	p := pool.New()

	capture, playback, err := pipeline.OpenDefaultDevices(codec.SampleRate, 160, codec.DownlinkFrameSamples)
	if err != nil {
		return fmt.Errorf("main: open audio devices: %w", err)
	}

	enc, err := codec.NewEncoder()
	if err != nil {
		return fmt.Errorf("main: new encoder: %w", err)
	}
	dec, err := codec.NewDecoder()
	if err != nil {
		return fmt.Errorf("main: new decoder: %w", err)
	}

	frontendCfg := cfg.ToFrontendConfig(codec.SampleRate, 160)
	worker := pipeline.NewWorker(pipeline.Config{Frontend: frontendCfg}, capture, playback, enc, dec, ringCapacitySamples, p, logger)

	transportFactory := func() control.Session {
		return transport.New(p, logger)
	}

	ctrl := control.New(control.Config{
		ServerAddr:  addr,
		DeviceID:    id.DeviceID,
		DeviceToken: id.DeviceToken,
	}, transportFactory, worker, p, headlessDisplay{log: logger}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- worker.Run(ctx) }()
	go func() { errCh <- ctrl.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			cancel()
			return err
		}
	}
	return nil
}

func deriveIdentity(cfg config.Config) (identity.Identity, error) {
	if cfg.DeviceIDOverride != "" {
		return identity.Identity{DeviceID: cfg.DeviceIDOverride, DeviceToken: cfg.DeviceIDOverride}, nil
	}
	return identity.DeriveFromPrimaryInterface()
}
