package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/micapture/internal/capture"
	"github.com/skypro1111/micapture/internal/config"
	"github.com/skypro1111/micapture/internal/device"
)

const (
	serviceName    = "micapture"
	serviceVersion = "1.0.0"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "serve":
			return runServe(args[1:])
		case "inspect":
			return runInspect(args[1:], os.Stdout)
		case "devices":
			for _, name := range device.Backends() {
				fmt.Println(name)
			}
			return nil
		}
	}
	return runRecord(args)
}

// commonFlags are shared by record and serve
type commonFlags struct {
	configPath string
	backend    string
	name       string
	out        string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to configuration file (defaults when empty)")
	fs.StringVar(&c.backend, "device", "", "Override device backend ("+fmt.Sprint(device.Backends())+")")
	fs.StringVar(&c.name, "name", "", "Override device name (source, ALSA device or file path)")
	fs.StringVar(&c.out, "out", "", "Override output WAV path")
}

// loadConfig loads the config file, or defaults, and applies flag overrides
func (c *commonFlags) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if c.configPath != "" {
		loaded, err := config.Load(c.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if c.backend != "" {
		cfg.Device.Backend = c.backend
	}
	if c.name != "" {
		cfg.Device.Name = c.name
	}
	if c.out != "" {
		cfg.Output.Path = c.out
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// newSession builds the configured device and a capture session around it
func newSession(cfg *config.Config, logger *slog.Logger, opts ...capture.Option) (*capture.Session, error) {
	format, err := cfg.Audio.Format()
	if err != nil {
		return nil, fmt.Errorf("audio config: %w", err)
	}

	dev, err := device.New(device.Config{
		Backend:      cfg.Device.Backend,
		Name:         cfg.Device.Name,
		BindAddress:  cfg.Device.BindAddress,
		UDPPort:      cfg.Device.UDPPort,
		Framing:      cfg.Device.Framing,
		BufferSize:   cfg.Device.BufferSize,
		PollInterval: cfg.Device.GetPollInterval(),
		Realtime:     cfg.Device.Realtime,
		Format:       format,
		Logger:       logger.With(slog.String("component", "device")),
	})
	if err != nil {
		return nil, err
	}

	options := []capture.Option{
		capture.WithFormat(format),
		capture.WithHeaderLayout(cfg.Audio.Layout()),
		capture.WithChunkSize(cfg.Audio.ChunkSize),
		capture.WithTickInterval(cfg.Audio.GetTickInterval()),
		capture.WithLogger(logger.With(slog.String("component", "capture"))),
	}
	if cfg.Output.Path != "" {
		options = append(options, capture.WithOutputPath(cfg.Output.Path))
	}

	return capture.NewSession(dev, append(options, opts...)...), nil
}

// runRecord records until Enter, a signal, or -duration elapses
func runRecord(args []string) error {
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	duration := fs.Duration("duration", 0, "Stop automatically after this long (0 waits for Enter or a signal)")
	export := fs.String("export", "", "Copy the finished recording to this path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.loadConfig()
	if err != nil {
		return err
	}

	logger, closeLog := initLogger(cfg.Logging)
	defer closeLog()

	session, err := newSession(cfg, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Start(); err != nil {
		return err
	}

	if *duration > 0 {
		fmt.Fprintf(os.Stderr, "Recording from %s for %s...\n", session.Device().Name(), *duration)
	} else {
		fmt.Fprintf(os.Stderr, "Recording from %s, press Enter to stop...\n", session.Device().Name())
	}

	finished := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	// stop trigger
	g.Go(func() error {
		var timeout <-chan time.Time
		if *duration > 0 {
			timer := time.NewTimer(*duration)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case <-gctx.Done():
		case <-timeout:
		case <-waitForEnter(os.Stdin):
		case <-finished:
			return nil
		}
		return session.Stop()
	})

	// elapsed display
	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-finished:
				fmt.Fprintln(os.Stderr)
				return nil
			case <-ticker.C:
				fmt.Fprintf(os.Stderr, "\r%6.1fs  %d bytes", session.ElapsedSeconds(), session.CapturedBytes())
			}
		}
	})

	g.Go(func() error {
		defer close(finished)
		_, err := session.Wait(context.Background())
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, capture.ErrIllegalState) {
		return err
	}

	result, _ := session.LastResult()
	if result.Err != nil {
		return result.Err
	}
	if result.Interrupted != nil {
		logger.Warn("Recording was cut short by the device", slog.String("error", result.Interrupted.Error()))
	}

	fmt.Printf("%s\t%d bytes\t%.2fs\n", result.Path, result.DataLength, result.Duration.Seconds())

	if *export != "" {
		if err := session.Export(*export); err != nil {
			return err
		}
		fmt.Printf("exported to %s\n", *export)
	}

	return nil
}

// waitForEnter closes the returned channel when a line is read. A closed or
// non-interactive stdin never fires.
func waitForEnter(r io.Reader) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		if _, err := bufio.NewReader(r).ReadString('\n'); err == nil {
			close(ch)
		}
	}()
	return ch
}
