// Package daemon wires capture, decoding and delivery into one process and
// runs it to completion.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"firestige.xyz/recorder/internal/capture"
	"firestige.xyz/recorder/internal/config"
	"firestige.xyz/recorder/internal/connection"
	"firestige.xyz/recorder/internal/connection/api"
	"firestige.xyz/recorder/internal/core"
	"firestige.xyz/recorder/internal/keys"
	logpkg "firestige.xyz/recorder/internal/log"
	"firestige.xyz/recorder/internal/metrics"
	"firestige.xyz/recorder/internal/pipeline"
	"firestige.xyz/recorder/internal/sink"
)

// Options override parts of the configuration.
type Options struct {
	// ConfigPath is re-read on SIGHUP.
	ConfigPath string
	PIDFile    string
	// Source replaces the configured capture source.
	Source capture.Source
	// Sink replaces the configured primary sink.
	Sink sink.Sink
	// SkipLogging leaves the process logger untouched.
	SkipLogging bool
}

// Daemon owns one capture session.
type Daemon struct {
	config *config.GlobalConfig
	opts   Options

	source     capture.Source
	reporter   *sink.Reporter
	registry   *connection.Registry
	dispatcher *pipeline.Dispatcher
	metrics    *metrics.Server
	logCloser  io.Closer
}

// New builds every component. Nothing runs until Run.
func New(cfg *config.GlobalConfig, opts Options) (*Daemon, error) {
	d := &Daemon{config: cfg, opts: opts}
	if err := d.initLogging(); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	if err := d.build(); err != nil {
		d.closeLogging()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build() error {
	cfg := d.config

	strategy, err := pipeline.NewDispatchStrategy(cfg.Pipeline.Strategy)
	if err != nil {
		return err
	}
	psk, err := cfg.Decoder.PNet.PSK()
	if err != nil {
		return err
	}
	boot, err := cfg.Capture.ParseBootTime()
	if err != nil {
		return err
	}

	store, err := keys.NewStore(cfg.Keys.Capacity)
	if err != nil {
		return err
	}
	for _, path := range cfg.Keys.Files {
		n, err := store.LoadFile(path)
		if err != nil {
			return fmt.Errorf("failed to load key file: %w", err)
		}
		slog.Info("key file loaded", "path", path, "secrets", n)
	}

	// Sources acquire their handles in Capture; only sinks below need
	// closing on failure.
	source, err := d.newSource()
	if err != nil {
		return err
	}
	d.source = source
	if boot.IsZero() {
		boot = source.BootTime()
	}

	primary := d.opts.Sink
	if primary == nil {
		if primary, err = sink.New(sinkConfig(cfg.Sink, cfg.Sink.Type)); err != nil {
			return err
		}
	}
	var fallback sink.Sink
	if cfg.Sink.Fallback != "" {
		if fallback, err = sink.New(sinkConfig(cfg.Sink, cfg.Sink.Fallback)); err != nil {
			_ = primary.Close()
			return err
		}
	}
	d.reporter = sink.NewReporter(sink.ReporterConfig{
		Primary:      primary,
		Fallback:     fallback,
		BatchSize:    cfg.Sink.BatchSize,
		BatchTimeout: cfg.Sink.BatchTimeout,
		QueueSize:    cfg.Sink.QueueSize,
	})

	cx := &api.Context{
		BootTime:         boot,
		Limits:           limits(cfg.Decoder.Limits),
		Keys:             store,
		RecordHandshakes: cfg.Decoder.RecordHandshakes,
		Logger:           slog.Default().With("component", "decoder"),
	}
	var regOpts []connection.Option
	if psk != nil {
		regOpts = append(regOpts, connection.WithPSK(psk))
	}
	d.registry = connection.New(cx, d.reporter, regOpts...)

	d.dispatcher = pipeline.New(pipeline.Config{
		Workers:   cfg.Pipeline.Workers,
		QueueSize: cfg.Pipeline.QueueSize,
		Strategy:  strategy,
	}, d.registry)

	if cfg.Metrics.Enabled {
		d.metrics = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
	}
	return nil
}

func (d *Daemon) newSource() (capture.Source, error) {
	if d.opts.Source != nil {
		return d.opts.Source, nil
	}
	c := d.config.Capture
	switch c.Source {
	case "live":
		boot, err := c.ParseBootTime()
		if err != nil {
			return nil, err
		}
		return capture.NewLiveSource(capture.LiveConfig{
			Device:       c.Device,
			SnapLen:      c.SnapLen,
			BufferSizeMB: c.BufferSizeMB,
			Timeout:      c.PollTimeout,
			FanoutID:     c.FanoutID,
			Ports:        c.Ports,
			Idle:         c.IdleTimeout,
			MaxPages:     c.MaxPages,
			BootTime:     boot,
		})
	default:
		return capture.NewPcapSource(capture.PcapConfig{
			Path:     c.Path,
			Ports:    c.Ports,
			Idle:     c.IdleTimeout,
			MaxPages: c.MaxPages,
		})
	}
}

func sinkConfig(c config.SinkConfig, typ string) sink.Config {
	return sink.Config{
		Type:         typ,
		Pretty:       c.Pretty,
		Path:         c.Path,
		Brokers:      c.Brokers,
		Topic:        c.Topic,
		Compression:  c.Compression,
		MaxAttempts:  c.MaxAttempts,
		WriteTimeout: c.WriteTimeout,
		BatchSize:    c.BatchSize,
		BatchTimeout: c.BatchTimeout,
		QueueSize:    c.QueueSize,
	}
}

func limits(c config.LimitsConfig) api.Limits {
	l := api.DefaultLimits()
	if c.MaxBuffer > 0 {
		l.MaxBuffer = c.MaxBuffer
	}
	if c.MaxFrame > 0 {
		l.MaxFrame = c.MaxFrame
	}
	if c.MaxMessage > 0 {
		l.MaxMessage = c.MaxMessage
	}
	if c.MaxLine > 0 {
		l.MaxLine = c.MaxLine
	}
	if c.MaxDepth > 0 {
		l.MaxDepth = c.MaxDepth
	}
	return l
}

// Run captures until the source is exhausted or ctx is done, then drains
// every queue. Cancellation is not an error.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.closeLogging()

	// Records still queued at cancellation are flushed after it.
	d.reporter.Start(context.WithoutCancel(ctx))

	if err := d.writePIDFile(); err != nil {
		d.shutdown()
		return err
	}
	defer func() {
		if err := d.removePIDFile(); err != nil {
			slog.Error("error removing PID file", "error", err)
		}
	}()

	metricsDone := make(chan error, 1)
	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	defer stopMetrics()
	if d.metrics != nil {
		if err := d.metrics.Listen(); err != nil {
			d.shutdown()
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		go func() { metricsDone <- d.metrics.Run(metricsCtx) }()
	} else {
		metricsDone <- nil
	}

	stopReload := d.watchReload(ctx)
	defer stopReload()

	slog.Info("recorder started",
		"source", d.config.Capture.Source,
		"ports", d.config.Capture.Ports,
		"workers", d.config.Pipeline.Workers,
		"pnet", d.config.Decoder.PNet.Enabled,
	)
	start := time.Now()

	events := make(chan core.Event, max(d.config.Pipeline.QueueSize, 1))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(events)
		return d.source.Capture(gctx, events)
	})
	g.Go(func() error {
		return d.dispatcher.Run(gctx, events)
	})
	err := g.Wait()

	d.shutdown()
	stopMetrics()
	if merr := <-metricsDone; merr != nil {
		slog.Error("metrics server failed", "error", merr)
	}
	slog.Info("recorder stopped", "elapsed", time.Since(start).String(), "error", err)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdown drains in dependency order: queued events reach their chains,
// chains release their state, then queued records reach the sink.
func (d *Daemon) shutdown() {
	d.dispatcher.Stop()
	d.registry.Close()
	if err := d.reporter.Close(); err != nil {
		slog.Error("error closing sink", "error", err)
	}
}

// watchReload re-reads the log section of the configuration on SIGHUP.
func (d *Daemon) watchReload(ctx context.Context) (stop func()) {
	if d.opts.ConfigPath == "" || d.opts.SkipLogging {
		return func() {}
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigs:
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// Reload re-reads the configuration file. Only logging is hot-reloadable;
// every other section needs a restart.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.opts.ConfigPath)
	newConfig, err := config.Load(d.opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}
	old := d.config.Log
	d.config.Log = newConfig.Log
	if err := d.initLogging(); err != nil {
		d.config.Log = old
		return err
	}
	slog.Info("configuration reloaded", "log_level", newConfig.Log.Level, "log_format", newConfig.Log.Format)
	return nil
}

func (d *Daemon) initLogging() error {
	if d.opts.SkipLogging {
		return nil
	}
	closer, err := logpkg.Init(d.config.Log)
	if err != nil {
		return err
	}
	d.closeLogging()
	d.logCloser = closer
	slog.Debug("logging initialized", "level", d.config.Log.Level, "format", d.config.Log.Format)
	return nil
}

func (d *Daemon) closeLogging() {
	if d.logCloser != nil {
		_ = d.logCloser.Close()
		d.logCloser = nil
	}
}

func (d *Daemon) writePIDFile() error {
	if d.opts.PIDFile == "" {
		return nil
	}
	pid := os.Getpid()
	if err := os.WriteFile(d.opts.PIDFile, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.opts.PIDFile, err)
	}
	slog.Debug("PID file written", "path", d.opts.PIDFile, "pid", pid)
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.opts.PIDFile == "" {
		return nil
	}
	if err := os.Remove(d.opts.PIDFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.opts.PIDFile, err)
	}
	return nil
}
