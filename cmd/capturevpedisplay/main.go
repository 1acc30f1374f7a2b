//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/e7canasta/orion-capture-display/internal/args"
	"github.com/e7canasta/orion-capture-display/internal/config"
	"github.com/e7canasta/orion-capture-display/internal/devices"
	"github.com/e7canasta/orion-capture-display/internal/display"
	"github.com/e7canasta/orion-capture-display/internal/display/cube"
	"github.com/e7canasta/orion-capture-display/internal/display/cube/gles"
	"github.com/e7canasta/orion-capture-display/internal/display/kms"
	"github.com/e7canasta/orion-capture-display/internal/display/wayland"
	"github.com/e7canasta/orion-capture-display/internal/drm"
	"github.com/e7canasta/orion-capture-display/internal/pipeline"
	"github.com/e7canasta/orion-capture-display/internal/telemetry"
	"github.com/e7canasta/orion-capture-display/internal/v4l2"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	listDevices := flag.Bool("list-devices", false, "List video inputs and exit")
	frames := flag.Int("frames", 0, "Stop after N displayed frames (0 runs forever)")
	flag.Usage = usage
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logrus.WithError(err).Error("failed to load configuration")
			return 1
		}
		cfg = loaded
	}
	setupLogger(cfg.Log, *debug)

	if *listDevices {
		if err := devices.Print(os.Stdout, devices.List()); err != nil {
			logrus.WithError(err).Error("failed to list devices")
			return 1
		}
		return 0
	}

	pcfg, displayArgs, err := parsePositional(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		return 1
	}
	pcfg.Buffers = cfg.Pipeline.Buffers
	pcfg.FPSWindow = cfg.Pipeline.FPSWindow
	pcfg.FrameLimit = uint64(cfg.Pipeline.FrameLimit)
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "frames" && *frames >= 0 {
			pcfg.FrameLimit = uint64(*frames)
		}
	})

	sessionID := uuid.NewString()
	log := logrus.WithFields(logrus.Fields{
		"component":  "main",
		"session_id": sessionID,
	})
	log.WithFields(logrus.Fields{
		"config":      *configPath,
		"source":      pcfg.Source.String(),
		"destination": pcfg.Dest.String(),
		"deinterlace": pcfg.Deinterlace,
		"translen":    pcfg.TransLen,
	}).Info("starting capture pipeline")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	dctx := display.NewContext(cfg.Devices.Card, openCard, display.WithSessionID(sessionID))
	a := args.New(displayArgs)
	backend, err := display.Open(dctx, a,
		cube.NewOpener(gles.New),
		wayland.NewOpener(),
		kms.NewOpener(cfg.Display.Background),
	)
	if err != nil {
		log.WithError(err).WithField("category", pipeline.Classify(err).String()).Error("can't open display")
		return 1
	}
	if rest := a.Remaining(); len(rest) > 0 {
		log.WithField("args", strings.Join(rest, " ")).Error("unrecognized display arguments")
		backend.Close()
		usage()
		return 1
	}

	capture, err := v4l2.Open(cfg.Devices.Capture)
	if err != nil {
		log.WithError(err).Errorf("can't open camera: %s", cfg.Devices.Capture)
		backend.Close()
		return 1
	}
	defer capture.Close()

	transform, err := v4l2.Open(cfg.Devices.Transform)
	if err != nil {
		log.WithError(err).Errorf("can't open transform device: %s", cfg.Devices.Transform)
		backend.Close()
		return 1
	}
	defer transform.Close()

	orch, err := pipeline.New(capture, transform, backend, pcfg, pipeline.WithLogger(logrus.WithFields(logrus.Fields{
		"component":  "pipeline",
		"backend":    backend.Name(),
		"session_id": sessionID,
	})))
	if err != nil {
		log.WithError(err).Error("invalid pipeline configuration")
		backend.Close()
		return 1
	}
	defer orch.Close()

	if err := orch.Setup(); err != nil {
		log.WithError(err).WithField("category", pipeline.Classify(err).String()).Error("pipeline setup failed")
		return 1
	}

	var health *telemetry.Server
	var publisher *telemetry.Publisher
	if cfg.Telemetry.Enabled {
		enc, err := telemetry.ParseEncoding(cfg.Telemetry.Encoding)
		if err != nil {
			log.WithError(err).Error("invalid telemetry encoding")
			return 1
		}
		publisher = telemetry.NewPublisher(telemetry.MQTTConfig{
			Broker:   cfg.Telemetry.Broker,
			Topic:    cfg.Telemetry.Topic,
			QoS:      cfg.Telemetry.QoS,
			Interval: time.Duration(cfg.Telemetry.IntervalS) * time.Second,
			Encoding: enc,
		}, sessionID, orch)
		if err := publisher.Connect(ctx); err != nil {
			// Auto-reconnect keeps trying; stats are dropped until then.
			log.WithError(err).Warn("mqtt broker unreachable, continuing without telemetry")
		}
		go publisher.Run(ctx)
		defer publisher.Disconnect()
	}
	if cfg.Health.Enabled {
		health = telemetry.NewServer(cfg.Health.Addr, sessionID, orch,
			time.Duration(cfg.Health.StreamIntervalMS)*time.Millisecond)
		if publisher != nil {
			health.MQTTConnected = publisher.Connected
		}
		if err := health.Start(); err != nil {
			log.WithError(err).Error("failed to start health check server")
			return 1
		}
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- orch.Run(ctx)
	}()

	code := 0
	running := true
	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("received shutdown signal")
		cancel()
	case err := <-errChan:
		running = false
		if err != nil {
			log.WithError(err).WithField("category", pipeline.Classify(err).String()).Error("pipeline stopped")
			code = 1
		} else {
			log.Info("pipeline finished")
		}
	}

	shutdownTimeout := time.Duration(cfg.ShutdownTimeoutS) * time.Second
	log.WithField("timeout", shutdownTimeout).Info("shutting down gracefully")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if running {
		select {
		case err := <-errChan:
			if err != nil {
				log.WithError(err).Warn("pipeline stopped with error during shutdown")
			}
		case <-shutdownCtx.Done():
			// A blocked dequeue returns once Close streams off.
			log.Warn("pipeline did not stop in time, stopping streams")
		}
	}

	if health != nil {
		if err := health.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			log.WithError(err).Warn("health server shutdown failed")
		}
	}
	if err := orch.Close(); err != nil {
		log.WithError(err).Error("shutdown failed")
		code = 1
	}

	stats := orch.Stats()
	log.WithFields(logrus.Fields{
		"frames_posted": stats.FramesPosted,
		"post_failures": stats.PostFailures,
		"fps_mean":      stats.FPS.FPSMean,
	}).Info("capture pipeline stopped")
	return code
}

func openCard(path string) (drm.Device, error) {
	card, err := drm.Open(path)
	if err != nil {
		return nil, err
	}
	return card, nil
}

func setupLogger(cfg config.LogConfig, debug bool) {
	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if debug {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "%s\n\nFlags:\n", errUsage)
	flag.PrintDefaults()
	for _, u := range []string{kms.Usage, wayland.Usage, cube.Usage} {
		fmt.Fprintf(out, "\n%s\n", u)
	}
}
