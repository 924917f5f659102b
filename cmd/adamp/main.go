/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ad-repo/adamp-sub001/internal/config"
	"github.com/ad-repo/adamp-sub001/internal/device"
	"github.com/ad-repo/adamp-sub001/internal/eq"
	"github.com/ad-repo/adamp-sub001/internal/eventbus"
	"github.com/ad-repo/adamp-sub001/internal/events"
	"github.com/ad-repo/adamp-sub001/internal/logbuffer"
	"github.com/ad-repo/adamp-sub001/internal/logging"
	"github.com/ad-repo/adamp-sub001/internal/resolver"
	"github.com/ad-repo/adamp-sub001/internal/scrobble"
	"github.com/ad-repo/adamp-sub001/internal/server"
	"github.com/ad-repo/adamp-sub001/internal/spectrum"
	"github.com/ad-repo/adamp-sub001/internal/stream"
	"github.com/ad-repo/adamp-sub001/internal/telemetry"
	"github.com/ad-repo/adamp-sub001/internal/transport"
	"github.com/ad-repo/adamp-sub001/internal/version"
)

var (
	logger zerolog.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "adamp",
	Short: "adamp - media playback core",
	Long:  "adamp is a headless media playback engine: dual decode graphs, synchronized equalizer, spectrum analysis, stream supervision, and scrobble telemetry behind one HTTP control surface.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the playback engine and control API",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("adamp " + version.Version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logBuf := logbuffer.New(1000)
	logger = logging.SetupWithWriter(cfg.Environment, logbuffer.NewWriter(logBuf, nil))
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}
	logger.Info().Str("version", version.Version).Msg("adamp starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	eqState := eq.NewState()

	var presets *eq.PresetStore
	if cfg.EQPresetPath != "" {
		presets, err = eq.LoadPresets(cfg.EQPresetPath)
		if err != nil {
			return fmt.Errorf("load eq presets: %w", err)
		}
		logger.Info().Int("presets", len(presets.Names())).Msg("equalizer presets loaded")
	}

	output := device.NewSpeakerOutput(device.SystemEnumerator{}, cfg.SampleRate, cfg.SpeakerBufMS, logger)
	if err := output.Init(); err != nil {
		return fmt.Errorf("open audio output: %w", err)
	}
	if cfg.OutputDevice != "" {
		if err := output.Select(cfg.OutputDevice); err != nil {
			logger.Warn().Err(err).Str("device", cfg.OutputDevice).Msg("configured device unavailable, using default")
		}
	}

	analyzer := spectrum.NewAnalyzer(bus, logger)
	analyzer.Start(ctx)
	defer analyzer.Stop()

	supervisor := stream.NewSupervisor(bus, stream.RealScheduler{}, cfg.ReconnectMaxAttempts, logger)

	var scrobbler *scrobble.Service
	if cfg.ScrobbleEndpoint != "" {
		reporter := scrobble.NewHTTPReporter(cfg.ScrobbleEndpoint, cfg.ScrobbleAuthToken, cfg.StreamUserAgent, cfg.ScrobbleHTTPTimeout, logger)
		scrobbler = scrobble.NewService(reporter, bus, logger)
		scrobbler.SetVideoProgressInterval(time.Duration(cfg.ProgressIntervalS) * time.Second)
	}

	var trackResolver resolver.Resolver
	if cfg.ResolverBaseURL != "" {
		trackResolver = resolver.NewHTTPResolver(cfg.ResolverBaseURL, cfg.ResolverAuthToken, logger)
	}

	controller := transport.New(cfg, bus, eqState, analyzer, supervisor, scrobbler, output,
		stream.RealScheduler{}, logger)
	go controller.Run(ctx)

	if cfg.NATSURL != "" {
		bridge, err := eventbus.NewBridge(cfg.NATSURL, bus, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("nats bridge unavailable, external events disabled")
		} else {
			defer bridge.Close()
			go bridge.Run(ctx)
		}
	}

	if cfg.MetricsBind != "" {
		metricsSrv := &http.Server{Addr: cfg.MetricsBind, Handler: telemetry.Handler()}
		defer metricsSrv.Close()
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn().Err(err).Str("bind", cfg.MetricsBind).Msg("metrics listener failed")
			}
		}()
	}

	srv := server.New(cfg, bus, controller, eqState, presets, trackResolver, logBuf, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	controller.Stop()
	logger.Info().Msg("adamp stopped")
	return nil
}
