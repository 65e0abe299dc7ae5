package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/prbodas/pillow-endpoint/internal/capture"
	"github.com/prbodas/pillow-endpoint/internal/client"
	"github.com/prbodas/pillow-endpoint/internal/config"
	"github.com/prbodas/pillow-endpoint/internal/convo"
	"github.com/prbodas/pillow-endpoint/internal/demux"
	"github.com/prbodas/pillow-endpoint/internal/metrics"
	"github.com/prbodas/pillow-endpoint/internal/playback"
	"github.com/prbodas/pillow-endpoint/internal/server"
)

const (
	serviceName    = "pillow-voice-client"
	serviceVersion = "1.0.0"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to configuration file (built-in defaults when empty)")
	baseURL := flag.String("base", "", "Voice server base URL (overrides AI_BASE and the config file)")
	session := flag.String("session", "", "Conversation session id")
	voice := flag.String("voice", "", "TTS voice name")
	mode := flag.String("mode", "", "Capture mode: auto or manual")
	returnMode := flag.String("return", "", "Reply contents: original, tts, none or llm_tts")
	file := flag.String("file", "", "Send an audio file instead of starting the prompt")
	text := flag.String("text", "", "Send one text message instead of starting the prompt")
	pi := flag.Bool("pi", false, "Play through ALSA with aplay (Raspberry Pi)")
	noPlay := flag.Bool("no-play", false, "Save replies without playing them")
	debug := flag.Bool("debug", false, "Ask the server for debug output and log at debug level")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags take precedence over the environment and the file
	if *baseURL != "" {
		cfg.Server.BaseURL = *baseURL
	}
	if *session != "" {
		cfg.Server.Session = *session
	}
	if *voice != "" {
		cfg.Server.Voice = *voice
	}
	if *mode != "" {
		cfg.Capture.Mode = *mode
	}
	if *returnMode != "" {
		cfg.Server.Return = *returnMode
	}
	if *pi {
		cfg.Playback.PiMode = true
	}
	if *noPlay {
		cfg.Playback.Enabled = false
	}
	if *debug {
		cfg.Server.Debug = true
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := cfg.Logging.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	logger.Info("Voice client starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)
	logger.Info("Configuration loaded",
		slog.String("base_url", cfg.Server.BaseURL),
		slog.String("session", cfg.Server.Session),
		slog.String("voice", cfg.Server.Voice),
		slog.String("return", cfg.Server.Return),
		slog.String("capture_mode", cfg.Capture.Mode),
		slog.Int("sample_rate", cfg.Capture.SampleRate),
		slog.Float64("start_threshold", cfg.VAD.StartThreshold),
		slog.Float64("stop_threshold", cfg.VAD.StopThreshold),
		slog.Bool("playback", cfg.Playback.Enabled),
		slog.Bool("pi_mode", cfg.Playback.PiMode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	ctrl, voiceClient, bridge, err := build(cfg, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to initialize voice client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer voiceClient.Close()

	var statusServer *server.StatusServer
	if cfg.Metrics.Enabled {
		statusServer = server.NewStatusServer(cfg.Metrics, logger, cfg, ctrl, bridge.Players(), appMetrics, prometheus.DefaultGatherer)
		if err := statusServer.Start(); err != nil {
			logger.Error("Failed to start status server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	exitCode := 0
	switch {
	case *file != "":
		exitCode = oneShot(ctrl, func() (*convo.TurnResult, error) { return ctrl.SubmitFile(ctx, *file) })
	case *text != "":
		exitCode = oneShot(ctrl, func() (*convo.TurnResult, error) { return ctrl.SendText(ctx, *text) })
	default:
		if err := ctrl.Run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Conversation ended with error", slog.String("error", err.Error()))
			exitCode = 1
		}
	}

	if statusServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := statusServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping status server", slog.String("error", err.Error()))
		}
		shutdownCancel()
	}

	stats := ctrl.GetStats()
	logger.Info("Final conversation statistics",
		slog.Uint64("turns", stats.Turns),
		slog.Uint64("empty_turns", stats.EmptyTurns),
		slog.Uint64("failed_turns", stats.FailedTurns),
		slog.Uint64("audio_replies", stats.AudioReplies),
		slog.Uint64("requests", stats.Client.TotalRequests),
		slog.Uint64("retries", stats.Client.TotalRetries),
	)

	if exitCode != 0 {
		logCloser.Close()
		os.Exit(exitCode)
	}
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	if path == "" {
		cfg = config.Default()
	} else {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// build wires the capture source, playback bridge, server client and
// conversation controller
func build(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*convo.Controller, *client.Client, *playback.Bridge, error) {
	captureMode, err := capture.ParseMode(cfg.Capture.Mode)
	if err != nil {
		return nil, nil, nil, err
	}
	returnMode, err := client.ParseReturnMode(cfg.Server.Return)
	if err != nil {
		return nil, nil, nil, err
	}
	strategy, err := demux.ParseStrategy(cfg.Demux.Strategy)
	if err != nil {
		return nil, nil, nil, err
	}

	// Without a recorder only text and file turns are available
	var source capture.Source
	execSource, err := capture.NewExecSource(capture.ExecOptions{
		Recorder:   capture.Recorder(cfg.Capture.Recorder),
		Command:    cfg.Capture.Command,
		Device:     cfg.Capture.Device,
		SampleRate: cfg.Capture.SampleRate,
		Channels:   cfg.Capture.Channels,
		BlockSize:  cfg.Capture.BlockSize,
		Logger:     logger,
	})
	switch {
	case err == nil:
		source = execSource
		path, args := execSource.Command()
		logger.Info("Capture source ready", slog.String("program", path), slog.Any("args", args))
	case errors.Is(err, capture.ErrNoSource):
		logger.Warn("No recorder found, voice turns disabled", slog.String("error", err.Error()))
	default:
		return nil, nil, nil, err
	}

	var players []playback.Player
	if cfg.Playback.Enabled {
		players, err = playback.Detect(playback.DetectOptions{
			Preferred:  cfg.Playback.Player,
			Command:    cfg.Playback.Command,
			PiMode:     cfg.Playback.PiMode,
			ALSADevice: cfg.Playback.ALSADevice,
		})
		switch {
		case err == nil:
			logger.Info("Audio players detected", slog.Any("players", players))
		case errors.Is(err, playback.ErrNoPlayer):
			logger.Warn("No audio player found, replies will only be saved", slog.String("error", err.Error()))
		default:
			return nil, nil, nil, err
		}
	}

	bridge := playback.NewBridge(playback.Options{
		Players:    players,
		Stream:     cfg.Playback.Stream,
		SpoolDir:   cfg.Playback.SpoolDir,
		BufferSize: cfg.Playback.BufferSize,
		Cues:       cfg.Playback.Cues,
		Logger:     logger,
		Metrics:    m,
	})

	voiceClient, err := client.NewClient(client.Config{
		BaseURL:       cfg.Server.BaseURL,
		Timeout:       cfg.Server.GetTimeoutDuration(),
		MaxRetries:    cfg.Server.MaxRetries,
		MaxConcurrent: cfg.Server.MaxConcurrent,
		UserAgent:     serviceName + "/" + serviceVersion,
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	pollTimeout := cfg.Capture.GetPollTimeout()
	if captureMode == capture.ModeManual {
		pollTimeout = cfg.Capture.GetManualPollTimeout()
	}

	ctrl, err := convo.NewController(convo.Config{
		Capture: capture.Options{
			Mode:        captureMode,
			Gate:        cfg.GateConfig(),
			QueueSize:   cfg.Capture.QueueSize,
			PollTimeout: pollTimeout,
		},
		Turn: client.TurnOptions{
			Return:   returnMode,
			Voice:    cfg.Server.Voice,
			Session:  cfg.Server.Session,
			LLMModel: cfg.Server.LLMModel,
			System:   cfg.Server.System,
			Debug:    cfg.Server.Debug,
		},
		Demux: demux.Options{
			Strategy:       strategy,
			MaxBufferBytes: cfg.Demux.MaxBufferBytes,
		},
		Logger:  logger,
		Metrics: m,
	}, voiceClient, bridge, source, os.Stdout)
	if err != nil {
		voiceClient.Close()
		return nil, nil, nil, err
	}

	return ctrl, voiceClient, bridge, nil
}

func oneShot(ctrl *convo.Controller, turn func() (*convo.TurnResult, error)) int {
	result, err := turn()
	if err != nil {
		ctrl.ShowError(err)
		return 1
	}
	ctrl.Show(result)
	return 0
}
