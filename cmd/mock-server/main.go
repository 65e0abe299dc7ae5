package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prbodas/pillow-endpoint/internal/config"
	"github.com/prbodas/pillow-endpoint/internal/server"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8787", "Listen address")
	framing := flag.String("framing", "length", "Multipart framing: length (content-length per part) or split (none)")
	truncate := flag.Int("truncate", 0, "Cut reply audio parts after this many bytes (0 disables)")
	delay := flag.Duration("delay", 0, "Simulated processing delay per request")
	sampleRate := flag.Int("sample-rate", 16000, "Sample rate of generated reply audio")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn or error")
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	flag.Parse()

	logging := config.LoggingConfig{Level: *logLevel, Format: *logFormat, Output: "stderr"}
	if err := logging.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid logging flags: %v\n", err)
		os.Exit(2)
	}
	logger, _, err := logging.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	mode := server.Framing(*framing)
	if mode != server.FramingLength && mode != server.FramingSplit {
		fmt.Fprintf(os.Stderr, "Invalid -framing %q, expected length or split\n", *framing)
		os.Exit(2)
	}

	mock := server.NewMockVoiceServer(server.MockOptions{
		Framing:       mode,
		TruncateAudio: *truncate,
		Delay:         *delay,
		SampleRate:    *sampleRate,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mock.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Mock voice server starting",
			slog.String("address", *addr),
			slog.String("framing", string(mode)),
			slog.Int("truncate", *truncate),
		)
		logger.Info("Point the client at it with AI_BASE=http://" + *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping server", slog.String("error", err.Error()))
	}
}
