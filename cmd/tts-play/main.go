package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/prbodas/pillow-endpoint/internal/client"
	"github.com/prbodas/pillow-endpoint/internal/config"
	"github.com/prbodas/pillow-endpoint/internal/demux"
	"github.com/prbodas/pillow-endpoint/internal/playback"
)

const userAgent = "pillow-tts-play/1.0"

type options struct {
	text           string
	voice          string
	parts          int
	delay          time.Duration
	chunk          int
	gap            int
	readChunk      int
	nonStreamFirst bool
}

func main() {
	_ = godotenv.Load()

	defaults := config.Default()
	defaults.ApplyEnv()

	base := flag.String("base", defaults.Server.BaseURL, "Voice server base URL")
	text := flag.String("text", "Hello from the pillow", "Text to synthesize")
	voice := flag.String("voice", "Brian", "Voice name")
	parts := flag.Int("parts", 1, "Number of streaming parts to loop through")
	delay := flag.Duration("delay", 150*time.Millisecond, "Delay between streaming parts")
	chunk := flag.Int("chunk", 32*1024, "Server-side chunk size in bytes for streamed parts")
	gap := flag.Int("gap", 20, "Server-side delay between chunks in milliseconds")
	readChunk := flag.Int("read-chunk", 32*1024, "Client read size in bytes while streaming")
	nonStreamFirst := flag.Bool("nonstream-first", false, "Play the non-streamed sample before the streaming loop")
	llmTTS := flag.Bool("llm-tts", false, "Send text to /llm_tts and play the assistant's spoken reply instead")
	session := flag.String("session", defaults.Server.Session, "Session id for -llm-tts")
	model := flag.String("model", defaults.Server.LLMModel, "LLM model for -llm-tts")
	pi := flag.Bool("pi", false, "Play through ALSA with aplay (Raspberry Pi)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn or error")
	flag.Parse()

	logging := config.LoggingConfig{Level: *logLevel, Format: "text", Output: "stderr"}
	if err := logging.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -log-level: %v\n", err)
		os.Exit(2)
	}
	logger, _, err := logging.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	players, err := playback.Detect(playback.DetectOptions{PiMode: *pi, ALSADevice: defaults.Playback.ALSADevice})
	if err != nil {
		if !errors.Is(err, playback.ErrNoPlayer) {
			logger.Error("Player detection failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Warn("No audio player found, audio will only be saved")
	}
	bridge := playback.NewBridge(playback.Options{
		Players:    players,
		Stream:     true,
		BufferSize: *readChunk,
		Logger:     logger,
	})

	voiceClient, err := client.NewClient(client.Config{
		BaseURL:   *base,
		UserAgent: userAgent,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("Failed to create client", slog.String("error", err.Error()))
		os.Exit(2)
	}
	defer voiceClient.Close()

	if *llmTTS {
		opts := client.TurnOptions{Voice: *voice, Session: *session, LLMModel: *model}
		if err := speak(ctx, voiceClient, bridge, *text, opts, logger); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	opts := options{
		text:           *text,
		voice:          *voice,
		parts:          *parts,
		delay:          *delay,
		chunk:          *chunk,
		gap:            *gap,
		readChunk:      *readChunk,
		nonStreamFirst: *nonStreamFirst,
	}
	if err := run(ctx, voiceClient, bridge, opts); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *client.Client, bridge *playback.Bridge, opts options) error {
	if opts.nonStreamFirst {
		if err := playNonStream(ctx, c, bridge, opts); err != nil {
			return err
		}
	}

	fmt.Printf("Streaming loop: %d part(s), text=%q voice=%s chunk=%d gap=%dms\n",
		opts.parts, opts.text, opts.voice, opts.chunk, opts.gap)
	for i := 1; i <= opts.parts; i++ {
		if err := playStreamed(ctx, c, bridge, opts, i); err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}
		if i != opts.parts && opts.delay > 0 {
			select {
			case <-time.After(opts.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if !opts.nonStreamFirst {
		return playNonStream(ctx, c, bridge, opts)
	}
	return nil
}

// playStreamed forwards one /tts part to a sink as it arrives, reading
// opts.readChunk bytes at a time
func playStreamed(ctx context.Context, c *client.Client, bridge *playback.Bridge, opts options, part int) error {
	resp, err := c.TTS(ctx, client.TTSRequest{
		Text:   opts.text,
		Voice:  opts.voice,
		Stream: true,
		Part:   part,
		Chunk:  opts.chunk,
		Gap:    opts.gap,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	fmt.Printf("[part %d] streaming %s\n", part, resp.Request.URL)

	sink, err := bridge.Open(ctx, resp.Header.Get("Content-Type"))
	if err != nil {
		return err
	}
	n, err := io.CopyBuffer(sink, onlyReader{resp.Body}, make([]byte, opts.readChunk))
	if err != nil {
		_ = sink.Abort()
		return err
	}
	if err := sink.Close(); err != nil {
		return err
	}

	fmt.Printf("[part %d] %d bytes", part, n)
	if sink.Path() != "" {
		fmt.Printf(", saved to %s", sink.Path())
	}
	fmt.Println()
	return nil
}

func playNonStream(ctx context.Context, c *client.Client, bridge *playback.Bridge, opts options) error {
	resp, err := c.TTS(ctx, client.TTSRequest{Text: opts.text, Voice: opts.voice})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	fmt.Printf("Non-stream fetch: %s\n", resp.Request.URL)
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read audio: %w", err)
	}
	fmt.Printf("Received %d bytes, playing\n", len(data))

	path, err := bridge.Play(ctx, resp.Header.Get("Content-Type"), bytes.NewReader(data))
	if err != nil {
		return err
	}
	printSaved(path)
	return nil
}

// speak posts text to /llm_tts and plays the reply, multipart or bare audio
func speak(ctx context.Context, c *client.Client, bridge *playback.Bridge, text string, opts client.TurnOptions, logger *slog.Logger) error {
	resp, err := c.SpeakText(ctx, text, opts)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if !demux.IsMultipart(contentType) {
		path, err := bridge.Play(ctx, contentType, resp.Body)
		if err != nil {
			return err
		}
		printSaved(path)
		return nil
	}

	stats, err := demux.Decode(resp.Header, resp.Body, demux.Handlers{
		JSON: func(body []byte) error {
			var meta client.Metadata
			if err := json.Unmarshal(body, &meta); err != nil {
				return err
			}
			if reply := meta.AssistantText(); reply != "" {
				fmt.Printf("Assistant: %s\n", reply)
			}
			return nil
		},
		Audio: func(partType string, body io.Reader) error {
			path, err := bridge.Play(ctx, partType, body)
			if err != nil {
				return err
			}
			printSaved(path)
			return nil
		},
	}, demux.Options{Logger: logger})
	if err != nil {
		return err
	}
	if stats.AudioParts == 0 {
		fmt.Println("No audio returned.")
	}
	return nil
}

func printSaved(path string) {
	if path != "" {
		fmt.Printf("Saved to %s\n", path)
	}
}

// onlyReader hides WriterTo so io.CopyBuffer reads with the given buffer size
type onlyReader struct {
	io.Reader
}
