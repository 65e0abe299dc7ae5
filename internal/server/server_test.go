package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/prbodas/pillow-endpoint/internal/audio"
	"github.com/prbodas/pillow-endpoint/internal/client"
	"github.com/prbodas/pillow-endpoint/internal/config"
	"github.com/prbodas/pillow-endpoint/internal/convo"
	"github.com/prbodas/pillow-endpoint/internal/demux"
	"github.com/prbodas/pillow-endpoint/internal/metrics"
	"github.com/prbodas/pillow-endpoint/internal/playback"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStats struct {
	stats convo.Stats
}

func (f fakeStats) GetStats() convo.Stats {
	return f.stats
}

func newTestStatusServer(t *testing.T, players []playback.Player) (*StatusServer, *metrics.Metrics) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	cfg := config.Default()
	cfg.Metrics.Port = 0

	stats := fakeStats{stats: convo.Stats{Turns: 3, LastTranscript: "hello", Voice: "Joanna"}}
	return NewStatusServer(cfg.Metrics, quietLogger(), cfg, stats, players, m, reg), m
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("Invalid JSON from %s: %v", path, err)
		}
	}
	return rec, body
}

func TestStatusEndpoints(t *testing.T) {
	players := []playback.Player{{Name: playback.PlayerFFplay, Path: "/usr/bin/ffplay"}}
	srv, m := newTestStatusServer(t, players)
	h := srv.Handler()

	rec, body := get(t, h, "/health")
	if rec.Code != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("Unexpected /health response %d %v", rec.Code, body)
	}
	pb := body["components"].(map[string]any)["playback"].(map[string]any)
	if pb["status"] != "ready" {
		t.Errorf("Expected ready playback, got %v", pb)
	}

	_, body = get(t, h, "/stats")
	conv := body["conversation"].(map[string]any)
	if conv["turns"] != float64(3) || conv["last_transcript"] != "hello" {
		t.Errorf("Unexpected conversation stats %v", conv)
	}

	_, body = get(t, h, "/config")
	server := body["server"].(map[string]any)
	if server["base_url"] != "http://127.0.0.1:8787" || server["voice"] != "Joanna" {
		t.Errorf("Unexpected config %v", server)
	}
	if _, ok := server["system"]; ok {
		t.Error("System prompt should not be exposed")
	}

	rec, _ = get(t, h, "/nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/health", "200")); got != 1 {
		t.Errorf("Expected one /health request recorded, got %v", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/", "404")); got != 1 {
		t.Errorf("Expected one 404 recorded, got %v", got)
	}

	rec, _ = get(t, h, "/metrics")
	if !strings.Contains(rec.Body.String(), "voice_http_requests_total") {
		t.Error("Expected HTTP metrics in /metrics output")
	}
}

func TestHealthWithoutPlayers(t *testing.T) {
	srv, _ := newTestStatusServer(t, nil)

	_, body := get(t, srv.Handler(), "/health")
	pb := body["components"].(map[string]any)["playback"].(map[string]any)
	if pb["status"] != "save_only" {
		t.Errorf("Expected save_only playback, got %v", pb)
	}
}

func TestStatusMethodNotAllowed(t *testing.T) {
	srv, _ := newTestStatusServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stats", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestStatusServerStartStop(t *testing.T) {
	srv, _ := newTestStatusServer(t, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func newMock(t *testing.T, opts MockOptions) (*httptest.Server, *client.Client) {
	t.Helper()
	opts.Logger = quietLogger()
	srv := httptest.NewServer(NewMockVoiceServer(opts).Handler())
	t.Cleanup(srv.Close)

	c, err := client.NewClient(client.Config{BaseURL: srv.URL, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	return srv, c
}

func utterance(t *testing.T) []byte {
	t.Helper()
	wav, err := audio.EncodeWAV(make([]int16, 8000), 16000, 1)
	if err != nil {
		t.Fatal(err)
	}
	return wav
}

func TestMockTranscribeFramings(t *testing.T) {
	tests := []struct {
		name    string
		framing Framing
		want    demux.Strategy
	}{
		{"length framed", FramingLength, demux.StrategyStream},
		{"split framed", FramingSplit, demux.StrategySplit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c := newMock(t, MockOptions{Framing: tt.framing})

			resp, err := c.Transcribe(context.Background(), utterance(t), "audio/wav",
				client.TurnOptions{Return: client.ReturnLLMTTS, Session: "s1"})
			if err != nil {
				t.Fatalf("Transcribe failed: %v", err)
			}
			defer resp.Body.Close()

			env, err := demux.Collect(resp.Header, resp.Body, demux.Options{Logger: quietLogger()})
			if err != nil {
				t.Fatalf("Collect failed: %v", err)
			}
			if env.Stats.Strategy != tt.want {
				t.Errorf("Expected strategy %s, got %s", tt.want, env.Stats.Strategy)
			}

			var meta client.Metadata
			if err := env.DecodeMetadata(&meta); err != nil {
				t.Fatal(err)
			}
			if meta.UserText() != "I heard 0.50 seconds of audio" {
				t.Errorf("Unexpected transcript %q", meta.UserText())
			}
			if !strings.HasPrefix(meta.AssistantText(), "Turn 1:") {
				t.Errorf("Unexpected reply %q", meta.AssistantText())
			}
			if env.Audio == nil || audio.ValidateWAV(env.Audio.Data) != nil {
				t.Error("Expected a valid WAV reply part")
			}
		})
	}
}

func TestMockTruncatedAudio(t *testing.T) {
	_, c := newMock(t, MockOptions{TruncateAudio: 100})

	resp, err := c.SpeakText(context.Background(), "hi", client.TurnOptions{Session: "s1"})
	if err != nil {
		t.Fatalf("SpeakText failed: %v", err)
	}
	defer resp.Body.Close()

	env, err := demux.Collect(resp.Header, resp.Body, demux.Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if !env.Stats.Truncated || env.Stats.Cause == nil {
		t.Errorf("Expected a truncated reply, got %+v", env.Stats)
	}
	if env.Metadata == nil {
		t.Error("Metadata part before the cut should be delivered")
	}
}

func TestMockChatHistory(t *testing.T) {
	_, c := newMock(t, MockOptions{})
	ctx := context.Background()
	opts := client.TurnOptions{Session: "s1"}

	for i := 1; i <= 2; i++ {
		reply, err := c.Chat(ctx, "hello", opts)
		if err != nil {
			t.Fatalf("Chat failed: %v", err)
		}
		if !strings.HasPrefix(reply.Reply, "Turn "+strconv.Itoa(i)+":") {
			t.Errorf("Unexpected reply %q", reply.Reply)
		}
	}

	if err := c.Reset(ctx, opts); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	reply, err := c.Chat(ctx, "again", opts)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(reply.Reply, "Turn 1:") {
		t.Errorf("History should restart after reset, got %q", reply.Reply)
	}
}

func TestMockTTS(t *testing.T) {
	_, c := newMock(t, MockOptions{})
	ctx := context.Background()

	for _, stream := range []bool{false, true} {
		resp, err := c.TTS(ctx, client.TTSRequest{Text: "hello", Voice: "Joanna", Stream: stream, Chunk: 4096, Gap: 1})
		if err != nil {
			t.Fatalf("TTS(stream=%v) failed: %v", stream, err)
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatal(err)
		}
		if err := audio.ValidateWAV(data); err != nil {
			t.Errorf("TTS(stream=%v) returned invalid WAV: %v", stream, err)
		}
	}
}

func TestMockTranscribeEmptyBody(t *testing.T) {
	srv, _ := newMock(t, MockOptions{})

	resp, err := http.Post(srv.URL+"/transcribe", "audio/wav", strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}
