package convo

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prbodas/pillow-endpoint/internal/audio"
	"github.com/prbodas/pillow-endpoint/internal/capture"
	"github.com/prbodas/pillow-endpoint/internal/client"
	"github.com/prbodas/pillow-endpoint/internal/playback"
	"github.com/prbodas/pillow-endpoint/internal/vad"
)

const blockSize = 1024

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pcm renders runs of constant-amplitude frames as s16le bytes
func pcm(runs ...[2]int) []byte {
	var buf bytes.Buffer
	for _, run := range runs {
		frames, amplitude := run[0], run[1]
		for i := 0; i < frames*blockSize; i++ {
			_ = binary.Write(&buf, binary.LittleEndian, int16(amplitude))
		}
	}
	return buf.Bytes()
}

type testPart struct {
	contentType string
	body        []byte
}

func multipartBody(boundary string, parts ...testPart) []byte {
	var buf bytes.Buffer
	for _, p := range parts {
		fmt.Fprintf(&buf, "--%s\r\ncontent-type: %s\r\ncontent-length: %d\r\n\r\n", boundary, p.contentType, len(p.body))
		buf.Write(p.body)
		buf.WriteString("\r\n")
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return buf.Bytes()
}

type fakeServer struct {
	*httptest.Server
	transcribes atomic.Int32
	mu          sync.Mutex
	lastQuery   map[string][]string
	lastText    map[string]string
	resets      atomic.Int32
}

var replyAudio = []byte("RIFF....WAVEfmt reply audio bytes")

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	mux := http.NewServeMux()

	reply := func(w http.ResponseWriter, meta string) {
		w.Header().Set("Content-Type", "multipart/mixed; boundary=reply")
		_, _ = w.Write(multipartBody("reply",
			testPart{"application/json", []byte(meta)},
			testPart{"audio/wav", replyAudio},
		))
	}

	mux.HandleFunc("/transcribe", func(w http.ResponseWriter, r *http.Request) {
		fs.transcribes.Add(1)
		fs.mu.Lock()
		fs.lastQuery = r.URL.Query()
		fs.mu.Unlock()

		body, _ := io.ReadAll(r.Body)
		if err := audio.ValidateWAV(body); err != nil {
			http.Error(w, "bad wav: "+err.Error(), http.StatusBadRequest)
			return
		}
		reply(w, `{"transcript":{"text":"hello"},"llm":"hi there"}`)
	})

	mux.HandleFunc("/llm_tts", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		fs.mu.Lock()
		fs.lastText = req
		fs.mu.Unlock()

		switch req["text"] {
		case "bare":
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = w.Write([]byte("ID3 mpeg"))
		case "cut":
			// Audio declares more bytes than are sent before the body ends
			w.Header().Set("Content-Type", "multipart/mixed; boundary=reply")
			body := multipartBody("reply", testPart{"application/json", []byte(`{"llm":"cut reply"}`)})
			body = bytes.TrimSuffix(body, []byte("--reply--\r\n"))
			body = append(body, "--reply\r\ncontent-type: audio/wav\r\ncontent-length: 1000\r\n\r\n"...)
			body = append(body, bytes.Repeat([]byte{1}, 400)...)
			_, _ = w.Write(body)
		case "two":
			w.Header().Set("Content-Type", "multipart/mixed; boundary=reply")
			_, _ = w.Write(multipartBody("reply",
				testPart{"application/json", []byte(`{"llm":"two parts"}`)},
				testPart{"audio/wav", replyAudio},
				testPart{"audio/wav", []byte("RIFF second part")},
			))
		default:
			reply(w, `{"llm":"typed reply"}`)
		}
	})

	mux.HandleFunc("/llm", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("reset") == "1" {
			fs.resets.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func newTestController(t *testing.T, server *fakeServer, mode capture.Mode, source capture.Source, out io.Writer) (*Controller, string) {
	t.Helper()

	c, err := client.NewClient(client.Config{BaseURL: server.URL, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}

	spool := t.TempDir()
	bridge := playback.NewBridge(playback.Options{SpoolDir: spool, Logger: quietLogger()})

	ctrl, err := NewController(Config{
		Capture: capture.Options{Mode: mode, Gate: vad.DefaultConfig()},
		Turn:    client.TurnOptions{Voice: "Joanna", Session: "test"},
		Logger:  quietLogger(),
	}, c, bridge, source, out)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	return ctrl, spool
}

func speechSource() capture.Source {
	data := pcm([2]int{8, 0}, [2]int{16, 1000}, [2]int{40, 0})
	return capture.NewReaderSource(bytes.NewReader(data), 16000, 1, blockSize)
}

func TestTurnSendsUtteranceAndPlaysReply(t *testing.T) {
	server := newFakeServer(t)
	ctrl, _ := newTestController(t, server, capture.ModeAuto, speechSource(), nil)

	result, err := ctrl.Turn(context.Background(), nil)
	if err != nil {
		t.Fatalf("Turn failed: %v", err)
	}

	if result.NoSpeech() {
		t.Fatal("Expected speech to be captured")
	}
	if result.Capture.Reason != vad.ReasonTrailingSilence {
		t.Errorf("Expected trailing silence cutoff, got %s", result.Capture.Reason)
	}
	if result.UserText != "hello" || result.AssistantText != "hi there" {
		t.Errorf("Unexpected texts %q / %q", result.UserText, result.AssistantText)
	}
	if len(result.AudioPaths) != 1 {
		t.Fatalf("Expected one saved reply, got %v", result.AudioPaths)
	}
	saved, err := os.ReadFile(result.AudioPaths[0])
	if err != nil || !bytes.Equal(saved, replyAudio) {
		t.Errorf("Saved reply = %q, %v", saved, err)
	}

	server.mu.Lock()
	query := server.lastQuery
	server.mu.Unlock()
	if query["return"][0] != "llm_tts" || query["voice"][0] != "Joanna" || query["session"][0] != "test" {
		t.Errorf("Unexpected query %v", query)
	}

	stats := ctrl.GetStats()
	if stats.Turns != 1 || stats.AudioReplies != 1 || stats.LastTranscript != "hello" || stats.LastReply != "hi there" {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.Client.SuccessRequests != 1 {
		t.Errorf("Expected one successful request, got %+v", stats.Client)
	}
}

func TestTurnWithoutSpeechSkipsServer(t *testing.T) {
	server := newFakeServer(t)
	src := capture.NewReaderSource(bytes.NewReader(pcm([2]int{40, 0})), 16000, 1, blockSize)
	ctrl, _ := newTestController(t, server, capture.ModeAuto, src, nil)

	result, err := ctrl.Turn(context.Background(), nil)
	if err != nil {
		t.Fatalf("Turn failed: %v", err)
	}
	if !result.NoSpeech() {
		t.Error("Expected no speech")
	}
	if server.transcribes.Load() != 0 {
		t.Error("Server should not be called without speech")
	}
	if stats := ctrl.GetStats(); stats.EmptyTurns != 1 {
		t.Errorf("Expected one empty turn, got %+v", stats)
	}
}

func TestTurnWithoutSource(t *testing.T) {
	server := newFakeServer(t)
	ctrl, _ := newTestController(t, server, capture.ModeAuto, nil, nil)

	if _, err := ctrl.Turn(context.Background(), nil); !errors.Is(err, capture.ErrNoSource) {
		t.Errorf("Expected ErrNoSource, got %v", err)
	}
}

func TestSendTextBareAudioReply(t *testing.T) {
	server := newFakeServer(t)
	ctrl, spool := newTestController(t, server, capture.ModeAuto, nil, nil)

	result, err := ctrl.SendText(context.Background(), "bare")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if result.AudioParts != 1 || len(result.AudioPaths) != 1 {
		t.Fatalf("Expected one audio reply, got %+v", result)
	}
	if !strings.HasPrefix(result.AudioPaths[0], spool) || !strings.HasSuffix(result.AudioPaths[0], ".mp3") {
		t.Errorf("Unexpected spool path %q", result.AudioPaths[0])
	}
}

func TestServerErrorCountsAsFailedTurn(t *testing.T) {
	server := newFakeServer(t)

	// Not a WAV file, so the fake server rejects it
	path := t.TempDir() + "/note.txt"
	if err := os.WriteFile(path, []byte("not audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctrl, _ := newTestController(t, server, capture.ModeAuto, nil, nil)
	_, err := ctrl.SubmitFile(context.Background(), path)

	var statusErr *client.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 StatusError, got %v", err)
	}
	if stats := ctrl.GetStats(); stats.FailedTurns != 1 {
		t.Errorf("Expected one failed turn, got %+v", stats)
	}
}

func TestRunCommands(t *testing.T) {
	server := newFakeServer(t)
	var out bytes.Buffer
	ctrl, _ := newTestController(t, server, capture.ModeAuto, nil, &out)

	script := strings.Join([]string{
		"/voice Brian",
		"/voice",
		"/text how are you",
		"/reset",
		"/bogus",
		"/quit",
		"/text never sent",
	}, "\n") + "\n"

	if err := ctrl.Run(context.Background(), strings.NewReader(script)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	output := out.String()
	for _, want := range []string{
		"Voice set to Brian",
		"Voice: Brian",
		"Assistant: typed reply",
		"Saved audio to ",
		"History cleared.",
		"unknown command /bogus",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("Output missing %q:\n%s", want, output)
		}
	}

	server.mu.Lock()
	sent := server.lastText
	server.mu.Unlock()
	if sent["text"] != "how are you" || sent["voice"] != "Brian" {
		t.Errorf("Unexpected /llm_tts request %v", sent)
	}
	if server.resets.Load() != 1 {
		t.Errorf("Expected one reset, got %d", server.resets.Load())
	}
}

// heldSource sends its frames, reports that they were queued and then
// blocks like a live device until the capture ends
type heldSource struct {
	frames []audio.Frame
	sent   chan struct{}
}

func (h *heldSource) Run(ctx context.Context, out chan<- audio.Frame) error {
	for _, f := range h.frames {
		select {
		case out <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	close(h.sent)
	<-ctx.Done()
	return ctx.Err()
}

func TestRunManualTurn(t *testing.T) {
	server := newFakeServer(t)
	var out bytes.Buffer

	samples := make([]int16, blockSize)
	for i := range samples {
		samples[i] = 1000
	}
	src := &heldSource{sent: make(chan struct{})}
	for i := 0; i < 10; i++ {
		src.frames = append(src.frames, audio.Frame{Samples: samples, SampleRate: 16000, Channels: 1, Timestamp: time.Now()})
	}
	ctrl, _ := newTestController(t, server, capture.ModeManual, src, &out)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The stop line is only written once every frame is queued
	in, w := io.Pipe()
	go func() {
		_, _ = io.WriteString(w, "\n")
		select {
		case <-src.sent:
		case <-ctx.Done():
		}
		_, _ = io.WriteString(w, "\n")
		_ = w.Close()
	}()

	if err := ctrl.Run(ctx, in); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if server.transcribes.Load() != 1 {
		t.Errorf("Expected one transcribe call, got %d", server.transcribes.Load())
	}
	if !strings.Contains(out.String(), "You: hello") {
		t.Errorf("Expected transcript in output:\n%s", out.String())
	}
}

func TestSendTextDiscardsTruncatedAudio(t *testing.T) {
	server := newFakeServer(t)
	ctrl, spool := newTestController(t, server, capture.ModeAuto, nil, nil)

	result, err := ctrl.SendText(context.Background(), "cut")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if result.AssistantText != "cut reply" {
		t.Errorf("Expected metadata before the cut, got %q", result.AssistantText)
	}
	if !result.Demux.Truncated {
		t.Error("Expected a truncated reply")
	}
	if result.AudioParts != 0 || len(result.AudioPaths) != 0 {
		t.Errorf("Truncated audio should not be reported, got %d parts %v", result.AudioParts, result.AudioPaths)
	}

	entries, err := os.ReadDir(spool)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected no spooled audio, found %d files", len(entries))
	}
	if stats := ctrl.GetStats(); stats.AudioReplies != 0 || stats.TruncatedReply != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestSendTextPlaysFirstAudioPartOnly(t *testing.T) {
	server := newFakeServer(t)
	ctrl, _ := newTestController(t, server, capture.ModeAuto, nil, nil)

	result, err := ctrl.SendText(context.Background(), "two")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if result.AudioParts != 1 || len(result.AudioPaths) != 1 {
		t.Fatalf("Expected one audio reply, got %d parts %v", result.AudioParts, result.AudioPaths)
	}
	saved, err := os.ReadFile(result.AudioPaths[0])
	if err != nil || !bytes.Equal(saved, replyAudio) {
		t.Errorf("Saved reply = %q, %v", saved, err)
	}
}
