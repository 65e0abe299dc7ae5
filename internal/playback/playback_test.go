package playback

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/prbodas/pillow-endpoint/internal/metrics"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fakeLookPath(installed ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		for _, n := range installed {
			if n == name {
				return "/usr/bin/" + name, nil
			}
		}
		return "", errors.New("not found")
	}
}

func customPlayer(t *testing.T, command string) []Player {
	t.Helper()
	players, err := Detect(DetectOptions{Command: command})
	if err != nil {
		t.Fatalf("Detect with command failed: %v", err)
	}
	return players
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name      string
		opts      DetectOptions
		installed []string
		want      []string
		wantErr   error
	}{
		{
			name:      "linux prefers ffplay",
			opts:      DetectOptions{GOOS: "linux"},
			installed: []string{"aplay", "ffplay", "mpg123"},
			want:      []string{"ffplay", "mpg123", "aplay"},
		},
		{
			name:      "darwin falls back to afplay",
			opts:      DetectOptions{GOOS: "darwin"},
			installed: []string{"afplay"},
			want:      []string{"afplay"},
		},
		{
			name:      "pi mode prefers aplay",
			opts:      DetectOptions{GOOS: "linux", PiMode: true, ALSADevice: "plughw:1,0"},
			installed: []string{"ffplay", "aplay", "ffmpeg"},
			want:      []string{"ffmpeg|aplay", "ffplay"},
		},
		{
			name:      "preferred player only",
			opts:      DetectOptions{GOOS: "linux", Preferred: "mpg123"},
			installed: []string{"ffplay", "mpg123"},
			want:      []string{"mpg123"},
		},
		{
			name:      "nothing installed",
			opts:      DetectOptions{GOOS: "linux"},
			installed: nil,
			wantErr:   ErrNoPlayer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.LookPath = fakeLookPath(tt.installed...)
			players, err := Detect(tt.opts)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Detect failed: %v", err)
			}

			var got []string
			for _, p := range players {
				got = append(got, p.String())
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected players %v, got %v", tt.want, got)
			}
		})
	}
}

func TestDetectUnknownPlayer(t *testing.T) {
	_, err := Detect(DetectOptions{Preferred: "vlc", LookPath: fakeLookPath("vlc")})
	if err == nil {
		t.Fatal("Expected error for unknown player")
	}
}

func TestPlayerCommands(t *testing.T) {
	ffplay := Player{Name: PlayerFFplay, Path: "/usr/bin/ffplay"}
	_, args := ffplay.StreamCommand()
	if want := []string{"-nodisp", "-autoexit", "-loglevel", "quiet", "-i", "-"}; !reflect.DeepEqual(args, want) {
		t.Errorf("ffplay stream args = %v, want %v", args, want)
	}

	aplay := Player{Name: PlayerAplay, Path: "/usr/bin/aplay", Device: "plughw:1,0"}
	_, args = aplay.FileCommand("/tmp/a.wav")
	if want := []string{"-q", "-D", "plughw:1,0", "/tmp/a.wav"}; !reflect.DeepEqual(args, want) {
		t.Errorf("aplay file args = %v, want %v", args, want)
	}

	afplay := Player{Name: PlayerAfplay, Path: "/usr/bin/afplay"}
	if afplay.CanStream("audio/wav") {
		t.Error("afplay should not stream")
	}
	if !afplay.Supports("audio/mpeg") {
		t.Error("afplay should play mpeg files")
	}

	mpg := Player{Name: PlayerMPG123}
	if mpg.Supports("audio/wav") || !mpg.CanStream("audio/mpeg") {
		t.Error("mpg123 should stream mpeg only")
	}
	if aplay.Supports("audio/mpeg") {
		t.Error("aplay without transcoder should not play mpeg")
	}
	aplay.Transcoder = "/usr/bin/ffmpeg"
	if !aplay.CanStream("audio/mpeg") {
		t.Error("aplay with transcoder should stream mpeg")
	}
}

func TestExtension(t *testing.T) {
	tests := map[string]string{
		"audio/mpeg":               ".mp3",
		"audio/MPEG":               ".mp3",
		"audio/wav":                ".wav",
		"application/octet-stream": ".wav",
		"":                         ".wav",
	}
	for ct, want := range tests {
		if got := Extension(ct); got != want {
			t.Errorf("Extension(%q) = %q, want %q", ct, got, want)
		}
	}
}

func TestBridgeStreamsToPlayer(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "played")
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	bridge := NewBridge(Options{
		Players:    customPlayer(t, "cat > "+out),
		Stream:     true,
		SpoolDir:   dir,
		BufferSize: 16,
		Logger:     quietLogger(),
		Metrics:    m,
	})

	sink, err := bridge.Open(context.Background(), "audio/wav")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, ok := sink.(*PipeSink); !ok {
		t.Fatalf("Expected PipeSink, got %T", sink)
	}

	payload := bytes.Repeat([]byte("RIFFdata"), 100)
	for i := 0; i < len(payload); i += 50 {
		end := min(i+50, len(payload))
		if _, err := sink.Write(payload[i:end]); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("Player output missing: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Player received %d bytes, want %d", len(got), len(payload))
	}
	if sink.Path() != "" {
		t.Errorf("PipeSink path should be empty, got %q", sink.Path())
	}

	if v := testutil.ToFloat64(m.PlaybackSinks.WithLabelValues(SinkPipe)); v != 1 {
		t.Errorf("Expected 1 pipe sink, got %v", v)
	}
	if v := testutil.ToFloat64(m.PlaybackBytes); v != float64(len(payload)) {
		t.Errorf("Expected %d playback bytes, got %v", len(payload), v)
	}
}

func TestBridgeSpoolsAndPlays(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "played")

	bridge := NewBridge(Options{
		Players:  customPlayer(t, `cp "$1" `+out),
		Stream:   false,
		SpoolDir: dir,
		Logger:   quietLogger(),
	})

	payload := []byte("ID3 fake mpeg frames")
	path, err := bridge.Play(context.Background(), "audio/mpeg", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if !strings.HasSuffix(path, ".mp3") || filepath.Dir(path) != dir {
		t.Errorf("Unexpected spool path %q", path)
	}

	spooled, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Spool file missing: %v", err)
	}
	played, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("Player did not run: %v", err)
	}
	if !bytes.Equal(spooled, payload) || !bytes.Equal(played, payload) {
		t.Error("Spooled and played audio should equal the payload")
	}
}

func TestBridgeSaveOnlyWithoutPlayer(t *testing.T) {
	dir := t.TempDir()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	bridge := NewBridge(Options{
		Stream:   true,
		SpoolDir: dir,
		Logger:   quietLogger(),
		Metrics:  m,
	})

	path, err := bridge.Play(context.Background(), "audio/wav", strings.NewReader("RIFF"))
	if err != nil {
		t.Fatalf("Save-only playback should not fail: %v", err)
	}
	if !strings.HasSuffix(path, ".wav") {
		t.Errorf("Expected .wav spool file, got %q", path)
	}
	if data, err := os.ReadFile(path); err != nil || string(data) != "RIFF" {
		t.Errorf("Saved file = %q, %v", data, err)
	}
	if v := testutil.ToFloat64(m.PlaybackSinks.WithLabelValues(SinkSaveOnly)); v != 1 {
		t.Errorf("Expected 1 save-only sink, got %v", v)
	}
}

func TestBridgeSkipsUnsupportedPlayer(t *testing.T) {
	dir := t.TempDir()
	bridge := NewBridge(Options{
		Players:  []Player{{Name: PlayerMPG123, Path: "/nonexistent/mpg123"}},
		Stream:   true,
		SpoolDir: dir,
		Logger:   quietLogger(),
	})

	sink, err := bridge.Open(context.Background(), "audio/wav")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	fs, ok := sink.(*FileSink)
	if !ok {
		t.Fatalf("Expected FileSink, got %T", sink)
	}
	if fs.play != nil {
		t.Error("mpg123 cannot play wav, sink should be save-only")
	}
	_ = sink.Close()
}

func TestPipeSinkReportsPlayerFailure(t *testing.T) {
	players := customPlayer(t, "exit 3")
	sink, err := NewPipeSink(context.Background(), players[0], 8, nil)
	if err != nil {
		t.Fatalf("NewPipeSink failed: %v", err)
	}

	_, _ = sink.Write([]byte("abcd"))
	if err := sink.Close(); err == nil {
		t.Error("Expected error from a failing player")
	}
}

func TestCueWithoutSayIsNoop(t *testing.T) {
	bridge := NewBridge(Options{Cues: true, LookPath: fakeLookPath(), Logger: quietLogger()})
	bridge.Cue(context.Background(), "Listening")
	if bridge.say != "" {
		t.Error("say should not be resolved")
	}
}

// brokenReader yields data then fails like a transfer cut short
type brokenReader struct {
	data []byte
	done bool
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.ErrUnexpectedEOF
	}
	r.done = true
	return copy(p, r.data), nil
}

func TestBridgeAbortsInterruptedTransfer(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "played")

	bridge := NewBridge(Options{
		Players:  customPlayer(t, `cp "$1" `+out),
		SpoolDir: dir,
		Logger:   quietLogger(),
	})

	path, err := bridge.Play(context.Background(), "audio/wav", &brokenReader{data: []byte("RIFFpartial")})
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("Expected unexpected EOF, got %v", err)
	}
	if path != "" {
		t.Errorf("Aborted transfer should leave no path, got %q", path)
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Error("Partial audio should not be played")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected spool dir to be empty, found %d entries", len(entries))
	}
}

func TestFileSinkAbortAfterClose(t *testing.T) {
	sink, err := NewFileSink(t.TempDir(), "audio/wav", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = sink.Write([]byte("RIFF"))
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
	if err := sink.Abort(); err != nil {
		t.Errorf("Abort after Close should be a no-op, got %v", err)
	}
	if _, err := os.Stat(sink.Path()); err != nil {
		t.Errorf("Closed spool file should survive Abort: %v", err)
	}
}
