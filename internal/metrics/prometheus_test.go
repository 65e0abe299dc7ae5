package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics

	// None of these may panic
	m.RecordCaptureSession("auto", "utterance", 1.5)
	m.RecordFrame(true)
	m.RecordSourceStall()
	m.RecordUtteranceEncoded(1024)
	m.RecordDemuxPart("audio", 512)
	m.RecordDemuxTruncated()
	m.RecordDemuxFramingError()
	m.RecordSinkOpened("pipe")
	m.RecordPlaybackBytes(512)
	m.RecordPlayerError("ffplay")
	m.RecordClientRequest("transcribe", "success", 0.2)
	m.RecordClientRetry("transcribe")
	m.RecordHTTPRequest("GET", "/health", "200", 0.01)
}

func TestRecordersUpdateInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordCaptureSession("auto", "utterance", 1.5)
	m.RecordCaptureSession("auto", "empty", 0)
	m.RecordFrame(true)
	m.RecordFrame(false)
	m.RecordDemuxPart("json", 40)
	m.RecordPlaybackBytes(300)
	m.RecordPlaybackBytes(200)

	if got := testutil.ToFloat64(m.CaptureSessions.WithLabelValues("auto", "utterance")); got != 1 {
		t.Errorf("Expected 1 utterance session, got %v", got)
	}
	if got := testutil.ToFloat64(m.FramesReceived); got != 2 {
		t.Errorf("Expected 2 frames received, got %v", got)
	}
	if got := testutil.ToFloat64(m.FramesAdmitted); got != 1 {
		t.Errorf("Expected 1 frame admitted, got %v", got)
	}
	if got := testutil.ToFloat64(m.DemuxParts.WithLabelValues("json")); got != 1 {
		t.Errorf("Expected 1 json part, got %v", got)
	}
	if got := testutil.ToFloat64(m.PlaybackBytes); got != 500 {
		t.Errorf("Expected 500 playback bytes, got %v", got)
	}
}
