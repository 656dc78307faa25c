package influx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/austinmesh/bridger/internal/point"
)

type captureServer struct {
	mu     sync.Mutex
	bodies []string
	paths  []string
	status int
}

func (s *captureServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.bodies = append(s.bodies, string(body))
	s.paths = append(s.paths, r.URL.Path+"?"+r.URL.RawQuery)
	status := s.status
	s.mu.Unlock()
	if status == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"code":"unauthorized","message":"unauthorized access"}`))
}

func newTestWriter(t *testing.T, status int) (*Writer, *captureServer, *observer.ObservedLogs) {
	t.Helper()
	capture := &captureServer{status: status}
	srv := httptest.NewServer(capture)
	t.Cleanup(srv.Close)

	client := influxdb2.NewClient(srv.URL, "test-token")
	t.Cleanup(client.Close)

	core, logs := observer.New(zap.DebugLevel)
	return NewWriter(client, "austinmesh", zap.New(core)), capture, logs
}

func TestWritePointsLineProtocol(t *testing.T) {
	w, capture, _ := newTestWriter(t, 0)

	battery := uint32(101)
	p := point.DeviceTelemetryPoint{
		PacketHeader: point.PacketHeader{
			From: 0x0c16d864, To: 0xffffffff,
			ChannelID: "LongFast", GatewayID: "!0c16d864",
			PacketID: 42,
		},
		BatteryLevel: &battery,
	}
	if err := w.WritePoints(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	capture.mu.Lock()
	defer capture.mu.Unlock()
	if len(capture.bodies) != 1 {
		t.Fatalf("got %d writes, want 1", len(capture.bodies))
	}
	body := capture.bodies[0]
	if !strings.HasPrefix(body, "battery,") {
		t.Errorf("line protocol measurement wrong: %q", body)
	}
	for _, want := range []string{"channel_id=LongFast", "gateway_id=!0c16d864", "_from=202823780", "battery_level=101i", "packet_id=42i"} {
		if !strings.Contains(body, want) {
			t.Errorf("line protocol missing %q: %q", want, body)
		}
	}
	if strings.Contains(body, "voltage") {
		t.Errorf("nil field leaked into line protocol: %q", body)
	}
	if !strings.Contains(capture.paths[0], "bucket=meshtastic") {
		t.Errorf("wrong bucket: %q", capture.paths[0])
	}
}

func TestWriteAnnotationTargetsOwnBucket(t *testing.T) {
	w, capture, _ := newTestWriter(t, 0)

	start := int64(1756200000)
	a := point.AnnotationPoint{
		NodeID:         "!0c16d864",
		AnnotationType: "outage",
		Body:           "tower power loss",
		Author:         "ops",
		StartTime:      &start,
	}
	if err := w.WriteAnnotation(context.Background(), a); err != nil {
		t.Fatal(err)
	}

	capture.mu.Lock()
	defer capture.mu.Unlock()
	if len(capture.paths) != 1 || !strings.Contains(capture.paths[0], "bucket=annotations") {
		t.Fatalf("annotation write path = %v", capture.paths)
	}
	if !strings.HasPrefix(capture.bodies[0], "annotation,") {
		t.Errorf("line protocol = %q", capture.bodies[0])
	}
}

func TestWriteAnnotationDefaultsStartTime(t *testing.T) {
	w, capture, _ := newTestWriter(t, 0)

	before := time.Now().Unix()
	a := point.AnnotationPoint{
		NodeID:         "!0c16d864",
		AnnotationType: "outage",
	}
	if err := w.WriteAnnotation(context.Background(), a); err != nil {
		t.Fatal(err)
	}

	capture.mu.Lock()
	defer capture.mu.Unlock()
	m := regexp.MustCompile(`start_time=(\d+)i`).FindStringSubmatch(capture.bodies[0])
	if m == nil {
		t.Fatalf("start_time missing from line protocol: %q", capture.bodies[0])
	}
	got, _ := strconv.ParseInt(m[1], 10, 64)
	if got < before || got > time.Now().Unix() {
		t.Errorf("start_time = %d, want roughly %d", got, before)
	}
}

func TestWriteAnnotationRejectsInvertedLifetime(t *testing.T) {
	w, capture, _ := newTestWriter(t, 0)

	start, end := int64(1756200000), int64(1756100000)
	a := point.AnnotationPoint{
		NodeID:         "!0c16d864",
		AnnotationType: "outage",
		StartTime:      &start,
		EndTime:        &end,
	}
	if err := w.WriteAnnotation(context.Background(), a); err == nil {
		t.Fatal("expected validation error for end_time before start_time")
	}

	capture.mu.Lock()
	defer capture.mu.Unlock()
	if len(capture.bodies) != 0 {
		t.Errorf("invalid annotation still hit the server %d times", len(capture.bodies))
	}
}

func TestWriteAuthFailureLoggedOnce(t *testing.T) {
	w, _, logs := newTestWriter(t, http.StatusUnauthorized)

	p := point.TextMessagePoint{PacketHeader: point.PacketHeader{PacketID: 1}}
	// Credential errors are swallowed so ingest keeps running.
	if err := w.WritePoints(context.Background(), p); err != nil {
		t.Fatalf("auth failure should not propagate, got %v", err)
	}
	if err := w.WritePoints(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	errLogs := logs.FilterLevelExact(zap.ErrorLevel)
	if got := errLogs.Len(); got != 1 {
		t.Errorf("auth failure logged %d times, want once", got)
	}
}

func TestWriteEmptyBatchIsNoop(t *testing.T) {
	w, capture, _ := newTestWriter(t, 0)
	if err := w.WritePoints(context.Background()); err != nil {
		t.Fatal(err)
	}
	capture.mu.Lock()
	defer capture.mu.Unlock()
	if len(capture.bodies) != 0 {
		t.Errorf("empty batch still hit the server %d times", len(capture.bodies))
	}
}
