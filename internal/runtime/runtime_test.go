package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/failure"
	"github.com/loqalabs/loqa-scribe/internal/models"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Bus.Enabled = false
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	cfg.Artifacts.Dir = filepath.Join(dir, "recordings")
	cfg.Capture.SampleRate = 16000
	cfg.Capture.LevelIntervalMS = 20
	return cfg
}

func startAPI(t *testing.T, cfg config.Config) (*httptest.Server, *stack) {
	t.Helper()
	st, err := buildStack(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("build stack: %v", err)
	}
	mux := http.NewServeMux()
	newAPI(st.cmds, newLogger()).register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = st.close(ctx)
	})
	return srv, st
}

func call(t *testing.T, srv *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func waitForState(t *testing.T, srv *httptest.Server, want pipeline.State) pipeline.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var snap pipeline.Snapshot
		call(t, srv, http.MethodGet, "/v1/state", nil, &snap)
		if snap.State == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last state %s (%s)", want, snap.State, snap.Error)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRecordingOverHTTP(t *testing.T) {
	srv, _ := startAPI(t, testConfig(t))

	var snap pipeline.Snapshot
	if code := call(t, srv, http.MethodPost, "/v1/recording", nil, &snap); code != http.StatusOK {
		t.Fatalf("begin: status %d", code)
	}
	if snap.State != pipeline.StateRecording {
		t.Fatalf("expected recording, got %s", snap.State)
	}

	var body errorBody
	if code := call(t, srv, http.MethodPost, "/v1/recording", nil, &body); code != http.StatusConflict || body.ErrorKind != string(failure.KindSessionBusy) {
		t.Fatalf("second begin: status %d kind %s", code, body.ErrorKind)
	}

	time.Sleep(300 * time.Millisecond)
	if code := call(t, srv, http.MethodPost, "/v1/recording/stop", nil, &snap); code != http.StatusOK {
		t.Fatalf("stop: status %d", code)
	}

	done := waitForState(t, srv, pipeline.StateCompleted)
	if done.Text != "[segment 0]" {
		t.Fatalf("unexpected transcript %q", done.Text)
	}
	if done.ModelID != "ggml-small-q8_0.bin" {
		t.Fatalf("unexpected model %q", done.ModelID)
	}

	var events []eventType
	if code := call(t, srv, http.MethodGet, "/v1/sessions/"+done.SessionID+"/events", nil, &events); code != http.StatusOK {
		t.Fatalf("events: status %d", code)
	}
	// Events reach the store asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for !hasType(events, protocol.EventCompleted) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
		call(t, srv, http.MethodGet, "/v1/sessions/"+done.SessionID+"/events", nil, &events)
	}
	if !hasType(events, protocol.EventCompleted) {
		t.Fatalf("completed event not recorded: %+v", events)
	}
	if hasType(events, protocol.EventAmplitude) {
		t.Fatal("amplitude samples must not be recorded")
	}

	var arts []struct {
		Name string `json:"name"`
		Kind string `json:"kind"`
	}
	call(t, srv, http.MethodGet, "/v1/artifacts", nil, &arts)
	if len(arts) != 2 {
		t.Fatalf("expected raw and converted artifacts, got %+v", arts)
	}

	if code := call(t, srv, http.MethodDelete, "/v1/session", nil, &snap); code != http.StatusOK || snap.State != pipeline.StateIdle {
		t.Fatalf("discard: status %d state %s", code, snap.State)
	}
}

func TestRecordingWithFlacContainer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Artifacts.RawExtension = "flac"
	srv, _ := startAPI(t, cfg)

	var snap pipeline.Snapshot
	if code := call(t, srv, http.MethodPost, "/v1/recording", nil, &snap); code != http.StatusOK {
		t.Fatalf("begin: status %d", code)
	}
	time.Sleep(400 * time.Millisecond)
	call(t, srv, http.MethodPost, "/v1/recording/stop", nil, &snap)

	done := waitForState(t, srv, pipeline.StateCompleted)
	if done.Text == "" {
		t.Fatal("expected a transcript from the flac recording")
	}

	var arts []struct {
		Name string `json:"name"`
		Kind string `json:"kind"`
	}
	call(t, srv, http.MethodGet, "/v1/artifacts", nil, &arts)
	var raw, converted bool
	for _, a := range arts {
		switch {
		case a.Kind == "raw" && strings.HasSuffix(a.Name, ".flac"):
			raw = true
		case a.Kind == "converted" && strings.HasSuffix(a.Name, "_converted.wav"):
			converted = true
		}
	}
	if !raw || !converted {
		t.Fatalf("expected flac raw and converted wav artifacts, got %+v", arts)
	}
}

type eventType struct {
	Type string `json:"type"`
}

func hasType(events []eventType, typ string) bool {
	for _, e := range events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

func TestErrorStatusMapping(t *testing.T) {
	srv, _ := startAPI(t, testConfig(t))

	cases := []struct {
		method, path string
		body         any
		status       int
		kind         failure.Kind
	}{
		{http.MethodPost, "/v1/recording/stop", nil, http.StatusConflict, failure.KindInvalidState},
		{http.MethodPost, "/v1/recording/cancel", nil, http.StatusConflict, failure.KindInvalidState},
		{http.MethodPost, "/v1/models/nope/load", nil, http.StatusNotFound, failure.KindUnknownModel},
		{http.MethodDelete, "/v1/artifacts/ghost.wav", nil, http.StatusNotFound, failure.KindUnknownArtifact},
		{http.MethodPost, "/v1/transcriptions", protocol.Command{Path: "ghost.wav"}, http.StatusNotFound, failure.KindUnknownArtifact},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			var body errorBody
			code := call(t, srv, tc.method, tc.path, tc.body, &body)
			if code != tc.status || body.ErrorKind != string(tc.kind) {
				t.Fatalf("expected %d/%s, got %d/%s (%s)", tc.status, tc.kind, code, body.ErrorKind, body.Error)
			}
		})
	}
}

func TestModelEndpoints(t *testing.T) {
	srv, _ := startAPI(t, testConfig(t))

	var list []models.Descriptor
	call(t, srv, http.MethodGet, "/v1/models", nil, &list)
	if len(list) != 4 || list[0].ID != "ggml-small-q8_0.bin" || !list[0].Loaded {
		t.Fatalf("unexpected models %+v", list)
	}

	if code := call(t, srv, http.MethodPost, "/v1/models/ggml-tiny.bin/load", nil, &list); code != http.StatusOK {
		t.Fatalf("load: status %d", code)
	}
	if list[0].Loaded || !list[3].Loaded {
		t.Fatalf("expected tiny active, got %+v", list)
	}

	if code := call(t, srv, http.MethodPost, "/v1/models/release", nil, &list); code != http.StatusOK {
		t.Fatalf("release: status %d", code)
	}
	for _, d := range list {
		if d.Loaded {
			t.Fatalf("expected no model loaded, got %+v", list)
		}
	}

	call(t, srv, http.MethodPost, "/v1/recording", nil, nil)
	time.Sleep(100 * time.Millisecond)
	call(t, srv, http.MethodPost, "/v1/recording/stop", nil, nil)
	snap := waitForState(t, srv, pipeline.StateFailed)
	if snap.ErrorKind != failure.KindModelNotLoaded {
		t.Fatalf("expected ModelNotLoaded, got %s", snap.ErrorKind)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		failure.ErrSessionBusy:                                 http.StatusConflict,
		failure.Wrap(failure.ErrEngineBusy, errors.New("x")):   http.StatusConflict,
		failure.ErrUnknownModel:                                http.StatusNotFound,
		failure.Wrapf(failure.ErrCaptureUnavailable, "no mic"): http.StatusServiceUnavailable,
		failure.ErrModelNotLoaded:                              http.StatusServiceUnavailable,
		failure.ErrModelLoad:                                   http.StatusInternalServerError,
		errors.New("disk on fire"):                             http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Fatalf("%v: expected %d, got %d", err, want, got)
		}
	}
}

func TestEventsPublishedOnEmbeddedBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.Servers = nil
	cfg.Bus.StoreDir = filepath.Join(t.TempDir(), "nats")
	srv, st := startAPI(t, cfg)

	var mu sync.Mutex
	var types []string
	sub, err := st.bus.Conn().Subscribe(protocol.SubjectEventPrefix+".>", func(msg *nats.Msg) {
		var evt protocol.PipelineEvent
		if err := json.Unmarshal(msg.Data, &evt); err == nil {
			mu.Lock()
			types = append(types, evt.Type+":"+evt.State)
			mu.Unlock()
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := st.bus.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	call(t, srv, http.MethodPost, "/v1/recording", nil, nil)
	time.Sleep(150 * time.Millisecond)
	call(t, srv, http.MethodPost, "/v1/recording/stop", nil, nil)
	waitForState(t, srv, pipeline.StateCompleted)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		got := strings.Join(types, ",")
		mu.Unlock()
		if strings.Contains(got, "completed:completed") {
			if !strings.Contains(got, "state:recording") || !strings.Contains(got, "amplitude:") {
				t.Fatalf("missing events in %s", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("completed event not published; got %s", got)
		}
		time.Sleep(20 * time.Millisecond)
	}

	reply, err := st.bus.Conn().Request(protocol.SubjectCmdState, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("state request: %v", err)
	}
	if !strings.Contains(string(reply.Data), fmt.Sprintf("%q", "completed")) {
		t.Fatalf("unexpected state reply %s", reply.Data)
	}

	info, err := st.bus.JetStream().StreamInfo("SCRIBE_EVENTS")
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}
	if info.State.Msgs == 0 {
		t.Fatal("expected pipeline events retained in the event stream")
	}
}
