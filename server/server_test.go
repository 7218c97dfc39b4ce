package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrsingh-rishi/live-transcribe/broadcast"
	"github.com/mrsingh-rishi/live-transcribe/call"
	"github.com/mrsingh-rishi/live-transcribe/metrics"
	"github.com/mrsingh-rishi/live-transcribe/model"
	"github.com/mrsingh-rishi/live-transcribe/stt"
	"github.com/mrsingh-rishi/live-transcribe/transcript"
)

type fixture struct {
	srv *Server
	ch  *broadcast.MemoryChannel
	m   *metrics.Metrics
}

func newViewerFixture(t *testing.T) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ch := broadcast.NewMemoryChannel()
	deps := call.Deps{
		Channel:     ch,
		Snapshots:   ch,
		ChannelName: func(id string) string { return "transcription:" + id },
		Log:         zerolog.Nop(),
		Metrics:     m,
	}
	mgr := call.NewManager(func(ctx context.Context, id string) (*call.Session, error) {
		return call.NewViewerSession(ctx, id, deps)
	}, zerolog.Nop(), m)
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	srv := New(Options{
		Role:     "viewer",
		Manager:  mgr,
		Tokens:   stt.StaticToken("temp-token"),
		TokenTTL: time.Minute,
		Gatherer: reg,
		Log:      zerolog.Nop(),
	})
	return &fixture{srv: srv, ch: ch, m: m}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.App().Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(data)
}

func TestHealth(t *testing.T) {
	f := newViewerFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","role":"viewer","calls":0}`, body)
}

func TestCallLifecycleAndTranscript(t *testing.T) {
	f := newViewerFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/calls/c1/events", `{"type":"call.started"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	host := broadcast.NewRelay(broadcast.RelayConfig{Channel: f.ch, Name: "transcription:c1"}, zerolog.Nop(), f.m)
	require.NoError(t, host.PublishSegment(context.Background(), model.TranscriptSegment{
		ID: "host-s-0", Text: "Hello viewers.", Timestamp: time.Now(), SpeakerID: "host", StreamID: "s",
	}))

	resp, body := f.do(t, http.MethodGet, "/calls/c1/transcript", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap transcript.Snapshot
	require.NoError(t, json.Unmarshal([]byte(body), &snap))
	require.Len(t, snap.Segments, 1)
	assert.Equal(t, "Hello viewers.", snap.Segments[0].Text)

	resp, body = f.do(t, http.MethodGet, "/calls/c1/transcript.txt", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Hello viewers.", body)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "webinar-transcript-")

	resp, _ = f.do(t, http.MethodPost, "/calls/c1/events", `{"type":"call.ended"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/calls/c1/transcript", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestViewerCannotStartTranscription(t *testing.T) {
	f := newViewerFixture(t)
	f.do(t, http.MethodPost, "/calls/c1/events", `{"type":"call.started"}`)

	for _, action := range []string{"start", "stop", "clear"} {
		resp, body := f.do(t, http.MethodPost, "/calls/c1/transcription/"+action, "")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, action)
		assert.Contains(t, body, "host role")
	}
}

func TestUnknownCallAndEvent(t *testing.T) {
	f := newViewerFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/calls/missing/transcript", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/calls/c1/events", `{"type":"call.paused"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "call.paused")
}

func TestTokenEndpoint(t *testing.T) {
	f := newViewerFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/asr-token", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"token":"temp-token","expiresIn":60}`, body)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newViewerFixture(t)
	f.do(t, http.MethodPost, "/calls/c1/events", `{"type":"call.started"}`)

	resp, body := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "live_call_sessions_active 1")
}

func TestWebsocketRoutesRequireUpgrade(t *testing.T) {
	f := newViewerFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/stream", "")
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}
