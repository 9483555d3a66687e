package relay

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "github.com/xilidan/relay/config/relay"
	"github.com/xilidan/relay/gateways/relay/handler"
	"github.com/xilidan/relay/pkg/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{Port: 3001}
	cfg.Zoom.WebhookSecret = "secret"
	cfg.Supabase.Url = "https://project.supabase.test"
	cfg.Supabase.AnonKey = "anon"
	cfg.Supabase.Bucket = "transcriptions"
	cfg.Backend.ApiUrl = "https://api.test"
	cfg.Audio.SampleRate = 16000
	cfg.Audio.Channels = 1
	cfg.Audio.Bitrate = "128k"
	cfg.Session.TempDir = filepath.Join(t.TempDir(), "temp")
	cfg.Session.FilePrefix = "zoom_meeting"
	cfg.Session.RawExt = "raw"
	cfg.Session.OutExt = "mp3"
	cfg.Session.EntryDuration = 2 * time.Second
	cfg.Session.TimestampScale = 1_000_000
	cfg.Session.MailboxSize = 8
	cfg.Session.JoinTimeout = time.Second
	cfg.Session.LeaveTimeout = time.Second
	return cfg
}

func TestNewRequiresStorageConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Supabase.Url = ""

	_, err := New(context.Background(), cfg, logger.Discard())
	require.Error(t, err)
}

func TestRouter(t *testing.T) {
	srv, err := New(context.Background(), testConfig(t), logger.Discard())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := `{"event":"meeting.rtms_stopped","payload":{"rtms_stream_id":"unknown"}}`
	resp, err = http.Post(ts.URL+"/webhook", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/webhook", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-zm-request-timestamp", "1700000000")
	req.Header.Set("x-zm-signature", "v0="+handler.Sign("secret", "v0:1700000000:"+body))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.handler.Wait(ctx))
	require.NoError(t, srv.monitor.Close(ctx))
}

func TestStartStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Port = freePort(t)

	srv, err := New(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

func TestDrainTimeoutCoversPipeline(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.TranscodeTimeout = 5 * time.Minute
	cfg.Session.UploadTimeout = 2 * time.Minute
	cfg.Session.NotifyTimeout = 30 * time.Second

	assert.Equal(t, 7*time.Minute+30*time.Second+time.Second+shutdownTimeout, drainTimeout(cfg.Session))
}
