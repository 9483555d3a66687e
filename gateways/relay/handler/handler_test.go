package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilidan/relay/gateways/relay/monitor"
	"github.com/xilidan/relay/pkg/logger"
	"github.com/xilidan/relay/services/relay/entity"
)

type fakeMonitor struct {
	mu       sync.Mutex
	events   []entity.Event
	err      error
	contexts map[string]entity.Context
}

func (m *fakeMonitor) Dispatch(_ context.Context, ev entity.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

func (m *fakeMonitor) SetContext(id string, c entity.Context) (entity.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.contexts[id]
	if !ok {
		return entity.Context{}, fmt.Errorf("%w: %s", entity.ErrNotFound, id)
	}
	cur = cur.Merge(c)
	m.contexts[id] = cur
	return cur, nil
}

func (m *fakeMonitor) Sessions() []monitor.SessionInfo {
	return []monitor.SessionInfo{{StreamID: "s1", State: "active"}}
}

func (m *fakeMonitor) dispatched() []entity.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]entity.Event(nil), m.events...)
}

const secret = "webhook-secret"

func newTestServer(t *testing.T, mon *fakeMonitor) (*Handler, *httptest.Server) {
	t.Helper()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("relay_active_sessions 0\n"))
	})
	h := New(mon, metrics, Config{WebhookSecret: secret, MaxBodyBytes: 4096}, logger.Discard())
	h.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 6_000_000, time.UTC) }

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return h, srv
}

const requestTS = "1700000000"

func signed(body string) map[string]string {
	return map[string]string{
		signatureHeader: "v0=" + Sign(secret, "v0:"+requestTS+":"+body),
		timestampHeader: requestTS,
	}
}

// post signs the request unless headers are given.
func post(t *testing.T, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	return send(t, http.MethodPost, url, body, headers)
}

func send(t *testing.T, method, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	if headers == nil {
		headers = signed(body)
	}
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestURLValidation(t *testing.T) {
	_, srv := newTestServer(t, &fakeMonitor{})

	resp := post(t, srv.URL+"/webhook", `{"event":"endpoint.url_validation","payload":{"plainToken":"abc"}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out URLValidationResponse
	decode(t, resp, &out)
	assert.Equal(t, "abc", out.PlainToken)
	assert.Equal(t, Sign(secret, "abc"), out.EncryptedToken)
	assert.Len(t, out.EncryptedToken, 64)
}

func TestURLValidationWithoutToken(t *testing.T) {
	_, srv := newTestServer(t, &fakeMonitor{})
	resp := post(t, srv.URL+"/webhook", `{"event":"endpoint.url_validation","payload":{}}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartedDispatchesStart(t *testing.T) {
	mon := &fakeMonitor{}
	_, srv := newTestServer(t, mon)

	body := `{"event":"meeting.rtms_started","payload":{"meeting_uuid":"m1","rtms_stream_id":"s1","server_urls":"wss://x","operator_id":"op"}}`
	resp := post(t, srv.URL+"/webhook", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out WebhookResponse
	decode(t, resp, &out)
	assert.True(t, out.Success)

	events := mon.dispatched()
	require.Len(t, events, 1)
	ev, ok := events[0].(entity.Started)
	require.True(t, ok)
	assert.Equal(t, "s1", ev.StreamID)
	assert.Equal(t, entity.JoinParams{MeetingUUID: "m1", StreamID: "s1", ServerURLs: "wss://x"}, ev.Join)
	assert.Equal(t, entity.Context{UserID: "op", OperatorID: "op"}, ev.Context)
}

func TestStartedPrefersUserID(t *testing.T) {
	mon := &fakeMonitor{}
	_, srv := newTestServer(t, mon)

	body := `{"event":"meeting.rtms_started","payload":{"rtms_stream_id":"s1","operator_id":"op","user_id":"u1"}}`
	post(t, srv.URL+"/webhook", body, nil)

	ev := mon.dispatched()[0].(entity.Started)
	assert.Equal(t, "u1", ev.Context.UserID)
}

func TestStartedFailureReturns500(t *testing.T) {
	mon := &fakeMonitor{err: errors.New("join failed")}
	_, srv := newTestServer(t, mon)

	resp := post(t, srv.URL+"/webhook", `{"event":"meeting.rtms_started","payload":{"rtms_stream_id":"s1"}}`, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestStartedDuplicateReturns409(t *testing.T) {
	mon := &fakeMonitor{err: fmt.Errorf("%w: s1", entity.ErrDuplicateSession)}
	_, srv := newTestServer(t, mon)

	resp := post(t, srv.URL+"/webhook", `{"event":"meeting.rtms_started","payload":{"rtms_stream_id":"s1"}}`, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStoppedIsAsynchronous(t *testing.T) {
	mon := &fakeMonitor{err: entity.ErrMissingContext}
	h, srv := newTestServer(t, mon)

	resp := post(t, srv.URL+"/webhook", `{"event":"meeting.rtms_stopped","payload":{"rtms_stream_id":"s1","meeting_uuid":"m1"}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))

	events := mon.dispatched()
	require.Len(t, events, 1)
	assert.Equal(t, entity.Stopped{StreamID: "s1", MeetingID: "m1"}, events[0])
}

func TestUnknownEventIsIgnored(t *testing.T) {
	mon := &fakeMonitor{}
	_, srv := newTestServer(t, mon)

	resp := post(t, srv.URL+"/webhook", `{"event":"meeting.participant_joined","payload":{}}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, mon.dispatched())
}

func TestMalformedBody(t *testing.T) {
	_, srv := newTestServer(t, &fakeMonitor{})
	resp := post(t, srv.URL+"/webhook", `{"event":`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookSignature(t *testing.T) {
	mon := &fakeMonitor{}
	_, srv := newTestServer(t, mon)
	body := `{"event":"meeting.rtms_started","payload":{"rtms_stream_id":"s1"}}`

	resp := post(t, srv.URL+"/webhook", body, map[string]string{
		signatureHeader: "v0=deadbeef",
		timestampHeader: requestTS,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, srv.URL+"/webhook", body, map[string]string{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, srv.URL+"/webhook", body, map[string]string{
		signatureHeader: signed(body)[signatureHeader],
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, mon.dispatched())

	resp = post(t, srv.URL+"/webhook", body, signed(body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, mon.dispatched(), 1)
}

func TestUnsignedStartWithTraversalIDIsRejected(t *testing.T) {
	mon := &fakeMonitor{}
	_, srv := newTestServer(t, mon)

	body := `{"event":"meeting.rtms_started","payload":{"rtms_stream_id":"/../../etc/x","server_urls":"wss://attacker.example"}}`
	resp := post(t, srv.URL+"/webhook", body, map[string]string{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, mon.dispatched())
}

func TestStartedValidationErrorReturns400(t *testing.T) {
	mon := &fakeMonitor{err: fmt.Errorf("%w: unsafe stream id", entity.ErrValidation)}
	_, srv := newTestServer(t, mon)

	resp := post(t, srv.URL+"/webhook", `{"event":"meeting.rtms_started","payload":{"rtms_stream_id":"a/b"}}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookBodyTooLarge(t *testing.T) {
	mon := &fakeMonitor{}
	_, srv := newTestServer(t, mon)

	body := `{"event":"meeting.rtms_started","payload":{"plainToken":"` + strings.Repeat("x", 8192) + `"}}`
	resp := post(t, srv.URL+"/webhook", body, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Empty(t, mon.dispatched())
}

func TestURLValidationFallsBackToClientSecret(t *testing.T) {
	h := New(&fakeMonitor{}, nil, Config{ClientSecret: "client-secret"}, logger.Discard())
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	body := `{"event":"endpoint.url_validation","payload":{"plainToken":"abc"}}`
	resp := post(t, srv.URL+"/webhook", body, map[string]string{
		signatureHeader: "v0=" + Sign("client-secret", "v0:"+requestTS+":"+body),
		timestampHeader: requestTS,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out URLValidationResponse
	decode(t, resp, &out)
	assert.Equal(t, Sign("client-secret", "abc"), out.EncryptedToken)
}

func TestNoSecretSkipsVerification(t *testing.T) {
	mon := &fakeMonitor{}
	h := New(mon, nil, Config{}, logger.Discard())
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	resp := post(t, srv.URL+"/webhook", `{"event":"meeting.rtms_started","payload":{"rtms_stream_id":"s1"}}`, map[string]string{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, mon.dispatched(), 1)
}

func TestHealth(t *testing.T) {
	_, srv := newTestServer(t, &fakeMonitor{})
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out HealthResponse
	decode(t, resp, &out)
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, "2025-01-02T03:04:05.006Z", out.Timestamp)
}

func TestMetricsRoute(t *testing.T) {
	_, srv := newTestServer(t, &fakeMonitor{})
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListSessions(t *testing.T) {
	_, srv := newTestServer(t, &fakeMonitor{})
	resp, err := http.Get(srv.URL + "/api/v1/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out SessionsResponse
	decode(t, resp, &out)
	require.Len(t, out.Sessions, 1)
	assert.Equal(t, "s1", out.Sessions[0].StreamID)
}

func TestSetContext(t *testing.T) {
	mon := &fakeMonitor{contexts: map[string]entity.Context{"s1": {}}}
	_, srv := newTestServer(t, mon)

	put := func(id, body string) *http.Response {
		return send(t, http.MethodPut, srv.URL+"/api/v1/sessions/"+id+"/context", body, nil)
	}

	unsigned := send(t, http.MethodPut, srv.URL+"/api/v1/sessions/s1/context", `{"userId":"intruder"}`, map[string]string{})
	assert.Equal(t, http.StatusUnauthorized, unsigned.StatusCode)
	assert.Equal(t, entity.Context{}, mon.contexts["s1"])

	resp := put("s1", `{"userId":"u1","operatorId":"op"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out ContextResponse
	decode(t, resp, &out)
	assert.Equal(t, entity.Context{UserID: "u1", OperatorID: "op"}, out.Context)

	assert.Equal(t, http.StatusNotFound, put("missing", `{"userId":"u1"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, put("s1", `{}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, put("s1", `nope`).StatusCode)
}
