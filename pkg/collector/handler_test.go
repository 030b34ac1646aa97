package collector_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/illmade-knight/go-campaignflow/pkg/collector"
	"github.com/illmade-knight/go-campaignflow/pkg/messagepipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type response struct {
	MessageID     string `json:"messageId"`
	CorrelationID string `json:"correlationId"`
	Error         string `json:"error"`
}

func newTestMux(t *testing.T, pub *MockPublisher, validator collector.Validator, maxBody int64) *http.ServeMux {
	t.Helper()
	h, err := collector.NewHandler(collector.HandlerConfig{MaxBodyBytes: maxBody}, pub, validator,
		stubBatches{snap: messagepipeline.AccumulatorSnapshot{BatchesFlushed: 3, MaxBatchSize: 10, FlushInterval: time.Second}},
		zerolog.Nop())
	require.NoError(t, err)
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func postEvent(t *testing.T, mux http.Handler, body string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestHandler_PublishesValidEvent(t *testing.T) {
	// Arrange
	pub := &MockPublisher{}
	mux := newTestMux(t, pub, collector.StructuralValidator{Sources: []string{"meta", "google"}}, 0)

	// Act
	rec, resp := postEvent(t, mux, `{"source":"meta","payload":{"campaign_id":"c1"}}`)

	// Assert
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, resp.CorrelationID)
	assert.Equal(t, resp.CorrelationID, rec.Header().Get(collector.CorrelationHeader))
	assert.Empty(t, resp.Error)

	published := pub.Published()
	require.Len(t, published, 1)
	assert.Equal(t, resp.CorrelationID, published[0].ID, "missing id is filled with the correlation id")
	assert.Equal(t, "msg-"+resp.CorrelationID, resp.MessageID)
}

func TestHandler_KeepsSuppliedID(t *testing.T) {
	pub := &MockPublisher{}
	mux := newTestMux(t, pub, nil, 0)

	rec, resp := postEvent(t, mux, `{"source":"google","payload":{},"id":"evt-42","timestamp":"2024-03-01"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "msg-evt-42", resp.MessageID)
	assert.Equal(t, "2024-03-01", pub.Published()[0].Timestamp)
}

func TestHandler_PreservesLargeIntegers(t *testing.T) {
	pub := &MockPublisher{}
	mux := newTestMux(t, pub, nil, 0)

	rec, _ := postEvent(t, mux, `{"source":"google","payload":{"campaign_id":9007199254740993,"cost_micros":12345678901234567}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	published := pub.Published()
	require.Len(t, published, 1)
	body, err := json.Marshal(published[0].Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"campaign_id":9007199254740993,"cost_micros":12345678901234567}`, string(body))
	assert.Contains(t, string(body), "9007199254740993")
}

func TestHandler_Rejections(t *testing.T) {
	testCases := []struct {
		name    string
		body    string
		maxBody int64
		wantErr string
	}{
		{name: "malformed json", body: `{"source":`, wantErr: "JSON event"},
		{name: "wrong field type", body: `{"source":1,"payload":{}}`, wantErr: "JSON event"},
		{name: "missing source", body: `{"payload":{}}`, wantErr: "invalid event"},
		{name: "payload not an object", body: `{"source":"meta","payload":null}`, wantErr: "invalid event"},
		{name: "unsupported source", body: `{"source":"tiktok","payload":{}}`, wantErr: "invalid event"},
		{name: "body too large", body: `{"source":"meta","payload":{"x":"` + strings.Repeat("a", 200) + `"}}`, maxBody: 64, wantErr: "too large"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pub := &MockPublisher{}
			mux := newTestMux(t, pub, collector.StructuralValidator{Sources: []string{"meta", "google"}}, tc.maxBody)

			rec, resp := postEvent(t, mux, tc.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, resp.Error, tc.wantErr)
			assert.NotContains(t, resp.Error, "tiktok", "validation details stay in the log")
			assert.NotEmpty(t, resp.CorrelationID)
			assert.Empty(t, pub.Published())
		})
	}
}

func TestHandler_PublishFailureHidesDetails(t *testing.T) {
	pub := &MockPublisher{err: errors.New("sqs: AccessDenied for arn:aws:sqs:secret")}
	mux := newTestMux(t, pub, nil, 0)

	rec, resp := postEvent(t, mux, `{"source":"meta","payload":{}}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "failed to publish event", resp.Error)
	assert.NotContains(t, rec.Body.String(), "arn:aws")
}

func TestHandler_Stats(t *testing.T) {
	mux := newTestMux(t, &MockPublisher{}, nil, 0)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3.0, stats["batchesFlushed"])
	assert.Equal(t, 10.0, stats["maxBatchSize"])
	assert.Equal(t, 1000.0, stats["flushIntervalMs"])
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	mux := newTestMux(t, &MockPublisher{}, nil, 0)

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestService_MetricsAndShutdown(t *testing.T) {
	// Arrange
	pub := &MockPublisher{}
	h, err := collector.NewHandler(collector.HandlerConfig{}, pub, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "collector_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	svc, err := collector.NewService(":0", h, pub, reg, zerolog.Nop())
	require.NoError(t, err)

	// Act
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)

	// Assert
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "collector_test_total 1")

	require.NoError(t, svc.Shutdown(t.Context()))
	assert.Equal(t, 1, pub.shutdowns)
}
