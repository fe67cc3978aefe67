package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tannoyproject/tannoy/internal/tannoy/bus"
	"github.com/tannoyproject/tannoy/internal/tannoy/configuration"
	"github.com/tannoyproject/tannoy/internal/tannoy/ratelimit"
	"github.com/tannoyproject/tannoy/internal/tannoy/repository"
	"github.com/tannoyproject/tannoy/internal/tannoy/workerpool"
	"github.com/tannoyproject/tannoy/pkg/api"
)

const testVersion = "0.0.0-test"

func withEndpoints(
	t *testing.T,
	limiters map[string]*ratelimit.KeyedLimiter,
	action func(t *testing.T, server *httptest.Server, eventBus *bus.EventBus),
) {
	eventBus, err := bus.NewEventBus(64)
	require.NoError(t, err)

	stream, err := NewSseTransport(eventBus, defaultStreamTestConfig())
	require.NoError(t, err)
	hub, err := NewWsHub(eventBus, defaultWsTestConfig())
	require.NoError(t, err)
	defer hub.Close()
	poll, err := NewPollEndpoint(eventBus, configuration.PollConfig{MaxWait: time.Second, MaxBatch: 100})
	require.NoError(t, err)

	store, err := repository.NewSqliteRecordStore(filepath.Join(t.TempDir(), "records.db"), 16)
	require.NoError(t, err)
	defer store.Close()
	webhooks := NewWebhookIngest(eventBus, store, configuration.WebhookConfig{
		Secrets:      map[string]string{"billing": testWebhookSecret},
		MaxBodyBytes: 1 << 20,
	})

	jobDb, err := workerpool.NewJobDb()
	require.NoError(t, err)
	pool, err := workerpool.NewPool(2, 4, jobDb)
	require.NoError(t, err)
	defer pool.Stop()

	endpoints := &Endpoints{
		Stream:    stream,
		Hub:       hub,
		Poll:      poll,
		Webhooks:  webhooks,
		Jobs:      NewJobsEndpoint(pool),
		Limiters:  limiters,
		Version:   testVersion,
		StartedAt: time.Now().UTC(),
		LatestSeq: eventBus.LatestSeq,
	}
	server := httptest.NewServer(endpoints.Mux())
	defer server.Close()

	action(t, server, eventBus)
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestRoutes_MethodGuards(t *testing.T) {
	withEndpoints(t, nil, func(t *testing.T, server *httptest.Server, eventBus *bus.EventBus) {
		resp, err := http.Post(server.URL+"/api/events", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		assert.Equal(t, "GET", resp.Header.Get("Allow"))

		req, err := http.NewRequest(http.MethodDelete, server.URL+"/api/jobs", nil)
		require.NoError(t, err)
		resp, err = http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		assert.Equal(t, "GET, POST", resp.Header.Get("Allow"))

		resp, err = http.Get(server.URL + "/api/webhooks/billing")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		assert.Equal(t, "POST", resp.Header.Get("Allow"))
	})
}

func TestRoutes_InfoReportsBusPosition(t *testing.T) {
	withEndpoints(t, nil, func(t *testing.T, server *httptest.Server, eventBus *bus.EventBus) {
		for i := 0; i < 3; i++ {
			_, err := eventBus.Publish(api.EventTypeChatMessage, api.ChatMessage{Text: fmt.Sprintf("m%d", i)}, "lobby")
			require.NoError(t, err)
		}

		var info api.InfoResponse
		resp := getJSON(t, server.URL+"/api/info", &info)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, testVersion, info.Version)
		assert.Equal(t, uint64(3), info.LatestSeq)
		assert.False(t, info.StartedAt.IsZero())
	})
}

func TestRoutes_StreamStatsStartsEmpty(t *testing.T) {
	withEndpoints(t, nil, func(t *testing.T, server *httptest.Server, eventBus *bus.EventBus) {
		var stats api.StreamStatsResponse
		resp := getJSON(t, server.URL+"/api/events/stream/stats", &stats)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Empty(t, stats.Connections)
	})
}

func TestRoutes_PollIsRateLimited(t *testing.T) {
	limiters := map[string]*ratelimit.KeyedLimiter{
		PolicyPoll: ratelimit.New(PolicyPoll, ratelimit.Policy{Rate: 1, Burst: 1}, time.Minute),
	}
	withEndpoints(t, limiters, func(t *testing.T, server *httptest.Server, eventBus *bus.EventBus) {
		resp, err := http.Get(server.URL + "/api/events?timeoutMs=0")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, err = http.Get(server.URL + "/api/events?timeoutMs=0")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.Equal(t, "1", resp.Header.Get("Retry-After"))

		var body api.ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Contains(t, body.Error, "rate limit exceeded")
		assert.Equal(t, int64(1), body.RetryAfterSeconds)
	})
}

func TestRoutes_MissingPolicyMeansUnlimited(t *testing.T) {
	withEndpoints(t, nil, func(t *testing.T, server *httptest.Server, eventBus *bus.EventBus) {
		for i := 0; i < 5; i++ {
			resp, err := http.Get(server.URL + "/api/events?timeoutMs=0")
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		}
	})
}

func TestRoutes_WebhookDeliveryThroughMux(t *testing.T) {
	withEndpoints(t, nil, func(t *testing.T, server *httptest.Server, eventBus *bus.EventBus) {
		body := webhookBody(t, "d-1")
		req, err := http.NewRequest(http.MethodPost, server.URL+"/api/webhooks/billing", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(api.SignatureHeader, api.SignBody(body, testWebhookSecret))

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var response api.WebhookResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&response))
		assert.False(t, response.Duplicate)
		assert.Equal(t, uint64(1), eventBus.LatestSeq())
	})
}

func TestRoutes_JobsDispatch(t *testing.T) {
	withEndpoints(t, nil, func(t *testing.T, server *httptest.Server, eventBus *bus.EventBus) {
		body, err := json.Marshal(api.JobSubmitRequest{DurationMs: 5, Mode: api.JobModePooled})
		require.NoError(t, err)
		resp, err := http.Post(server.URL+"/api/jobs", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		var submitted api.JobSubmitResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
		require.NotEmpty(t, submitted.JobId)

		require.Eventually(t, func() bool {
			r, err := http.Get(server.URL + "/api/jobs/" + submitted.JobId)
			if err != nil {
				return false
			}
			defer r.Body.Close()
			var record api.JobRecord
			if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
				return false
			}
			return r.StatusCode == http.StatusOK && record.State == workerpool.JobCompleted
		}, 5*time.Second, 10*time.Millisecond)

		var status api.PoolStatus
		r := getJSON(t, server.URL+"/api/jobs/status", &status)
		assert.Equal(t, http.StatusOK, r.StatusCode)
		assert.Equal(t, 2, status.Slots)

		var records []api.JobRecord
		r = getJSON(t, server.URL+"/api/jobs?limit=10", &records)
		assert.Equal(t, http.StatusOK, r.StatusCode)
		require.Len(t, records, 1)
		assert.Equal(t, submitted.JobId, records[0].Id)

		missing, err := http.Get(server.URL + "/api/jobs/no-such-job")
		require.NoError(t, err)
		missing.Body.Close()
		assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	})
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req.RemoteAddr = "10.1.2.3:4567"
	assert.Equal(t, "10.1.2.3", clientKey(req))

	req.RemoteAddr = "bare-host"
	assert.Equal(t, "bare-host", clientKey(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientKey(req))
}
