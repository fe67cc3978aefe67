package tannoyctl

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tannoyproject/tannoy/pkg/api"
	"github.com/tannoyproject/tannoy/pkg/client"
)

func withApp(t *testing.T, handler http.Handler, action func(app *App, out *bytes.Buffer)) {
	server := httptest.NewServer(handler)
	defer server.Close()

	out := &bytes.Buffer{}
	app := &App{
		Params: &Params{
			ApiConnectionDetails: &client.ApiConnectionDetails{
				TannoyUrl:     server.URL,
				WebhookSource: "billing",
				WebhookSecret: "super-secret",
			},
		},
		Out: out,
	}
	action(app, out)
}

func respondJSON(t *testing.T, w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(body))
}

func TestVersion(t *testing.T) {
	out := &bytes.Buffer{}
	app := &App{Params: &Params{}, Out: out}
	require.NoError(t, app.Version())
	assert.Contains(t, out.String(), "Version:")
	assert.Contains(t, out.String(), "Go version:")
}

func TestInfo(t *testing.T) {
	started := time.Date(2023, 4, 5, 12, 0, 0, 0, time.UTC)
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		respondJSON(t, w, api.InfoResponse{Version: "1.2.3", StartedAt: started, LatestSeq: 17})
	})
	withApp(t, handler, func(app *App, out *bytes.Buffer) {
		require.NoError(t, app.Info(context.Background()))
		assert.Contains(t, out.String(), "1.2.3")
		assert.Contains(t, out.String(), "17")
	})
}

func TestStatus(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/api/jobs/status":
			respondJSON(t, w, api.PoolStatus{Slots: 4, Running: 2, QueueDepth: 1, QueueCapacity: 16, Completed: 9})
		case "/api/events/stream/stats":
			respondJSON(t, w, api.StreamStatsResponse{Connections: []api.StreamConnectionInfo{
				{Id: "c-1", State: "open", AgeMs: 12000, QueueDepth: 3, Dropped: 1},
			}})
		default:
			http.NotFound(w, req)
		}
	})
	withApp(t, handler, func(app *App, out *bytes.Buffer) {
		require.NoError(t, app.Status(context.Background()))
		assert.Contains(t, out.String(), "2/4 slots busy, 1/16 queued")
		assert.Contains(t, out.String(), "c-1")
		assert.Contains(t, out.String(), "open")
	})
}

func TestSubmit(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		respondJSON(t, w, api.JobSubmitResponse{JobId: "j-1", State: "queued"})
	})
	withApp(t, handler, func(app *App, out *bytes.Buffer) {
		require.NoError(t, app.Submit(context.Background(), &api.JobSubmitRequest{DurationMs: 50}))
		assert.Contains(t, out.String(), "Submitted job j-1 (queued)")
	})
}

func TestSubmit_BlockingPrintsResult(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		respondJSON(t, w, api.JobSubmitResponse{
			JobId:  "j-2",
			State:  "completed",
			Result: &api.JobResult{JobId: "j-2", SlotId: 1, ElapsedMs: 52},
		})
	})
	withApp(t, handler, func(app *App, out *bytes.Buffer) {
		require.NoError(t, app.Submit(context.Background(), &api.JobSubmitRequest{DurationMs: 50, Mode: api.JobModeBlocking}))
		assert.Contains(t, out.String(), "Job j-2 finished in 52ms on slot 1")
	})
}

func TestSubmitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
jobs:
  - durationMs: 50
  - durationMs: 100
    mode: blocking
    wait: true
`), 0o644))

	var mu sync.Mutex
	var requests []api.JobSubmitRequest
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var request api.JobSubmitRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&request))
		mu.Lock()
		requests = append(requests, request)
		mu.Unlock()
		respondJSON(t, w, api.JobSubmitResponse{JobId: "j-1", State: "queued"})
	})
	withApp(t, handler, func(app *App, out *bytes.Buffer) {
		require.NoError(t, app.SubmitFile(context.Background(), path))

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, requests, 2)
		assert.Equal(t, int64(50), requests[0].DurationMs)
		assert.Equal(t, int64(100), requests[1].DurationMs)
		assert.Equal(t, api.JobModeBlocking, requests[1].Mode)
		assert.True(t, requests[1].Wait)
	})
}

func TestSubmitFile_RejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jobs: []\n"), 0o644))

	app := &App{
		Params: &Params{ApiConnectionDetails: &client.ApiConnectionDetails{TannoyUrl: "http://localhost:1"}},
		Out:    &bytes.Buffer{},
	}
	err := app.SubmitFile(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no jobs found")
}

func TestJobs(t *testing.T) {
	submitted := time.Date(2023, 4, 5, 12, 0, 0, 0, time.UTC)
	started := submitted.Add(time.Second)
	finished := started.Add(75 * time.Millisecond)
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		respondJSON(t, w, []api.JobRecord{
			{Id: "j-2", State: "completed", SubmittedAt: submitted, StartedAt: &started, FinishedAt: &finished, SlotId: 1},
			{Id: "j-1", State: "queued", SubmittedAt: submitted, DurationMs: 50},
		})
	})
	withApp(t, handler, func(app *App, out *bytes.Buffer) {
		require.NoError(t, app.Jobs(context.Background(), 10))
		assert.Contains(t, out.String(), "ID")
		assert.Contains(t, out.String(), "j-2")
		assert.Contains(t, out.String(), "75ms")
		assert.Contains(t, out.String(), "(50ms requested)")
	})
}

func TestJob_NotStartedHasNoSlot(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		respondJSON(t, w, api.JobRecord{Id: "j-1", State: "queued", SubmittedAt: time.Now(), DurationMs: 50})
	})
	withApp(t, handler, func(app *App, out *bytes.Buffer) {
		require.NoError(t, app.Job(context.Background(), "j-1"))
		assert.Regexp(t, `Slot:\s+-`, out.String())
	})
}

func TestDeliver(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/api/webhooks/billing", req.URL.Path)
		require.NotEmpty(t, req.Header.Get(api.SignatureHeader))
		respondJSON(t, w, api.WebhookResponse{Duplicate: false})
	})
	withApp(t, handler, func(app *App, out *bytes.Buffer) {
		require.NoError(t, app.Deliver(context.Background(), "d-1", "invoice.paid", `{"amount":42}`))
		assert.Contains(t, out.String(), "Delivered d-1")
	})
}

func TestDeliver_ReportsDuplicates(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		respondJSON(t, w, api.WebhookResponse{Duplicate: true})
	})
	withApp(t, handler, func(app *App, out *bytes.Buffer) {
		require.NoError(t, app.Deliver(context.Background(), "d-1", "", ""))
		assert.Contains(t, out.String(), "already processed")
	})
}

func TestDeliver_RejectsMalformedData(t *testing.T) {
	app := &App{
		Params: &Params{ApiConnectionDetails: &client.ApiConnectionDetails{TannoyUrl: "http://localhost:1"}},
		Out:    &bytes.Buffer{},
	}
	err := app.Deliver(context.Background(), "d-1", "", "{not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
}

func TestSpam(t *testing.T) {
	var mu sync.Mutex
	var deliveries []api.WebhookRequest
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/api/webhooks/billing", req.URL.Path)
		var delivery api.WebhookRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&delivery))
		mu.Lock()
		deliveries = append(deliveries, delivery)
		mu.Unlock()
		respondJSON(t, w, api.WebhookResponse{Duplicate: false})
	})
	withApp(t, handler, func(app *App, out *bytes.Buffer) {
		require.NoError(t, app.Spam(context.Background(), 3, 0, "demo.tick"))

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, deliveries, 3)
		seen := map[string]bool{}
		for _, delivery := range deliveries {
			assert.Equal(t, "demo.tick", delivery.Type)
			assert.False(t, seen[delivery.Id], "delivery ids must be unique")
			seen[delivery.Id] = true
		}
		assert.Contains(t, out.String(), "Delivered 3 events")
	})
}

func TestSpam_CancelStopsCleanly(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		respondJSON(t, w, api.WebhookResponse{Duplicate: false})
	})
	withApp(t, handler, func(app *App, out *bytes.Buffer) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		time.AfterFunc(25*time.Millisecond, cancel)

		require.NoError(t, app.Spam(ctx, 100, 100*time.Millisecond, "demo.tick"))
		assert.Contains(t, out.String(), "Stopped after 1 of 100 events")
	})
}

func TestTail_CancelStopsCleanly(t *testing.T) {
	event := api.Event{Seq: 1, Type: api.EventTypeChatMessage, Time: time.Now().UTC(), Room: "lobby", Payload: json.RawMessage(`{"text":"hi"}`)}
	var mu sync.Mutex
	served := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		first := !served
		served = true
		mu.Unlock()
		if first {
			respondJSON(t, w, api.PollResponse{Events: []api.Event{event}, Cursor: 1})
			return
		}
		respondJSON(t, w, api.PollResponse{Cursor: 1})
	})
	withApp(t, handler, func(app *App, out *bytes.Buffer) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		time.AfterFunc(200*time.Millisecond, cancel)

		require.NoError(t, app.Tail(ctx, 0, 50*time.Millisecond, false))
		assert.Contains(t, out.String(), "chat.message")
		assert.Contains(t, out.String(), "Stopped at seq 1")
	})
}
