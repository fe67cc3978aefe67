package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tannoyproject/tannoy/internal/common/tannoyerrors"
	"github.com/tannoyproject/tannoy/internal/tannoy/workerpool"
	"github.com/tannoyproject/tannoy/pkg/api"
)

const (
	jobsPathPrefix = "/api/jobs"

	maxJobRequestBytes  = 1 << 16
	defaultJobListLimit = 50
	maxJobListLimit     = 500
	// Longest sleep a single job may request; anything above this would let
	// one caller park a slot (or a request goroutine) near-indefinitely.
	maxJobDurationMs = int64(5 * time.Minute / time.Millisecond)
)

// JobsEndpoint exposes the worker pool over HTTP: submission in pooled or
// blocking mode, pool status and the job registry.
type JobsEndpoint struct {
	pool *workerpool.Pool
}

func NewJobsEndpoint(pool *workerpool.Pool) *JobsEndpoint {
	return &JobsEndpoint{pool: pool}
}

// Submit handles POST /api/jobs. Pooled mode enqueues the job and returns 202
// immediately, or the final result when wait is set. Blocking mode holds the
// request open for the job's duration without occupying a pool slot.
func (e *JobsEndpoint) Submit(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	var request api.JobSubmitRequest
	if err := readJSONBody(w, req, maxJobRequestBytes, &request); err != nil {
		writeError(ctx, w, err)
		return
	}
	if request.DurationMs < 0 || request.DurationMs > maxJobDurationMs {
		writeError(ctx, w, &tannoyerrors.ErrInvalidRequest{
			Field:   "durationMs",
			Message: "must be between 0 and 300000",
		})
		return
	}

	mode := request.Mode
	if mode == "" {
		mode = api.JobModePooled
	}
	switch mode {
	case api.JobModePooled:
		e.submitPooled(w, req, request)
	case api.JobModeBlocking:
		e.runBlocking(w, req, request)
	default:
		writeError(ctx, w, &tannoyerrors.ErrInvalidRequest{
			Field:   "mode",
			Value:   mode,
			Message: `expected "pooled" or "blocking"`,
		})
	}
}

func (e *JobsEndpoint) submitPooled(w http.ResponseWriter, req *http.Request, request api.JobSubmitRequest) {
	job := workerpool.Job{
		Id:       uuid.New().String(),
		Duration: time.Duration(request.DurationMs) * time.Millisecond,
		Panic:    request.Panic,
	}
	future, err := e.pool.Submit(job)
	if err != nil {
		writeError(req.Context(), w, err)
		return
	}
	if !request.Wait {
		writeJSON(w, http.StatusAccepted, api.JobSubmitResponse{
			JobId: job.Id,
			State: workerpool.JobQueued,
		})
		return
	}

	select {
	case <-future.Done():
	case <-req.Context().Done():
		// The caller stopped waiting; the job keeps running and its outcome
		// stays available in the registry.
		return
	}
	result, err := future.Result()
	if err != nil {
		writeError(req.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.JobSubmitResponse{
		JobId:  job.Id,
		State:  workerpool.JobCompleted,
		Result: &result,
	})
}

// runBlocking executes the sleep on the request goroutine itself. Blocking
// jobs never enter the pool or its registry; they exist to exercise request
// suspension, and crashing the serving goroutine is not a supported way to
// exercise anything.
func (e *JobsEndpoint) runBlocking(w http.ResponseWriter, req *http.Request, request api.JobSubmitRequest) {
	if request.Panic {
		writeError(req.Context(), w, &tannoyerrors.ErrInvalidRequest{
			Field:   "panic",
			Message: "panic is only supported in pooled mode",
		})
		return
	}

	jobId := uuid.New().String()
	start := time.Now()
	timer := time.NewTimer(time.Duration(request.DurationMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-req.Context().Done():
		log.Debugf("Blocking job %s abandoned by the caller", jobId)
		return
	}

	writeJSON(w, http.StatusOK, api.JobSubmitResponse{
		JobId: jobId,
		State: workerpool.JobCompleted,
		Result: &api.JobResult{
			JobId:     jobId,
			SlotId:    -1,
			ElapsedMs: time.Since(start).Milliseconds(),
		},
	})
}

// Status handles GET /api/jobs/status.
func (e *JobsEndpoint) Status(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, e.pool.Status())
}

// List handles GET /api/jobs, returning the most recently submitted rows.
func (e *JobsEndpoint) List(w http.ResponseWriter, req *http.Request) {
	limit, err := queryUint(req, "limit", defaultJobListLimit)
	if err != nil {
		writeError(req.Context(), w, err)
		return
	}
	if limit > maxJobListLimit {
		limit = maxJobListLimit
	}
	entries, err := e.pool.Recent(int(limit))
	if err != nil {
		writeError(req.Context(), w, err)
		return
	}
	records := make([]api.JobRecord, 0, len(entries))
	for _, entry := range entries {
		records = append(records, jobRecordFromEntry(entry))
	}
	writeJSON(w, http.StatusOK, records)
}

// Get handles GET /api/jobs/{id}.
func (e *JobsEndpoint) Get(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimPrefix(req.URL.Path, jobsPathPrefix+"/")
	entry, err := e.pool.Get(id)
	if err != nil {
		writeError(req.Context(), w, err)
		return
	}
	if entry == nil {
		writeError(req.Context(), w, &tannoyerrors.ErrNotFound{Type: "job", Value: id})
		return
	}
	writeJSON(w, http.StatusOK, jobRecordFromEntry(entry))
}

func jobRecordFromEntry(entry *workerpool.JobEntry) api.JobRecord {
	record := api.JobRecord{
		Id:          entry.JobId,
		State:       entry.State,
		DurationMs:  entry.DurationMs,
		SubmittedAt: time.Unix(0, entry.SubmittedAt).UTC(),
		SlotId:      entry.SlotId,
		Error:       entry.Error,
	}
	if entry.StartedAt > 0 {
		startedAt := time.Unix(0, entry.StartedAt).UTC()
		record.StartedAt = &startedAt
	}
	if entry.FinishedAt > 0 {
		finishedAt := time.Unix(0, entry.FinishedAt).UTC()
		record.FinishedAt = &finishedAt
	}
	return record
}
