// Package client is an HTTP client for the tannoy server API. It covers the
// cursor-based event endpoints, job submission and webhook delivery; the
// SSE and WebSocket transports are browser-oriented and not wrapped here.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/tannoyproject/tannoy/pkg/api"
)

// Client talks to a tannoy server. It is safe for concurrent use.
type Client struct {
	baseUrl       string
	httpClient    *http.Client
	webhookSource string
	webhookSecret string
}

// ApiError is returned for any non-2xx response, carrying the server-provided
// message and, for rate limited requests, the retry hint.
type ApiError struct {
	StatusCode        int
	Message           string
	RetryAfterSeconds int64
}

func (err *ApiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", err.StatusCode, err.Message)
}

func (c *Client) Info(ctx context.Context) (*api.InfoResponse, error) {
	var info api.InfoResponse
	if err := c.getJSON(ctx, "/api/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// WaitReady polls the server until it answers. Useful when the server is
// started alongside the client, e.g., in tests or compose files.
func (c *Client) WaitReady(ctx context.Context) error {
	return retry.Do(
		func() error {
			_, err := c.Info(ctx)
			return err
		},
		retry.Attempts(100), // default retry delay is 100ms and the server may take a few seconds to bind its port
		retry.RetryIf(func(error) bool { return ctx.Err() == nil }),
	)
}

// PollEvents returns events with sequence numbers greater than after. A zero
// wait returns immediately with whatever is retained; otherwise the server
// holds the request open until an event arrives or wait expires.
func (c *Client) PollEvents(ctx context.Context, after uint64, wait time.Duration) (*api.PollResponse, error) {
	query := url.Values{}
	query.Set("afterSeq", strconv.FormatUint(after, 10))
	query.Set("timeoutMs", strconv.FormatInt(wait.Milliseconds(), 10))

	var response api.PollResponse
	if err := c.getJSON(ctx, "/api/events", query, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// TailEvents long polls from the given cursor and hands every event to
// handle, in order, until the context is cancelled or handle returns an
// error. Rate limit responses are honoured by sleeping out the server's
// retry hint. Returns the last cursor so a caller can resume later.
func (c *Client) TailEvents(ctx context.Context, after uint64, wait time.Duration, handle func(api.Event) error) (uint64, error) {
	cursor := after
	for {
		if err := ctx.Err(); err != nil {
			return cursor, err
		}
		response, err := c.PollEvents(ctx, cursor, wait)
		if err != nil {
			var apiErr *ApiError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
				if err := sleep(ctx, retryAfter(apiErr)); err != nil {
					return cursor, err
				}
				continue
			}
			return cursor, err
		}
		for _, event := range response.Events {
			if err := handle(event); err != nil {
				return cursor, err
			}
			cursor = event.Seq
		}
		cursor = response.Cursor
	}
}

func (c *Client) SubmitJob(ctx context.Context, request *api.JobSubmitRequest) (*api.JobSubmitResponse, error) {
	var response api.JobSubmitResponse
	if err := c.postJSON(ctx, "/api/jobs", nil, request, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

func (c *Client) GetJob(ctx context.Context, jobId string) (*api.JobRecord, error) {
	var record api.JobRecord
	if err := c.getJSON(ctx, "/api/jobs/"+url.PathEscape(jobId), nil, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *Client) ListJobs(ctx context.Context, limit int) ([]api.JobRecord, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var records []api.JobRecord
	if err := c.getJSON(ctx, "/api/jobs", query, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) PoolStatus(ctx context.Context) (*api.PoolStatus, error) {
	var status api.PoolStatus
	if err := c.getJSON(ctx, "/api/jobs/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) StreamStats(ctx context.Context) (*api.StreamStatsResponse, error) {
	var stats api.StreamStatsResponse
	if err := c.getJSON(ctx, "/api/events/stream/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// DeliverWebhook signs the delivery with the configured source secret and
// posts it. Redelivering the same id is safe; the response says whether the
// server had already processed it.
func (c *Client) DeliverWebhook(ctx context.Context, request *api.WebhookRequest) (*api.WebhookResponse, error) {
	if c.webhookSource == "" {
		return nil, errors.New("no webhook source configured")
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseUrl+"/api/webhooks/"+url.PathEscape(c.webhookSource), bytes.NewReader(body))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.SignatureHeader, api.SignBody(body, c.webhookSecret))

	var response api.WebhookResponse
	if err := c.do(req, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseUrl + path
	if len(query) > 0 {
		u = u + "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, query url.Values, in interface{}, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.WithStack(err)
	}
	u := c.baseUrl + path
	if len(query) > 0 {
		u = u + "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &ApiError{StatusCode: resp.StatusCode}
		var body api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
			apiErr.Message = body.Error
			apiErr.RetryAfterSeconds = body.RetryAfterSeconds
		} else {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return errors.WithStack(apiErr)
	}
	if out == nil {
		return nil
	}
	return errors.WithStack(json.NewDecoder(resp.Body).Decode(out))
}

func retryAfter(err *ApiError) time.Duration {
	if err.RetryAfterSeconds > 0 {
		return time.Duration(err.RetryAfterSeconds) * time.Second
	}
	return time.Second
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
