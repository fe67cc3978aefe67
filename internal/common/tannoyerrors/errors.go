// Package tannoyerrors contains generic errors that should be returned by code handling API requests.
// The HTTP layer looks for the error types defined in this file and automatically sets
// the response status code correctly.
//
// If multiple errors occur in some function (e.g., if several fields of a request are invalid), that
// function should return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual errors.
package tannoyerrors

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tannoyproject/tannoy/internal/common/requestid"
	"github.com/tannoyproject/tannoy/pkg/api"
)

// ErrRateLimited represents an error that occurs when a client has exhausted its
// request budget and must back off before retrying.
//
// RetryAfter is the duration after which the next attempt may succeed; it is surfaced
// to clients via the Retry-After header and the retryAfterSeconds body field.
type ErrRateLimited struct {
	// Key identifying the client bucket, e.g., an IP address
	Key string
	// Name of the limiter policy that rejected the request, e.g., "webhook"
	Policy string
	// How long the client should wait before retrying
	RetryAfter time.Duration
	// Optional message included with the error message
	Message string
}

func (err *ErrRateLimited) Error() (s string) {
	if err.Policy != "" {
		s = fmt.Sprintf("rate limit exceeded for %q under policy %q", err.Key, err.Policy)
	} else {
		s = fmt.Sprintf("rate limit exceeded for %q", err.Key)
	}
	if err.RetryAfter > 0 {
		s = s + fmt.Sprintf("; retry in %s", err.RetryAfter)
	}
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return
}

// ErrQueueFull is returned whenever work is rejected because a bounded queue is at capacity.
// Retrying later may succeed, so it maps to the same status code as rate limiting.
type ErrQueueFull struct {
	// Name of the queue that is full, e.g., "workerpool"
	Name string
	// Capacity of the queue
	Capacity int
	// An optional message to include in the error message
	Message string
}

func (err *ErrQueueFull) Error() (s string) {
	if err.Name != "" {
		s = fmt.Sprintf("queue %q is full (capacity %d)", err.Name, err.Capacity)
	} else {
		s = fmt.Sprintf("queue is full (capacity %d)", err.Capacity)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	} else {
		return s
	}
}

// ErrUnauthenticated is returned whenever a request fails authentication,
// e.g., when a webhook signature does not match the shared secret.
type ErrUnauthenticated struct {
	// The source or principal that failed authentication
	Source string
	// Why authentication failed; kept deliberately vague in responses
	Reason string
}

func (err *ErrUnauthenticated) Error() string {
	if err.Reason == "" {
		return fmt.Sprintf("authentication failed for %q", err.Source)
	}
	return fmt.Sprintf("authentication failed for %q; %s", err.Source, err.Reason)
}

// ErrInvalidRequest is a generic error to be returned on malformed or invalid requests.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidRequest struct {
	Field   string      // Name of the field referred to, e.g., "afterSeq"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidRequest) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Field)
	} else {
		return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Field, err.Message)
	}
}

// ErrWorkerFailed is returned when a job submitted to the worker pool crashed the
// worker executing it. The job is not retried.
type ErrWorkerFailed struct {
	// Id of the job whose execution failed
	JobId string
	// The recovered panic value, formatted
	Reason string
}

func (err *ErrWorkerFailed) Error() string {
	if err.Reason == "" {
		return fmt.Sprintf("execution of job %q failed", err.JobId)
	}
	return fmt.Sprintf("execution of job %q failed: %s", err.JobId, err.Reason)
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string // Resource type, e.g., "job" or "record"
	Value   string // Resource id, e.g., "01gjv9c8..."
	Message string // An optional message to include in the error message
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	} else {
		return s
	}
}

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "record"
	Value   string // Resource id, e.g., "delivery-123"
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	} else {
		return s
	}
}

// CodeFromError maps error types to HTTP status codes.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
// A nil error maps to 200.
func CodeFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}

	// Using {} scopes just to re-use the "e" variable name for each case.
	{
		var e *ErrRateLimited
		if errors.As(err, &e) {
			return http.StatusTooManyRequests
		}
	}
	{
		var e *ErrQueueFull
		if errors.As(err, &e) {
			return http.StatusTooManyRequests
		}
	}
	{
		var e *ErrUnauthenticated
		if errors.As(err, &e) {
			return http.StatusUnauthorized
		}
	}
	{
		var e *ErrInvalidRequest
		if errors.As(err, &e) {
			return http.StatusBadRequest
		}
	}
	{
		var e *ErrWorkerFailed
		if errors.As(err, &e) {
			return http.StatusInternalServerError
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return http.StatusNotFound
		}
	}
	{
		var e *ErrAlreadyExists
		if errors.As(err, &e) {
			return http.StatusConflict
		}
	}

	return http.StatusInternalServerError
}

// RetryAfterFromError returns the retry hint carried by an error chain, if any.
func RetryAfterFromError(err error) (time.Duration, bool) {
	var e *ErrRateLimited
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// WriteHTTPError extracts the cause of an error chain and writes it as a JSON error
// response with the appropriate status code. Rate limiting errors additionally get a
// Retry-After header and a retryAfterSeconds body field, both rounded up to whole seconds.
//
// If available, the request Id is included in the error message so that users can
// quote it when reporting issues.
func WriteHTTPError(ctx context.Context, w http.ResponseWriter, err error) {
	cause := errors.Cause(err)
	code := CodeFromError(cause)

	message := cause.Error()
	if id, ok := requestid.FromContext(ctx); ok {
		message = fmt.Sprintf("[%s: %q] ", requestid.MetadataKey, id) + message
	}

	body := &api.ErrorResponse{Error: message}
	if retryAfter, ok := RetryAfterFromError(cause); ok {
		seconds := int64(math.Ceil(retryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		body.RetryAfterSeconds = seconds
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Error("Failed to write error response")
	}
}
