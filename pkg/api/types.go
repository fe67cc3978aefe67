// Package api contains the wire-level types exchanged between tannoy and its
// clients over the HTTP interfaces (SSE, WebSocket, poll, webhooks, jobs).
package api

import (
	"encoding/json"
	"time"
)

// Event is the wire form of a single entry in the event log.
// Seq is strictly increasing and unique for the lifetime of the server process.
type Event struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Time    time.Time       `json:"ts"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Well-known event types published by the server itself.
const (
	EventTypeChatMessage        = "chat.message"
	EventTypeClientConnected    = "client.connected"
	EventTypeClientDisconnected = "client.disconnected"
	EventTypeWebhookReceived    = "webhook.received"
	EventTypeStreamGap          = "stream.gap"
	EventTypeHeartbeat          = "heartbeat"
)

// Header names used by the HTTP interfaces.
const (
	SignatureHeader   = "X-Tannoy-Signature"
	RequestIdHeader   = "X-Request-Id"
	LastEventIdHeader = "Last-Event-ID"
)

// PollResponse is returned by GET /api/events.
// Cursor equals the seq of the last returned event, or the request cursor
// when Events is empty. Gapped reports that events between the request
// cursor and the first returned event were evicted from the ring before
// they could be read.
type PollResponse struct {
	Events []Event `json:"events"`
	Cursor uint64  `json:"cursor"`
	Gapped bool    `json:"gapped,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds,omitempty"`
}

// WebhookRequest is the JSON body of POST /api/webhooks/{source}.
// Id is caller-supplied and must be unique per logical delivery; retries of
// the same delivery must reuse the same id.
type WebhookRequest struct {
	Id   string          `json:"id"`
	Type string          `json:"type,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WebhookResponse is returned by POST /api/webhooks/{source} on success.
// Duplicate is true when the delivery id had already been processed; the
// request had no effect in that case.
type WebhookResponse struct {
	Duplicate bool `json:"duplicate"`
}

// Job submission modes.
const (
	JobModePooled   = "pooled"
	JobModeBlocking = "blocking"
)

// JobSubmitRequest is the JSON body of POST /api/jobs.
type JobSubmitRequest struct {
	DurationMs int64  `json:"durationMs"`
	Mode       string `json:"mode,omitempty"`
	Panic      bool   `json:"panic,omitempty"`
	Wait       bool   `json:"wait,omitempty"`
}

// JobSubmitResponse is returned by POST /api/jobs in pooled mode.
type JobSubmitResponse struct {
	JobId  string     `json:"jobId"`
	State  string     `json:"state"`
	Result *JobResult `json:"result,omitempty"`
}

// JobResult describes a finished job.
type JobResult struct {
	JobId     string `json:"jobId"`
	SlotId    int    `json:"slotId"`
	ElapsedMs int64  `json:"elapsedMs"`
	Error     string `json:"error,omitempty"`
}

// JobRecord is a row of the job registry, returned by GET /api/jobs.
type JobRecord struct {
	Id          string     `json:"id"`
	State       string     `json:"state"`
	DurationMs  int64      `json:"durationMs"`
	SubmittedAt time.Time  `json:"submittedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	SlotId      int        `json:"slotId,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// PoolStatus is returned by GET /api/jobs/status.
type PoolStatus struct {
	Slots         int    `json:"slots"`
	QueueDepth    int    `json:"queueDepth"`
	QueueCapacity int    `json:"queueCapacity"`
	Running       int    `json:"running"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	Rejected      uint64 `json:"rejected"`
	Replaced      uint64 `json:"replaced"`
}

// StreamConnectionInfo describes one live SSE connection,
// returned by GET /api/events/stream/stats.
type StreamConnectionInfo struct {
	Id          string    `json:"id"`
	State       string    `json:"state"`
	AgeMs       int64     `json:"ageMs"`
	QueueDepth  int       `json:"queueDepth"`
	QueueBytes  int       `json:"queueBytes"`
	Dropped     uint64    `json:"dropped"`
	LastDrainAt time.Time `json:"lastDrainAt"`
}

// StreamStatsResponse is returned by GET /api/events/stream/stats.
type StreamStatsResponse struct {
	Connections []StreamConnectionInfo `json:"connections"`
}

// InfoResponse is returned by GET /api/info.
type InfoResponse struct {
	Version   string    `json:"version"`
	StartedAt time.Time `json:"startedAt"`
	LatestSeq uint64    `json:"latestSeq"`
}

// WebSocket frame types.
const (
	WsFrameHello  = "hello"
	WsFrameJoined = "joined"
	WsFrameMsg    = "msg"
	WsFrameJoin   = "join"
	WsFrameSay    = "say"
)

// ChatMessage is the payload of a chat.message event.
type ChatMessage struct {
	Room string `json:"room"`
	From string `json:"from"`
	Text string `json:"text"`
}

// ClientEvent is the payload of client.connected and client.disconnected
// events.
type ClientEvent struct {
	ClientId string `json:"clientId"`
	Room     string `json:"room,omitempty"`
}

// WebhookEvent is the payload of a webhook.received event.
type WebhookEvent struct {
	Source string          `json:"source"`
	Id     string          `json:"id"`
	Type   string          `json:"type,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// StreamGap is the payload of the synthetic stream.gap event sent to a
// resuming consumer whose cursor has fallen off the retained ring.
type StreamGap struct {
	RequestedAfter uint64 `json:"requestedAfter"`
	ResumedAt      uint64 `json:"resumedAt"`
}

// WsServerFrame is a server-to-client WebSocket frame. Type is one of
// "hello", "joined" or "msg"; the remaining fields are populated per type.
type WsServerFrame struct {
	Type     string `json:"type"`
	ClientId string `json:"clientId,omitempty"`
	Room     string `json:"room,omitempty"`
	Seq      uint64 `json:"seq,omitempty"`
	From     string `json:"from,omitempty"`
	Text     string `json:"text,omitempty"`
	Ts       int64  `json:"ts,omitempty"`
}

// WsClientFrame is a client-to-server WebSocket frame. Type is "join" or
// "say"; anything else is ignored by the server.
type WsClientFrame struct {
	Type string `json:"type"`
	Room string `json:"room,omitempty"`
	Text string `json:"text,omitempty"`
}
