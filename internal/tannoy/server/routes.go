package server

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tannoyproject/tannoy/internal/tannoy/ratelimit"
	"github.com/tannoyproject/tannoy/pkg/api"
)

// Rate limit policy names looked up in the configured policy map.
const (
	PolicyPoll    = "poll"
	PolicyWebhook = "webhook"
)

// Endpoints bundles every HTTP-facing component and assembles the API mux.
type Endpoints struct {
	Stream   *SseTransport
	Hub      *WsHub
	Poll     *PollEndpoint
	Webhooks *WebhookIngest
	Jobs     *JobsEndpoint

	// Limiters gate routes by policy name; routes whose policy is not
	// configured are not limited.
	Limiters map[string]*ratelimit.KeyedLimiter

	Version   string
	StartedAt time.Time
	LatestSeq func() uint64
}

// Mux wires the endpoints into a ServeMux. Request id handling wraps the
// returned mux at server construction, not here.
func (e *Endpoints) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/events", method(http.MethodGet, e.limit(PolicyPoll, e.Poll.Poll)))
	mux.HandleFunc("/api/events/stream", method(http.MethodGet, e.Stream.Stream))
	mux.HandleFunc("/api/events/stream/stats", method(http.MethodGet, e.streamStats))
	mux.HandleFunc("/api/ws", method(http.MethodGet, e.Hub.Serve))
	mux.HandleFunc(webhookPathPrefix, method(http.MethodPost, e.limit(PolicyWebhook, e.Webhooks.Ingest)))
	mux.HandleFunc(jobsPathPrefix, e.jobs)
	mux.HandleFunc(jobsPathPrefix+"/", e.jobsSubtree)
	mux.HandleFunc("/api/info", method(http.MethodGet, e.info))
	return mux
}

func (e *Endpoints) jobs(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		e.Jobs.List(w, req)
	case http.MethodPost:
		e.Jobs.Submit(w, req)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (e *Endpoints) jobsSubtree(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path == jobsPathPrefix+"/status" {
		method(http.MethodGet, e.Jobs.Status)(w, req)
		return
	}
	method(http.MethodGet, e.Jobs.Get)(w, req)
}

func (e *Endpoints) streamStats(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, api.StreamStatsResponse{Connections: e.Stream.Stats()})
}

func (e *Endpoints) info(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, api.InfoResponse{
		Version:   e.Version,
		StartedAt: e.StartedAt,
		LatestSeq: e.LatestSeq(),
	})
}

// limit wraps next with the named rate limit policy, keyed by client address.
func (e *Endpoints) limit(policy string, next http.HandlerFunc) http.HandlerFunc {
	limiter, ok := e.Limiters[policy]
	if !ok {
		return next
	}
	return func(w http.ResponseWriter, req *http.Request) {
		if err := limiter.Allow(clientKey(req)); err != nil {
			writeError(req.Context(), w, err)
			return
		}
		next(w, req)
	}
}

func method(m string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != m {
			w.Header().Set("Allow", m)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, req)
	}
}

// clientKey identifies the caller for rate limiting: the first hop of
// X-Forwarded-For when a proxy set it, otherwise the peer address.
func clientKey(req *http.Request) string {
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		if i := strings.Index(forwarded, ","); i >= 0 {
			forwarded = forwarded[:i]
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
