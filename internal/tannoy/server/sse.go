// Package server implements the HTTP surface of tannoy: the SSE stream, the
// WebSocket hub, the long-poll endpoint, webhook ingestion and the job API.
package server

import (
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tannoyproject/tannoy/internal/common/tannoyerrors"
	"github.com/tannoyproject/tannoy/internal/common/util"
	"github.com/tannoyproject/tannoy/internal/tannoy/bus"
	"github.com/tannoyproject/tannoy/internal/tannoy/configuration"
	"github.com/tannoyproject/tannoy/pkg/api"
)

// SseTransport owns every live SSE connection. Frames flow from the bus into
// per-connection queues on the publishing goroutine and out to the network on
// each connection's handler goroutine; the two sides only meet at the queue.
type SseTransport struct {
	eventBus *bus.EventBus
	config   configuration.StreamConfig
	clock    util.Clock

	mu          sync.Mutex
	connections map[string]*SseConnection
	// Drops accumulated by connections that have since closed, so the
	// transport-wide counter never goes backwards.
	droppedClosed uint64
	guardClosed   uint64
}

func NewSseTransport(eventBus *bus.EventBus, config configuration.StreamConfig) (*SseTransport, error) {
	if config.MaxQueuedFrames < 1 {
		return nil, errors.Errorf("MaxQueuedFrames must be positive, got %d", config.MaxQueuedFrames)
	}
	if config.MaxQueuedBytes < 1 {
		return nil, errors.Errorf("MaxQueuedBytes must be positive, got %d", config.MaxQueuedBytes)
	}
	if config.ReplayLimit < 1 {
		return nil, errors.Errorf("ReplayLimit must be positive, got %d", config.ReplayLimit)
	}
	return &SseTransport{
		eventBus:    eventBus,
		config:      config,
		clock:       &util.DefaultClock{},
		connections: map[string]*SseConnection{},
	}, nil
}

// Stream handles GET /api/events/stream. The handler goroutine doubles as the
// connection's writer: it parks on the wake channel and drains the queue to
// the client until either side closes.
func (t *SseTransport) Stream(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		log.Warn("SSE rejected: response writer does not support flushing")
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	after, present, err := resumeCursor(req)
	if err != nil {
		tannoyerrors.WriteHTTPError(req.Context(), w, err)
		return
	}
	if !present {
		// No cursor means the client wants the live feed from now on, not
		// a replay of whatever the ring still holds.
		after = t.eventBus.LatestSeq()
	}

	conn := newSseConnection(
		util.NewULID(),
		t.config.MaxQueuedFrames,
		int(t.config.MaxQueuedBytes),
		t.clock,
	)
	t.add(conn)
	defer t.remove(conn)

	// Registering the listener and snapshotting the replay batch is a single
	// atomic step on the bus, so every event lands exactly once: either in
	// the replay batch or in the listener. A publish that slips in before
	// Prepend runs is ordered behind the replay by Prepend itself.
	replay, gapped, unsubscribe := t.eventBus.SubscribeAndReplay(func(event api.Event) {
		f, err := renderEventFrame(event)
		if err != nil {
			log.WithError(err).Errorf("Failed to render event %d for SSE connection %s", event.Seq, conn.Id())
			return
		}
		conn.Enqueue(f)
	}, after, t.config.ReplayLimit)
	conn.bindUnsubscribe(unsubscribe)

	initial, err := t.renderInitialFrames(after, replay, gapped)
	if err != nil {
		log.WithError(err).Errorf("Failed to render replay batch for SSE connection %s", conn.Id())
		tannoyerrors.WriteHTTPError(req.Context(), w, err)
		return
	}
	conn.Prepend(initial)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Tells nginx-style proxies not to buffer the response.
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Infof("SSE connection %s opened, resuming after seq %d (replayed %d, gapped %v)",
		conn.Id(), after, len(replay), gapped)

	for {
		select {
		case <-req.Context().Done():
			return
		case <-conn.Done():
			return
		case <-conn.wake:
		}
		for {
			batch := conn.dequeue()
			if len(batch) == 0 {
				break
			}
			for _, f := range batch {
				if _, err := w.Write(f.data); err != nil {
					log.Infof("SSE connection %s closed mid-write: %v", conn.Id(), err)
					return
				}
			}
			flusher.Flush()
			conn.markDrained()
		}
	}
}

// resumeCursor extracts the client's last-seen sequence number from the
// Last-Event-ID header, falling back to the lastEventId query parameter for
// clients that cannot set headers. The second return value reports whether a
// cursor was supplied at all; an explicit cursor of 0 asks for everything the
// ring still retains, whereas no cursor means "from now".
func resumeCursor(req *http.Request) (uint64, bool, error) {
	raw := req.Header.Get(api.LastEventIdHeader)
	field := api.LastEventIdHeader
	if raw == "" {
		raw = req.URL.Query().Get("lastEventId")
		field = "lastEventId"
	}
	if raw == "" {
		return 0, false, nil
	}
	after, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, &tannoyerrors.ErrInvalidRequest{
			Field:   field,
			Value:   raw,
			Message: "expected a non-negative integer sequence number",
		}
	}
	return after, true, nil
}

// renderInitialFrames renders the replay batch, preceded by a synthetic gap
// notice when the requested cursor has already fallen off the ring.
func (t *SseTransport) renderInitialFrames(after uint64, replay []api.Event, gapped bool) ([]frame, error) {
	frames := make([]frame, 0, len(replay)+1)
	if gapped {
		resumedAt := uint64(0)
		if len(replay) > 0 {
			resumedAt = replay[0].Seq
		}
		f, err := renderGapFrame(t.clock, after, resumedAt)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	for _, event := range replay {
		f, err := renderEventFrame(event)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func renderGapFrame(clock util.Clock, requestedAfter, resumedAt uint64) (frame, error) {
	payload, err := marshalPayload(api.StreamGap{
		RequestedAfter: requestedAfter,
		ResumedAt:      resumedAt,
	})
	if err != nil {
		return frame{}, err
	}
	return renderEventFrame(api.Event{
		Type:    api.EventTypeStreamGap,
		Time:    clock.Now().UTC(),
		Payload: payload,
	})
}

func renderHeartbeatFrame(clock util.Clock) (frame, error) {
	return renderEventFrame(api.Event{
		Type: api.EventTypeHeartbeat,
		Time: clock.Now().UTC(),
	})
}

// Heartbeat enqueues a no-op frame on every live connection. Heartbeats ride
// the normal backpressure path: a stalled connection accumulates them like
// any other frame and the guard deals with it.
func (t *SseTransport) Heartbeat() {
	f, err := renderHeartbeatFrame(t.clock)
	if err != nil {
		log.WithError(err).Error("Failed to render heartbeat frame")
		return
	}
	for _, conn := range t.snapshot() {
		conn.Enqueue(f)
	}
}

// Guard force-disconnects connections that have been blocked past the
// configured budget or have dropped too many frames. Termination unsubscribes
// from the bus synchronously; the handler goroutine notices and returns.
func (t *SseTransport) Guard() {
	now := t.clock.Now()
	for _, conn := range t.snapshot() {
		if !conn.overBudget(now, t.config.MaxBlockedDuration, t.config.MaxDropped) {
			continue
		}
		info := conn.Info()
		log.Warnf("Disconnecting SSE connection %s: state %s, %d dropped frames, %d queued",
			info.Id, info.State, info.Dropped, info.QueueDepth)
		conn.Terminate()

		t.mu.Lock()
		t.guardClosed++
		t.mu.Unlock()
	}
}

// Stats snapshots every live connection for GET /api/events/stream/stats,
// ordered by connection id (ids are ULIDs, so this is creation order).
func (t *SseTransport) Stats() []api.StreamConnectionInfo {
	conns := t.snapshot()
	infos := make([]api.StreamConnectionInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, conn.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Id < infos[j].Id })
	return infos
}

func (t *SseTransport) ConnectionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.connections)
}

// CountByState returns the number of live connections in each backpressure
// state, for the metrics collector.
func (t *SseTransport) CountByState() map[string]int {
	counts := map[string]int{}
	for _, conn := range t.snapshot() {
		counts[conn.Info().State]++
	}
	return counts
}

// DroppedTotal returns the cumulative number of frames dropped across all
// connections, including ones that have since closed.
func (t *SseTransport) DroppedTotal() uint64 {
	t.mu.Lock()
	total := t.droppedClosed
	conns := make([]*SseConnection, 0, len(t.connections))
	for _, conn := range t.connections {
		conns = append(conns, conn)
	}
	t.mu.Unlock()

	for _, conn := range conns {
		total += conn.droppedCount()
	}
	return total
}

// GuardDisconnects returns how many connections the guard has force-closed.
func (t *SseTransport) GuardDisconnects() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.guardClosed
}

func (t *SseTransport) add(conn *SseConnection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connections[conn.Id()] = conn
}

func (t *SseTransport) remove(conn *SseConnection) {
	conn.Terminate()

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.connections[conn.Id()]; ok {
		t.droppedClosed += conn.droppedCount()
		delete(t.connections, conn.Id())
	}
}

func (t *SseTransport) snapshot() []*SseConnection {
	t.mu.Lock()
	defer t.mu.Unlock()
	conns := make([]*SseConnection, 0, len(t.connections))
	for _, conn := range t.connections {
		conns = append(conns, conn)
	}
	return conns
}
