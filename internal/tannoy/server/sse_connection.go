package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tannoyproject/tannoy/internal/common/util"
	"github.com/tannoyproject/tannoy/pkg/api"
)

// Backpressure states of an SSE connection.
const (
	connStateOpen       = "open"
	connStateBlocked    = "blocked"
	connStateTerminated = "terminated"
)

// frame is one wire-ready SSE frame, rendered once at enqueue time so that
// the publishing path never marshals under a connection lock.
type frame struct {
	seq  uint64
	data []byte
}

// renderEventFrame renders event into the SSE wire format. Synthetic frames
// (heartbeats, gap notices) carry no sequence number and are rendered without
// an id line so they do not advance the client's resume cursor.
func renderEventFrame(event api.Event) (frame, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return frame{}, errors.WithStack(err)
	}
	var buf bytes.Buffer
	if event.Seq > 0 {
		fmt.Fprintf(&buf, "id: %d\n", event.Seq)
	}
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", event.Type, data)
	return frame{seq: event.Seq, data: buf.Bytes()}, nil
}

// SseConnection holds the outbound frame queue for one streaming client.
//
// Producers (bus listeners, heartbeat sweep) only ever append to the queue
// and return; all network writes happen on the handler goroutine, so a stalled
// client can never block a publish. The queue is bounded by frame count and by
// bytes, and once either cap is exceeded the oldest frames are dropped first.
type SseConnection struct {
	id        string
	createdAt time.Time
	clock     util.Clock

	maxFrames int
	maxBytes  int

	mu           sync.Mutex
	state        string
	frames       []frame
	queuedBytes  int
	lastSeq      uint64
	dropped      uint64
	blockedSince time.Time
	lastDrainAt  time.Time
	unsubscribe  func()

	// wake has capacity one: a pending signal means the writer has frames to
	// collect, and collapsing repeated signals is fine because the writer
	// drains the whole queue per wakeup.
	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newSseConnection(id string, maxFrames, maxBytes int, clock util.Clock) *SseConnection {
	now := clock.Now()
	return &SseConnection{
		id:          id,
		createdAt:   now,
		clock:       clock,
		maxFrames:   maxFrames,
		maxBytes:    maxBytes,
		state:       connStateOpen,
		lastDrainAt: now,
		wake:        make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
}

func (c *SseConnection) Id() string {
	return c.id
}

// bindUnsubscribe records the bus unsubscribe hook so that Terminate can tear
// the subscription down no matter which side initiates the close.
func (c *SseConnection) bindUnsubscribe(unsubscribe func()) {
	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()
}

// Enqueue appends a frame for delivery and wakes the writer. Finding frames
// already queued means the writer has not kept up with the previous wakeup,
// which is the backpressure signal: the connection turns blocked until the
// writer reports a full drain.
func (c *SseConnection) Enqueue(f frame) {
	c.mu.Lock()
	if c.state == connStateTerminated {
		c.mu.Unlock()
		return
	}
	if len(c.frames) > 0 && c.state == connStateOpen {
		c.state = connStateBlocked
		c.blockedSince = c.clock.Now()
	}
	c.frames = append(c.frames, f)
	c.queuedBytes += len(f.data)
	c.enforceCapsUnlocked()
	c.mu.Unlock()

	c.signal()
}

// Prepend inserts frames ahead of everything already queued. It is used for
// the replay batch on connect, which must be delivered before any live frame
// that raced the subscription handshake.
func (c *SseConnection) Prepend(frames []frame) {
	if len(frames) == 0 {
		return
	}
	c.mu.Lock()
	if c.state == connStateTerminated {
		c.mu.Unlock()
		return
	}
	c.frames = append(frames[:len(frames):len(frames)], c.frames...)
	for _, f := range frames {
		c.queuedBytes += len(f.data)
	}
	c.enforceCapsUnlocked()
	c.mu.Unlock()

	c.signal()
}

// enforceCapsUnlocked drops the oldest queued frames until both caps hold
// again. A single frame larger than the byte cap is kept and occupies the
// queue alone; dropping the newest frame would invert the drop policy.
func (c *SseConnection) enforceCapsUnlocked() {
	for len(c.frames) > 1 && (len(c.frames) > c.maxFrames || c.queuedBytes > c.maxBytes) {
		c.queuedBytes -= len(c.frames[0].data)
		c.frames[0] = frame{}
		c.frames = c.frames[1:]
		c.dropped++
	}
}

func (c *SseConnection) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// dequeue hands the entire queue to the writer. Sequenced frames at or below
// the last written sequence number are discarded here, so a replay batch
// prepended after a raced live delivery can never produce duplicates.
func (c *SseConnection) dequeue() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.frames) == 0 {
		return nil
	}
	batch := make([]frame, 0, len(c.frames))
	for _, f := range c.frames {
		if f.seq > 0 {
			if f.seq <= c.lastSeq {
				continue
			}
			c.lastSeq = f.seq
		}
		batch = append(batch, f)
	}
	c.frames = nil
	c.queuedBytes = 0
	return batch
}

// markDrained records that every dequeued frame reached the client. The queue
// may have refilled in the meantime; the writer loops until dequeue comes back
// empty, so the connection only stays blocked while frames are truly pending.
func (c *SseConnection) markDrained() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastDrainAt = c.clock.Now()
	if c.state == connStateBlocked && len(c.frames) == 0 {
		c.state = connStateOpen
	}
}

// Terminate closes the connection exactly once: the bus subscription is
// removed synchronously and the writer goroutine is released. Safe to call
// from any goroutine, any number of times.
func (c *SseConnection) Terminate() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = connStateTerminated
		c.frames = nil
		c.queuedBytes = 0
		unsubscribe := c.unsubscribe
		c.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		close(c.closed)
	})
}

// Done is closed once the connection is terminated.
func (c *SseConnection) Done() <-chan struct{} {
	return c.closed
}

// overBudget reports whether the guard sweep should disconnect this
// connection, either for staying blocked past maxBlocked or for having
// dropped more than maxDropped frames.
func (c *SseConnection) overBudget(now time.Time, maxBlocked time.Duration, maxDropped uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == connStateBlocked && now.Sub(c.blockedSince) > maxBlocked {
		return true
	}
	return c.dropped > maxDropped
}

func (c *SseConnection) droppedCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Info snapshots the connection for the stats endpoint.
func (c *SseConnection) Info() api.StreamConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	return api.StreamConnectionInfo{
		Id:          c.id,
		State:       c.state,
		AgeMs:       c.clock.Now().Sub(c.createdAt).Milliseconds(),
		QueueDepth:  len(c.frames),
		QueueBytes:  c.queuedBytes,
		Dropped:     c.dropped,
		LastDrainAt: c.lastDrainAt,
	}
}
