package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// WsClient is one WebSocket connection and its outbound buffer.
//
// Fan-out never writes to the socket directly: frames are queued under the
// client lock and a dedicated writer goroutine drains them. Unlike the SSE
// queue, which keeps the newest frames, a client whose buffer is already over
// the byte threshold has new frames dropped outright; a slow chat client
// should catch up to fresh messages, not work through a backlog.
type WsClient struct {
	id   string
	conn *websocket.Conn

	mu               sync.Mutex
	room             string
	queue            [][]byte
	queuedBytes      int
	dropped          uint64
	maxBufferedBytes int
	pingOutstanding  bool
	closed           bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newWsClient(id, room string, conn *websocket.Conn, maxBufferedBytes int) *WsClient {
	return &WsClient{
		id:               id,
		conn:             conn,
		room:             room,
		maxBufferedBytes: maxBufferedBytes,
		wake:             make(chan struct{}, 1),
		done:             make(chan struct{}),
	}
}

func (c *WsClient) Id() string {
	return c.id
}

func (c *WsClient) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *WsClient) setRoom(room string) {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
}

// send queues data for delivery and reports whether it was accepted. Frames
// offered while the buffer already exceeds its byte threshold are dropped and
// counted, never queued.
func (c *WsClient) send(data []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.queuedBytes > c.maxBufferedBytes {
		c.dropped++
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, data)
	c.queuedBytes += len(data)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

func (c *WsClient) dequeue() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := c.queue
	c.queue = nil
	c.queuedBytes = 0
	return batch
}

func (c *WsClient) droppedCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *WsClient) markPong() {
	c.mu.Lock()
	c.pingOutstanding = false
	c.mu.Unlock()
}

// beginPing opens a ping cycle. It returns false if the previous cycle's pong
// never arrived, in which case the connection should be force-closed.
func (c *WsClient) beginPing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	if c.pingOutstanding {
		return false
	}
	c.pingOutstanding = true
	return true
}

// close shuts the connection down exactly once. Closing the underlying socket
// unblocks the read loop, which performs the hub-side cleanup.
func (c *WsClient) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.queue = nil
		c.queuedBytes = 0
		c.mu.Unlock()

		close(c.done)
		if err := c.conn.Close(); err != nil {
			log.Debugf("Closing WebSocket connection %s: %v", c.id, err)
		}
	})
}

// writePump drains the outbound buffer to the socket until the client closes.
// It owns all data writes; pings go through WriteControl, which gorilla allows
// concurrently with a writer.
func (c *WsClient) writePump(writeTimeout time.Duration) {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			batch := c.dequeue()
			if len(batch) == 0 {
				break
			}
			for _, data := range batch {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					log.Debugf("WebSocket connection %s write failed: %v", c.id, err)
					c.close()
					return
				}
			}
		}
	}
}
