package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tannoyproject/tannoy/internal/tannoy/bus"
	"github.com/tannoyproject/tannoy/internal/tannoy/configuration"
	"github.com/tannoyproject/tannoy/pkg/api"
)

func defaultStreamTestConfig() configuration.StreamConfig {
	return configuration.StreamConfig{
		MaxQueuedFrames:    64,
		MaxQueuedBytes:     1 << 20,
		MaxBlockedDuration: time.Second,
		MaxDropped:         100,
		GuardInterval:      time.Second,
		HeartbeatInterval:  time.Second,
		ReplayLimit:        256,
	}
}

func withSseTransport(
	t *testing.T,
	ringCapacity int,
	config configuration.StreamConfig,
	action func(eventBus *bus.EventBus, transport *SseTransport, server *httptest.Server),
) {
	eventBus, err := bus.NewEventBus(ringCapacity)
	require.NoError(t, err)
	transport, err := NewSseTransport(eventBus, config)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/events/stream", transport.Stream)
	server := httptest.NewServer(mux)
	defer server.Close()

	action(eventBus, transport, server)
}

type sseFrame struct {
	id    string
	event string
	data  string
}

// readFrames parses SSE frames off the response body until the stream closes.
func readFrames(body io.Reader) <-chan sseFrame {
	frames := make(chan sseFrame, 64)
	go func() {
		defer close(frames)
		scanner := bufio.NewScanner(body)
		current := sseFrame{}
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				frames <- current
				current = sseFrame{}
			case strings.HasPrefix(line, "id: "):
				current.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				current.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				current.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return frames
}

func nextFrame(t *testing.T, frames <-chan sseFrame) sseFrame {
	t.Helper()
	select {
	case f, ok := <-frames:
		require.True(t, ok, "stream closed before the expected frame arrived")
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an SSE frame")
		return sseFrame{}
	}
}

// openStream connects to the stream endpoint and returns a channel of parsed
// frames. Pass cursor via the query parameter, or "" for none; callers must
// cancel and close the body before the fixture shuts the server down.
func openStream(t *testing.T, server *httptest.Server, cursor string) (*http.Response, <-chan sseFrame, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	url := server.URL + "/api/events/stream"
	if cursor != "" {
		url += "?lastEventId=" + cursor
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	return resp, readFrames(resp.Body), cancel
}

func TestSseTransport_StreamsLiveEvents(t *testing.T) {
	withSseTransport(t, 64, defaultStreamTestConfig(), func(eventBus *bus.EventBus, transport *SseTransport, server *httptest.Server) {
		resp, frames, cancel := openStream(t, server, "")
		defer cancel()
		defer resp.Body.Close()

		_, err := eventBus.Publish(api.EventTypeChatMessage, api.ChatMessage{Room: "lobby", From: "ada", Text: "hi"}, "lobby")
		require.NoError(t, err)
		_, err = eventBus.Publish(api.EventTypeWebhookReceived, api.WebhookEvent{Source: "billing", Id: "d-1"}, "")
		require.NoError(t, err)

		first := nextFrame(t, frames)
		assert.Equal(t, "1", first.id)
		assert.Equal(t, api.EventTypeChatMessage, first.event)
		assert.Contains(t, first.data, `"text":"hi"`)

		second := nextFrame(t, frames)
		assert.Equal(t, "2", second.id)
		assert.Equal(t, api.EventTypeWebhookReceived, second.event)
	})
}

func TestSseTransport_ReplaysAfterHeaderCursor(t *testing.T) {
	withSseTransport(t, 64, defaultStreamTestConfig(), func(eventBus *bus.EventBus, transport *SseTransport, server *httptest.Server) {
		for i := 0; i < 5; i++ {
			_, err := eventBus.Publish(api.EventTypeChatMessage, api.ChatMessage{Text: "hi"}, "lobby")
			require.NoError(t, err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/events/stream", nil)
		require.NoError(t, err)
		req.Header.Set(api.LastEventIdHeader, "2")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		frames := readFrames(resp.Body)
		for _, want := range []string{"3", "4", "5"} {
			f := nextFrame(t, frames)
			assert.Equal(t, want, f.id)
			assert.Equal(t, api.EventTypeChatMessage, f.event)
		}

		_, err = eventBus.Publish(api.EventTypeChatMessage, api.ChatMessage{Text: "live"}, "lobby")
		require.NoError(t, err)
		assert.Equal(t, "6", nextFrame(t, frames).id)
	})
}

func TestSseTransport_NoCursorStartsFromNow(t *testing.T) {
	withSseTransport(t, 64, defaultStreamTestConfig(), func(eventBus *bus.EventBus, transport *SseTransport, server *httptest.Server) {
		for i := 0; i < 3; i++ {
			_, err := eventBus.Publish(api.EventTypeChatMessage, api.ChatMessage{Text: "old"}, "lobby")
			require.NoError(t, err)
		}

		resp, frames, cancel := openStream(t, server, "")
		defer cancel()
		defer resp.Body.Close()

		_, err := eventBus.Publish(api.EventTypeChatMessage, api.ChatMessage{Text: "new"}, "lobby")
		require.NoError(t, err)

		f := nextFrame(t, frames)
		assert.Equal(t, "4", f.id)
		assert.Contains(t, f.data, `"text":"new"`)
	})
}

func TestSseTransport_ZeroCursorReplaysEverythingRetained(t *testing.T) {
	withSseTransport(t, 64, defaultStreamTestConfig(), func(eventBus *bus.EventBus, transport *SseTransport, server *httptest.Server) {
		_, err := eventBus.Publish(api.EventTypeChatMessage, api.ChatMessage{Text: "a"}, "lobby")
		require.NoError(t, err)
		_, err = eventBus.Publish(api.EventTypeChatMessage, api.ChatMessage{Text: "b"}, "lobby")
		require.NoError(t, err)

		resp, frames, cancel := openStream(t, server, "0")
		defer cancel()
		defer resp.Body.Close()

		assert.Equal(t, "1", nextFrame(t, frames).id)
		assert.Equal(t, "2", nextFrame(t, frames).id)
	})
}

func TestSseTransport_GapNoticeWhenCursorFellOffRing(t *testing.T) {
	withSseTransport(t, 4, defaultStreamTestConfig(), func(eventBus *bus.EventBus, transport *SseTransport, server *httptest.Server) {
		for i := 0; i < 10; i++ {
			_, err := eventBus.Publish(api.EventTypeChatMessage, api.ChatMessage{Text: "x"}, "lobby")
			require.NoError(t, err)
		}

		resp, frames, cancel := openStream(t, server, "1")
		defer cancel()
		defer resp.Body.Close()

		gap := nextFrame(t, frames)
		assert.Equal(t, api.EventTypeStreamGap, gap.event)
		assert.Empty(t, gap.id)
		assert.Contains(t, gap.data, `"requestedAfter":1`)
		assert.Contains(t, gap.data, `"resumedAt":7`)

		for _, want := range []string{"7", "8", "9", "10"} {
			assert.Equal(t, want, nextFrame(t, frames).id)
		}
	})
}

func TestSseTransport_RejectsMalformedCursor(t *testing.T) {
	withSseTransport(t, 64, defaultStreamTestConfig(), func(eventBus *bus.EventBus, transport *SseTransport, server *httptest.Server) {
		resp, err := http.Get(server.URL + "/api/events/stream?lastEventId=abc")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		var body api.ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Contains(t, body.Error, "lastEventId")
	})
}

func TestSseTransport_HeartbeatReachesClients(t *testing.T) {
	withSseTransport(t, 64, defaultStreamTestConfig(), func(eventBus *bus.EventBus, transport *SseTransport, server *httptest.Server) {
		resp, frames, cancel := openStream(t, server, "")
		defer cancel()
		defer resp.Body.Close()

		transport.Heartbeat()

		f := nextFrame(t, frames)
		assert.Equal(t, api.EventTypeHeartbeat, f.event)
		assert.Empty(t, f.id)
	})
}

func TestSseTransport_StatsReflectLiveConnections(t *testing.T) {
	withSseTransport(t, 64, defaultStreamTestConfig(), func(eventBus *bus.EventBus, transport *SseTransport, server *httptest.Server) {
		respA, _, cancelA := openStream(t, server, "")
		defer cancelA()
		defer respA.Body.Close()
		respB, _, cancelB := openStream(t, server, "")
		defer respB.Body.Close()

		require.Eventually(t, func() bool { return transport.ConnectionCount() == 2 },
			5*time.Second, 10*time.Millisecond)

		infos := transport.Stats()
		require.Len(t, infos, 2)
		for _, info := range infos {
			assert.NotEmpty(t, info.Id)
			assert.Equal(t, connStateOpen, info.State)
		}

		cancelB()
		require.Eventually(t, func() bool { return transport.ConnectionCount() == 1 },
			5*time.Second, 10*time.Millisecond)
	})
}

func TestSseTransport_GuardTerminatesOverDroppedConnection(t *testing.T) {
	config := defaultStreamTestConfig()
	config.MaxQueuedFrames = 1
	config.MaxDropped = 1

	eventBus, err := bus.NewEventBus(64)
	require.NoError(t, err)
	transport, err := NewSseTransport(eventBus, config)
	require.NoError(t, err)

	// A connection with no writer: frames pile up and overflow the count cap.
	conn := newSseConnection("stalled", config.MaxQueuedFrames, int(config.MaxQueuedBytes), transport.clock)
	transport.add(conn)
	for seq := uint64(1); seq <= 3; seq++ {
		conn.Enqueue(makeFrame(seq, 10))
	}
	require.Equal(t, uint64(2), conn.droppedCount())

	transport.Guard()

	select {
	case <-conn.Done():
	default:
		t.Fatal("guard should have terminated the connection")
	}
	assert.Equal(t, uint64(1), transport.GuardDisconnects())

	// Removal folds the connection's drop count into the transport total.
	transport.remove(conn)
	assert.Equal(t, 0, transport.ConnectionCount())
	assert.Equal(t, uint64(2), transport.DroppedTotal())
}

func TestSseTransport_PublishRaceNeverDuplicatesOrReorders(t *testing.T) {
	withSseTransport(t, 256, defaultStreamTestConfig(), func(eventBus *bus.EventBus, transport *SseTransport, server *httptest.Server) {
		const total = 100
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < total; i++ {
				_, err := eventBus.Publish(api.EventTypeChatMessage, api.ChatMessage{Text: "n"}, "lobby")
				assert.NoError(t, err)
			}
		}()

		resp, frames, cancel := openStream(t, server, "0")
		defer cancel()
		defer resp.Body.Close()

		var seqs []uint64
		for {
			f := nextFrame(t, frames)
			if f.id == "" {
				continue
			}
			seq, err := strconv.ParseUint(f.id, 10, 64)
			require.NoError(t, err)
			seqs = append(seqs, seq)
			if seq == total {
				break
			}
		}
		<-done

		// Every event exactly once, in order, regardless of how the replay
		// snapshot interleaved with live publishes.
		require.Len(t, seqs, total)
		for i, seq := range seqs {
			require.Equal(t, uint64(i+1), seq)
		}
	})
}

func TestResumeCursor(t *testing.T) {
	newRequest := func(url string, header string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, url, nil)
		if header != "" {
			req.Header.Set(api.LastEventIdHeader, header)
		}
		return req
	}

	after, present, err := resumeCursor(newRequest("/api/events/stream", ""))
	require.NoError(t, err)
	assert.False(t, present)
	assert.Equal(t, uint64(0), after)

	after, present, err = resumeCursor(newRequest("/api/events/stream", "42"))
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, uint64(42), after)

	after, present, err = resumeCursor(newRequest("/api/events/stream?lastEventId=7", ""))
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, uint64(7), after)

	// The header wins over the query parameter.
	after, present, err = resumeCursor(newRequest("/api/events/stream?lastEventId=7", "42"))
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, uint64(42), after)

	_, _, err = resumeCursor(newRequest("/api/events/stream?lastEventId=abc", ""))
	assert.Error(t, err)

	_, _, err = resumeCursor(newRequest("/api/events/stream", "-3"))
	assert.Error(t, err)
}
