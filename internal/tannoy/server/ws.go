package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tannoyproject/tannoy/internal/common/util"
	"github.com/tannoyproject/tannoy/internal/tannoy/bus"
	"github.com/tannoyproject/tannoy/internal/tannoy/configuration"
	"github.com/tannoyproject/tannoy/pkg/api"
)

const maxRoomNameLength = 64

// WsHub owns every WebSocket client and their room memberships. It consumes
// the bus with a single subscription and fans chat messages out to the members
// of the event's room; clients whose outbound buffers are full are skipped.
type WsHub struct {
	eventBus *bus.EventBus
	config   configuration.WsConfig
	clock    util.Clock
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*WsClient
	rooms   map[string]map[string]*WsClient
	// Drops accumulated by clients that have since disconnected.
	droppedClosed uint64
	forceClosed   uint64
	oversized     uint64

	unsubscribe func()
}

func NewWsHub(eventBus *bus.EventBus, config configuration.WsConfig) (*WsHub, error) {
	if config.DefaultRoom == "" {
		return nil, errors.New("DefaultRoom must not be empty")
	}
	if config.MaxMessageBytes < 1 {
		return nil, errors.Errorf("MaxMessageBytes must be positive, got %d", config.MaxMessageBytes)
	}
	if config.MaxBufferedBytes < 1 {
		return nil, errors.Errorf("MaxBufferedBytes must be positive, got %d", config.MaxBufferedBytes)
	}
	h := &WsHub{
		eventBus: eventBus,
		config:   config,
		clock:    &util.DefaultClock{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin enforcement is delegated to the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: map[string]*WsClient{},
		rooms:   map[string]map[string]*WsClient{},
	}
	h.unsubscribe = eventBus.Subscribe(h.onEvent)
	return h, nil
}

// Serve handles GET /api/ws. The handler goroutine runs the read loop; a
// separate goroutine drains the outbound buffer.
func (h *WsHub) Serve(w http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written an error response.
		log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := newWsClient(util.NewULID(), h.config.DefaultRoom, conn, int(h.config.MaxBufferedBytes))
	conn.SetPongHandler(func(string) error {
		client.markPong()
		return nil
	})

	h.register(client)
	defer h.unregister(client)

	log.Infof("WebSocket client %s connected", client.Id())
	h.sendFrame(client, api.WsServerFrame{
		Type:     api.WsFrameHello,
		ClientId: client.Id(),
		Room:     client.Room(),
	})
	h.publishConnectivity(api.EventTypeClientConnected, client)

	go client.writePump(h.config.WriteTimeout)
	h.readLoop(client)
}

func (h *WsHub) readLoop(client *WsClient) {
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			log.Debugf("WebSocket client %s read ended: %v", client.Id(), err)
			return
		}
		h.handleClientFrame(client, data)
	}
}

// handleClientFrame dispatches one inbound frame. Frames that fail to parse
// or carry an unknown type are ignored; a chat endpoint open to arbitrary
// browsers cannot afford to make garbage fatal.
func (h *WsHub) handleClientFrame(client *WsClient, data []byte) {
	var f api.WsClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Debugf("Ignoring malformed frame from WebSocket client %s: %v", client.Id(), err)
		return
	}
	switch f.Type {
	case api.WsFrameJoin:
		h.handleJoin(client, f.Room)
	case api.WsFrameSay:
		h.handleSay(client, f)
	default:
		log.Debugf("Ignoring frame with unknown type %q from WebSocket client %s", f.Type, client.Id())
	}
}

func (h *WsHub) handleJoin(client *WsClient, room string) {
	if room == "" || len(room) > maxRoomNameLength {
		log.Debugf("Ignoring join to invalid room %q from WebSocket client %s", util.Truncate(room, maxRoomNameLength), client.Id())
		return
	}

	h.mu.Lock()
	h.removeFromRoomLocked(client)
	client.setRoom(room)
	h.addToRoomLocked(client)
	h.mu.Unlock()

	log.Infof("WebSocket client %s joined room %s", client.Id(), room)
	h.sendFrame(client, api.WsServerFrame{Type: api.WsFrameJoined, Room: room})
}

func (h *WsHub) handleSay(client *WsClient, f api.WsClientFrame) {
	if len(f.Text) > int(h.config.MaxMessageBytes) {
		h.mu.Lock()
		h.oversized++
		h.mu.Unlock()
		log.Debugf("Dropping oversized message (%d bytes) from WebSocket client %s: %q...",
			len(f.Text), client.Id(), util.Truncate(f.Text, 64))
		return
	}
	room := f.Room
	if room == "" {
		room = client.Room()
	}

	_, err := h.eventBus.Publish(api.EventTypeChatMessage, api.ChatMessage{
		Room: room,
		From: client.Id(),
		Text: f.Text,
	}, room)
	if err != nil {
		log.WithError(err).Errorf("Failed to publish message from WebSocket client %s", client.Id())
	}
}

// onEvent is the hub's bus subscription. Room-scoped chat messages become msg
// frames for the members of that room; everything else on the bus is outside
// the WebSocket protocol and is ignored here.
func (h *WsHub) onEvent(event api.Event) {
	if event.Type != api.EventTypeChatMessage || event.Room == "" {
		return
	}
	var message api.ChatMessage
	if err := json.Unmarshal(event.Payload, &message); err != nil {
		log.WithError(err).Errorf("Failed to decode chat payload of event %d", event.Seq)
		return
	}
	data, err := json.Marshal(api.WsServerFrame{
		Type: api.WsFrameMsg,
		Seq:  event.Seq,
		Room: event.Room,
		From: message.From,
		Text: message.Text,
		Ts:   event.Time.UnixMilli(),
	})
	if err != nil {
		log.WithError(err).Errorf("Failed to render msg frame for event %d", event.Seq)
		return
	}
	for _, member := range h.roomMembers(event.Room) {
		member.send(data)
	}
}

// Ping opens a ping cycle on every client and force-closes those that never
// answered the previous one. Closing the socket unblocks the client's read
// loop, which unregisters it.
func (h *WsHub) Ping() {
	for _, client := range h.snapshotClients() {
		if !client.beginPing() {
			log.Warnf("Closing WebSocket client %s: no pong since last ping cycle", client.Id())
			h.mu.Lock()
			h.forceClosed++
			h.mu.Unlock()
			client.close()
			continue
		}
		deadline := h.clock.Now().Add(h.config.WriteTimeout)
		if err := client.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			log.Debugf("Ping to WebSocket client %s failed: %v", client.Id(), err)
			client.close()
		}
	}
}

// Close tears down the hub: the bus subscription is removed and every client
// is disconnected. Used on server shutdown.
func (h *WsHub) Close() {
	h.unsubscribe()
	for _, client := range h.snapshotClients() {
		client.close()
	}
}

func (h *WsHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// RoomCount returns the number of rooms with at least one member.
func (h *WsHub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// DroppedTotal returns the cumulative number of frames dropped across all
// clients, including ones that have since disconnected.
func (h *WsHub) DroppedTotal() uint64 {
	h.mu.Lock()
	total := h.droppedClosed
	clients := make([]*WsClient, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		total += client.droppedCount()
	}
	return total
}

// ForceClosed returns how many clients the ping sweep has disconnected.
func (h *WsHub) ForceClosed() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.forceClosed
}

// OversizedDropped returns how many inbound messages were rejected for size.
func (h *WsHub) OversizedDropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.oversized
}

func (h *WsHub) register(client *WsClient) {
	h.mu.Lock()
	h.clients[client.Id()] = client
	h.addToRoomLocked(client)
	h.mu.Unlock()
}

func (h *WsHub) unregister(client *WsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client.Id()]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.Id())
	h.removeFromRoomLocked(client)
	h.droppedClosed += client.droppedCount()
	h.mu.Unlock()

	client.close()
	log.Infof("WebSocket client %s disconnected", client.Id())
	h.publishConnectivity(api.EventTypeClientDisconnected, client)
}

func (h *WsHub) addToRoomLocked(client *WsClient) {
	room := client.Room()
	members, ok := h.rooms[room]
	if !ok {
		members = map[string]*WsClient{}
		h.rooms[room] = members
	}
	members[client.Id()] = client
}

func (h *WsHub) removeFromRoomLocked(client *WsClient) {
	room := client.Room()
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, client.Id())
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *WsHub) roomMembers(room string) []*WsClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := make([]*WsClient, 0, len(h.rooms[room]))
	for _, member := range h.rooms[room] {
		members = append(members, member)
	}
	return members
}

func (h *WsHub) snapshotClients() []*WsClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := make([]*WsClient, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

func (h *WsHub) sendFrame(client *WsClient, f api.WsServerFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		log.WithError(err).Errorf("Failed to render %s frame for WebSocket client %s", f.Type, client.Id())
		return
	}
	client.send(data)
}

func (h *WsHub) publishConnectivity(eventType string, client *WsClient) {
	_, err := h.eventBus.Publish(eventType, api.ClientEvent{
		ClientId: client.Id(),
		Room:     client.Room(),
	}, "")
	if err != nil {
		log.WithError(err).Errorf("Failed to publish %s for WebSocket client %s", eventType, client.Id())
	}
}
