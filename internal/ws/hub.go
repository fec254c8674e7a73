package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"vigil/internal/events"
	"vigil/internal/pipeline"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// AllCameras is the subscription key for clients that follow every camera
const AllCameras = ""

type client struct {
	cameraID string
	conn     *websocket.Conn
	send     chan []byte
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans event records and camera status changes out to websocket
// clients. It is a pipeline observer; slow clients are disconnected instead
// of blocking the camera worker.
type Hub struct {
	// clients maps camera_id -> set of clients
	clients map[string]map[*client]bool
	mu      sync.RWMutex
	log     zerolog.Logger
}

// NewHub creates a new hub
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*client]bool),
		log:     log.With().Str("component", "ws").Logger(),
	}
}

// register adds a connection for a camera, or for all cameras when
// cameraID is empty, and starts its writer.
func (h *Hub) register(cameraID string, conn *websocket.Conn) *client {
	c := &client{cameraID: cameraID, conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.clients[cameraID] == nil {
		h.clients[cameraID] = make(map[*client]bool)
	}
	h.clients[cameraID][c] = true
	total := len(h.clients[cameraID])
	h.mu.Unlock()

	h.log.Debug().Str("camera_id", cameraID).Int("clients", total).Msg("client registered")
	go h.writePump(c)
	return c
}

// unregister removes a client and stops its writer
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if conns, ok := h.clients[c.cameraID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, c.cameraID)
		}
	}
	h.mu.Unlock()
	c.close()
}

// HasClients reports whether anyone listens to cameraID
func (h *Hub) HasClients(cameraID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[cameraID]) > 0 || len(h.clients[AllCameras]) > 0
}

// ClientCount returns the total number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

func (h *Hub) OnEvent(rec events.Record) {
	h.broadcast(rec.CameraID, NewEventMessage(rec))
}

func (h *Hub) OnStatus(st pipeline.CameraStatus) {
	h.broadcast(st.CameraID, NewStatusMessage(st))
}

func (h *Hub) broadcast(cameraID string, msg any) {
	if !h.HasClients(cameraID) {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal websocket message")
		return
	}

	var slow []*client
	h.mu.RLock()
	for _, key := range []string{cameraID, AllCameras} {
		for c := range h.clients[key] {
			select {
			case c.send <- data:
			default:
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn().Str("camera_id", c.cameraID).Msg("websocket client too slow, disconnecting")
		h.unregister(c)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Debug().Err(err).Msg("websocket write failed")
				h.unregister(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.clients
	h.clients = make(map[string]map[*client]bool)
	h.mu.Unlock()

	for _, conns := range all {
		for c := range conns {
			c.close()
		}
	}
}

var _ pipeline.Observer = (*Hub)(nil)
