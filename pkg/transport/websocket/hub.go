// Package websocket carries peer messages over websocket connections. A Hub fans
// every message a connection sends out to the other connections of the same room;
// a Client is the reconnecting peer side.
package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/automerge-whiteboard/pkg/collab"
)

// RoomVar is the mux route variable holding the room name.
const RoomVar = "room"

type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	rooms map[string]map[*hubConn]struct{}
}

type hubConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *hubConn) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
		rooms:  make(map[string]map[*hubConn]struct{}),
	}
}

// Connections returns the number of open connections across all rooms.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, room := range h.rooms {
		n += len(room)
	}
	return n
}

// Rooms returns the number of rooms with at least one connection.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	room := mux.Vars(request)[RoomVar]
	if room == "" {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	conn, err := h.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	c := &hubConn{conn: conn}
	h.join(room, c)
	defer h.leave(room, c)
	h.logger.Info("peer joined", "room", room, "remote", request.RemoteAddr)

	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			h.logger.Info("peer left", "room", room, "remote", request.RemoteAddr, "err", err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var msg collab.Message
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Type == "" {
			h.logger.Error("dropping malformed message", "room", room, "err", err)
			continue
		}
		h.fanOut(room, c, payload)
	}
}

func (h *Hub) join(room string, c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*hubConn]struct{})
	}
	h.rooms[room][c] = struct{}{}
}

func (h *Hub) leave(room string, c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms[room], c)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) fanOut(room string, from *hubConn, payload []byte) {
	h.mu.Lock()
	targets := make([]*hubConn, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if c != from {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.write(payload); err != nil {
			h.logger.Error("failed to forward message", "room", room, "err", err)
			_ = c.conn.Close()
		}
	}
}
