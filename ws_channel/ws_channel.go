// Package ws_channel streams tunnel state to websocket subscribers.
package ws_channel

import (
	"encoding/json"
	"github.com/gorilla/websocket"
	"github.com/openportio/openport-tunnels/database"
	log "github.com/sirupsen/logrus"
	"net/http"
	"sync"
	"time"
)

const WRITE_TIMEOUT = 5 * time.Second

type EventType string

const (
	EventSnapshot EventType = "snapshot"
)

// Event is one message on the stream: the full tunnel list at a point in time.
type Event struct {
	Type    EventType         `json:"type"`
	At      time.Time         `json:"at"`
	Tunnels []database.Tunnel `json:"tunnels"`
}

type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) write(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(WRITE_TIMEOUT))
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub accepts websocket subscribers and fans published events out to them.
type Hub struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	upgrader    websocket.Upgrader
	// Snapshot provides the first event a new subscriber receives.
	Snapshot func() ([]database.Tunnel, error)
}

func NewHub(snapshot func() ([]database.Tunnel, error)) *Hub {
	return &Hub{
		subscribers: map[*subscriber]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		Snapshot: snapshot,
	}
}

func NewSnapshot(tunnels []database.Tunnel) Event {
	return Event{Type: EventSnapshot, At: time.Now().UTC(), Tunnels: tunnels}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("Websocket upgrade failed: %s", err)
		return
	}
	sub := &subscriber{conn: conn}
	if h.Snapshot != nil {
		tunnels, err := h.Snapshot()
		if err != nil {
			log.Warnf("Could not list tunnels for a new subscriber: %s", err)
		} else if msg, err := json.Marshal(NewSnapshot(tunnels)); err == nil {
			if err := sub.write(msg); err != nil {
				conn.Close()
				return
			}
		}
	}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()
	log.Debugf("Websocket subscriber connected from %s", r.RemoteAddr)

	// Subscribers only listen; reading is how a close is noticed.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(sub)
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	_, ok := h.subscribers[sub]
	delete(h.subscribers, sub)
	h.mu.Unlock()
	if ok {
		sub.conn.Close()
		log.Debug("Websocket subscriber gone")
	}
}

// Publish sends event to every subscriber, dropping those that can't keep up.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	subscribers := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subscribers = append(subscribers, sub)
	}
	h.mu.Unlock()
	if len(subscribers) == 0 {
		return
	}
	msg, err := json.Marshal(event)
	if err != nil {
		log.Warnf("Could not encode event: %s", err)
		return
	}
	for _, sub := range subscribers {
		if err := sub.write(msg); err != nil {
			log.Debugf("Dropping websocket subscriber: %s", err)
			h.remove(sub)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subscribers := h.subscribers
	h.subscribers = map[*subscriber]struct{}{}
	h.mu.Unlock()
	for sub := range subscribers {
		sub.mu.Lock()
		sub.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		sub.mu.Unlock()
		sub.conn.Close()
	}
}
