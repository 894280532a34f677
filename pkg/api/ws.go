package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"keyfleet/pkg/model"
)

const (
	eventBuffer  = 64
	writeTimeout = 10 * time.Second
)

type subscriber struct {
	conn *websocket.Conn
	send chan model.Event
	once sync.Once
}

// EventHub fans fleet events out to websocket subscribers. Slow
// subscribers lose events rather than stall the publisher.
type EventHub struct {
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewEventHub(log *zap.Logger) *EventHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:  log.Named("events"),
		subs: map[*subscriber]struct{}{},
	}
}

// Publish implements fleet.Publisher.
func (h *EventHub) Publish(ev model.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.send <- ev:
		default:
			h.log.Warn("event dropped for slow subscriber", zap.String("type", ev.Type))
		}
	}
}

// ServeWS upgrades the request and streams events until the peer leaves.
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s := &subscriber{conn: c, send: make(chan model.Event, eventBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	h.log.Info("event subscriber connected", zap.String("remote", r.RemoteAddr))
	go h.writeLoop(s)
	go h.readLoop(s)
}

// Len is the number of connected subscribers.
func (h *EventHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *EventHub) Close() {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, s := range subs {
		h.remove(s)
	}
}

func (h *EventHub) writeLoop(s *subscriber) {
	for ev := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteJSON(ev); err != nil {
			h.remove(s)
			return
		}
	}
}

// readLoop only watches for the peer going away.
func (h *EventHub) readLoop(s *subscriber) {
	defer h.remove(s)
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *EventHub) remove(s *subscriber) {
	s.once.Do(func() {
		h.mu.Lock()
		delete(h.subs, s)
		close(s.send)
		h.mu.Unlock()
		_ = s.conn.Close()
		h.log.Info("event subscriber disconnected")
	})
}
