package controlapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/vorthane/fleetvote/internal/observation"
)

// writeDeadline bounds every WebSocket write so a dead client can never
// block the hub's broadcast loop, grounded on FluxForge's ws_hub.go
// SetWriteDeadline call.
const writeDeadline = 5 * time.Second

// maxWSConnections caps concurrent subscribers, same connection-cap idiom
// as FluxForge's MetricsHub.
const maxWSConnections = 200

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // every origin accepted; the CORS middleware only sets headers and does not block the upgrade
}

// Hub bridges the ObservationBus to WebSocket subscribers, translating
// observation.Event into the control plane's log_update and
// instances_update event kinds. It never sends status_update or
// statistics_update; that data is only served over HTTP. Grounded on FluxForge's
// control_plane/ws_hub.go register/unregister/broadcast loop, re-expressed
// to forward push events from the bus instead of polling a metrics
// service on a ticker.
type Hub struct {
	bus *observation.Bus

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub constructs a Hub over bus.
func NewHub(bus *observation.Bus) *Hub {
	return &Hub{bus: bus, clients: make(map[*websocket.Conn]struct{})}
}

// ServeWS upgrades the request to a WebSocket and streams bus events to it
// until the client disconnects or the hub is asked to stop.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("controlapi: websocket upgrade failed")
		return
	}

	h.mu.Lock()
	if len(h.clients) >= maxWSConnections {
		h.mu.Unlock()
		log.Warn().Int("max", maxWSConnections).Msg("controlapi: websocket connection rejected, at capacity")
		_ = conn.Close()
		return
	}
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	sub, cancel := h.bus.Subscribe()
	defer cancel()
	defer h.drop(conn)

	// A read pump is required even though the client never sends
	// anything meaningful: without draining conn.ReadMessage the
	// connection's close/ping control frames never surface, and a client
	// going away silently leaks the goroutine below.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := h.send(conn, ev); err != nil {
				log.Debug().Err(err).Msg("controlapi: websocket write failed, dropping client")
				return
			}
		}
	}
}

func (h *Hub) send(conn *websocket.Conn, ev observation.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	switch ev.Kind {
	case observation.EventLog:
		return conn.WriteJSON(wsMessage{Event: wsLogUpdate, Data: ev.Line})
	case observation.EventTransition, observation.EventSnapshot:
		return conn.WriteJSON(wsMessage{Event: wsInstancesUpdate, Data: instanceEventPayload(ev)})
	default:
		return nil
	}
}

func instanceEventPayload(ev observation.Event) InstanceView {
	s := ev.Instance
	return InstanceView{
		InstanceID:        int(s.InstanceID),
		IP:                s.IP,
		State:             instanceKindString(s.State.Kind),
		SecondsRemaining:  s.SecondsRemaining,
		VoteCount:         s.VoteCount,
		NextVoteTime:      timePtrMillis(s.NextVoteTime),
		LastSuccess:       timePtrMillis(s.LastSuccess),
		LastAttempt:       timePtrMillis(s.LastAttempt),
		LastFailureReason: s.LastFailureReason,
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

// ClientCount reports the number of currently connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber, used during Supervisor shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}
