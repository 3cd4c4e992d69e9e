package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/phusion/passenger-sub013/internal/common/logger"
	"github.com/phusion/passenger-sub013/internal/events"
	"github.com/phusion/passenger-sub013/internal/events/bus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The admin API is operator tooling served on a separate port, not a
	// browser-facing surface sharing origin with user content; allow any
	// origin the way the teacher's agentctl/server/wsclient does for its
	// own operator-facing WS endpoints.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventStreamHub fans Process/Group lifecycle events out to connected
// admin WebSocket clients (SPEC_FULL.md §4 "published onto the internal
// event bus"). Each ServeWS connection subscribes to every lifecycle event
// subject for itself and unsubscribes when that client disconnects.
type EventStreamHub struct {
	bus bus.EventBus
	log *logger.Logger
}

// NewEventStreamHub builds a hub bound to eb. Call ServeWS as a gin
// handler to let an admin client attach.
func NewEventStreamHub(eb bus.EventBus, log *logger.Logger) *EventStreamHub {
	if log == nil {
		log = logger.Default()
	}
	return &EventStreamHub{bus: eb, log: log}
}

var lifecycleSubjects = []string{
	events.ProcessSpawned,
	events.ProcessAttached,
	events.ProcessDetached,
	events.ProcessCrashed,
	events.GroupCreated,
	events.GroupRestarted,
	events.GroupShutDown,
	events.SpawnFailed,
}

// ServeWS upgrades the request and streams every lifecycle event to the
// client as JSON until it disconnects.
func (h *EventStreamHub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("admin event stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	send := make(chan *bus.Event, 64)
	var subs []bus.Subscription
	for _, subject := range lifecycleSubjects {
		sub, err := h.bus.Subscribe(subject, func(ctx context.Context, ev *bus.Event) error {
			select {
			case send <- ev:
			default:
				h.log.Warn("admin event stream client too slow, dropping event", zap.String("type", ev.Type))
			}
			return nil
		})
		if err != nil {
			h.log.Warn("admin event stream subscribe failed", zap.String("subject", subject), zap.Error(err))
			continue
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	go h.readPump(conn)
	h.writePump(conn, send)
}

// readPump drains and discards client messages purely to process pong
// control frames and detect disconnects; this stream is one-directional.
func (h *EventStreamHub) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventStreamHub) writePump(conn *websocket.Conn, send <-chan *bus.Event) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
