package diag

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/oshokin/service-core/internal/logger"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 2 * pingInterval
)

// Event types on the stream.
const (
	EventLog      = "log"
	EventPointers = "pointers"
	EventStatus   = "status"
	EventEntry    = "entry"
)

// Envelope is one message on the event stream.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// handleEvents upgrades to a websocket and forwards every bus event and
// supervisor log entry until the client goes away. The current status is
// sent first.
func (r *Router) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()

	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WarnKV(ctx, "Websocket upgrade failed", "error", err)

		return
	}
	defer conn.Close()

	logsCh, cancelLogs := r.bus.Logs.Subscribe()
	defer cancelLogs()

	pointersCh, cancelPointers := r.bus.Pointers.Subscribe()
	defer cancelPointers()

	statusCh, cancelStatus := r.bus.Status.Subscribe()
	defer cancelStatus()

	entriesCh, cancelEntries := logger.Subscribe()
	defer cancelEntries()

	closed := make(chan struct{})

	go readLoop(conn, closed)

	if err = send(conn, EventStatus, r.sup.Status()); err != nil {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		var (
			kind string
			data any
		)

		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err = conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

			continue
		case v := <-logsCh:
			kind, data = EventLog, v
		case v := <-pointersCh:
			kind, data = EventPointers, v
		case v := <-statusCh:
			kind, data = EventStatus, v.Status
		case v := <-entriesCh:
			kind, data = EventEntry, v
		}

		if err = send(conn, kind, data); err != nil {
			logger.DebugKV(ctx, "Event stream closed", "error", err)

			return
		}
	}
}

// readLoop drains client frames so pongs and close frames are handled.
func readLoop(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func send(conn *websocket.Conn, kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	return conn.WriteJSON(Envelope{Type: kind, Data: data})
}
