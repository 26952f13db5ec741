package monitor

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hivetrap/hivetrap/logger"
)

// liveSendBuffer is the per-viewer frame queue. A viewer that falls this far
// behind is disconnected instead of stalling the report pipeline.
const liveSendBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the live feed is operator tooling on a debug-only path, any origin
	// may connect
	CheckOrigin: func(r *http.Request) bool { return true },
}

// liveFrame is the JSON envelope sent to the connected viewer.
type liveFrame struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// Hub fans pipeline events out to at most one connected monitor viewer. A
// new viewer replaces the previous one.
type Hub struct {
	mu     sync.Mutex
	viewer *liveViewer
}

type liveViewer struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{}
}

// Publish queues one frame for the live viewer. It never blocks: frames are
// dropped when no viewer is connected, and a viewer whose queue is full is
// disconnected.
func (h *Hub) Publish(kind string, data interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.viewer == nil {
		return
	}

	frame, err := json.Marshal(liveFrame{
		Type:      kind,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		logger.GetLogger().Debug().Err(err).Msg("unable to encode live monitor frame")
		return
	}

	select {
	case h.viewer.send <- frame:
	default:
		logger.GetLogger().Debug().Msg("monitor viewer too slow, disconnecting")
		close(h.viewer.send)
		h.viewer = nil
	}
}

// ServeWS upgrades the request and installs the connection as the active
// viewer.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.GetLogger().Debug().Err(err).Msg("monitor live upgrade failed")
		return
	}

	viewer := &liveViewer{hub: h, conn: conn, send: make(chan []byte, liveSendBuffer)}
	h.attach(viewer)

	go viewer.writePump()
	go viewer.readPump()
}

func (h *Hub) attach(v *liveViewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.viewer != nil {
		close(h.viewer.send)
	}
	h.viewer = v
	logger.GetLogger().Debug().Str("remote", v.conn.RemoteAddr().String()).Msg("monitor viewer connected")
}

func (h *Hub) detach(v *liveViewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.viewer == v {
		close(h.viewer.send)
		h.viewer = nil
		logger.GetLogger().Debug().Msg("monitor viewer disconnected")
	}
}

// readPump discards viewer input. Reading is the only way to notice the
// peer going away.
func (v *liveViewer) readPump() {
	defer func() {
		v.hub.detach(v)
		v.conn.Close()
	}()
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (v *liveViewer) writePump() {
	defer v.conn.Close()
	for frame := range v.send {
		if err := v.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
	// the send channel was closed by the hub, tell the peer before hanging up
	_ = v.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
