package relayserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openumbra/umbra-bridge/internal/platform/relay"
	"github.com/openumbra/umbra-bridge/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// DID registration is the auth layer; the relay carries opaque encrypted
	// payloads, so cross-origin browser clients are allowed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const maxFrameBytes = 1 << 20

// wsClient serializes writes to one websocket connection. gorilla allows a
// single concurrent writer, and frames for one client come from the reader
// goroutine, the router and the federation drain.
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClient) WriteFrame(frame relay.ServerFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WSHandler serves the relay's client websocket endpoint.
type WSHandler struct {
	state *State
	log   logger.Logger
}

func NewWSHandler(state *State, log logger.Logger) *WSHandler {
	if log == nil {
		log = logger.Noop()
	}
	return &WSHandler{state: state, log: log}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("websocket upgrade: %v", err)
		return
	}
	client := &wsClient{conn: conn}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	// First frame must be a register; nothing routes before it.
	did, ok := h.awaitRegister(client)
	if !ok {
		return
	}
	h.state.Register(did, client)
	defer h.state.Unregister(did, client)

	for {
		frame, err := h.readFrame(conn)
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debugf("connection %s closed: %v", did, err)
			}
			return
		}
		if frame == nil {
			client.WriteFrame(relay.ServerFrame{Type: relay.TypeError, Message: "malformed frame"})
			continue
		}
		h.dispatch(client, did, frame)
	}
}

func (h *WSHandler) awaitRegister(client *wsClient) (string, bool) {
	client.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	frame, err := h.readFrame(client.conn)
	client.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return "", false
	}
	if frame == nil || frame.Type != relay.TypeRegister || strings.TrimSpace(frame.DID) == "" {
		client.WriteFrame(relay.ServerFrame{Type: relay.TypeError, Message: "expected register frame with did"})
		return "", false
	}
	did := strings.TrimSpace(frame.DID)
	if err := client.WriteFrame(relay.ServerFrame{Type: relay.TypeRegistered, DID: did}); err != nil {
		return "", false
	}
	return did, true
}

// readFrame returns (nil, nil) for frames that are valid websocket messages
// but not decodable relay frames.
func (h *WSHandler) readFrame(conn *websocket.Conn) (*relay.ClientFrame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var frame relay.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
		return nil, nil
	}
	return &frame, nil
}

func (h *WSHandler) dispatch(client *wsClient, did string, frame *relay.ClientFrame) {
	switch frame.Type {
	case relay.TypeSend:
		h.handleSend(client, did, frame)
	case relay.TypePing:
		client.WriteFrame(relay.ServerFrame{Type: relay.TypePong})
	case relay.TypeRegister:
		// Already registered on this connection; re-registering under a
		// different DID is refused.
		if strings.TrimSpace(frame.DID) != did {
			client.WriteFrame(relay.ServerFrame{Type: relay.TypeError, Message: "already registered"})
			return
		}
		client.WriteFrame(relay.ServerFrame{Type: relay.TypeRegistered, DID: did})
	default:
		client.WriteFrame(relay.ServerFrame{Type: relay.TypeError, Message: "unknown frame type " + frame.Type})
	}
}

func (h *WSHandler) handleSend(client *wsClient, fromDID string, frame *relay.ClientFrame) {
	toDID := strings.TrimSpace(frame.ToDID)
	if toDID == "" || frame.Payload == "" {
		client.WriteFrame(relay.ServerFrame{Type: relay.TypeError, Message: "send requires to_did and payload"})
		return
	}
	timestamp := time.Now().UnixMilli()
	result := h.state.RouteMessage(fromDID, toDID, frame.Payload, timestamp)
	h.log.Debugf("send %s -> %s: %s", fromDID, toDID, result)

	client.WriteFrame(relay.ServerFrame{
		Type: relay.TypeAck,
		ID:   fmt.Sprintf("msg_%s_%d", toDID, timestamp),
	})
}
