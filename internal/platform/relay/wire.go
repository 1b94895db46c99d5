package relay

import (
	"encoding/json"
	"fmt"
)

// Wire message type tags. One JSON object per WebSocket text frame; the
// relay never inspects payloads.
const (
	TypeRegister   = "register"
	TypeSend       = "send"
	TypePing       = "ping"
	TypeRegistered = "registered"
	TypeMessage    = "message"
	TypePong       = "pong"
	TypeError      = "error"
	TypeAck        = "ack"
)

// ClientFrame is a client → relay message.
type ClientFrame struct {
	Type    string `json:"type"`
	DID     string `json:"did,omitempty"`
	ToDID   string `json:"to_did,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// ServerFrame is a relay → client message.
type ServerFrame struct {
	Type      string `json:"type"`
	DID       string `json:"did,omitempty"`
	FromDID   string `json:"from_did,omitempty"`
	Payload   string `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Message   string `json:"message,omitempty"`
	ID        string `json:"id,omitempty"`
}

// RegisterFrame builds the registration frame sent first on every connect.
func RegisterFrame(did string) ClientFrame {
	return ClientFrame{Type: TypeRegister, DID: did}
}

// SendFrame builds an opaque-payload send to one DID.
func SendFrame(toDID, payload string) ClientFrame {
	return ClientFrame{Type: TypeSend, ToDID: toDID, Payload: payload}
}

// PingFrame builds a keepalive frame.
func PingFrame() ClientFrame {
	return ClientFrame{Type: TypePing}
}

// DecodeServerFrame parses an inbound frame defensively. Frames without a
// recognizable type still decode; the caller decides whether to drop them.
func DecodeServerFrame(data []byte) (*ServerFrame, error) {
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode relay frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("relay frame missing type")
	}
	return &f, nil
}
