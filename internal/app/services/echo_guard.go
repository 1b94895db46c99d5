package services

import (
	"sync"
	"time"
)

const echoGuardClearInterval = 5 * time.Minute

// EchoGuard breaks the feedback loop between the two bridge directions.
// A message the bridge itself posted into Discord comes back through the
// Discord message handler looking like user input; a message the bridge
// itself sent to the relay comes back through the community event handler.
// Both are recognized here and dropped before they re-enter the loop.
//
// Bridged message IDs are recorded only after the corresponding send
// succeeds, so a failed send stays eligible for retry.
type EchoGuard struct {
	mu        sync.Mutex
	bridgeDID string
	bridged   map[string]struct{}
	lastClear time.Time
}

func NewEchoGuard() *EchoGuard {
	return &EchoGuard{
		bridged:   make(map[string]struct{}),
		lastClear: time.Now(),
	}
}

// SetBridgeDID records the bridge bot's own DID so events it authored can be
// suppressed.
func (g *EchoGuard) SetBridgeDID(did string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bridgeDID = did
}

// ShouldBridge reports whether a message with the given sender and ID should
// cross the bridge. It returns false for the bridge's own DID and for IDs
// already bridged.
func (g *EchoGuard) ShouldBridge(senderDID, messageID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maybeClear()
	if g.bridgeDID != "" && senderDID == g.bridgeDID {
		return false
	}
	if _, seen := g.bridged[messageID]; seen {
		return false
	}
	return true
}

// RecordBridged marks a message ID as having crossed the bridge. Call it only
// after the send succeeded.
func (g *EchoGuard) RecordBridged(messageID string) {
	if messageID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maybeClear()
	g.bridged[messageID] = struct{}{}
}

// maybeClear drops the whole seen-set every five minutes. Relay redelivery
// happens within seconds of reconnect, so anything older is stale. Caller
// holds the lock.
func (g *EchoGuard) maybeClear() {
	if time.Since(g.lastClear) < echoGuardClearInterval {
		return
	}
	g.bridged = make(map[string]struct{})
	g.lastClear = time.Now()
}
