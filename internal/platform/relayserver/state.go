package relayserver

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openumbra/umbra-bridge/internal/platform/relay"
	"github.com/openumbra/umbra-bridge/pkg/logger"
)

// RouteResult classifies how a message left the relay.
type RouteResult int

const (
	// DeliveredLocally: recipient had a live socket on this relay.
	DeliveredLocally RouteResult = iota
	// ForwardedToPeer: handed to a federated peer relay. Delivery is not
	// guaranteed past that point.
	ForwardedToPeer
	// Unreachable: recipient is neither local nor known to any peer.
	Unreachable
)

func (r RouteResult) String() string {
	switch r {
	case DeliveredLocally:
		return "delivered_locally"
	case ForwardedToPeer:
		return "forwarded_to_peer"
	default:
		return "unreachable"
	}
}

const (
	defaultMaxOfflinePerDID = 1000
	defaultOfflineTTL       = 7 * 24 * time.Hour
)

// FrameWriter delivers one server frame to a connected client. Implemented
// by the websocket handler's per-connection writer.
type FrameWriter interface {
	WriteFrame(frame relay.ServerFrame) error
}

// Federation is the peer-mesh surface the router needs. Nil federation means
// a standalone relay.
type Federation interface {
	// ForwardMessage hands a message to the peer that has toDID online.
	// Returns false when no peer claims the DID.
	ForwardMessage(fromDID, toDID, payload string, timestamp int64) bool
	// HasRemote reports whether any connected peer claims the DID.
	HasRemote(did string) bool
	// AnnounceOnline/AnnounceOffline push presence changes to all peers.
	AnnounceOnline(did string)
	AnnounceOffline(did string)
}

// offlineMessage is one queued entry awaiting the recipient's next register.
type offlineMessage struct {
	ID        string
	FromDID   string
	Payload   string
	Timestamp int64
	QueuedAt  time.Time
}

// State holds the relay's live routing tables: who is online here, what is
// queued for whom, and the federation link.
//
// Reliability invariant: a message routed while its recipient has no local
// socket is always queued, including when it was forwarded to a peer. The
// peer hop is best-effort, so queue-on-forward is what makes delivery
// at-least-once; receivers deduplicate by message ID.
type State struct {
	mu      sync.RWMutex
	online  map[string]FrameWriter
	offline map[string][]offlineMessage

	maxOfflinePerDID int
	offlineTTL       time.Duration

	federation Federation
	log        logger.Logger
}

func NewState(log logger.Logger) *State {
	if log == nil {
		log = logger.Noop()
	}
	return &State{
		online:           make(map[string]FrameWriter),
		offline:          make(map[string][]offlineMessage),
		maxOfflinePerDID: defaultMaxOfflinePerDID,
		offlineTTL:       defaultOfflineTTL,
		log:              log,
	}
}

// SetFederation wires the peer mesh. Call before serving connections.
func (s *State) SetFederation(fed Federation) {
	s.mu.Lock()
	s.federation = fed
	s.mu.Unlock()
}

// Register binds a DID to a live connection, replacing any previous one, and
// drains the DID's offline queue as ordinary message frames.
func (s *State) Register(did string, w FrameWriter) {
	s.mu.Lock()
	s.online[did] = w
	fed := s.federation
	queued := s.drainOfflineLocked(did)
	s.mu.Unlock()

	s.log.Infof("client registered did=%s queued=%d", did, len(queued))
	for i, m := range queued {
		err := w.WriteFrame(relay.ServerFrame{
			Type:      relay.TypeMessage,
			FromDID:   m.FromDID,
			Payload:   m.Payload,
			Timestamp: m.Timestamp,
		})
		if err != nil {
			// The socket died mid-drain. Requeue the remainder; it goes out
			// on the next register.
			s.log.Warnf("offline drain to %s interrupted: %v", did, err)
			s.requeueFront(did, queued[i:])
			break
		}
	}
	if fed != nil {
		fed.AnnounceOnline(did)
	}
}

// Unregister removes a DID's connection if w is still the bound one. A stale
// connection being torn down after a replacement registered is a no-op.
func (s *State) Unregister(did string, w FrameWriter) {
	s.mu.Lock()
	current, ok := s.online[did]
	if !ok || current != w {
		s.mu.Unlock()
		return
	}
	delete(s.online, did)
	fed := s.federation
	s.mu.Unlock()

	s.log.Infof("client unregistered did=%s", did)
	if fed != nil {
		fed.AnnounceOffline(did)
	}
}

// IsOnline reports whether a DID has a live socket on this relay.
func (s *State) IsOnline(did string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.online[did]
	return ok
}

// OnlineCount is the number of locally connected clients.
func (s *State) OnlineCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.online)
}

// LocalOnlineDIDs lists locally connected DIDs for presence sync.
func (s *State) LocalOnlineDIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.online))
	for did := range s.online {
		out = append(out, did)
	}
	return out
}

// RouteMessage delivers a payload to toDID: local socket first, then a
// federated peer. Any outcome other than local delivery also queues the
// message offline.
func (s *State) RouteMessage(fromDID, toDID, payload string, timestamp int64) RouteResult {
	s.mu.RLock()
	w := s.online[toDID]
	fed := s.federation
	s.mu.RUnlock()

	if w != nil {
		if err := w.WriteFrame(relay.ServerFrame{
			Type:      relay.TypeMessage,
			FromDID:   fromDID,
			Payload:   payload,
			Timestamp: timestamp,
		}); err == nil {
			return DeliveredLocally
		}
		s.log.Warnf("local delivery to %s failed, falling back to queue", toDID)
	}

	result := Unreachable
	if fed != nil && fed.ForwardMessage(fromDID, toDID, payload, timestamp) {
		result = ForwardedToPeer
	}
	s.QueueOffline(toDID, fromDID, payload, timestamp)
	return result
}

// DeliverLocalOrQueue delivers to a local socket or queues offline, never
// consulting federation. Messages arriving over a peer link terminate here:
// re-forwarding them would loop when two relays hold mutually stale presence
// for the same DID.
func (s *State) DeliverLocalOrQueue(fromDID, toDID, payload string, timestamp int64) RouteResult {
	s.mu.RLock()
	w := s.online[toDID]
	s.mu.RUnlock()

	if w != nil {
		if err := w.WriteFrame(relay.ServerFrame{
			Type:      relay.TypeMessage,
			FromDID:   fromDID,
			Payload:   payload,
			Timestamp: timestamp,
		}); err == nil {
			return DeliveredLocally
		}
		s.log.Warnf("local delivery to %s failed, falling back to queue", toDID)
	}
	s.QueueOffline(toDID, fromDID, payload, timestamp)
	return Unreachable
}

// QueueOffline stores a message for delivery on the recipient's next
// register. A full queue drops its oldest entry to make room.
func (s *State) QueueOffline(toDID, fromDID, payload string, timestamp int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.offline[toDID]
	if len(queue) >= s.maxOfflinePerDID {
		s.log.Warnf("offline queue full for %s, dropping oldest", toDID)
		queue = queue[1:]
	}
	s.offline[toDID] = append(queue, offlineMessage{
		ID:        uuid.NewString(),
		FromDID:   fromDID,
		Payload:   payload,
		Timestamp: timestamp,
		QueuedAt:  time.Now(),
	})
}

// OfflineQueueSize is the total number of queued messages across DIDs.
func (s *State) OfflineQueueSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, q := range s.offline {
		total += len(q)
	}
	return total
}

// drainOfflineLocked removes and returns the unexpired queue for a DID.
// Caller holds the write lock.
func (s *State) drainOfflineLocked(did string) []offlineMessage {
	queue, ok := s.offline[did]
	if !ok {
		return nil
	}
	delete(s.offline, did)
	cutoff := time.Now().Add(-s.offlineTTL)
	kept := queue[:0]
	for _, m := range queue {
		if m.QueuedAt.After(cutoff) {
			kept = append(kept, m)
		}
	}
	return kept
}

func (s *State) requeueFront(did string, msgs []offlineMessage) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline[did] = append(append([]offlineMessage(nil), msgs...), s.offline[did]...)
}
