package relayserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/openumbra/umbra-bridge/pkg/logger"
)

// FederationConfig is loaded from relay.yaml. An empty peer list disables
// federation entirely.
type FederationConfig struct {
	RelayID           string   `yaml:"relayId"`
	PublicURL         string   `yaml:"publicUrl"`
	Region            string   `yaml:"region"`
	Location          string   `yaml:"location"`
	Peers             []string `yaml:"peers"`
	HeartbeatInterval string   `yaml:"heartbeatInterval"`
}

// LoadFederationConfig reads relay.yaml. A missing file is not an error; it
// means a standalone relay.
func LoadFederationConfig(path string) (*FederationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FederationConfig{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var cfg FederationConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *FederationConfig) heartbeat() time.Duration {
	if c.HeartbeatInterval == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.HeartbeatInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// peerMessage is the relay-to-relay wire format, one JSON object per frame
// with a snake_case type tag.
type peerMessage struct {
	Type string `json:"type"`

	RelayID  string `json:"relay_id,omitempty"`
	RelayURL string `json:"relay_url,omitempty"`
	Region   string `json:"region,omitempty"`
	Location string `json:"location,omitempty"`

	OnlineDIDs []string `json:"online_dids,omitempty"`
	DID        string   `json:"did,omitempty"`

	FromDID   string `json:"from_did,omitempty"`
	ToDID     string `json:"to_did,omitempty"`
	Payload   string `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

const (
	peerHello           = "hello"
	peerPresenceSync    = "presence_sync"
	peerPresenceOnline  = "presence_online"
	peerPresenceOffline = "presence_offline"
	peerForwardMessage  = "forward_message"
	peerForwardOffline  = "forward_offline"
	peerPing            = "peer_ping"
	peerPong            = "peer_pong"
)

// peerLink is one connection to another relay in the mesh, either dialed
// from here (outbound, reconnects forever) or accepted on the peer endpoint
// (inbound, removed when it drops).
type peerLink struct {
	url      string
	outbound bool

	mu      sync.Mutex
	conn    *websocket.Conn
	relayID string
	online  map[string]struct{}
}

func (p *peerLink) send(msg peerMessage) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("peer %s not connected", p.url)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return fmt.Errorf("peer %s not connected", p.url)
	}
	p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *peerLink) hasDID(did string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.online[did]
	return ok
}

// Mesh maintains outbound links to every configured peer relay and a
// presence table of which DIDs are online where. It implements Federation.
type Mesh struct {
	cfg   *FederationConfig
	state *State
	log   logger.Logger

	mu    sync.RWMutex
	peers []*peerLink

	stopOnce sync.Once
	stop     chan struct{}
}

func NewMesh(cfg *FederationConfig, state *State, log logger.Logger) *Mesh {
	if log == nil {
		log = logger.Noop()
	}
	return &Mesh{
		cfg:   cfg,
		state: state,
		log:   log,
		stop:  make(chan struct{}),
	}
}

// Start opens a connection loop per configured peer plus the presence
// heartbeat. Returns immediately; links connect and reconnect in the
// background.
func (m *Mesh) Start() {
	for _, url := range m.cfg.Peers {
		link := &peerLink{url: url, outbound: true, online: make(map[string]struct{})}
		m.mu.Lock()
		m.peers = append(m.peers, link)
		m.mu.Unlock()
		go m.runLink(link)
	}
	go m.heartbeatLoop()
	m.log.Infof("federation mesh started relay_id=%s peers=%d", m.cfg.RelayID, len(m.cfg.Peers))
}

func (m *Mesh) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// runLink dials the peer, exchanges hello and presence, and pumps inbound
// peer messages until the connection drops, then retries with backoff.
func (m *Mesh) runLink(link *peerLink) {
	delay := time.Second
	for {
		select {
		case <-m.stop:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(link.url, nil)
		if err != nil {
			m.log.Warnf("peer dial %s: %v", link.url, err)
			delay = m.sleep(delay)
			continue
		}
		delay = time.Second

		link.mu.Lock()
		link.conn = conn
		link.online = make(map[string]struct{})
		link.mu.Unlock()

		link.send(peerMessage{
			Type:     peerHello,
			RelayID:  m.cfg.RelayID,
			RelayURL: m.cfg.PublicURL,
			Region:   m.cfg.Region,
			Location: m.cfg.Location,
		})
		link.send(peerMessage{
			Type:       peerPresenceSync,
			RelayID:    m.cfg.RelayID,
			OnlineDIDs: m.state.LocalOnlineDIDs(),
		})

		m.readLink(link, conn)

		link.mu.Lock()
		link.conn = nil
		link.online = make(map[string]struct{})
		link.mu.Unlock()
	}
}

func (m *Mesh) sleep(delay time.Duration) time.Duration {
	select {
	case <-m.stop:
		return delay
	case <-time.After(delay):
	}
	next := delay * 2
	if next > time.Minute {
		next = time.Minute
	}
	return next
}

func (m *Mesh) readLink(link *peerLink, conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.log.Warnf("peer %s disconnected: %v", link.url, err)
			return
		}
		var msg peerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.log.Debugf("malformed peer message from %s: %v", link.url, err)
			continue
		}
		m.handlePeerMessage(link, msg)
	}
}

func (m *Mesh) handlePeerMessage(link *peerLink, msg peerMessage) {
	switch msg.Type {
	case peerHello:
		link.mu.Lock()
		link.relayID = msg.RelayID
		link.mu.Unlock()
		m.log.Infof("peer hello relay_id=%s url=%s region=%s", msg.RelayID, link.url, msg.Region)
	case peerPresenceSync:
		link.mu.Lock()
		link.online = make(map[string]struct{}, len(msg.OnlineDIDs))
		for _, did := range msg.OnlineDIDs {
			link.online[did] = struct{}{}
		}
		link.mu.Unlock()
		m.log.Debugf("presence sync from %s: %d dids", msg.RelayID, len(msg.OnlineDIDs))
	case peerPresenceOnline:
		link.mu.Lock()
		link.online[msg.DID] = struct{}{}
		link.mu.Unlock()
	case peerPresenceOffline:
		link.mu.Lock()
		delete(link.online, msg.DID)
		link.mu.Unlock()
	case peerForwardMessage:
		// A peer relay forwards for a DID it believes is local here. The
		// federated hop ends at this relay: deliver locally or queue, so a
		// meanwhile-disconnected recipient still hits the offline queue but a
		// stale presence table on both sides cannot bounce the message back.
		result := m.state.DeliverLocalOrQueue(msg.FromDID, msg.ToDID, msg.Payload, msg.Timestamp)
		m.log.Debugf("peer-forwarded %s -> %s: %s", msg.FromDID, msg.ToDID, result)
	case peerForwardOffline:
		m.state.QueueOffline(msg.ToDID, msg.FromDID, msg.Payload, msg.Timestamp)
	case peerPing:
		link.send(peerMessage{Type: peerPong})
	case peerPong:
	default:
		m.log.Debugf("unknown peer message type %q from %s", msg.Type, link.url)
	}
}

func (m *Mesh) heartbeatLoop() {
	ticker := time.NewTicker(m.cfg.heartbeat())
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.broadcast(peerMessage{
				Type:       peerPresenceSync,
				RelayID:    m.cfg.RelayID,
				OnlineDIDs: m.state.LocalOnlineDIDs(),
			})
		}
	}
}

func (m *Mesh) broadcast(msg peerMessage) {
	m.mu.RLock()
	peers := append([]*peerLink(nil), m.peers...)
	m.mu.RUnlock()
	for _, p := range peers {
		if err := p.send(msg); err != nil {
			m.log.Debugf("broadcast to %s: %v", p.url, err)
		}
	}
}

// ServeHTTP accepts inbound peer connections on the relay's peer endpoint.
// Inbound links carry presence and forwards exactly like outbound ones but
// are dropped, not redialed, when they close.
func (m *Mesh) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warnf("peer upgrade: %v", err)
		return
	}
	link := &peerLink{url: r.RemoteAddr, online: make(map[string]struct{})}
	link.mu.Lock()
	link.conn = conn
	link.mu.Unlock()

	m.mu.Lock()
	m.peers = append(m.peers, link)
	m.mu.Unlock()
	defer m.removeLink(link)

	link.send(peerMessage{
		Type:     peerHello,
		RelayID:  m.cfg.RelayID,
		RelayURL: m.cfg.PublicURL,
		Region:   m.cfg.Region,
		Location: m.cfg.Location,
	})
	link.send(peerMessage{
		Type:       peerPresenceSync,
		RelayID:    m.cfg.RelayID,
		OnlineDIDs: m.state.LocalOnlineDIDs(),
	})
	m.readLink(link, conn)
}

func (m *Mesh) removeLink(link *peerLink) {
	if link.outbound {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.peers {
		if p == link {
			m.peers = append(m.peers[:i], m.peers[i+1:]...)
			return
		}
	}
}

// ForwardMessage sends to the first peer claiming the DID.
func (m *Mesh) ForwardMessage(fromDID, toDID, payload string, timestamp int64) bool {
	m.mu.RLock()
	peers := append([]*peerLink(nil), m.peers...)
	m.mu.RUnlock()
	for _, p := range peers {
		if !p.hasDID(toDID) {
			continue
		}
		err := p.send(peerMessage{
			Type:      peerForwardMessage,
			FromDID:   fromDID,
			ToDID:     toDID,
			Payload:   payload,
			Timestamp: timestamp,
		})
		if err == nil {
			return true
		}
		m.log.Warnf("forward to peer %s failed: %v", p.url, err)
	}
	return false
}

// HasRemote reports whether any peer claims the DID.
func (m *Mesh) HasRemote(did string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.peers {
		if p.hasDID(did) {
			return true
		}
	}
	return false
}

func (m *Mesh) AnnounceOnline(did string) {
	m.broadcast(peerMessage{Type: peerPresenceOnline, RelayID: m.cfg.RelayID, DID: did})
}

func (m *Mesh) AnnounceOffline(did string) {
	m.broadcast(peerMessage{Type: peerPresenceOffline, RelayID: m.cfg.RelayID, DID: did})
}

// RemoteDIDCount is the number of DIDs reachable through peers.
func (m *Mesh) RemoteDIDCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, p := range m.peers {
		p.mu.Lock()
		total += len(p.online)
		p.mu.Unlock()
	}
	return total
}

var _ Federation = (*Mesh)(nil)
