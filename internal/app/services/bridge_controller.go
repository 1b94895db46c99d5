package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openumbra/umbra-bridge/internal/domain/bridge"
	"github.com/openumbra/umbra-bridge/internal/domain/community"
	"github.com/openumbra/umbra-bridge/internal/platform/discord"
	"github.com/openumbra/umbra-bridge/internal/platform/relay"
	"github.com/openumbra/umbra-bridge/pkg/eventlog"
	"github.com/openumbra/umbra-bridge/pkg/logger"
)

// BridgeAPI is the slice of the relay REST client the controller uses.
type BridgeAPI interface {
	ListBridges(ctx context.Context) ([]bridge.ConfigSummary, error)
	GetBridge(ctx context.Context, communityID string) (*bridge.Config, error)
	RegisterBridge(ctx context.Context, req relay.RegisterBridgeRequest) (*bridge.Config, error)
	UpdateMembers(ctx context.Context, communityID string, memberDIDs []string) (*bridge.Config, error)
}

// DiscordGateway is the slice of the Discord session the controller uses.
type DiscordGateway interface {
	SendAsUser(channelID, displayName, avatarURL, content string) error
}

// bridgeState is everything the controller holds per bridge config. The
// channel map and seat resolver are immutable snapshots rebuilt whenever a
// newer config is loaded, so the hot paths read them without locking.
type bridgeState struct {
	cfg      *bridge.Config
	channels *ChannelMap
	seats    *SeatResolver
}

// BridgeController runs every configured community/guild bridge over one
// Discord session and one relay connection. Configs live on the relay; the
// controller polls them so relay-side edits (new channels, new seats,
// membership changes) take effect without a restart.
type BridgeController struct {
	api     BridgeAPI
	gateway DiscordGateway
	sender  RelaySender
	guard   *EchoGuard
	audit   *eventlog.Writer
	log     logger.Logger

	pollInterval time.Duration

	mu          sync.RWMutex
	byCommunity map[string]*bridgeState
	byGuild     map[string][]*bridgeState

	stopOnce sync.Once
	stop     chan struct{}
}

func NewBridgeController(api BridgeAPI, gateway DiscordGateway, sender RelaySender, guard *EchoGuard, audit *eventlog.Writer, pollInterval time.Duration, log logger.Logger) *BridgeController {
	if log == nil {
		log = logger.Noop()
	}
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	guard.SetBridgeDID(sender.DID())
	return &BridgeController{
		api:          api,
		gateway:      gateway,
		sender:       sender,
		guard:        guard,
		audit:        audit,
		log:          log,
		pollInterval: pollInterval,
		byCommunity:  make(map[string]*bridgeState),
		byGuild:      make(map[string][]*bridgeState),
	}
}

// Start loads the initial configs and begins polling. It blocks until ctx is
// done or Stop is called. A failed initial load is not fatal; the poll loop
// retries on its own schedule.
func (c *BridgeController) Start(ctx context.Context) {
	if err := c.refreshConfigs(ctx); err != nil {
		c.log.Warnf("initial config load failed, will retry: %v", err)
	}
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan():
			return
		case <-ticker.C:
			if err := c.refreshConfigs(ctx); err != nil {
				c.log.Warnf("config poll failed: %v", err)
			}
		}
	}
}

func (c *BridgeController) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan()) })
}

func (c *BridgeController) stopChan() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop == nil {
		c.stop = make(chan struct{})
	}
	return c.stop
}

// ActiveBridges reports the community IDs currently bridged.
func (c *BridgeController) ActiveBridges() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byCommunity))
	for id := range c.byCommunity {
		out = append(out, id)
	}
	return out
}

// refreshConfigs reconciles controller state with the relay's config list.
// Configs whose updatedAt has not advanced keep their existing snapshots;
// one broken config never blocks the others.
func (c *BridgeController) refreshConfigs(ctx context.Context) error {
	summaries, err := c.api.ListBridges(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(summaries))
	for _, sum := range summaries {
		if !sum.Enabled {
			continue
		}
		seen[sum.CommunityID] = struct{}{}

		c.mu.RLock()
		existing := c.byCommunity[sum.CommunityID]
		c.mu.RUnlock()
		if existing != nil && existing.cfg.UpdatedAt >= sum.UpdatedAt {
			continue
		}

		cfg, err := c.api.GetBridge(ctx, sum.CommunityID)
		if err != nil {
			c.log.Warnf("load bridge config %s: %v", sum.CommunityID, err)
			continue
		}
		cfg, err = c.ensureSelfRegistered(ctx, cfg)
		if err != nil {
			c.log.Warnf("self-register on bridge %s: %v", sum.CommunityID, err)
			continue
		}
		c.install(cfg)
	}

	// Drop bridges the relay no longer lists (deleted or disabled).
	c.mu.Lock()
	for id, st := range c.byCommunity {
		if _, ok := seen[id]; ok {
			continue
		}
		delete(c.byCommunity, id)
		c.removeFromGuildLocked(st)
		c.log.Infof("bridge %s removed (no longer enabled on relay)", id)
	}
	c.mu.Unlock()
	return nil
}

// ensureSelfRegistered writes the bridge's own DID into the config when it is
// missing. Config registration can originate from a human admin's client
// before this bot ever ran, so the DID fields may be empty or stale.
func (c *BridgeController) ensureSelfRegistered(ctx context.Context, cfg *bridge.Config) (*bridge.Config, error) {
	selfDID := c.sender.DID()
	if cfg.BridgeDID == selfDID && cfg.HasMember(selfDID) {
		return cfg, nil
	}
	members := cfg.MemberDIDs
	if !cfg.HasMember(selfDID) {
		members = append(append([]string(nil), cfg.MemberDIDs...), selfDID)
	}
	updated, err := c.api.RegisterBridge(ctx, relay.RegisterBridgeRequest{
		CommunityID: cfg.CommunityID,
		GuildID:     cfg.GuildID,
		Channels:    cfg.Channels,
		Seats:       cfg.Seats,
		MemberDIDs:  members,
		BridgeDID:   selfDID,
	})
	if err != nil {
		return nil, err
	}
	c.log.Infof("registered bridge DID on config %s", cfg.CommunityID)
	return updated, nil
}

func (c *BridgeController) install(cfg *bridge.Config) {
	st := &bridgeState{
		cfg:      cfg,
		channels: NewChannelMap(cfg.Channels),
		seats:    NewSeatResolver(c.sender.DID(), cfg.Seats),
	}
	c.mu.Lock()
	if old := c.byCommunity[cfg.CommunityID]; old != nil {
		c.removeFromGuildLocked(old)
	}
	c.byCommunity[cfg.CommunityID] = st
	c.byGuild[cfg.GuildID] = append(c.byGuild[cfg.GuildID], st)
	c.mu.Unlock()
	c.log.Infof("bridge active community=%s guild=%s channels=%d seats=%d members=%d",
		cfg.CommunityID, cfg.GuildID, st.channels.Len(), len(cfg.Seats), len(cfg.MemberDIDs))
}

// removeFromGuildLocked unlinks a state from the guild index. Caller holds
// the write lock.
func (c *BridgeController) removeFromGuildLocked(st *bridgeState) {
	states := c.byGuild[st.cfg.GuildID]
	for i, s := range states {
		if s == st {
			c.byGuild[st.cfg.GuildID] = append(states[:i], states[i+1:]...)
			break
		}
	}
	if len(c.byGuild[st.cfg.GuildID]) == 0 {
		delete(c.byGuild, st.cfg.GuildID)
	}
}

// stateForDiscordChannel finds the bridge config and channel pair for a
// Discord message. A guild can host several bridged communities; the channel
// ID picks the right one.
func (c *BridgeController) stateForDiscordChannel(guildID, channelID string) (*bridgeState, bridge.Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, st := range c.byGuild[guildID] {
		if ch, ok := st.channels.ByDiscordChannel(channelID); ok {
			return st, ch, true
		}
	}
	return nil, bridge.Channel{}, false
}

// HandleDiscordMessage is the Discord-to-Umbra direction. Wire it as the
// session's message callback; bot and webhook authors are already filtered
// out by the session.
func (c *BridgeController) HandleDiscordMessage(msg discord.IncomingMessage) {
	st, ch, ok := c.stateForDiscordChannel(msg.GuildID, msg.ChannelID)
	if !ok {
		return
	}
	identity := st.seats.ResolveDiscordUser(msg.UserID, msg.Username, msg.AvatarURL)
	messageID := uuid.NewString()

	content := discord.StripDiscordMarkup(msg.Content, nil)
	if content == "" {
		return
	}
	env := community.NewEnvelope(st.cfg.CommunityID, identity.DID, time.Now().UnixMilli(), community.Event{
		MessageSent: &community.MessageSentEvent{
			ChannelID:         ch.UmbraChannelID,
			ChannelName:       ch.Name,
			MessageID:         messageID,
			SenderDID:         identity.DID,
			Content:           content,
			SenderDisplayName: identity.DisplayName,
			SenderAvatarURL:   identity.AvatarURL,
		},
	})
	payload, err := env.Encode()
	if err != nil {
		c.log.Errorf("encode envelope for community %s: %v", st.cfg.CommunityID, err)
		return
	}

	selfDID := c.sender.DID()
	sent := 0
	targets := 0
	for _, did := range st.cfg.MemberDIDs {
		if did == "" || did == selfDID {
			continue
		}
		targets++
		if c.sender.SendToDID(did, payload) {
			sent++
		}
	}
	// Recorded after the fan-out attempt whether or not anyone got it: the
	// Discord message was consumed either way.
	c.guard.RecordBridged(messageID)

	if targets > 0 && sent == 0 {
		c.log.Warnf("discord message in #%s reached no recipients (%d members)", ch.Name, targets)
	} else {
		c.log.Debugf("bridged discord message to %d/%d members of %s", sent, targets, st.cfg.CommunityID)
	}
}

// HandleRelayMessage is the Umbra-to-Discord direction. Wire it as the relay
// client's message handler. Non-envelope payloads and events for communities
// this controller does not bridge are ignored.
func (c *BridgeController) HandleRelayMessage(fromDID, payload string, timestamp int64) {
	env, err := community.ParseEnvelope(payload)
	if err != nil {
		if !errors.Is(err, community.ErrNotEnvelope) {
			c.log.Debugf("malformed payload from %s dropped: %v", fromDID, err)
		}
		return
	}

	c.mu.RLock()
	st := c.byCommunity[env.Payload.CommunityID]
	c.mu.RUnlock()
	if st == nil {
		return
	}
	ev := env.Payload.Event.MessageSent
	if ev == nil {
		return
	}
	if !c.guard.ShouldBridge(env.Payload.SenderDID, ev.MessageID) {
		return
	}
	if c.audit != nil {
		c.audit.Append(eventlog.Entry{
			Kind:      community.EventMessageSent,
			FromDID:   fromDID,
			Community: env.Payload.CommunityID,
			Timestamp: timestamp,
			Payload:   payload,
		})
	}

	channelID, ok := c.resolveDiscordChannel(st, ev)
	if !ok {
		return
	}
	name, avatar := c.displayIdentity(st, env.Payload.SenderDID, ev)
	content := discord.EscapeForDiscord(ev.Content)
	if err := c.gateway.SendAsUser(channelID, name, avatar, content); err != nil {
		c.log.Errorf("send to discord channel %s: %v", channelID, err)
		return
	}
	// Only a confirmed Discord send marks the ID bridged, so a failed send
	// stays eligible when the relay redelivers it.
	c.guard.RecordBridged(ev.MessageID)
}

func (c *BridgeController) resolveDiscordChannel(st *bridgeState, ev *community.MessageSentEvent) (string, bool) {
	if ch, ok := st.channels.ByUmbraChannel(ev.ChannelID); ok {
		return ch.DiscordChannelID, true
	}
	// The event's channel ID is peer-local on the sender; fall back to the
	// mapped name.
	if ev.ChannelName != "" {
		matches := st.channels.ByName(ev.ChannelName)
		switch len(matches) {
		case 1:
			return matches[0].DiscordChannelID, true
		case 0:
		default:
			c.log.Warnf("channel name %q maps to %d discord channels on %s, dropping",
				ev.ChannelName, len(matches), st.cfg.CommunityID)
			return "", false
		}
	}
	c.log.Debugf("no discord channel mapped for %s/%s on %s", ev.ChannelID, ev.ChannelName, st.cfg.CommunityID)
	return "", false
}

func (c *BridgeController) displayIdentity(st *bridgeState, senderDID string, ev *community.MessageSentEvent) (string, string) {
	if seat, ok := st.seats.ResolveUmbraDID(senderDID); ok && seat.DiscordUsername != "" {
		return seat.DiscordUsername, seat.AvatarURL
	}
	name := ev.SenderDisplayName
	if name == "" {
		name = shortDID(senderDID)
	}
	return name, ev.SenderAvatarURL
}

// shortDID abbreviates a did:key for display, keeping enough suffix to tell
// members apart.
func shortDID(did string) string {
	const tail = 8
	if len(did) <= tail {
		return did
	}
	return "umbra-" + did[len(did)-tail:]
}
