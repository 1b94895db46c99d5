package services

import (
	"github.com/openumbra/umbra-bridge/internal/domain/bridge"
)

// ChannelMap is an immutable two-way index over a config's channel pairs.
// The bridge controller rebuilds it whenever it picks up a newer config, so
// lookups never need a lock.
type ChannelMap struct {
	byDiscord map[string]bridge.Channel
	byUmbra   map[string]bridge.Channel
	byName    map[string][]bridge.Channel
}

func NewChannelMap(channels []bridge.Channel) *ChannelMap {
	m := &ChannelMap{
		byDiscord: make(map[string]bridge.Channel, len(channels)),
		byUmbra:   make(map[string]bridge.Channel, len(channels)),
		byName:    make(map[string][]bridge.Channel),
	}
	for _, ch := range channels {
		m.byDiscord[ch.DiscordChannelID] = ch
		m.byUmbra[ch.UmbraChannelID] = ch
		m.byName[ch.Name] = append(m.byName[ch.Name], ch)
	}
	return m
}

// ByDiscordChannel resolves a Discord channel ID to its mapped pair.
func (m *ChannelMap) ByDiscordChannel(discordChannelID string) (bridge.Channel, bool) {
	ch, ok := m.byDiscord[discordChannelID]
	return ch, ok
}

// ByUmbraChannel resolves an Umbra channel ID to its mapped pair.
func (m *ChannelMap) ByUmbraChannel(umbraChannelID string) (bridge.Channel, bool) {
	ch, ok := m.byUmbra[umbraChannelID]
	return ch, ok
}

// ByName resolves a channel by its human name. Incoming community events may
// carry a sender-local channel ID that matches nothing here, in which case
// the name is the only usable key. Returns all pairs with that name; the
// caller decides what an ambiguous result means.
func (m *ChannelMap) ByName(name string) []bridge.Channel {
	return m.byName[name]
}

// Len reports how many channel pairs are mapped.
func (m *ChannelMap) Len() int {
	return len(m.byDiscord)
}

// SeatIdentity is the identity a Discord user's messages are attributed to
// on the Umbra side.
type SeatIdentity struct {
	DID         string
	DisplayName string
	AvatarURL   string
	Ghost       bool
}

// SeatResolver maps between Discord users and Umbra DIDs using a config's
// seat list. Like ChannelMap it is an immutable snapshot.
type SeatResolver struct {
	bridgeDID string
	byDiscord map[string]bridge.Seat
	byDID     map[string]bridge.Seat
}

func NewSeatResolver(bridgeDID string, seats []bridge.Seat) *SeatResolver {
	r := &SeatResolver{
		bridgeDID: bridgeDID,
		byDiscord: make(map[string]bridge.Seat, len(seats)),
		byDID:     make(map[string]bridge.Seat, len(seats)),
	}
	for _, s := range seats {
		r.byDiscord[s.DiscordUserID] = s
		if s.SeatDID != "" {
			r.byDID[s.SeatDID] = s
		}
	}
	return r
}

// ResolveDiscordUser returns the identity to attach to a message authored by
// the given Discord user. Linked seats speak as their own DID. Ghost seats
// and unknown users speak as the bridge DID with the Discord display
// identity attached; the fallback name keeps the message attributable when
// no seat exists at all.
func (r *SeatResolver) ResolveDiscordUser(discordUserID, fallbackName, fallbackAvatar string) SeatIdentity {
	if seat, ok := r.byDiscord[discordUserID]; ok {
		name := seat.DiscordUsername
		if name == "" {
			name = fallbackName
		}
		avatar := seat.AvatarURL
		if avatar == "" {
			avatar = fallbackAvatar
		}
		if seat.SeatDID != "" {
			return SeatIdentity{DID: seat.SeatDID, DisplayName: name, AvatarURL: avatar}
		}
		return SeatIdentity{DID: r.bridgeDID, DisplayName: name, AvatarURL: avatar, Ghost: true}
	}
	return SeatIdentity{DID: r.bridgeDID, DisplayName: fallbackName, AvatarURL: fallbackAvatar, Ghost: true}
}

// ResolveUmbraDID finds the Discord seat linked to a DID, for rendering an
// Umbra member's message in Discord with their claimed Discord identity.
func (r *SeatResolver) ResolveUmbraDID(did string) (bridge.Seat, bool) {
	seat, ok := r.byDID[did]
	return seat, ok
}
