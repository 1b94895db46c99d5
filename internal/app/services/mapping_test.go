package services

import (
	"testing"

	"github.com/openumbra/umbra-bridge/internal/domain/bridge"
)

func TestChannelMapLookups(t *testing.T) {
	m := NewChannelMap([]bridge.Channel{
		{DiscordChannelID: "d1", UmbraChannelID: "u1", Name: "general"},
		{DiscordChannelID: "d2", UmbraChannelID: "u2", Name: "random"},
	})

	ch, ok := m.ByDiscordChannel("d1")
	if !ok || ch.UmbraChannelID != "u1" {
		t.Fatalf("discord lookup failed: %+v ok=%v", ch, ok)
	}
	ch, ok = m.ByUmbraChannel("u2")
	if !ok || ch.DiscordChannelID != "d2" {
		t.Fatalf("umbra lookup failed: %+v ok=%v", ch, ok)
	}
	if _, ok := m.ByDiscordChannel("missing"); ok {
		t.Fatalf("unmapped channel should miss")
	}
	if got := m.ByName("general"); len(got) != 1 || got[0].DiscordChannelID != "d1" {
		t.Fatalf("name lookup failed: %+v", got)
	}
}

func TestChannelMapDuplicateNames(t *testing.T) {
	m := NewChannelMap([]bridge.Channel{
		{DiscordChannelID: "d1", UmbraChannelID: "u1", Name: "general"},
		{DiscordChannelID: "d2", UmbraChannelID: "u2", Name: "general"},
	})
	if got := m.ByName("general"); len(got) != 2 {
		t.Fatalf("expected both duplicates reported, got %d", len(got))
	}
}

func TestSeatResolverLinkedSeat(t *testing.T) {
	r := NewSeatResolver("did:key:zBridge", []bridge.Seat{
		{DiscordUserID: "u1", DiscordUsername: "alice", AvatarURL: "http://a", SeatDID: "did:key:zAlice"},
	})

	id := r.ResolveDiscordUser("u1", "fallback", "")
	if id.DID != "did:key:zAlice" {
		t.Fatalf("linked seat should speak as its own DID, got %s", id.DID)
	}
	if id.Ghost {
		t.Fatalf("linked seat is not a ghost")
	}
	if id.DisplayName != "alice" || id.AvatarURL != "http://a" {
		t.Fatalf("seat identity lost: %+v", id)
	}
}

func TestSeatResolverGhostSeat(t *testing.T) {
	r := NewSeatResolver("did:key:zBridge", []bridge.Seat{
		{DiscordUserID: "u2", DiscordUsername: "bob"},
	})

	id := r.ResolveDiscordUser("u2", "fallback", "http://f")
	if id.DID != "did:key:zBridge" {
		t.Fatalf("ghost seat must speak as the bridge DID, got %s", id.DID)
	}
	if !id.Ghost {
		t.Fatalf("seat without DID should be flagged ghost")
	}
	if id.DisplayName != "bob" {
		t.Fatalf("ghost seat should keep its Discord username, got %q", id.DisplayName)
	}
	if id.AvatarURL != "http://f" {
		t.Fatalf("empty seat avatar should fall back, got %q", id.AvatarURL)
	}
}

func TestSeatResolverUnknownUser(t *testing.T) {
	r := NewSeatResolver("did:key:zBridge", nil)

	id := r.ResolveDiscordUser("stranger", "carol", "http://c")
	if id.DID != "did:key:zBridge" || !id.Ghost {
		t.Fatalf("unknown user should be a ghost on the bridge DID: %+v", id)
	}
	if id.DisplayName != "carol" || id.AvatarURL != "http://c" {
		t.Fatalf("fallback identity lost: %+v", id)
	}
}

func TestSeatResolverReverseLookup(t *testing.T) {
	r := NewSeatResolver("did:key:zBridge", []bridge.Seat{
		{DiscordUserID: "u1", DiscordUsername: "alice", SeatDID: "did:key:zAlice"},
		{DiscordUserID: "u2", DiscordUsername: "bob"},
	})

	seat, ok := r.ResolveUmbraDID("did:key:zAlice")
	if !ok || seat.DiscordUserID != "u1" {
		t.Fatalf("reverse lookup failed: %+v ok=%v", seat, ok)
	}
	if _, ok := r.ResolveUmbraDID("did:key:zUnknown"); ok {
		t.Fatalf("unknown DID should miss")
	}
	// Ghost seats have no DID and must not be reverse-resolvable.
	if _, ok := r.ResolveUmbraDID(""); ok {
		t.Fatalf("empty DID must never match a seat")
	}
}
