package repositories

import (
	"errors"
	"testing"

	"github.com/openumbra/umbra-bridge/internal/domain/bridge"
)

func sampleConfig() *bridge.Config {
	return &bridge.Config{
		CommunityID: "comm-1",
		GuildID:     "guild-1",
		Enabled:     true,
		Channels: []bridge.Channel{
			{DiscordChannelID: "d1", UmbraChannelID: "u1", Name: "general"},
		},
		Seats: []bridge.Seat{
			{DiscordUserID: "user-1", DiscordUsername: "alice", SeatDID: "did:key:zAlice"},
		},
		MemberDIDs: []string{"did:key:zAlice"},
	}
}

func TestFileBridgeConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	repo := NewFileBridgeConfigRepo(dir, nil)

	if err := repo.Register(sampleConfig()); err != nil {
		t.Fatalf("register: %v", err)
	}
	cfg, err := repo.Get("comm-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cfg.GuildID != "guild-1" || len(cfg.Channels) != 1 {
		t.Fatalf("config lost fields: %+v", cfg)
	}
	if cfg.CreatedAt == 0 || cfg.UpdatedAt == 0 {
		t.Fatalf("timestamps not set: %+v", cfg)
	}

	// A fresh repo over the same directory must see the persisted config.
	reloaded := NewFileBridgeConfigRepo(dir, nil)
	cfg2, err := reloaded.Get("comm-1")
	if err != nil {
		t.Fatalf("get after reload: %v", err)
	}
	if cfg2.GuildID != cfg.GuildID || cfg2.CreatedAt != cfg.CreatedAt {
		t.Fatalf("reload mismatch: %+v vs %+v", cfg2, cfg)
	}
}

func TestFileBridgeConfigUpdateMembers(t *testing.T) {
	repo := NewFileBridgeConfigRepo(t.TempDir(), nil)
	if err := repo.Register(sampleConfig()); err != nil {
		t.Fatalf("register: %v", err)
	}
	before, _ := repo.Get("comm-1")

	updated, err := repo.UpdateMembers("comm-1", []string{"did:key:zAlice", "did:key:zBob"})
	if err != nil {
		t.Fatalf("update members: %v", err)
	}
	if len(updated.MemberDIDs) != 2 {
		t.Fatalf("expected 2 members, got %d", len(updated.MemberDIDs))
	}
	if updated.UpdatedAt < before.UpdatedAt {
		t.Fatalf("updatedAt went backwards")
	}
}

func TestFileBridgeConfigSetEnabledAndDelete(t *testing.T) {
	repo := NewFileBridgeConfigRepo(t.TempDir(), nil)
	if err := repo.Register(sampleConfig()); err != nil {
		t.Fatalf("register: %v", err)
	}

	cfg, err := repo.SetEnabled("comm-1", false)
	if err != nil {
		t.Fatalf("set enabled: %v", err)
	}
	if cfg.Enabled {
		t.Fatalf("config still enabled")
	}

	if err := repo.Delete("comm-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.Get("comm-1"); !errors.Is(err, ErrBridgeConfigNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := repo.Delete("comm-1"); !errors.Is(err, ErrBridgeConfigNotFound) {
		t.Fatalf("double delete should report not found, got %v", err)
	}
}

func TestFileBridgeConfigRegisterKeepsCreatedAt(t *testing.T) {
	repo := NewFileBridgeConfigRepo(t.TempDir(), nil)
	if err := repo.Register(sampleConfig()); err != nil {
		t.Fatalf("register: %v", err)
	}
	first, _ := repo.Get("comm-1")

	again := sampleConfig()
	again.BridgeDID = "did:key:zBridge"
	if err := repo.Register(again); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	second, _ := repo.Get("comm-1")
	if second.CreatedAt != first.CreatedAt {
		t.Fatalf("createdAt changed on re-register")
	}
	if second.BridgeDID != "did:key:zBridge" {
		t.Fatalf("re-register did not apply new fields")
	}
}

func TestFileBridgeConfigRequiresIDs(t *testing.T) {
	repo := NewFileBridgeConfigRepo(t.TempDir(), nil)
	if err := repo.Register(&bridge.Config{GuildID: "g"}); err == nil {
		t.Fatalf("expected error for missing communityId")
	}
	if err := repo.Register(&bridge.Config{CommunityID: "c"}); err == nil {
		t.Fatalf("expected error for missing guildId")
	}
}
