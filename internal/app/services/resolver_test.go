package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openumbra/umbra-bridge/internal/app/repositories"
	"github.com/openumbra/umbra-bridge/internal/domain/community"
)

// Two peers import the community the creator hands out; all three must
// address it by the same canonical ID even though every local ID differs.
func TestCanonicalIDConvergence(t *testing.T) {
	ctx := context.Background()

	repoA := repositories.NewInMemoryCommunityRepo()
	repoB := repositories.NewInMemoryCommunityRepo()
	repoC := repositories.NewInMemoryCommunityRepo()
	resA := NewResolver(repoA, nil)
	resB := NewResolver(repoB, nil)
	resC := NewResolver(repoC, nil)

	created, err := resA.CreateCommunity(ctx, "did:key:zA", "gamers", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	inv := &community.Invite{CommunityID: created.CanonicalID(), OwnerDID: "did:key:zA", Name: "gamers"}

	copyB, err := resB.ImportFromInvite(ctx, inv, "did:key:zB")
	if err != nil {
		t.Fatalf("import on B: %v", err)
	}
	copyC, err := resC.ImportFromInvite(ctx, inv, "did:key:zC")
	if err != nil {
		t.Fatalf("import on C: %v", err)
	}

	if copyB.LocalID == created.LocalID || copyC.LocalID == created.LocalID || copyB.LocalID == copyC.LocalID {
		t.Fatalf("local IDs must differ per peer")
	}

	canonA, err := resA.CanonicalCommunityID(ctx, created.LocalID)
	if err != nil {
		t.Fatalf("canonical on A: %v", err)
	}
	canonB, err := resB.CanonicalCommunityID(ctx, copyB.LocalID)
	if err != nil {
		t.Fatalf("canonical on B: %v", err)
	}
	canonC, err := resC.CanonicalCommunityID(ctx, copyC.LocalID)
	if err != nil {
		t.Fatalf("canonical on C: %v", err)
	}
	if canonA != canonB || canonB != canonC {
		t.Fatalf("canonical IDs diverged: %s %s %s", canonA, canonB, canonC)
	}

	// Every peer resolves an inbound canonical ID back to its own record.
	localA, err := resA.ResolveInbound(ctx, canonA)
	if err != nil {
		t.Fatalf("resolve inbound on A: %v", err)
	}
	if localA.LocalID != created.LocalID {
		t.Fatalf("creator resolved wrong record: %s", localA.LocalID)
	}
	localB, err := resB.ResolveInbound(ctx, canonA)
	if err != nil {
		t.Fatalf("resolve inbound on B: %v", err)
	}
	if localB.LocalID != copyB.LocalID {
		t.Fatalf("importer resolved wrong record: %s", localB.LocalID)
	}
}

func TestImportFromInviteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := repositories.NewInMemoryCommunityRepo()
	res := NewResolver(repo, nil)

	inv := &community.Invite{CommunityID: "origin-1", OwnerDID: "did:key:zOwner", Name: "club"}
	first, err := res.ImportFromInvite(ctx, inv, "did:key:zMe")
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	second, err := res.ImportFromInvite(ctx, inv, "did:key:zMe")
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if first.LocalID != second.LocalID {
		t.Fatalf("re-import created a new record: %s vs %s", first.LocalID, second.LocalID)
	}

	all, err := repo.ListCommunities(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly 1 community, got %d", len(all))
	}
}

func TestImportCreatesDefaultChannels(t *testing.T) {
	ctx := context.Background()
	repo := repositories.NewInMemoryCommunityRepo()
	res := NewResolver(repo, nil)

	c, err := res.ImportFromInvite(ctx, &community.Invite{CommunityID: "origin-1", OwnerDID: "did:key:zO", Name: "x"}, "did:key:zMe")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	channels, err := repo.ListChannels(ctx, c.LocalID)
	if err != nil {
		t.Fatalf("list channels: %v", err)
	}
	names := map[string]bool{}
	for _, ch := range channels {
		names[ch.Name] = true
	}
	if !names["general"] || !names["welcome"] {
		t.Fatalf("default channels missing, got %v", names)
	}
}

func TestResolveChannelFallsBackToName(t *testing.T) {
	ctx := context.Background()
	repo := repositories.NewInMemoryCommunityRepo()
	res := NewResolver(repo, nil)

	c, err := res.CreateCommunity(ctx, "did:key:zA", "club", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// A remote peer's channel ID matches nothing locally; the name does.
	ch, err := res.ResolveChannel(ctx, c.LocalID, "remote-channel-id", "general")
	if err != nil {
		t.Fatalf("resolve by name: %v", err)
	}
	if ch.Name != "general" {
		t.Fatalf("resolved wrong channel: %s", ch.Name)
	}

	if _, err := res.ResolveChannel(ctx, c.LocalID, "", "nonexistent"); !errors.Is(err, repositories.ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestResolveChannelAmbiguousName(t *testing.T) {
	ctx := context.Background()
	repo := repositories.NewInMemoryCommunityRepo()
	res := NewResolver(repo, nil)

	c, err := res.CreateCommunity(ctx, "did:key:zA", "club", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Second channel with a duplicate name.
	if err := repo.CreateChannel(ctx, &community.Channel{
		ID: "dup", CommunityLocalID: c.LocalID, Name: "general", Kind: "text", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create channel: %v", err)
	}

	_, err = res.ResolveChannel(ctx, c.LocalID, "unknown-id", "general")
	if !errors.Is(err, ErrAmbiguousChannel) {
		t.Fatalf("expected ErrAmbiguousChannel, got %v", err)
	}

	// A direct ID match is never ambiguous.
	ch, err := res.ResolveChannel(ctx, c.LocalID, "dup", "general")
	if err != nil {
		t.Fatalf("id match should win: %v", err)
	}
	if ch.ID != "dup" {
		t.Fatalf("resolved wrong channel: %s", ch.ID)
	}
}

func TestResolveInboundUnknownCommunity(t *testing.T) {
	res := NewResolver(repositories.NewInMemoryCommunityRepo(), nil)
	_, err := res.ResolveInbound(context.Background(), "nobody-knows")
	if !errors.Is(err, ErrUnknownCommunity) {
		t.Fatalf("expected ErrUnknownCommunity, got %v", err)
	}
}
