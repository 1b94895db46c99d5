package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openumbra/umbra-bridge/internal/app/repositories"
	"github.com/openumbra/umbra-bridge/internal/domain/community"
	"github.com/openumbra/umbra-bridge/pkg/logger"
)

var (
	// ErrAmbiguousChannel is returned when an incoming event can only be
	// matched by channel name and more than one local channel has that name.
	ErrAmbiguousChannel = errors.New("channel name matches more than one local channel")

	ErrUnknownCommunity = errors.New("no local copy of community")
)

// Resolver owns canonical-ID resolution: every peer stores communities under
// its own local ID, while everything that crosses the wire uses the single
// canonical ID all peers agree on (the creator's local ID). The resolver
// translates in both directions and imports new copies from invites.
type Resolver struct {
	repo repositories.CommunityRepository
	log  logger.Logger
}

func NewResolver(repo repositories.CommunityRepository, log logger.Logger) *Resolver {
	if log == nil {
		log = logger.Noop()
	}
	return &Resolver{repo: repo, log: log}
}

// CanonicalCommunityID resolves a local community ID to the identifier used
// on the wire. The creator's record is its own canonical ID; imported copies
// use their origin ID.
func (r *Resolver) CanonicalCommunityID(ctx context.Context, localID string) (string, error) {
	c, err := r.repo.GetCommunity(ctx, localID)
	if err != nil {
		return "", err
	}
	return c.CanonicalID(), nil
}

// ResolveInbound maps the canonical ID carried by an incoming envelope to
// this peer's local community record. The creator's own copy matches by
// local ID; imported copies match by origin ID.
func (r *Resolver) ResolveInbound(ctx context.Context, canonicalID string) (*community.Community, error) {
	if c, err := r.repo.GetCommunityByOrigin(ctx, canonicalID); err == nil {
		return c, nil
	} else if !errors.Is(err, repositories.ErrCommunityNotFound) {
		return nil, err
	}
	c, err := r.repo.GetCommunity(ctx, canonicalID)
	if err != nil {
		if errors.Is(err, repositories.ErrCommunityNotFound) {
			return nil, ErrUnknownCommunity
		}
		return nil, err
	}
	if !c.Canonical() {
		// A local ID collided with some other peer's canonical ID. Local IDs
		// are UUIDs so this does not happen in practice; refuse rather than
		// misattribute the event.
		return nil, ErrUnknownCommunity
	}
	return c, nil
}

// ResolveChannel maps an event's channel reference to a local channel.
// Channel IDs are peer-local, so the ID in the event only matches on the
// peer that created the channel; everywhere else the name is the key. A name
// shared by several local channels is refused with ErrAmbiguousChannel
// rather than guessed at.
func (r *Resolver) ResolveChannel(ctx context.Context, communityLocalID, channelID, channelName string) (*community.Channel, error) {
	channels, err := r.repo.ListChannels(ctx, communityLocalID)
	if err != nil {
		return nil, err
	}
	if channelID != "" {
		for _, ch := range channels {
			if ch.ID == channelID {
				return ch, nil
			}
		}
	}
	if channelName == "" {
		return nil, repositories.ErrChannelNotFound
	}
	var match *community.Channel
	for _, ch := range channels {
		if ch.Name != channelName {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("%w: %q", ErrAmbiguousChannel, channelName)
		}
		match = ch
	}
	if match == nil {
		return nil, repositories.ErrChannelNotFound
	}
	return match, nil
}

// ImportFromInvite creates a local copy of a community described by an
// invite. Importing the same community twice returns the existing copy, so
// re-running a join is harmless. The copy gets its own local ID and records
// the invite's community ID as its origin.
func (r *Resolver) ImportFromInvite(ctx context.Context, inv *community.Invite, selfDID string) (*community.Community, error) {
	origin := strings.TrimSpace(inv.CommunityID)
	if origin == "" {
		return nil, errors.New("invite has no community ID")
	}
	if existing, err := r.repo.GetCommunityByOrigin(ctx, origin); err == nil {
		r.log.Infof("community %s already imported as %s", origin, existing.LocalID)
		return existing, nil
	} else if !errors.Is(err, repositories.ErrCommunityNotFound) {
		return nil, err
	}
	// The inviter may be the creator handing out its own local ID.
	if existing, err := r.repo.GetCommunity(ctx, origin); err == nil && existing.Canonical() {
		return existing, nil
	}

	now := time.Now().UTC()
	c := &community.Community{
		LocalID:           uuid.NewString(),
		OriginCommunityID: origin,
		OwnerDID:          inv.OwnerDID,
		Name:              inv.Name,
		Description:       inv.Description,
		CreatedAt:         now,
	}
	if err := r.repo.CreateCommunity(ctx, c); err != nil {
		return nil, fmt.Errorf("create imported community: %w", err)
	}
	for _, ch := range defaultChannels(c.LocalID, now) {
		if err := r.repo.CreateChannel(ctx, ch); err != nil {
			return nil, fmt.Errorf("create default channel %s: %w", ch.Name, err)
		}
	}
	if inv.OwnerDID != "" {
		if err := r.repo.UpsertMember(ctx, c.LocalID, community.Member{DID: inv.OwnerDID, JoinedAt: now}); err != nil {
			return nil, err
		}
	}
	for _, did := range inv.MemberDIDs {
		if did == "" || did == inv.OwnerDID {
			continue
		}
		if err := r.repo.UpsertMember(ctx, c.LocalID, community.Member{DID: did, JoinedAt: now}); err != nil {
			return nil, err
		}
	}
	if selfDID != "" {
		if err := r.repo.UpsertMember(ctx, c.LocalID, community.Member{DID: selfDID, JoinedAt: now}); err != nil {
			return nil, err
		}
	}
	r.log.Infof("imported community %q origin=%s local=%s", c.Name, origin, c.LocalID)
	return c, nil
}

// CreateCommunity creates a brand-new community owned by selfDID. The new
// record is canonical: its local ID is the ID every other peer will store as
// origin.
func (r *Resolver) CreateCommunity(ctx context.Context, selfDID, name, description string) (*community.Community, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("community name is required")
	}
	now := time.Now().UTC()
	c := &community.Community{
		LocalID:     uuid.NewString(),
		OwnerDID:    selfDID,
		Name:        name,
		Description: description,
		CreatedAt:   now,
	}
	if err := r.repo.CreateCommunity(ctx, c); err != nil {
		return nil, err
	}
	for _, ch := range defaultChannels(c.LocalID, now) {
		if err := r.repo.CreateChannel(ctx, ch); err != nil {
			return nil, err
		}
	}
	if selfDID != "" {
		if err := r.repo.UpsertMember(ctx, c.LocalID, community.Member{DID: selfDID, JoinedAt: now}); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// defaultChannels are created with every new community copy.
func defaultChannels(communityLocalID string, now time.Time) []*community.Channel {
	return []*community.Channel{
		{ID: uuid.NewString(), CommunityLocalID: communityLocalID, Name: "general", Kind: "text", CreatedAt: now},
		{ID: uuid.NewString(), CommunityLocalID: communityLocalID, Name: "welcome", Kind: "welcome", CreatedAt: now},
	}
}
