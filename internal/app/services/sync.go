package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/openumbra/umbra-bridge/internal/app/repositories"
	"github.com/openumbra/umbra-bridge/internal/domain/community"
	"github.com/openumbra/umbra-bridge/pkg/eventlog"
	"github.com/openumbra/umbra-bridge/pkg/logger"
)

// RelaySender is the slice of the relay client the sync service needs.
// SendToDID reports whether the frame was handed to a registered connection;
// false means the relay will have queued nothing and the event is simply not
// delivered to that recipient right now.
type RelaySender interface {
	SendToDID(toDID, payload string) bool
	DID() string
}

// SyncService fans community events out to members and folds incoming
// envelopes into the local store. It is transport-dumb: events go to every
// member DID individually and the relay decides per recipient whether that
// is a local socket, a federated peer or the offline queue.
type SyncService struct {
	repo     repositories.CommunityRepository
	resolver *Resolver
	sender   RelaySender
	audit    *eventlog.Writer
	log      logger.Logger

	// onApplied, when set, is called after an envelope mutates local state.
	// The bridge controller uses it to mirror events into Discord.
	onApplied func(env *community.Envelope, local *community.Community)
}

func NewSyncService(repo repositories.CommunityRepository, resolver *Resolver, sender RelaySender, audit *eventlog.Writer, log logger.Logger) *SyncService {
	if log == nil {
		log = logger.Noop()
	}
	return &SyncService{
		repo:     repo,
		resolver: resolver,
		sender:   sender,
		audit:    audit,
		log:      log,
	}
}

// SetAppliedHook installs the post-apply callback. Call before the relay
// client starts delivering.
func (s *SyncService) SetAppliedHook(fn func(env *community.Envelope, local *community.Community)) {
	s.onApplied = fn
}

// BroadcastEvent wraps an event in a canonical envelope and sends it to every
// member of the community except the author. The return value counts members
// the relay accepted a frame for; zero recipients with a non-empty member
// list is logged as a warning because it means the peer is offline.
func (s *SyncService) BroadcastEvent(ctx context.Context, communityLocalID string, event community.Event) (int, error) {
	local, err := s.repo.GetCommunity(ctx, communityLocalID)
	if err != nil {
		return 0, err
	}
	members, err := s.repo.ListMembers(ctx, communityLocalID)
	if err != nil {
		return 0, err
	}
	selfDID := s.sender.DID()
	env := community.NewEnvelope(local.CanonicalID(), selfDID, time.Now().UnixMilli(), event)
	payload, err := env.Encode()
	if err != nil {
		return 0, err
	}

	sent := 0
	targets := 0
	for _, m := range members {
		if m.DID == "" || m.DID == selfDID {
			continue
		}
		targets++
		if s.sender.SendToDID(m.DID, payload) {
			sent++
		}
	}
	if targets > 0 && sent == 0 {
		s.log.Warnf("broadcast of %s for community %s reached no recipients (%d members, relay offline?)",
			env.Payload.Event.Type, env.Payload.CommunityID, targets)
	} else {
		s.log.Debugf("broadcast %s for community %s to %d/%d members",
			env.Payload.Event.Type, env.Payload.CommunityID, sent, targets)
	}
	return sent, nil
}

// HandleEnvelope is wired as the relay client's message handler. Payloads
// that are not community event envelopes are ignored; a malformed payload is
// logged and dropped, never an error back to the connection. Applying is
// idempotent so offline-queue replays after reconnect are safe.
func (s *SyncService) HandleEnvelope(fromDID, payload string, timestamp int64) {
	env, err := community.ParseEnvelope(payload)
	if err != nil {
		if errors.Is(err, community.ErrNotEnvelope) {
			return
		}
		s.log.Debugf("dropping malformed payload from %s: %v", fromDID, err)
		return
	}
	if env.Payload.SenderDID == s.sender.DID() {
		// Own event reflected back through the offline queue.
		return
	}
	if s.audit != nil {
		s.audit.Append(eventlog.Entry{
			Kind:      env.Payload.Event.Type,
			FromDID:   fromDID,
			Community: env.Payload.CommunityID,
			Timestamp: timestamp,
			Payload:   payload,
		})
	}

	ctx := context.Background()
	local, err := s.resolver.ResolveInbound(ctx, env.Payload.CommunityID)
	if err != nil {
		if errors.Is(err, ErrUnknownCommunity) {
			s.log.Debugf("event for unknown community %s from %s, dropped", env.Payload.CommunityID, fromDID)
			return
		}
		s.log.Warnf("resolve community %s: %v", env.Payload.CommunityID, err)
		return
	}
	if err := s.apply(ctx, env, local); err != nil {
		s.log.Warnf("apply %s for community %s: %v", env.Payload.Event.Type, env.Payload.CommunityID, err)
		return
	}
	if s.onApplied != nil {
		s.onApplied(env, local)
	}
}

// apply folds one event into the local store.
func (s *SyncService) apply(ctx context.Context, env *community.Envelope, local *community.Community) error {
	ev := env.Payload.Event
	switch {
	case ev.MessageSent != nil:
		return s.applyMessage(ctx, env, local, ev.MessageSent)
	case ev.MemberJoined != nil:
		return s.repo.UpsertMember(ctx, local.LocalID, community.Member{
			DID:       ev.MemberJoined.MemberDID,
			Nickname:  ev.MemberJoined.Nickname,
			AvatarURL: ev.MemberJoined.AvatarURL,
			JoinedAt:  time.UnixMilli(env.Payload.Timestamp).UTC(),
		})
	case ev.MemberLeft != nil:
		return s.repo.RemoveMember(ctx, local.LocalID, ev.MemberLeft.MemberDID)
	case ev.ChannelCreated != nil:
		return s.applyChannelCreated(ctx, local, ev.ChannelCreated)
	default:
		s.log.Debugf("ignoring unknown event type %q for community %s", ev.Type, env.Payload.CommunityID)
		return nil
	}
}

func (s *SyncService) applyMessage(ctx context.Context, env *community.Envelope, local *community.Community, ev *community.MessageSentEvent) error {
	ch, err := s.resolver.ResolveChannel(ctx, local.LocalID, ev.ChannelID, ev.ChannelName)
	if err != nil {
		return err
	}
	msg := &community.Message{
		ID:               ev.MessageID,
		CommunityLocalID: local.LocalID,
		ChannelID:        ch.ID,
		SenderDID:        ev.SenderDID,
		Content:          ev.Content,
		SenderName:       ev.SenderDisplayName,
		SenderAvatarURL:  ev.SenderAvatarURL,
		SentAt:           time.UnixMilli(env.Payload.Timestamp).UTC(),
	}
	inserted, err := s.repo.InsertMessage(ctx, msg)
	if err != nil {
		return err
	}
	if !inserted {
		s.log.Debugf("duplicate message %s dropped", ev.MessageID)
	}
	return nil
}

func (s *SyncService) applyChannelCreated(ctx context.Context, local *community.Community, ev *community.ChannelCreatedEvent) error {
	existing, err := s.repo.ListChannels(ctx, local.LocalID)
	if err != nil {
		return err
	}
	for _, ch := range existing {
		if ch.Name == ev.ChannelName {
			return nil
		}
	}
	kind := ev.ChannelKind
	if kind == "" {
		kind = "text"
	}
	return s.repo.CreateChannel(ctx, &community.Channel{
		ID:               uuid.NewString(),
		CommunityLocalID: local.LocalID,
		Name:             ev.ChannelName,
		Kind:             kind,
		CreatedAt:        time.Now().UTC(),
	})
}
