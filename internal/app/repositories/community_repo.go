package repositories

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openumbra/umbra-bridge/internal/domain/community"
)

var (
	ErrCommunityNotFound = errors.New("community not found")
	ErrChannelNotFound   = errors.New("channel not found")
	// ErrDuplicateOrigin rejects a second community record for the same
	// origin ID. The SQL implementation enforces this with a partial unique
	// index.
	ErrDuplicateOrigin = errors.New("community with this origin already exists")
)

// CommunityRepository persists a peer's local copies of communities together
// with their channels, members and messages. Implementations must enforce at
// most one community record per distinct origin ID.
type CommunityRepository interface {
	CreateCommunity(ctx context.Context, c *community.Community) error
	GetCommunity(ctx context.Context, localID string) (*community.Community, error)
	// GetCommunityByOrigin finds the imported copy for a canonical ID.
	GetCommunityByOrigin(ctx context.Context, originID string) (*community.Community, error)
	ListCommunities(ctx context.Context) ([]*community.Community, error)

	CreateChannel(ctx context.Context, ch *community.Channel) error
	ListChannels(ctx context.Context, communityLocalID string) ([]*community.Channel, error)

	UpsertMember(ctx context.Context, communityLocalID string, m community.Member) error
	RemoveMember(ctx context.Context, communityLocalID, did string) error
	ListMembers(ctx context.Context, communityLocalID string) ([]community.Member, error)

	// InsertMessage stores a message; it returns false without error when a
	// message with the same ID already exists (offline-queue drain replays).
	InsertMessage(ctx context.Context, m *community.Message) (bool, error)
	ListMessages(ctx context.Context, communityLocalID, channelID string, limit int) ([]community.Message, error)
}

type memoryCommunityRepo struct {
	mu          sync.RWMutex
	communities map[string]*community.Community
	channels    map[string][]*community.Channel // communityLocalID -> channels
	members     map[string]map[string]community.Member
	messages    map[string]map[string]community.Message // communityLocalID -> message ID -> message
}

// NewInMemoryCommunityRepo returns an in-memory repository implementation.
func NewInMemoryCommunityRepo() CommunityRepository {
	return &memoryCommunityRepo{
		communities: make(map[string]*community.Community),
		channels:    make(map[string][]*community.Channel),
		members:     make(map[string]map[string]community.Member),
		messages:    make(map[string]map[string]community.Message),
	}
}

func (r *memoryCommunityRepo) CreateCommunity(ctx context.Context, c *community.Community) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if origin := strings.TrimSpace(c.OriginCommunityID); origin != "" {
		for _, existing := range r.communities {
			if existing.OriginCommunityID == origin {
				return ErrDuplicateOrigin
			}
		}
	}
	cp := *c
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.communities[cp.LocalID] = &cp
	return nil
}

func (r *memoryCommunityRepo) GetCommunity(ctx context.Context, localID string) (*community.Community, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.communities[localID]
	if !ok {
		return nil, ErrCommunityNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memoryCommunityRepo) GetCommunityByOrigin(ctx context.Context, originID string) (*community.Community, error) {
	_ = ctx
	origin := strings.TrimSpace(originID)
	if origin == "" {
		return nil, ErrCommunityNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.communities {
		if c.OriginCommunityID == origin {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrCommunityNotFound
}

func (r *memoryCommunityRepo) ListCommunities(ctx context.Context) ([]*community.Community, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*community.Community, 0, len(r.communities))
	for _, c := range r.communities {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out, nil
}

func (r *memoryCommunityRepo) CreateChannel(ctx context.Context, ch *community.Channel) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.communities[ch.CommunityLocalID]; !ok {
		return ErrCommunityNotFound
	}
	cp := *ch
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.channels[ch.CommunityLocalID] = append(r.channels[ch.CommunityLocalID], &cp)
	return nil
}

func (r *memoryCommunityRepo) ListChannels(ctx context.Context, communityLocalID string) ([]*community.Channel, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.channels[communityLocalID]
	out := make([]*community.Channel, 0, len(src))
	for _, ch := range src {
		cp := *ch
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memoryCommunityRepo) UpsertMember(ctx context.Context, communityLocalID string, m community.Member) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.communities[communityLocalID]; !ok {
		return ErrCommunityNotFound
	}
	bucket, ok := r.members[communityLocalID]
	if !ok {
		bucket = make(map[string]community.Member)
		r.members[communityLocalID] = bucket
	}
	if existing, ok := bucket[m.DID]; ok {
		// Keep the original join time; refresh display identity.
		m.JoinedAt = existing.JoinedAt
	} else if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now().UTC()
	}
	bucket[m.DID] = m
	return nil
}

func (r *memoryCommunityRepo) RemoveMember(ctx context.Context, communityLocalID, did string) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if bucket, ok := r.members[communityLocalID]; ok {
		delete(bucket, did)
	}
	return nil
}

func (r *memoryCommunityRepo) ListMembers(ctx context.Context, communityLocalID string) ([]community.Member, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket := r.members[communityLocalID]
	out := make([]community.Member, 0, len(bucket))
	for _, m := range bucket {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DID < out[j].DID })
	return out, nil
}

func (r *memoryCommunityRepo) InsertMessage(ctx context.Context, m *community.Message) (bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.communities[m.CommunityLocalID]; !ok {
		return false, ErrCommunityNotFound
	}
	bucket, ok := r.messages[m.CommunityLocalID]
	if !ok {
		bucket = make(map[string]community.Message)
		r.messages[m.CommunityLocalID] = bucket
	}
	if _, dup := bucket[m.ID]; dup {
		return false, nil
	}
	cp := *m
	if cp.SentAt.IsZero() {
		cp.SentAt = time.Now().UTC()
	}
	bucket[m.ID] = cp
	return true, nil
}

func (r *memoryCommunityRepo) ListMessages(ctx context.Context, communityLocalID, channelID string, limit int) ([]community.Message, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]community.Message, 0)
	for _, m := range r.messages[communityLocalID] {
		if channelID != "" && m.ChannelID != channelID {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
