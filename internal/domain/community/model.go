package community

import "time"

// Community is one peer's local copy of a logical community.
//
// LocalID is generated independently by every peer that creates or imports
// the community. OriginCommunityID is set only on imported copies and always
// equals the LocalID the creator's peer uses; the creator's own record keeps
// it empty and is itself canonical. At most one record per distinct origin ID
// exists on any peer.
type Community struct {
	LocalID           string    `json:"localId"`
	OriginCommunityID string    `json:"originCommunityId,omitempty"`
	OwnerDID          string    `json:"ownerDid"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Canonical reports whether this record is the canonical copy (created here,
// not imported).
func (c *Community) Canonical() bool {
	return c.OriginCommunityID == ""
}

// CanonicalID is the single identifier all peers converge on for this
// community: the origin ID for imported copies, the local ID for the
// creator's own record.
func (c *Community) CanonicalID() string {
	if c.OriginCommunityID != "" {
		return c.OriginCommunityID
	}
	return c.LocalID
}

// Channel is a community channel. IDs are locally generated on every peer,
// so cross-peer resolution falls back to the channel name.
type Channel struct {
	ID               string    `json:"id"`
	CommunityLocalID string    `json:"communityLocalId"`
	Name             string    `json:"name"`
	Kind             string    `json:"kind"` // "text", "welcome", "voice"
	CreatedAt        time.Time `json:"createdAt"`
}

// Member is a community member as reconstructed from the event stream.
type Member struct {
	DID       string    `json:"did"`
	Nickname  string    `json:"nickname,omitempty"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// Message is a stored channel message. ID is the sender-assigned UUID and the
// deduplication key for replayed deliveries.
type Message struct {
	ID               string    `json:"id"`
	CommunityLocalID string    `json:"communityLocalId"`
	ChannelID        string    `json:"channelId"`
	SenderDID        string    `json:"senderDid"`
	Content          string    `json:"content"`
	SenderName       string    `json:"senderName,omitempty"`
	SenderAvatarURL  string    `json:"senderAvatarUrl,omitempty"`
	SentAt           time.Time `json:"sentAt"`
}

// Invite carries everything a joining peer needs to create its local copy:
// the canonical community ID is the creator's own local ID.
type Invite struct {
	Code        string   `json:"code"`
	CommunityID string   `json:"communityId"`
	OwnerDID    string   `json:"ownerDid"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	MemberDIDs  []string `json:"memberDids,omitempty"`
}
