package bridge

// Channel maps one Discord channel onto one logical Umbra channel. The
// umbraChannelId here is canonical (the community owner's channel ID).
type Channel struct {
	DiscordChannelID string `json:"discordChannelId"`
	UmbraChannelID   string `json:"umbraChannelId"`
	Name             string `json:"name"`
}

// Seat maps a Discord user onto an Umbra identity. A seat whose SeatDID is
// empty is a ghost seat: the Discord user has not linked a DID yet, and
// messages from them are attributed to the bridge bot's DID with the Discord
// display identity attached.
type Seat struct {
	DiscordUserID   string `json:"discordUserId"`
	DiscordUsername string `json:"discordUsername"`
	AvatarURL       string `json:"avatarUrl,omitempty"`
	SeatDID         string `json:"seatDid,omitempty"`
}

// Config is the full bridge configuration for one community/guild pair. The
// relay stores it; the bridge bot polls it.
type Config struct {
	CommunityID string    `json:"communityId"`
	GuildID     string    `json:"guildId"`
	Enabled     bool      `json:"enabled"`
	BridgeDID   string    `json:"bridgeDid,omitempty"`
	Channels    []Channel `json:"channels"`
	Seats       []Seat    `json:"seats"`
	MemberDIDs  []string  `json:"memberDids"`
	CreatedAt   int64     `json:"createdAt"`
	UpdatedAt   int64     `json:"updatedAt"`
}

// HasMember reports whether did is in the fan-out list.
func (c *Config) HasMember(did string) bool {
	for _, d := range c.MemberDIDs {
		if d == did {
			return true
		}
	}
	return false
}

// ConfigSummary is the list-endpoint shape (large arrays omitted).
type ConfigSummary struct {
	CommunityID  string `json:"communityId"`
	GuildID      string `json:"guildId"`
	Enabled      bool   `json:"enabled"`
	ChannelCount int    `json:"channelCount"`
	SeatCount    int    `json:"seatCount"`
	MemberCount  int    `json:"memberCount"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// Summarize builds the list-endpoint view of a config.
func Summarize(c *Config) ConfigSummary {
	return ConfigSummary{
		CommunityID:  c.CommunityID,
		GuildID:      c.GuildID,
		Enabled:      c.Enabled,
		ChannelCount: len(c.Channels),
		SeatCount:    len(c.Seats),
		MemberCount:  len(c.MemberDIDs),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}
