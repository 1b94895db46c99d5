package repositories

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/openumbra/umbra-bridge/internal/domain/community"
)

type sqlCommunityRepo struct {
	db *sql.DB
}

// NewSQLCommunityRepo builds a repository backed by database/sql. It works
// against both modernc.org/sqlite and lib/pq: placeholders use $N (accepted
// by both drivers) and times are stored as unix milliseconds.
func NewSQLCommunityRepo(db *sql.DB) (CommunityRepository, error) {
	repo := &sqlCommunityRepo{db: db}
	if err := repo.ensureSchema(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *sqlCommunityRepo) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS communities (
			local_id TEXT PRIMARY KEY,
			origin_community_id TEXT,
			owner_did TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_communities_origin
			ON communities (origin_community_id) WHERE origin_community_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS community_channels (
			id TEXT PRIMARY KEY,
			community_local_id TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'text',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_community
			ON community_channels (community_local_id)`,
		`CREATE TABLE IF NOT EXISTS community_members (
			community_local_id TEXT NOT NULL,
			did TEXT NOT NULL,
			nickname TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			joined_at BIGINT NOT NULL,
			PRIMARY KEY (community_local_id, did)
		)`,
		`CREATE TABLE IF NOT EXISTS community_messages (
			id TEXT PRIMARY KEY,
			community_local_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			sender_did TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			sender_avatar_url TEXT NOT NULL DEFAULT '',
			sent_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel
			ON community_messages (community_local_id, channel_id, sent_at)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (r *sqlCommunityRepo) CreateCommunity(ctx context.Context, c *community.Community) error {
	origin := sql.NullString{String: c.OriginCommunityID, Valid: c.OriginCommunityID != ""}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO communities (local_id, origin_community_id, owner_did, name, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.LocalID, origin, c.OwnerDID, c.Name, c.Description, millis(c.CreatedAt))
	return err
}

func (r *sqlCommunityRepo) scanCommunity(row *sql.Row) (*community.Community, error) {
	var c community.Community
	var origin sql.NullString
	var createdAt int64
	err := row.Scan(&c.LocalID, &origin, &c.OwnerDID, &c.Name, &c.Description, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrCommunityNotFound
	}
	if err != nil {
		return nil, err
	}
	c.OriginCommunityID = origin.String
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

func (r *sqlCommunityRepo) GetCommunity(ctx context.Context, localID string) (*community.Community, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT local_id, origin_community_id, owner_did, name, description, created_at
		 FROM communities WHERE local_id = $1`, localID)
	return r.scanCommunity(row)
}

func (r *sqlCommunityRepo) GetCommunityByOrigin(ctx context.Context, originID string) (*community.Community, error) {
	if originID == "" {
		return nil, ErrCommunityNotFound
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT local_id, origin_community_id, owner_did, name, description, created_at
		 FROM communities WHERE origin_community_id = $1`, originID)
	return r.scanCommunity(row)
}

func (r *sqlCommunityRepo) ListCommunities(ctx context.Context) ([]*community.Community, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT local_id, origin_community_id, owner_did, name, description, created_at
		 FROM communities ORDER BY local_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*community.Community
	for rows.Next() {
		var c community.Community
		var origin sql.NullString
		var createdAt int64
		if err := rows.Scan(&c.LocalID, &origin, &c.OwnerDID, &c.Name, &c.Description, &createdAt); err != nil {
			return nil, err
		}
		c.OriginCommunityID = origin.String
		c.CreatedAt = fromMillis(createdAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (r *sqlCommunityRepo) CreateChannel(ctx context.Context, ch *community.Channel) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO community_channels (id, community_local_id, name, kind, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ch.ID, ch.CommunityLocalID, ch.Name, ch.Kind, millis(ch.CreatedAt))
	return err
}

func (r *sqlCommunityRepo) ListChannels(ctx context.Context, communityLocalID string) ([]*community.Channel, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, community_local_id, name, kind, created_at
		 FROM community_channels WHERE community_local_id = $1 ORDER BY created_at`, communityLocalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*community.Channel
	for rows.Next() {
		var ch community.Channel
		var createdAt int64
		if err := rows.Scan(&ch.ID, &ch.CommunityLocalID, &ch.Name, &ch.Kind, &createdAt); err != nil {
			return nil, err
		}
		ch.CreatedAt = fromMillis(createdAt)
		out = append(out, &ch)
	}
	return out, rows.Err()
}

func (r *sqlCommunityRepo) UpsertMember(ctx context.Context, communityLocalID string, m community.Member) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO community_members (community_local_id, did, nickname, avatar_url, joined_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (community_local_id, did)
		 DO UPDATE SET nickname = EXCLUDED.nickname, avatar_url = EXCLUDED.avatar_url`,
		communityLocalID, m.DID, m.Nickname, m.AvatarURL, millis(m.JoinedAt))
	return err
}

func (r *sqlCommunityRepo) RemoveMember(ctx context.Context, communityLocalID, did string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM community_members WHERE community_local_id = $1 AND did = $2`,
		communityLocalID, did)
	return err
}

func (r *sqlCommunityRepo) ListMembers(ctx context.Context, communityLocalID string) ([]community.Member, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT did, nickname, avatar_url, joined_at
		 FROM community_members WHERE community_local_id = $1 ORDER BY did`, communityLocalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []community.Member
	for rows.Next() {
		var m community.Member
		var joinedAt int64
		if err := rows.Scan(&m.DID, &m.Nickname, &m.AvatarURL, &joinedAt); err != nil {
			return nil, err
		}
		m.JoinedAt = fromMillis(joinedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *sqlCommunityRepo) InsertMessage(ctx context.Context, m *community.Message) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO community_messages
			(id, community_local_id, channel_id, sender_did, content, sender_name, sender_avatar_url, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.CommunityLocalID, m.ChannelID, m.SenderDID, m.Content, m.SenderName, m.SenderAvatarURL, millis(m.SentAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *sqlCommunityRepo) ListMessages(ctx context.Context, communityLocalID, channelID string, limit int) ([]community.Message, error) {
	query := `SELECT id, community_local_id, channel_id, sender_did, content, sender_name, sender_avatar_url, sent_at
		 FROM community_messages WHERE community_local_id = $1`
	args := []any{communityLocalID}
	if channelID != "" {
		query += ` AND channel_id = $2`
		args = append(args, channelID)
	}
	query += ` ORDER BY sent_at DESC`
	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []community.Message
	for rows.Next() {
		var m community.Message
		var sentAt int64
		if err := rows.Scan(&m.ID, &m.CommunityLocalID, &m.ChannelID, &m.SenderDID,
			&m.Content, &m.SenderName, &m.SenderAvatarURL, &sentAt); err != nil {
			return nil, err
		}
		m.SentAt = fromMillis(sentAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Oldest first, matching the in-memory implementation.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
