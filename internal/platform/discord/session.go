package discord

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/openumbra/umbra-bridge/pkg/logger"
)

const webhookName = "umbra-bridge"

// IncomingMessage is a Discord message after the session-level filters:
// never from a bot and never from a webhook, so the bridge's own mirrored
// output can't come back through here.
type IncomingMessage struct {
	GuildID   string
	ChannelID string
	MessageID string
	UserID    string
	Username  string
	AvatarURL string
	Content   string
}

// Session wraps one bot gateway connection shared by every bridge config.
type Session struct {
	dg  *discordgo.Session
	log logger.Logger

	mu       sync.Mutex
	webhooks map[string]*discordgo.Webhook // channelID -> cached webhook

	onMessage func(IncomingMessage)
}

// NewSession builds a session for the given bot token. Open must be called
// before any traffic flows.
func NewSession(token string, log logger.Logger) (*Session, error) {
	if log == nil {
		log = logger.Noop()
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent

	s := &Session{
		dg:       dg,
		log:      log,
		webhooks: make(map[string]*discordgo.Webhook),
	}
	dg.AddHandler(s.handleMessageCreate)
	return s, nil
}

// OnMessage installs the single message callback. Set it before Open.
func (s *Session) OnMessage(fn func(IncomingMessage)) {
	s.onMessage = fn
}

func (s *Session) Open() error {
	if err := s.dg.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	s.log.Infof("discord gateway connected as %s", s.dg.State.User.Username)
	return nil
}

func (s *Session) Close() error {
	return s.dg.Close()
}

// BotUserID is the bot's own Discord user ID, valid after Open.
func (s *Session) BotUserID() string {
	if s.dg.State != nil && s.dg.State.User != nil {
		return s.dg.State.User.ID
	}
	return ""
}

func (s *Session) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if s.onMessage == nil || m.Author == nil {
		return
	}
	// Webhook messages include the bridge's own SendAsUser output; bot
	// messages include the bridge bot itself. Both stay on the Discord side.
	if m.Author.Bot || m.WebhookID != "" {
		return
	}
	s.onMessage(IncomingMessage{
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		UserID:    m.Author.ID,
		Username:  m.Author.Username,
		AvatarURL: m.Author.AvatarURL(""),
		Content:   m.Content,
	})
}

// SendAsUser posts content into a channel under the given display identity
// using a channel webhook. The webhook is created once and cached; on any
// execute failure the cache entry is dropped and the send retried once with
// a fresh webhook (channel webhooks get deleted by guild admins).
func (s *Session) SendAsUser(channelID, displayName, avatarURL, content string) error {
	hook, err := s.channelWebhook(channelID)
	if err != nil {
		return err
	}
	if err := s.execute(hook, displayName, avatarURL, content); err == nil {
		return nil
	} else {
		s.log.Warnf("webhook execute failed on channel %s, recreating: %v", channelID, err)
	}

	s.invalidateWebhook(channelID)
	hook, err = s.channelWebhook(channelID)
	if err != nil {
		return err
	}
	return s.execute(hook, displayName, avatarURL, content)
}

func (s *Session) execute(hook *discordgo.Webhook, displayName, avatarURL, content string) error {
	_, err := s.dg.WebhookExecute(hook.ID, hook.Token, true, &discordgo.WebhookParams{
		Content:   content,
		Username:  displayName,
		AvatarURL: avatarURL,
	})
	return err
}

func (s *Session) channelWebhook(channelID string) (*discordgo.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hook, ok := s.webhooks[channelID]; ok {
		return hook, nil
	}
	hooks, err := s.dg.ChannelWebhooks(channelID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks for channel %s: %w", channelID, err)
	}
	for _, hook := range hooks {
		if hook.Name == webhookName && hook.Token != "" {
			s.webhooks[channelID] = hook
			return hook, nil
		}
	}
	hook, err := s.dg.WebhookCreate(channelID, webhookName, "")
	if err != nil {
		return nil, fmt.Errorf("create webhook for channel %s: %w", channelID, err)
	}
	s.webhooks[channelID] = hook
	return hook, nil
}

func (s *Session) invalidateWebhook(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.webhooks, channelID)
}
