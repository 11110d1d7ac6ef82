package channel

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/stellarlinkco/salesboard/internal/bus"
	"github.com/stellarlinkco/salesboard/internal/config"
)

const discordChannelName = "discord"

// maxMessageLen stays under Discord's 2000 character limit.
const maxMessageLen = 1900

// EmbedHint prefixes the plain-text form of a message whose embed was refused.
const EmbedHint = "⚠️ I couldn't post a rich message here. A server admin should grant me the **Embed Links** permission in this channel.\n\n"

// Session is the part of the Discord API the channel uses (allows mocking).
type Session interface {
	Open() error
	Close() error
	OnReady(fn func(r *discordgo.Ready))
	OnMessage(fn func(m *discordgo.MessageCreate))
	Send(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error)
	React(channelID, messageID, emoji string) error
	Permissions(userID, channelID string) (int64, error)
}

// sessionWrapper adapts *discordgo.Session to Session.
type sessionWrapper struct {
	s *discordgo.Session
}

func (w *sessionWrapper) Open() error  { return w.s.Open() }
func (w *sessionWrapper) Close() error { return w.s.Close() }

func (w *sessionWrapper) OnReady(fn func(r *discordgo.Ready)) {
	w.s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) { fn(r) })
}

func (w *sessionWrapper) OnMessage(fn func(m *discordgo.MessageCreate)) {
	w.s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) { fn(m) })
}

func (w *sessionWrapper) Send(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error) {
	return w.s.ChannelMessageSendComplex(channelID, data)
}

func (w *sessionWrapper) React(channelID, messageID, emoji string) error {
	return w.s.MessageReactionAdd(channelID, messageID, emoji)
}

func (w *sessionWrapper) Permissions(userID, channelID string) (int64, error) {
	return w.s.UserChannelPermissions(userID, channelID)
}

// SessionFactory creates Session instances (allows mocking).
type SessionFactory func(token string) (Session, error)

var defaultSessionFactory SessionFactory = func(token string) (Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	return &sessionWrapper{s: s}, nil
}

type DiscordChannel struct {
	BaseChannel
	token   string
	prefix  string
	factory SessionFactory
	session Session

	mu        sync.RWMutex
	connected bool
	botUser   string
	botID     string
}

func NewDiscordChannel(cfg config.DiscordConfig, b *bus.MessageBus) (*DiscordChannel, error) {
	return NewDiscordChannelWithFactory(cfg, b, defaultSessionFactory)
}

// NewDiscordChannelWithFactory creates a DiscordChannel with a custom session factory (for testing)
func NewDiscordChannelWithFactory(cfg config.DiscordConfig, b *bus.MessageBus, factory SessionFactory) (*DiscordChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	prefix := cfg.CommandPrefix
	if prefix == "" {
		prefix = config.DefaultCommandPrefix
	}
	var guilds []string
	if cfg.GuildID != "" {
		guilds = []string{cfg.GuildID}
	}
	return &DiscordChannel{
		BaseChannel: NewBaseChannel(discordChannelName, b, guilds),
		token:       cfg.Token,
		prefix:      prefix,
		factory:     factory,
	}, nil
}

func (d *DiscordChannel) Start(ctx context.Context) error {
	session, err := d.factory(d.token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	d.session = session

	session.OnReady(d.handleReady)
	session.OnMessage(d.handleMessage)
	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	log.Printf("[discord] gateway connected")
	return nil
}

func (d *DiscordChannel) handleReady(r *discordgo.Ready) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	if r.User != nil {
		d.botUser = r.User.Username
		d.botID = r.User.ID
	}
	log.Printf("[discord] logged in as %s", d.botUser)
}

// Connected reports whether the gateway session is ready.
func (d *DiscordChannel) Connected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

func (d *DiscordChannel) BotUser() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.botUser
}

func (d *DiscordChannel) handleMessage(m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if !d.IsAllowed(m.GuildID) {
		return
	}
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}

	msg := bus.InboundMessage{
		Channel:    discordChannelName,
		SenderID:   m.Author.ID,
		SenderName: displayName(m),
		ChatID:     m.ChannelID,
		MessageID:  m.ID,
		Content:    content,
		Timestamp:  m.Timestamp,
		Metadata: map[string]any{
			"guild_id": m.GuildID,
			"username": m.Author.Username,
		},
	}
	if strings.HasPrefix(content, d.prefix) && m.GuildID != "" {
		msg.IsAdmin = d.isAdmin(m.Author.ID, m.ChannelID)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	d.bus.Inbound <- msg
}

func (d *DiscordChannel) isAdmin(userID, channelID string) bool {
	perms, err := d.session.Permissions(userID, channelID)
	if err != nil {
		log.Printf("[discord] permission lookup for %s failed: %v", userID, err)
		return false
	}
	return perms&discordgo.PermissionAdministrator != 0
}

// displayName prefers the server nickname, then the global name.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func (d *DiscordChannel) Stop() error {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			return fmt.Errorf("close discord session: %w", err)
		}
	}
	log.Printf("[discord] stopped")
	return nil
}

// Send delivers text, an embed, files and reactions. A refused embed is
// retried as plain text with EmbedHint.
func (d *DiscordChannel) Send(msg bus.OutboundMessage) error {
	if d.session == nil {
		return fmt.Errorf("discord session not initialized")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("discord send: empty channel id")
	}

	var firstErr error
	if msg.Embed != nil || msg.Content != "" || len(msg.Files) > 0 {
		if err := d.sendBody(msg); err != nil {
			firstErr = err
		}
	}
	for _, emoji := range msg.Reactions {
		if msg.ReplyTo == "" {
			break
		}
		if err := d.session.React(msg.ChatID, msg.ReplyTo, emoji); err != nil {
			log.Printf("[discord] react %s on %s failed: %v", emoji, msg.ReplyTo, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("add reaction: %w", err)
			}
		}
	}
	return firstErr
}

func (d *DiscordChannel) sendBody(msg bus.OutboundMessage) error {
	if msg.Embed == nil {
		return d.sendText(msg.ChatID, msg.Content, msg.Files)
	}

	data := &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{toDiscordEmbed(msg.Embed)},
		Files:  toDiscordFiles(msg.Files),
	}
	if _, err := d.session.Send(msg.ChatID, data); err != nil {
		log.Printf("[discord] embed send to %s failed, falling back to text: %v", msg.ChatID, err)
		text := msg.Content
		if text == "" {
			text = EmbedText(msg.Embed)
		}
		return d.sendText(msg.ChatID, EmbedHint+text, msg.Files)
	}
	return nil
}

// sendText splits content into chunks under the message limit. Files ride
// on the first chunk.
func (d *DiscordChannel) sendText(channelID, content string, files []bus.File) error {
	if content == "" && len(files) > 0 {
		_, err := d.session.Send(channelID, &discordgo.MessageSend{Files: toDiscordFiles(files)})
		if err != nil {
			return fmt.Errorf("send discord file: %w", err)
		}
		return nil
	}

	first := true
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageLen {
			idx := strings.LastIndex(chunk[:maxMessageLen], "\n")
			if idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:maxMessageLen]
			}
		}
		content = strings.TrimPrefix(content[len(chunk):], "\n")

		data := &discordgo.MessageSend{Content: chunk}
		if first {
			data.Files = toDiscordFiles(files)
			first = false
		}
		if _, err := d.session.Send(channelID, data); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

func toDiscordEmbed(e *bus.Embed) *discordgo.MessageEmbed {
	out := &discordgo.MessageEmbed{
		Title:       e.Title,
		Description: e.Description,
		Color:       e.Color,
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	if e.Footer != "" {
		out.Footer = &discordgo.MessageEmbedFooter{Text: e.Footer}
	}
	if !e.Timestamp.IsZero() {
		out.Timestamp = e.Timestamp.UTC().Format(time.RFC3339)
	}
	return out
}

func toDiscordFiles(files []bus.File) []*discordgo.File {
	if len(files) == 0 {
		return nil
	}
	out := make([]*discordgo.File, 0, len(files))
	for _, f := range files {
		out = append(out, &discordgo.File{Name: f.Name, ContentType: f.ContentType, Reader: bytes.NewReader(f.Data)})
	}
	return out
}

// EmbedText flattens an embed for plain-text delivery.
func EmbedText(e *bus.Embed) string {
	var sb strings.Builder
	if e.Title != "" {
		sb.WriteString("**" + e.Title + "**\n")
	}
	if e.Description != "" {
		sb.WriteString(e.Description + "\n")
	}
	for _, f := range e.Fields {
		sb.WriteString(f.Name + ": " + strings.ReplaceAll(f.Value, "\n", " | ") + "\n")
	}
	if e.Footer != "" {
		sb.WriteString(e.Footer + "\n")
	}
	return sb.String()
}
