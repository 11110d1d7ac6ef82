package channel

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/stellarlinkco/salesboard/internal/bus"
	"github.com/stellarlinkco/salesboard/internal/config"
)

func configWithToken(token string) config.DiscordConfig {
	return config.DiscordConfig{Token: token, CommandPrefix: "!"}
}

type reaction struct {
	channelID, messageID, emoji string
}

type fakeSession struct {
	mu        sync.Mutex
	opened    bool
	closed    bool
	openErr   error
	onReady   func(*discordgo.Ready)
	onMessage func(*discordgo.MessageCreate)
	sent      []*discordgo.MessageSend
	reactions []reaction
	perms     int64
	permErr   error
	permCalls int
	// embedErr fails only sends that carry an embed.
	embedErr error
	sendErr  error
}

func (f *fakeSession) Open() error {
	f.opened = true
	return f.openErr
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func (f *fakeSession) OnReady(fn func(*discordgo.Ready))          { f.onReady = fn }
func (f *fakeSession) OnMessage(fn func(*discordgo.MessageCreate)) { f.onMessage = fn }

func (f *fakeSession) Send(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(data.Embeds) > 0 && f.embedErr != nil {
		return nil, f.embedErr
	}
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, data)
	return &discordgo.Message{ID: "m", ChannelID: channelID}, nil
}

func (f *fakeSession) React(channelID, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, reaction{channelID, messageID, emoji})
	return nil
}

func (f *fakeSession) Permissions(userID, channelID string) (int64, error) {
	f.permCalls++
	return f.perms, f.permErr
}

func newTestDiscord(t *testing.T, cfg config.DiscordConfig) (*DiscordChannel, *fakeSession, *bus.MessageBus) {
	t.Helper()
	b := bus.NewMessageBus(10)
	fake := &fakeSession{}
	d, err := NewDiscordChannelWithFactory(cfg, b, func(token string) (Session, error) {
		if token != cfg.Token {
			t.Errorf("factory token = %q", token)
		}
		return fake, nil
	})
	if err != nil {
		t.Fatalf("NewDiscordChannel: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return d, fake, b
}

func create(content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "msg1",
		ChannelID: "sales",
		GuildID:   "guild1",
		Content:   content,
		Timestamp: time.Date(2026, 10, 14, 22, 0, 0, 0, time.UTC),
		Author:    &discordgo.User{ID: "u1", Username: "dana_w", GlobalName: "Dana W"},
	}}
}

func receive(t *testing.T, b *bus.MessageBus) (bus.InboundMessage, bool) {
	t.Helper()
	select {
	case msg := <-b.Inbound:
		return msg, true
	case <-time.After(50 * time.Millisecond):
		return bus.InboundMessage{}, false
	}
}

func TestNewDiscordChannel_NoToken(t *testing.T) {
	if _, err := NewDiscordChannel(config.DiscordConfig{}, bus.NewMessageBus(1)); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestDiscordChannel_StartAndReady(t *testing.T) {
	d, fake, _ := newTestDiscord(t, configWithToken("tok"))
	if !fake.opened {
		t.Error("session should be opened")
	}
	if d.Connected() {
		t.Error("should not be connected before ready")
	}
	fake.onReady(&discordgo.Ready{User: &discordgo.User{ID: "bot1", Username: "SalesBot"}})
	if !d.Connected() || d.BotUser() != "SalesBot" {
		t.Errorf("connected=%v user=%q", d.Connected(), d.BotUser())
	}
	if d.Name() != "discord" {
		t.Errorf("Name = %q", d.Name())
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !fake.closed || d.Connected() {
		t.Error("Stop should close the session")
	}
}

func TestDiscordChannel_Start_OpenError(t *testing.T) {
	b := bus.NewMessageBus(1)
	d, _ := NewDiscordChannelWithFactory(configWithToken("tok"), b, func(string) (Session, error) {
		return &fakeSession{openErr: errors.New("4004 authentication failed")}, nil
	})
	err := d.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "open discord session") {
		t.Errorf("err = %v", err)
	}
}

func TestDiscordChannel_HandleMessage(t *testing.T) {
	_, fake, b := newTestDiscord(t, configWithToken("tok"))

	fake.onMessage(create("  $500 IUL  "))
	msg, ok := receive(t, b)
	if !ok {
		t.Fatal("expected inbound message")
	}
	if msg.Content != "$500 IUL" || msg.ChatID != "sales" || msg.MessageID != "msg1" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.SenderName != "Dana W" {
		t.Errorf("SenderName = %q, want global name", msg.SenderName)
	}
	if msg.IsAdmin || fake.permCalls != 0 {
		t.Error("permissions should only be checked for commands")
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp should be carried")
	}
}

func TestDiscordChannel_HandleMessage_Ignored(t *testing.T) {
	_, fake, b := newTestDiscord(t, config.DiscordConfig{Token: "tok", GuildID: "guild1"})

	bot := create("$500")
	bot.Author.Bot = true
	empty := create("   ")
	other := create("$500")
	other.GuildID = "guild2"

	for _, m := range []*discordgo.MessageCreate{bot, empty, other, {Message: &discordgo.Message{}}} {
		fake.onMessage(m)
	}
	if msg, ok := receive(t, b); ok {
		t.Errorf("unexpected inbound message %+v", msg)
	}
}

func TestDiscordChannel_DisplayName(t *testing.T) {
	m := create("x")
	m.Member = &discordgo.Member{Nick: "Closer Dana"}
	if got := displayName(m); got != "Closer Dana" {
		t.Errorf("nick: %q", got)
	}
	m.Member = nil
	m.Author.GlobalName = ""
	if got := displayName(m); got != "dana_w" {
		t.Errorf("username: %q", got)
	}
}

func TestDiscordChannel_AdminCheck(t *testing.T) {
	_, fake, b := newTestDiscord(t, configWithToken("tok"))

	fake.perms = discordgo.PermissionAdministrator | discordgo.PermissionSendMessages
	fake.onMessage(create("!sync"))
	msg, _ := receive(t, b)
	if !msg.IsAdmin {
		t.Error("administrator should be flagged")
	}

	fake.perms = discordgo.PermissionSendMessages
	fake.onMessage(create("!sync"))
	msg, _ = receive(t, b)
	if msg.IsAdmin {
		t.Error("non-administrator flagged as admin")
	}

	fake.permErr = errors.New("unknown member")
	fake.perms = discordgo.PermissionAdministrator
	fake.onMessage(create("!sync"))
	msg, _ = receive(t, b)
	if msg.IsAdmin {
		t.Error("failed lookup must not grant admin")
	}
}

func TestDiscordChannel_Send_NilSession(t *testing.T) {
	d, err := NewDiscordChannel(configWithToken("tok"), bus.NewMessageBus(1))
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Send(bus.OutboundMessage{ChatID: "c1", Content: "hi"}); err == nil {
		t.Error("expected error before Start")
	}
}

func TestDiscordChannel_Send_EmbedAndReactions(t *testing.T) {
	d, fake, _ := newTestDiscord(t, configWithToken("tok"))

	err := d.Send(bus.OutboundMessage{
		ChatID:    "reports",
		Content:   "fallback",
		ReplyTo:   "msg1",
		Reactions: []string{"✅", "🔥"},
		Embed: &bus.Embed{
			Title:     "🏆 Daily AP Leaderboard",
			Color:     0xF1C40F,
			Fields:    []bus.EmbedField{{Name: "🥇 Dana", Value: "$1,200.00 AP"}},
			Footer:    "2 agents",
			Timestamp: time.Date(2026, 10, 14, 22, 0, 0, 0, time.UTC),
		},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(fake.sent) != 1 || len(fake.sent[0].Embeds) != 1 {
		t.Fatalf("sent = %+v", fake.sent)
	}
	e := fake.sent[0].Embeds[0]
	if e.Title != "🏆 Daily AP Leaderboard" || e.Fields[0].Name != "🥇 Dana" || e.Footer.Text != "2 agents" {
		t.Errorf("embed = %+v", e)
	}
	if e.Timestamp != "2026-10-14T22:00:00Z" {
		t.Errorf("timestamp = %q", e.Timestamp)
	}
	if len(fake.reactions) != 2 || fake.reactions[1] != (reaction{"reports", "msg1", "🔥"}) {
		t.Errorf("reactions = %+v", fake.reactions)
	}
}

func TestDiscordChannel_Send_ReactionsOnly(t *testing.T) {
	d, fake, _ := newTestDiscord(t, configWithToken("tok"))

	if err := d.Send(bus.OutboundMessage{ChatID: "sales", ReplyTo: "msg1", Reactions: []string{"✅"}}); err != nil {
		t.Fatal(err)
	}
	if len(fake.sent) != 0 {
		t.Error("no message body should be sent")
	}
	if len(fake.reactions) != 1 {
		t.Errorf("reactions = %+v", fake.reactions)
	}
}

func TestDiscordChannel_Send_EmbedFallback(t *testing.T) {
	d, fake, _ := newTestDiscord(t, configWithToken("tok"))
	fake.embedErr = errors.New("HTTP 403 Forbidden, Missing Permissions")

	err := d.Send(bus.OutboundMessage{
		ChatID: "reports",
		Embed:  &bus.Embed{Title: "Board", Fields: []bus.EmbedField{{Name: "🥇 Dana", Value: "$1.00 AP\n1 policy"}}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("sent %d messages", len(fake.sent))
	}
	text := fake.sent[0].Content
	if !strings.HasPrefix(text, EmbedHint) {
		t.Errorf("missing operator hint: %q", text)
	}
	if !strings.Contains(text, "🥇 Dana: $1.00 AP | 1 policy") {
		t.Errorf("embed text not flattened: %q", text)
	}
}

func TestDiscordChannel_Send_Chunked(t *testing.T) {
	d, fake, _ := newTestDiscord(t, configWithToken("tok"))

	line := strings.Repeat("x", 99) + "\n"
	content := strings.Repeat(line, 40) // 4000 chars
	if err := d.Send(bus.OutboundMessage{ChatID: "c1", Content: content}); err != nil {
		t.Fatal(err)
	}
	if len(fake.sent) != 3 {
		t.Fatalf("chunks = %d, want 3", len(fake.sent))
	}
	total := 0
	for _, m := range fake.sent {
		if len(m.Content) > maxMessageLen {
			t.Errorf("chunk length %d over limit", len(m.Content))
		}
		if strings.HasPrefix(m.Content, "\n") {
			t.Error("chunk should not start with a newline")
		}
		total += strings.Count(m.Content, "x")
	}
	if total != 40*99 {
		t.Errorf("lost content: %d", total)
	}
}

func TestDiscordChannel_Send_File(t *testing.T) {
	d, fake, _ := newTestDiscord(t, configWithToken("tok"))

	err := d.Send(bus.OutboundMessage{
		ChatID:  "backup",
		Content: "📦 Daily backup",
		Files:   []bus.File{{Name: "sales_data.json", ContentType: "application/json", Data: []byte(`{"version":2}`)}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(fake.sent) != 1 || len(fake.sent[0].Files) != 1 {
		t.Fatalf("sent = %+v", fake.sent)
	}
	f := fake.sent[0].Files[0]
	data, _ := io.ReadAll(f.Reader)
	if f.Name != "sales_data.json" || string(data) != `{"version":2}` {
		t.Errorf("file = %s %q", f.Name, data)
	}
}

func TestDiscordChannel_Send_Error(t *testing.T) {
	d, fake, _ := newTestDiscord(t, configWithToken("tok"))
	fake.sendErr = errors.New("HTTP 500")

	if err := d.Send(bus.OutboundMessage{ChatID: "c1", Content: "hi"}); err == nil {
		t.Error("expected send error")
	}
	if err := d.Send(bus.OutboundMessage{Content: "hi"}); err == nil {
		t.Error("expected error for empty channel id")
	}
}

func TestEmbedText(t *testing.T) {
	got := EmbedText(&bus.Embed{Title: "T", Description: "D", Fields: []bus.EmbedField{{Name: "a", Value: "b"}}, Footer: "F"})
	want := "**T**\nD\na: b\nF\n"
	if got != want {
		t.Errorf("EmbedText = %q, want %q", got, want)
	}
}
