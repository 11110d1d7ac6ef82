package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/salesboard/internal/bus"
	"github.com/stellarlinkco/salesboard/internal/channel"
	"github.com/stellarlinkco/salesboard/internal/command"
	"github.com/stellarlinkco/salesboard/internal/config"
	"github.com/stellarlinkco/salesboard/internal/cron"
	"github.com/stellarlinkco/salesboard/internal/httpapi"
	"github.com/stellarlinkco/salesboard/internal/leaderboard"
	"github.com/stellarlinkco/salesboard/internal/ledger"
	"github.com/stellarlinkco/salesboard/internal/mirror"
	"github.com/stellarlinkco/salesboard/internal/period"
	"github.com/stellarlinkco/salesboard/internal/sales"
	"github.com/stellarlinkco/salesboard/internal/storage"
	"github.com/stellarlinkco/salesboard/internal/telemetry"
)

const discordChannel = "discord"

// restoreTimeout bounds the startup restore from the mirror.
const restoreTimeout = 2 * time.Minute

// Options for creating a Gateway
type Options struct {
	// Channels replaces the Discord channel built from config (for testing).
	Channels []channel.Channel
	// GitRunner replaces the git binary used by the mirror (for testing).
	GitRunner  mirror.Runner
	Clock      func() time.Time
	SignalChan chan os.Signal // for testing signal handling
	// DisableHTTP skips the health server.
	DisableHTTP bool
}

// presence is implemented by channels that report a gateway connection.
type presence interface {
	Connected() bool
	BotUser() string
}

type Gateway struct {
	cfg        *config.Config
	loc        *time.Location
	now        func() time.Time
	bus        *bus.MessageBus
	store      *storage.FileStore
	ledger     *ledger.Aggregator
	dispatcher *command.Dispatcher
	channels   *channel.ChannelManager
	cron       *cron.Service
	mirror     *mirror.Mirror
	http       *httpapi.Server
	metrics    *telemetry.Metrics
	startedAt  time.Time
	signalChan chan os.Signal // for testing

	shutdownOnce sync.Once
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	loc, err := period.LoadZone(cfg.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	g := &Gateway{
		cfg:        cfg,
		loc:        loc,
		now:        opts.Clock,
		signalChan: opts.SignalChan,
	}
	if g.now == nil {
		g.now = time.Now
	}
	g.startedAt = g.now()

	// Message bus
	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	if metrics, err := telemetry.NewMetrics(); err != nil {
		log.Printf("[gateway] metrics disabled: %v", err)
	} else {
		g.metrics = metrics
	}

	// Mirror, restored before the ledger reads the data file
	if cfg.Mirror.Enabled() {
		g.mirror = mirror.New(MirrorOptions(cfg), opts.GitRunner)
		g.restore()
	}

	// Ledger
	g.store = storage.NewFileStore(cfg.DataPath())
	g.ledger = ledger.New(g.loadState(), g.store,
		ledger.WithLocation(loc),
		ledger.WithClock(g.now),
		ledger.WithMaxRecentEntries(cfg.Data.MaxRecentEntries),
		ledger.WithResetHook(func(p ledger.Period, _ *ledger.Snapshot) {
			g.metrics.Reset(context.Background(), string(p))
		}),
	)

	// Cron
	g.cron = cron.NewService(filepath.Join(cfg.Data.Dir, "jobs.json"), loc,
		cron.WithQuietUntil(cfg.Schedule.QuietUntilHour),
		cron.WithClock(g.now))
	if err := g.cron.Override(cfg.Schedule.Jobs); err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	off := map[string]string{}
	if g.mirror == nil {
		off[cron.JobMirrorSync] = "off"
	}
	if cfg.Discord.BackupChannelID == "" {
		off[cron.JobBackup] = "off"
	}
	if err := g.cron.Override(off); err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	g.cron.OnJob = g.runJob

	// Commands
	cmdOpts := []command.Option{
		command.WithPrefix(cfg.Discord.CommandPrefix),
		command.WithQuietUntil(cfg.Schedule.QuietUntilHour),
		command.WithClock(g.now),
		command.WithSchedule(g.cron),
	}
	if g.mirror != nil {
		cmdOpts = append(cmdOpts, command.WithSyncer(g))
	}
	g.dispatcher = command.NewDispatcher(g.ledger, cmdOpts...)

	// Channels
	if opts.Channels != nil {
		g.channels = channel.NewChannelManagerWith(g.bus, opts.Channels...)
	} else {
		chMgr, err := channel.NewChannelManager(cfg.Discord, g.bus)
		if err != nil {
			return nil, fmt.Errorf("create channel manager: %w", err)
		}
		g.channels = chMgr
	}

	if !opts.DisableHTTP {
		g.http = httpapi.NewServer(cfg.Gateway.Host, cfg.Gateway.Port, g)
	}
	return g, nil
}

// MirrorOptions maps the mirror config onto the data file.
func MirrorOptions(cfg *config.Config) mirror.Options {
	return mirror.Options{
		Host:      cfg.Mirror.Host,
		Repo:      cfg.Mirror.Repo,
		Branch:    cfg.Mirror.Branch,
		Token:     cfg.Mirror.Token,
		UserName:  cfg.Mirror.UserName,
		UserEmail: cfg.Mirror.UserEmail,
		Dir:       cfg.Data.Dir,
		File:      cfg.Data.FileName,
		Timeout:   time.Duration(cfg.Mirror.TimeoutSec) * time.Second,
	}
}

func (g *Gateway) restore() {
	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()
	restored, err := g.mirror.Restore(ctx)
	switch {
	case err != nil:
		log.Printf("[gateway] restore from mirror failed, starting from local state: %v", err)
	case restored:
		log.Printf("[gateway] restored sales data from %s", g.mirror.Target())
	}
}

// loadState reads the data file. An unreadable file is moved aside and
// replaced by the mirror copy, or by an empty ledger when there is none.
func (g *Gateway) loadState() *ledger.State {
	state, err := g.store.LoadOrNew()
	if err == nil {
		return state
	}
	log.Printf("[gateway] load sales data: %v", err)
	if g.store.Exists() {
		moved, err := g.store.Quarantine(g.now())
		if err != nil {
			log.Printf("[gateway] %v", err)
		} else {
			log.Printf("[gateway] moved unreadable data file to %s", moved)
		}
	}
	if g.mirror != nil && !g.store.Exists() {
		g.restore()
		state, err := g.store.Load()
		if err == nil {
			return state
		}
		if !errors.Is(err, storage.ErrNotFound) {
			log.Printf("[gateway] mirror copy unusable: %v", err)
		}
	}
	log.Printf("[gateway] starting from an empty ledger")
	return ledger.NewState()
}

// Ledger exposes the aggregator (for the CLI and tests).
func (g *Gateway) Ledger() *ledger.Aggregator {
	return g.ledger
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	// Catch up on boundaries crossed while the process was down.
	if reset, err := g.ledger.CheckResets(); err != nil {
		log.Printf("[gateway] startup reset check: %v", err)
	} else if len(reset) > 0 {
		log.Printf("[gateway] startup reset: %v", reset)
	}

	if err := g.cron.Start(ctx); err != nil {
		_ = g.channels.StopAll()
		return fmt.Errorf("start cron: %w", err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.processLoop(ctx)
		return nil
	})
	if g.http != nil {
		eg.Go(func() error {
			return g.http.Run(ctx)
		})
	}
	eg.Go(func() error {
		// Use injected signal channel for testing, or create default
		sigCh := g.signalChan
		if sigCh == nil {
			sigCh = make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
		}
		select {
		case <-sigCh:
			log.Printf("[gateway] shutting down...")
		case <-ctx.Done():
		}
		cancel()
		return nil
	})

	log.Printf("[gateway] running in %s, sales channel %s", g.loc, g.cfg.Discord.SalesChannelID)
	err := eg.Wait()
	if shutdownErr := g.Shutdown(); err == nil {
		err = shutdownErr
	}
	return err
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.handle(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// handle answers commands anywhere and records sales from the sales channel.
func (g *Gateway) handle(ctx context.Context, msg bus.InboundMessage) {
	if g.dispatcher.IsCommand(msg.Content) {
		reply, ok := g.dispatcher.Handle(ctx, msg)
		if !ok {
			return
		}
		log.Printf("[gateway] command from %s in %s: %s", msg.SenderID, msg.SessionKey(), truncate(msg.Content, 80))
		g.send(ctx, bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: reply.Text,
			Embed:   reply.Embed,
			ReplyTo: msg.MessageID,
		})
		return
	}
	if msg.ChatID != g.cfg.Discord.SalesChannelID {
		return
	}
	g.recordSales(ctx, msg)
}

func (g *Gateway) recordSales(ctx context.Context, msg bus.InboundMessage) {
	entries := sales.Parse(msg.Content)
	if len(entries) == 0 {
		return
	}

	batch := make([]ledger.Sale, 0, len(entries))
	for _, e := range entries {
		batch = append(batch, ledger.Sale{Amount: e.Amount, Category: e.Category})
	}
	if err := g.ledger.AddSales(msg.SenderID, msg.SenderName, batch); err != nil {
		log.Printf("[gateway] persist sales from %s: %v", msg.SenderID, err)
	}

	total := sales.Total(entries)
	amount, _ := total.Float64()
	g.metrics.SalesRecorded(ctx, len(entries), amount)
	log.Printf("[gateway] recorded %d sale(s) for %s totalling %s", len(entries), msg.SenderName, leaderboard.Money(total))

	g.send(ctx, bus.OutboundMessage{
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		ReplyTo:   msg.MessageID,
		Reactions: Reactions(g.cfg.Reactions, entries),
	})
}

// Reactions picks the acknowledgement emoji for one message's sales.
func Reactions(cfg config.ReactionsConfig, entries []sales.Entry) []string {
	var out []string
	if cfg.Base != "" {
		out = append(out, cfg.Base)
	}
	total, _ := sales.Total(entries).Float64()
	if cfg.LargeSale != "" && cfg.LargeSaleThreshold > 0 && total >= cfg.LargeSaleThreshold {
		out = append(out, cfg.LargeSale)
	}
	if cfg.MultiSale != "" && cfg.MultiSaleCount > 0 && len(entries) >= cfg.MultiSaleCount {
		out = append(out, cfg.MultiSale)
	}
	return out
}

func (g *Gateway) send(ctx context.Context, msg bus.OutboundMessage) {
	select {
	case g.bus.Outbound <- msg:
	case <-ctx.Done():
		log.Printf("[gateway] dropping outbound message to %s: shutting down", msg.ChatID)
	}
}

// runJob is the cron handler.
func (g *Gateway) runJob(job cron.Job) (string, error) {
	ctx := context.Background()
	switch job.Name {
	case cron.JobResetCheck:
		reset, err := g.ledger.CheckResets()
		if err != nil {
			return "", fmt.Errorf("reset check: %w", err)
		}
		if len(reset) == 0 {
			return "no boundary", nil
		}
		return fmt.Sprintf("reset %v", reset), nil
	case cron.JobDailyLeaderboard:
		return g.postLive(ctx, ledger.Daily)
	case cron.JobWeeklyLeaderboard:
		return g.postLive(ctx, ledger.Weekly)
	case cron.JobDailyFinal:
		return g.postFinal(ctx, ledger.Daily)
	case cron.JobWeeklyFinal:
		return g.postFinal(ctx, ledger.Weekly)
	case cron.JobMonthlyFinal:
		return g.postFinal(ctx, ledger.Monthly)
	case cron.JobMirrorSync:
		return g.sync(ctx, "Scheduled sales data sync")
	case cron.JobBackup:
		return g.backup(ctx)
	}
	return "", fmt.Errorf("unknown job %q", job.Name)
}

func (g *Gateway) reportsChannel() (string, error) {
	if g.cfg.Discord.ReportsChannelID == "" {
		return "", errors.New("reports channel not set")
	}
	return g.cfg.Discord.ReportsChannelID, nil
}

func (g *Gateway) postBoard(ctx context.Context, chatID string, board leaderboard.Board) {
	embed := board.Embed()
	embed.Timestamp = g.now()
	g.send(ctx, bus.OutboundMessage{
		Channel: discordChannel,
		ChatID:  chatID,
		Content: board.Text(),
		Embed:   &embed,
	})
}

// postLive posts the running board of p.
func (g *Gateway) postLive(ctx context.Context, p ledger.Period) (string, error) {
	chatID, err := g.reportsChannel()
	if err != nil {
		return "", err
	}
	if _, err := g.ledger.CheckResets(); err != nil {
		log.Printf("[gateway] reset check before %s board: %v", p, err)
	}
	board := leaderboard.Render(g.ledger.Bucket(p), p, leaderboard.Options{})
	g.postBoard(ctx, chatID, board)
	return fmt.Sprintf("posted %s board (%d agents)", p, board.Summary.Agents), nil
}

// postFinal posts the closed period's snapshot once.
func (g *Gateway) postFinal(ctx context.Context, p ledger.Period) (string, error) {
	chatID, err := g.reportsChannel()
	if err != nil {
		return "", err
	}
	if _, err := g.ledger.CheckResets(); err != nil {
		log.Printf("[gateway] reset check before %s final: %v", p, err)
	}
	snap := g.ledger.Snapshot(p)
	if snap == nil || snap.Reported {
		return "no unreported snapshot", nil
	}

	board := leaderboard.Render(snap.Agents, p, leaderboard.Options{Final: true, Tag: snap.Tag})
	g.postBoard(ctx, chatID, board)
	if _, err := g.ledger.MarkReported(p); err != nil {
		log.Printf("[gateway] mark %s final reported: %v", p, err)
	}
	return fmt.Sprintf("posted %s final for %s", p, snap.Tag), nil
}

func (g *Gateway) sync(ctx context.Context, message string) (string, error) {
	if g.mirror == nil {
		return "", mirror.ErrDisabled
	}
	res, err := g.mirror.Sync(ctx, message)
	g.metrics.MirrorSync(ctx, err == nil)
	if err != nil {
		return "", err
	}
	if !res.Changed && !res.Pushed {
		return fmt.Sprintf("%s is already up to date on %s", g.cfg.Data.FileName, g.mirror.Target()), nil
	}
	return fmt.Sprintf("Backed up %s to %s", g.cfg.Data.FileName, g.mirror.Target()), nil
}

// SyncNow pushes the data file on request.
func (g *Gateway) SyncNow(ctx context.Context) (string, error) {
	return g.sync(ctx, "Manual sales data sync")
}

// backup uploads the data file to the backup channel.
func (g *Gateway) backup(ctx context.Context) (string, error) {
	chatID := g.cfg.Discord.BackupChannelID
	if chatID == "" {
		return "", errors.New("backup channel not set")
	}
	if err := g.ledger.Save(); err != nil {
		log.Printf("[gateway] save before backup: %v", err)
	}
	data, err := os.ReadFile(g.store.Path())
	if err != nil {
		return "", fmt.Errorf("read data file: %w", err)
	}
	now := g.now().In(g.loc)
	g.send(ctx, bus.OutboundMessage{
		Channel: discordChannel,
		ChatID:  chatID,
		Content: fmt.Sprintf("📦 Sales data backup for %s", now.Format("Mon Jan 2 2006")),
		Files: []bus.File{{
			Name:        fmt.Sprintf("sales_data_%s.json", now.Format("2006-01-02")),
			ContentType: "application/json",
			Data:        data,
		}},
	})
	return fmt.Sprintf("uploaded %d bytes", len(data)), nil
}

// Status implements httpapi.StatusProvider.
func (g *Gateway) Status() httpapi.Status {
	s := httpapi.Status{
		StartedAt: g.startedAt,
		Timezone:  g.loc.String(),
		LastReset: g.ledger.LastReset(),
	}
	if ch, ok := g.channels.Get(discordChannel); ok {
		if p, ok := ch.(presence); ok {
			s.Connected = p.Connected()
			s.BotUser = p.BotUser()
		}
	}
	daily := g.ledger.Bucket(ledger.Daily)
	total, _ := daily.Totals()
	s.Agents = len(daily)
	s.DailyTotal = leaderboard.Money(total)
	if g.mirror != nil {
		if last, at := g.mirror.Last(); last != nil {
			s.LastSync = &at
			s.SyncOK = len(last.Failed()) == 0
		}
	}
	return s
}

// Shutdown stops the scheduler and channels, then makes a final sync.
func (g *Gateway) Shutdown() error {
	g.shutdownOnce.Do(func() {
		g.cron.Stop()
		_ = g.channels.StopAll()
		if err := g.ledger.Save(); err != nil {
			log.Printf("[gateway] final save: %v", err)
		}
		if g.mirror != nil {
			ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
			if _, err := g.sync(ctx, "Sales data sync on shutdown"); err != nil {
				log.Printf("[gateway] final sync: %v", err)
			}
			cancel()
		}
		log.Printf("[gateway] shutdown complete")
	})
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
