// Package command answers the bot's prefixed chat commands.
package command

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/stellarlinkco/salesboard/internal/bus"
	"github.com/stellarlinkco/salesboard/internal/cron"
	"github.com/stellarlinkco/salesboard/internal/leaderboard"
	"github.com/stellarlinkco/salesboard/internal/ledger"
)

// Ledger is the part of the aggregator commands read from.
type Ledger interface {
	CheckResets() ([]ledger.Period, error)
	Bucket(p ledger.Period) ledger.Bucket
	AgentStats(agentID, displayName string) ledger.Stats
	Location() *time.Location
}

// Syncer pushes the data file to the remote mirror and summarizes the run.
type Syncer interface {
	SyncNow(ctx context.Context) (string, error)
}

// Schedule is the job table behind the automatic posts.
type Schedule interface {
	ListJobs() []cron.Job
	Next(name string, t time.Time) (time.Time, error)
}

// Reply is a command response. Text doubles as the fallback for Embed.
type Reply struct {
	Text  string
	Embed *bus.Embed
}

const usageLeaderboard = "Usage: `%sleaderboard [daily|weekly|monthly|alltime] [count]`"

// postLabels names the jobs that post boards, in help order.
var postLabels = []struct{ job, label string }{
	{cron.JobDailyLeaderboard, "Live daily board"},
	{cron.JobWeeklyLeaderboard, "Weekly board"},
	{cron.JobDailyFinal, "Final daily results"},
	{cron.JobWeeklyFinal, "Final weekly results"},
	{cron.JobMonthlyFinal, "Final monthly results"},
}

const nextFormat = "Mon Jan 2, 3:04 PM MST"

var periodAliases = map[string]ledger.Period{
	"daily":    ledger.Daily,
	"day":      ledger.Daily,
	"today":    ledger.Daily,
	"weekly":   ledger.Weekly,
	"week":     ledger.Weekly,
	"monthly":  ledger.Monthly,
	"month":    ledger.Monthly,
	"alltime":  ledger.AllTime,
	"all-time": ledger.AllTime,
	"all":      ledger.AllTime,
	"total":    ledger.AllTime,
}

var fieldAliases = map[string]ledger.Field{
	"ap":       ledger.ByTotal,
	"amount":   ledger.ByTotal,
	"count":    ledger.ByCount,
	"policies": ledger.ByCount,
	"policy":   ledger.ByCount,
}

// ParsePeriod resolves a period name or synonym.
func ParsePeriod(s string) (ledger.Period, bool) {
	p, ok := periodAliases[strings.ToLower(strings.TrimSpace(s))]
	return p, ok
}

type Dispatcher struct {
	prefix     string
	ledger     Ledger
	syncer     Syncer
	schedule   Schedule
	quietUntil int
	now        func() time.Time
}

type Option func(*Dispatcher)

func WithPrefix(prefix string) Option {
	return func(d *Dispatcher) { d.prefix = prefix }
}

func WithSyncer(s Syncer) Option {
	return func(d *Dispatcher) { d.syncer = s }
}

// WithSchedule makes help and timezone replies report the configured jobs.
func WithSchedule(s Schedule) Option {
	return func(d *Dispatcher) { d.schedule = s }
}

func WithQuietUntil(hour int) Option {
	return func(d *Dispatcher) { d.quietUntil = hour }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(l Ledger, opts ...Option) *Dispatcher {
	d := &Dispatcher{prefix: "!", ledger: l, quietUntil: 8, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// IsCommand reports whether content starts with the command prefix.
func (d *Dispatcher) IsCommand(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), d.prefix)
}

// Handle runs the command in msg. ok is false for text that is not a known
// command, which callers ignore.
func (d *Dispatcher) Handle(ctx context.Context, msg bus.InboundMessage) (reply Reply, ok bool) {
	content := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(content, d.prefix) {
		return Reply{}, false
	}
	fields := strings.Fields(strings.TrimPrefix(content, d.prefix))
	if len(fields) == 0 {
		return Reply{}, false
	}
	name, args := strings.ToLower(fields[0]), fields[1:]

	switch name {
	case "leaderboard", "lb", "ap", "rankings":
		return d.leaderboard(args), true
	case "mystats", "mysales":
		return d.stats(msg), true
	case "help", "commands":
		return d.help(), true
	case "ping":
		return d.ping(msg), true
	case "sync":
		return d.sync(ctx, msg), true
	case "timezone", "tz":
		return d.timezone(), true
	}
	return Reply{}, false
}

func (d *Dispatcher) checkResets() {
	if _, err := d.ledger.CheckResets(); err != nil {
		log.Printf("[command] reset check: %v", err)
	}
}

func (d *Dispatcher) leaderboard(args []string) Reply {
	p, by := ledger.Daily, ledger.ByTotal
	periodSet, fieldSet := false, false
	for _, arg := range args {
		if v, ok := ParsePeriod(arg); ok && !periodSet {
			p, periodSet = v, true
			continue
		}
		if v, ok := fieldAliases[strings.ToLower(arg)]; ok && !fieldSet {
			by, fieldSet = v, true
			continue
		}
		return Reply{Text: fmt.Sprintf("❓ Unknown period %q. "+usageLeaderboard, arg, d.prefix)}
	}

	d.checkResets()
	board := leaderboard.Render(d.ledger.Bucket(p), p, leaderboard.Options{By: by})
	embed := board.Embed()
	return Reply{Text: board.Text(), Embed: &embed}
}

func (d *Dispatcher) stats(msg bus.InboundMessage) Reply {
	d.checkResets()
	name := msg.SenderName
	if name == "" {
		name = msg.SenderID
	}
	s := d.ledger.AgentStats(msg.SenderID, name)
	embed := leaderboard.StatsEmbed(name, s)
	return Reply{Text: leaderboard.StatsText(name, s), Embed: &embed}
}

func (d *Dispatcher) help() Reply {
	p := d.prefix
	commands := strings.Join([]string{
		fmt.Sprintf("`%sleaderboard [daily|weekly|monthly|alltime] [count]` (also `%slb`, `%sap`, `%srankings`)", p, p, p, p),
		fmt.Sprintf("`%smystats` (also `%smysales`) your totals for every period", p, p),
		fmt.Sprintf("`%stimezone` (also `%stz`) current bot time and reset rules", p, p),
		fmt.Sprintf("`%sping` check the bot is alive", p),
		fmt.Sprintf("`%ssync` back up the data file now (admins only)", p),
	}, "\n")
	logging := "Post your sale in the sales channel with a dollar amount, e.g. `$1,200 IUL` or `850$ term`. " +
		"Several sales in one message are counted separately."
	schedule := d.scheduleText()

	embed := bus.Embed{
		Title: "📋 Sales Bot Help",
		Color: 0x95A5A6,
		Fields: []bus.EmbedField{
			{Name: "Logging sales", Value: logging},
			{Name: "Commands", Value: commands},
			{Name: "Schedule", Value: schedule},
		},
	}
	text := "**Sales Bot Help**\n" + logging + "\n" + commands + "\n" + schedule
	return Reply{Text: text, Embed: &embed}
}

// scheduleText describes the automatic posts. Without a Schedule it falls
// back to the default times.
func (d *Dispatcher) scheduleText() string {
	quiet := fmt.Sprintf("Nothing posts automatically before %d AM.", d.quietUntil)
	if d.schedule == nil {
		return "Default schedule: live boards post every two hours from 10 AM to 10 PM Pacific; the weekly board posts Friday at 5 PM. " +
			"Final daily, weekly and monthly results post after each reset. " + quiet
	}

	lines := make([]string, 0, len(postLabels)+1)
	for _, pl := range postLabels {
		next, ok := d.nextPost(pl.job)
		if !ok {
			lines = append(lines, pl.label+": off")
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: next %s", pl.label, next.Format(nextFormat)))
	}
	lines = append(lines, quiet)
	return strings.Join(lines, "\n")
}

// nextPost returns the next fire time of an enabled job in the ledger zone.
func (d *Dispatcher) nextPost(name string) (time.Time, bool) {
	for _, job := range d.schedule.ListJobs() {
		if job.Name != name {
			continue
		}
		if !job.Enabled {
			return time.Time{}, false
		}
		loc := d.ledger.Location()
		next, err := d.schedule.Next(name, d.now().In(loc))
		if err != nil {
			log.Printf("[command] next %s: %v", name, err)
			return time.Time{}, false
		}
		return next.In(loc), true
	}
	return time.Time{}, false
}

func (d *Dispatcher) ping(msg bus.InboundMessage) Reply {
	if msg.Timestamp.IsZero() {
		return Reply{Text: "🏓 Pong!"}
	}
	latency := d.now().Sub(msg.Timestamp)
	if latency < 0 {
		latency = 0
	}
	return Reply{Text: fmt.Sprintf("🏓 Pong! (%dms)", latency.Milliseconds())}
}

func (d *Dispatcher) sync(ctx context.Context, msg bus.InboundMessage) Reply {
	if !msg.IsAdmin {
		return Reply{Text: fmt.Sprintf("🔒 Only server administrators can run `%ssync`.", d.prefix)}
	}
	if d.syncer == nil {
		return Reply{Text: "Remote backup is not configured."}
	}
	summary, err := d.syncer.SyncNow(ctx)
	if err != nil {
		log.Printf("[command] sync requested by %s failed: %v", msg.SenderID, err)
		return Reply{Text: "⚠️ Backup failed; the local data file is unchanged. Check the bot logs."}
	}
	return Reply{Text: "✅ " + summary}
}

func (d *Dispatcher) timezone() Reply {
	loc := d.ledger.Location()
	now := d.now().In(loc)
	text := fmt.Sprintf("🕐 Bot time: %s (%s)\nDaily boards reset at midnight, weekly on Monday, monthly on the 1st.",
		now.Format("Mon Jan 2 2006, 3:04 PM MST"), loc)
	if d.schedule != nil {
		if next, ok := d.nextPost(cron.JobDailyLeaderboard); ok {
			text += "\nNext live board: " + next.Format(nextFormat)
		}
	}
	return Reply{Text: text}
}
