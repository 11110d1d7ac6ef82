// Package leaderboard turns a ledger bucket into a ranked display document.
// Rendering never mutates its input.
package leaderboard

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/stellarlinkco/salesboard/internal/bus"
	"github.com/stellarlinkco/salesboard/internal/ledger"
)

const (
	// HighlightCount rows are shown with medals.
	HighlightCount = 3
	// ListCount rows follow the highlights.
	ListCount = 7
)

const (
	colorLive  = 0x2ECC71
	colorFinal = 0xF1C40F
	colorStats = 0x3498DB
)

var medals = [HighlightCount]string{"🥇", "🥈", "🥉"}

// Options tune Render.
type Options struct {
	// Title overrides the default heading.
	Title string
	By    ledger.Field
	// Final marks a report rendered from a snapshot of a closed period.
	Final bool
	// Tag is the boundary tag shown for final reports.
	Tag string
}

// Row is one ranked agent.
type Row struct {
	Rank    int
	AgentID string
	Name    string
	Total   decimal.Decimal
	Count   int
}

// Summary aggregates a whole bucket.
type Summary struct {
	Total    decimal.Decimal
	Policies int
	Agents   int
	Average  decimal.Decimal
}

// Board is a rendered leaderboard.
type Board struct {
	Title      string
	Period     ledger.Period
	By         ledger.Field
	Final      bool
	Highlights []Row
	Others     []Row
	Summary    Summary
}

// Render ranks b and keeps the top HighlightCount+ListCount agents.
func Render(b ledger.Bucket, p ledger.Period, opts Options) Board {
	board := Board{
		Title:   opts.Title,
		Period:  p,
		By:      opts.By,
		Final:   opts.Final,
		Summary: Summarize(b),
	}
	if board.Title == "" {
		board.Title = defaultTitle(p, opts)
	}

	for i, r := range ledger.Rank(b, opts.By) {
		if i >= HighlightCount+ListCount {
			break
		}
		name := r.Record.DisplayName
		if name == "" {
			name = r.AgentID
		}
		row := Row{Rank: i + 1, AgentID: r.AgentID, Name: name, Total: r.Record.Total, Count: r.Record.Count}
		if i < HighlightCount {
			board.Highlights = append(board.Highlights, row)
		} else {
			board.Others = append(board.Others, row)
		}
	}
	return board
}

func defaultTitle(p ledger.Period, opts Options) string {
	metric := "AP"
	if opts.By == ledger.ByCount {
		metric = "Policy"
	}
	if opts.Final {
		title := fmt.Sprintf("🏁 Final %s %s Leaderboard", p.Label(), metric)
		if opts.Tag != "" {
			title += " (" + opts.Tag + ")"
		}
		return title
	}
	return fmt.Sprintf("🏆 %s %s Leaderboard", p.Label(), metric)
}

// Summarize totals b.
func Summarize(b ledger.Bucket) Summary {
	total, count := b.Totals()
	return Summary{
		Total:    total,
		Policies: count,
		Agents:   len(b),
		Average:  Average(total, count),
	}
}

// Average is total/count rounded to cents, or zero when count is zero.
func Average(total decimal.Decimal, count int) decimal.Decimal {
	if count == 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(int64(count))).Round(2)
}

// Empty reports whether no agent placed.
func (b Board) Empty() bool {
	return len(b.Highlights) == 0
}

// Embed renders b as a rich message.
func (b Board) Embed() bus.Embed {
	e := bus.Embed{Title: b.Title, Color: colorLive}
	if b.Final {
		e.Color = colorFinal
	}
	if b.Empty() {
		e.Description = "No sales recorded yet. Be the first on the board!"
		return e
	}

	for i, row := range b.Highlights {
		e.Fields = append(e.Fields, bus.EmbedField{
			Name:  fmt.Sprintf("%s %s", medals[i], row.Name),
			Value: b.rowValue(row, true),
		})
	}
	if len(b.Others) > 0 {
		lines := make([]string, 0, len(b.Others))
		for _, row := range b.Others {
			lines = append(lines, fmt.Sprintf("**%d.** %s · %s", row.Rank, row.Name, b.rowValue(row, false)))
		}
		e.Fields = append(e.Fields, bus.EmbedField{Name: "Honorable Mentions", Value: strings.Join(lines, "\n")})
	}

	s := b.Summary
	e.Fields = append(e.Fields,
		bus.EmbedField{Name: "Total AP", Value: Money(s.Total), Inline: true},
		bus.EmbedField{Name: "Policies", Value: fmt.Sprintf("%d", s.Policies), Inline: true},
		bus.EmbedField{Name: "Avg AP / Policy", Value: Money(s.Average), Inline: true},
	)
	e.Footer = fmt.Sprintf("%d agents on the board", s.Agents)
	return e
}

// Text renders b without embed formatting, for channels that refuse embeds.
func (b Board) Text() string {
	var sb strings.Builder
	sb.WriteString("**" + b.Title + "**\n")
	if b.Empty() {
		sb.WriteString("No sales recorded yet.\n")
		return sb.String()
	}
	for i, row := range b.Highlights {
		fmt.Fprintf(&sb, "%s %s: %s\n", medals[i], row.Name, b.rowValue(row, false))
	}
	for _, row := range b.Others {
		fmt.Fprintf(&sb, "%d. %s: %s\n", row.Rank, row.Name, b.rowValue(row, false))
	}
	s := b.Summary
	fmt.Fprintf(&sb, "Total AP %s | %d policies | Avg %s\n", Money(s.Total), s.Policies, Money(s.Average))
	return sb.String()
}

func (b Board) rowValue(row Row, bold bool) string {
	ap := Money(row.Total) + " AP"
	policies := Policies(row.Count)
	primary, secondary := ap, policies
	if b.By == ledger.ByCount {
		primary, secondary = policies, ap
	}
	if bold {
		primary = "**" + primary + "**"
	}
	return primary + " · " + secondary
}

// Policies pluralizes a policy count.
func Policies(n int) string {
	if n == 1 {
		return "1 policy"
	}
	return fmt.Sprintf("%d policies", n)
}

// Money formats d as dollars with thousands separators, e.g. "$4,000.00".
func Money(d decimal.Decimal) string {
	s := d.StringFixed(2)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	whole, frac, _ := strings.Cut(s, ".")
	var grouped strings.Builder
	for i, c := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			grouped.WriteByte(',')
		}
		grouped.WriteRune(c)
	}

	out := "$" + grouped.String() + "." + frac
	if neg {
		out = "-" + out
	}
	return out
}
