package leaderboard

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stellarlinkco/salesboard/internal/bus"
	"github.com/stellarlinkco/salesboard/internal/ledger"
)

// StatsEmbed renders one agent's totals across every period.
func StatsEmbed(name string, s ledger.Stats) bus.Embed {
	e := bus.Embed{
		Title: fmt.Sprintf("📈 Sales Stats for %s", name),
		Color: colorStats,
	}
	for _, p := range ledger.Periods {
		rec := s.For(p)
		e.Fields = append(e.Fields, bus.EmbedField{
			Name:   p.Label(),
			Value:  fmt.Sprintf("%s AP\n%s\nAvg %s", Money(rec.Total), Policies(rec.Count), Money(Average(rec.Total, rec.Count))),
			Inline: true,
		})
	}
	if top := topCategories(s.AllTime.CategoryCounts, 3); top != "" {
		e.Fields = append(e.Fields, bus.EmbedField{Name: "Top Products", Value: top})
	}
	return e
}

// StatsText is the plain-text form of StatsEmbed.
func StatsText(name string, s ledger.Stats) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Sales Stats for %s**\n", name)
	for _, p := range ledger.Periods {
		rec := s.For(p)
		fmt.Fprintf(&sb, "%s: %s AP, %s\n", p.Label(), Money(rec.Total), Policies(rec.Count))
	}
	return sb.String()
}

func topCategories(counts map[string]int, n int) string {
	type kv struct {
		name  string
		count int
	}
	list := make([]kv, 0, len(counts))
	for k, v := range counts {
		list = append(list, kv{k, v})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].count != list[j].count {
			return list[i].count > list[j].count
		}
		return list[i].name < list[j].name
	})

	lines := make([]string, 0, n)
	for i := 0; i < len(list) && i < n; i++ {
		lines = append(lines, fmt.Sprintf("%s (%d)", list[i].name, list[i].count))
	}
	return strings.Join(lines, "\n")
}
