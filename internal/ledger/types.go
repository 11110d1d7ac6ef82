// Package ledger holds per-agent annual-premium totals for the daily, weekly,
// monthly and all-time periods and rolls them over at civil boundaries.
package ledger

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stellarlinkco/salesboard/internal/period"
)

// SchemaVersion is the version written into every persisted document.
const SchemaVersion = 2

// Period names one of the four buckets.
type Period string

const (
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
	AllTime Period = "allTime"
)

// Periods lists every bucket in display order.
var Periods = []Period{Daily, Weekly, Monthly, AllTime}

// Resettable reports whether p is cleared by the reset rules.
func (p Period) Resettable() bool {
	return p == Daily || p == Weekly || p == Monthly
}

// Label is the human form used in headings.
func (p Period) Label() string {
	switch p {
	case Daily:
		return "Daily"
	case Weekly:
		return "Weekly"
	case Monthly:
		return "Monthly"
	case AllTime:
		return "All-Time"
	}
	return string(p)
}

// Field selects the ranking key.
type Field int

const (
	// ByTotal ranks by summed annual premium.
	ByTotal Field = iota
	// ByCount ranks by number of policies.
	ByCount
)

// Sale is one amount to fold into the buckets.
type Sale struct {
	Amount   decimal.Decimal
	Category string
}

// Entry is one folded sale kept in a record's recent log.
type Entry struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Category  string          `json:"category"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarshalJSON writes Amount as a JSON number.
func (e Entry) MarshalJSON() ([]byte, error) {
	type plain Entry
	return json.Marshal(struct {
		plain
		Amount json.Number `json:"amount"`
	}{plain(e), json.Number(e.Amount.String())})
}

// AgentRecord is an agent's aggregate within one bucket.
type AgentRecord struct {
	DisplayName    string          `json:"displayName"`
	Total          decimal.Decimal `json:"total"`
	Count          int             `json:"count"`
	CategoryCounts map[string]int  `json:"categoryCounts"`
	RecentEntries  []Entry         `json:"recentEntries"`
	// Seq orders records by creation and breaks ranking ties.
	Seq int64 `json:"seq"`
}

// MarshalJSON writes Total as a JSON number. Decoding accepts numbers and
// quoted strings.
func (r AgentRecord) MarshalJSON() ([]byte, error) {
	type plain AgentRecord
	return json.Marshal(struct {
		plain
		Total json.Number `json:"total"`
	}{plain(r), json.Number(r.Total.String())})
}

func (r *AgentRecord) clone() *AgentRecord {
	c := *r
	c.CategoryCounts = make(map[string]int, len(r.CategoryCounts))
	for k, v := range r.CategoryCounts {
		c.CategoryCounts[k] = v
	}
	c.RecentEntries = append([]Entry(nil), r.RecentEntries...)
	return &c
}

// Bucket maps agent id to record.
type Bucket map[string]*AgentRecord

// Clone returns a deep copy of b.
func (b Bucket) Clone() Bucket {
	c := make(Bucket, len(b))
	for id, r := range b {
		c[id] = r.clone()
	}
	return c
}

// Totals sums every record in b.
func (b Bucket) Totals() (total decimal.Decimal, count int) {
	total = decimal.Zero
	for _, r := range b {
		total = total.Add(r.Total)
		count += r.Count
	}
	return total, count
}

// Snapshot is a bucket frozen just before it was cleared.
type Snapshot struct {
	// Tag is the boundary tag of the period the snapshot covers.
	Tag      string    `json:"tag"`
	TakenAt  time.Time `json:"takenAt"`
	Reported bool      `json:"reported"`
	Agents   Bucket    `json:"agents"`
}

// UnmarshalJSON also accepts a bare agent mapping, the form older documents
// stored snapshots in.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	type plain Snapshot
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if _, ok := fields["agents"]; ok {
		return json.Unmarshal(data, (*plain)(s))
	}
	var agents Bucket
	if err := json.Unmarshal(data, &agents); err != nil {
		return err
	}
	*s = Snapshot{Agents: agents}
	return nil
}

func (s *Snapshot) clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Agents = s.Agents.Clone()
	return &c
}

// State is the whole persisted document.
type State struct {
	Version         int         `json:"version"`
	NextSeq         int64       `json:"nextSeq"`
	Daily           Bucket      `json:"daily"`
	Weekly          Bucket      `json:"weekly"`
	Monthly         Bucket      `json:"monthly"`
	AllTime         Bucket      `json:"allTime"`
	DailySnapshot   *Snapshot   `json:"dailySnapshot,omitempty"`
	WeeklySnapshot  *Snapshot   `json:"weeklySnapshot,omitempty"`
	MonthlySnapshot *Snapshot   `json:"monthlySnapshot,omitempty"`
	LastReset       period.Tags `json:"lastReset"`
}

// NewState returns an empty document at the current schema version.
func NewState() *State {
	s := &State{Version: SchemaVersion}
	s.Normalize()
	return s
}

// Normalize fills missing maps so the rest of the package never checks
// for nil.
func (s *State) Normalize() {
	if s.Version == 0 {
		s.Version = SchemaVersion
	}
	for _, p := range Periods {
		b := s.bucket(p)
		if *b == nil {
			*b = Bucket{}
		}
		for _, r := range *b {
			if r.CategoryCounts == nil {
				r.CategoryCounts = map[string]int{}
			}
			if r.Seq >= s.NextSeq {
				s.NextSeq = r.Seq + 1
			}
		}
	}
	for _, snap := range []*Snapshot{s.DailySnapshot, s.WeeklySnapshot, s.MonthlySnapshot} {
		if snap != nil && snap.Agents == nil {
			snap.Agents = Bucket{}
		}
	}
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	c := *s
	c.Daily = s.Daily.Clone()
	c.Weekly = s.Weekly.Clone()
	c.Monthly = s.Monthly.Clone()
	c.AllTime = s.AllTime.Clone()
	c.DailySnapshot = s.DailySnapshot.clone()
	c.WeeklySnapshot = s.WeeklySnapshot.clone()
	c.MonthlySnapshot = s.MonthlySnapshot.clone()
	return &c
}

// Encode renders s as indented JSON.
func (s *State) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *State) bucket(p Period) *Bucket {
	switch p {
	case Daily:
		return &s.Daily
	case Weekly:
		return &s.Weekly
	case Monthly:
		return &s.Monthly
	default:
		return &s.AllTime
	}
}

func (s *State) snapshot(p Period) **Snapshot {
	switch p {
	case Daily:
		return &s.DailySnapshot
	case Weekly:
		return &s.WeeklySnapshot
	case Monthly:
		return &s.MonthlySnapshot
	}
	return nil
}

func (s *State) tag(p Period) *string {
	switch p {
	case Daily:
		return &s.LastReset.Daily
	case Weekly:
		return &s.LastReset.Weekly
	case Monthly:
		return &s.LastReset.Monthly
	}
	return nil
}

// Stats is one agent's record in every bucket.
type Stats struct {
	Daily   AgentRecord
	Weekly  AgentRecord
	Monthly AgentRecord
	AllTime AgentRecord
}

// For returns the record of period p.
func (s Stats) For(p Period) AgentRecord {
	switch p {
	case Daily:
		return s.Daily
	case Weekly:
		return s.Weekly
	case Monthly:
		return s.Monthly
	}
	return s.AllTime
}
