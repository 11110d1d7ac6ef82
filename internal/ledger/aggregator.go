package ledger

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stellarlinkco/salesboard/internal/period"
)

// DefaultMaxRecentEntries bounds each record's recent log.
const DefaultMaxRecentEntries = 50

// Persister writes the whole document after every mutation.
type Persister interface {
	Save(s *State) error
}

// ResetHook observes a bucket right after it was archived and cleared. It runs
// while the aggregator is locked and must not call back into it.
type ResetHook func(p Period, snap *Snapshot)

// Aggregator owns the state document. Every mutation goes through
// AddSales, CheckResets or MarkReported and is persisted before returning.
type Aggregator struct {
	mu        sync.Mutex
	state     *State
	store     Persister
	loc       *time.Location
	now       func() time.Time
	maxRecent int
	newID     func() string
	onReset   ResetHook
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithLocation sets the civil zone used for boundaries.
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) { a.loc = loc }
}

// WithMaxRecentEntries bounds the recent log; 0 keeps every entry.
func WithMaxRecentEntries(n int) Option {
	return func(a *Aggregator) { a.maxRecent = n }
}

// WithResetHook registers fn to run after each reset.
func WithResetHook(fn ResetHook) Option {
	return func(a *Aggregator) { a.onReset = fn }
}

// New wraps state. A nil state starts empty; a nil store keeps state in
// memory only.
func New(state *State, store Persister, opts ...Option) *Aggregator {
	if state == nil {
		state = NewState()
	}
	state.Normalize()

	a := &Aggregator{
		state:     state,
		store:     store,
		loc:       time.UTC,
		now:       time.Now,
		maxRecent: DefaultMaxRecentEntries,
		newID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(a)
	}
	a.adoptMissingTags()
	return a
}

// adoptMissingTags seeds empty boundary tags from the clock so a first boot
// never clears data.
func (a *Aggregator) adoptMissingTags() {
	cur := period.At(a.now(), a.loc)
	for _, p := range []Period{Daily, Weekly, Monthly} {
		tag := a.state.tag(p)
		if *tag == "" {
			*tag = currentTag(cur, p)
		}
	}
}

func currentTag(t period.Tags, p Period) string {
	switch p {
	case Daily:
		return t.Daily
	case Weekly:
		return t.Weekly
	case Monthly:
		return t.Monthly
	}
	return ""
}

// Location returns the civil zone.
func (a *Aggregator) Location() *time.Location {
	return a.loc
}

// AddSale folds a single sale. See AddSales.
func (a *Aggregator) AddSale(agentID, displayName string, amount decimal.Decimal, category string) error {
	return a.AddSales(agentID, displayName, []Sale{{Amount: amount, Category: category}})
}

// AddSales runs the reset check and then folds every sale into all four
// buckets. The sales are always applied; a non-nil error only reports that
// the document could not be persisted.
func (a *Aggregator) AddSales(agentID, displayName string, sales []Sale) error {
	if len(sales) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.applyResets(now)

	for _, sale := range sales {
		if !sale.Amount.IsPositive() {
			continue
		}
		entry := Entry{
			ID:        a.newID(),
			Amount:    sale.Amount,
			Category:  strings.TrimSpace(sale.Category),
			Timestamp: now.UTC(),
		}
		for _, p := range Periods {
			a.fold(*a.state.bucket(p), agentID, displayName, entry)
		}
	}
	return a.persist()
}

func (a *Aggregator) fold(b Bucket, agentID, displayName string, e Entry) {
	r, ok := b[agentID]
	if !ok {
		r = &AgentRecord{CategoryCounts: map[string]int{}, Seq: a.state.NextSeq}
		a.state.NextSeq++
		b[agentID] = r
	}
	if displayName != "" {
		r.DisplayName = displayName
	}
	r.Total = r.Total.Add(e.Amount)
	r.Count++
	r.CategoryCounts[e.Category]++
	r.RecentEntries = append(r.RecentEntries, e)
	if a.maxRecent > 0 && len(r.RecentEntries) > a.maxRecent {
		r.RecentEntries = append([]Entry(nil), r.RecentEntries[len(r.RecentEntries)-a.maxRecent:]...)
	}
}

// CheckResets archives and clears every bucket whose boundary has passed and
// returns the periods that were reset.
func (a *Aggregator) CheckResets() ([]Period, error) {
	return a.CheckResetsAt(a.now())
}

// CheckResetsAt is CheckResets at an explicit instant.
func (a *Aggregator) CheckResetsAt(now time.Time) ([]Period, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	reset := a.applyResets(now)
	if len(reset) == 0 {
		return nil, nil
	}
	return reset, a.persist()
}

// applyResets must be called with mu held. Snapshot, clear and tag update
// happen together so a later check compares against the new tag.
func (a *Aggregator) applyResets(now time.Time) []Period {
	d := period.Decide(now, a.loc, a.state.LastReset)
	if !d.Any() {
		return nil
	}

	var reset []Period
	for _, p := range Periods {
		if !p.Resettable() {
			continue
		}
		due := (p == Daily && d.Daily) || (p == Weekly && d.Weekly) || (p == Monthly && d.Monthly)
		if !due {
			continue
		}
		tag := a.state.tag(p)
		bucket := a.state.bucket(p)
		snap := &Snapshot{
			Tag:     *tag,
			TakenAt: now.UTC(),
			Agents:  bucket.Clone(),
		}
		*a.state.snapshot(p) = snap
		*bucket = Bucket{}
		*tag = currentTag(d.Current, p)
		reset = append(reset, p)

		log.Printf("[ledger] %s reset: archived %s (%d agents), now %s", p, snap.Tag, len(snap.Agents), *tag)
		if a.onReset != nil {
			a.onReset(p, snap.clone())
		}
	}
	return reset
}

// MarkReported flags the snapshot of p as posted. It returns false when
// there is no snapshot or it was already reported.
func (a *Aggregator) MarkReported(p Period) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot := a.state.snapshot(p)
	if slot == nil || *slot == nil || (*slot).Reported {
		return false, nil
	}
	(*slot).Reported = true
	return true, a.persist()
}

// AgentStats returns copies of the agent's records. Missing records come back
// zero-valued with displayName filled in; nothing is inserted.
func (a *Aggregator) AgentStats(agentID, displayName string) Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	get := func(p Period) AgentRecord {
		if r, ok := (*a.state.bucket(p))[agentID]; ok {
			return *r.clone()
		}
		return AgentRecord{DisplayName: displayName, CategoryCounts: map[string]int{}}
	}
	return Stats{
		Daily:   get(Daily),
		Weekly:  get(Weekly),
		Monthly: get(Monthly),
		AllTime: get(AllTime),
	}
}

// Bucket returns a deep copy of the live bucket of p.
func (a *Aggregator) Bucket(p Period) Bucket {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.bucket(p).Clone()
}

// Snapshot returns a copy of the last archived bucket of p, or nil.
func (a *Aggregator) Snapshot(p Period) *Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot := a.state.snapshot(p)
	if slot == nil {
		return nil
	}
	return (*slot).clone()
}

// LastReset returns the stored boundary tags.
func (a *Aggregator) LastReset() period.Tags {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.LastReset
}

// State returns a deep copy of the document.
func (a *Aggregator) State() *State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Clone()
}

// Save persists the current document.
func (a *Aggregator) Save() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.persist()
}

func (a *Aggregator) persist() error {
	if a.store == nil {
		return nil
	}
	if err := a.store.Save(a.state); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// Ranked is one row of a ranking.
type Ranked struct {
	AgentID string
	Record  AgentRecord
}

// Rank orders b by field, highest first. Ties keep insertion order: the
// record created first (lowest Seq) ranks higher, then agent id.
func Rank(b Bucket, by Field) []Ranked {
	rows := make([]Ranked, 0, len(b))
	for id, r := range b {
		rows = append(rows, Ranked{AgentID: id, Record: *r})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		ri, rj := rows[i].Record, rows[j].Record
		switch by {
		case ByCount:
			if ri.Count != rj.Count {
				return ri.Count > rj.Count
			}
		default:
			if c := ri.Total.Cmp(rj.Total); c != 0 {
				return c > 0
			}
		}
		if ri.Seq != rj.Seq {
			return ri.Seq < rj.Seq
		}
		return rows[i].AgentID < rows[j].AgentID
	})
	return rows
}
