// Package storage persists the ledger document as a single pretty-printed
// JSON file.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/stellarlinkco/salesboard/internal/ledger"
)

// DefaultFileName is the document name inside the data directory.
const DefaultFileName = "sales_data.json"

// ErrNotFound is returned by Load when the file does not exist.
var ErrNotFound = errors.New("state file not found")

// FileStore reads and writes one JSON document.
type FileStore struct {
	path string
}

// NewFileStore returns a store for path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the document path.
func (f *FileStore) Path() string {
	return f.path
}

// Exists reports whether the document is on disk.
func (f *FileStore) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// Load reads, migrates and validates the document.
func (f *FileStore) Load() (*ledger.State, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	state, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return state, nil
}

// LoadOrNew returns the stored document, or an empty one when the file is
// missing. Any other failure is returned.
func (f *FileStore) LoadOrNew() (*ledger.State, error) {
	state, err := f.Load()
	if errors.Is(err, ErrNotFound) {
		log.Printf("[storage] no state at %s, starting empty", f.path)
		return ledger.NewState(), nil
	}
	return state, err
}

// Quarantine moves an unreadable document aside as
// <name>.corrupt-<UTC timestamp> so a fresh one can take its place. It
// returns the new path.
func (f *FileStore) Quarantine(now time.Time) (string, error) {
	dst := fmt.Sprintf("%s.corrupt-%s", f.path, now.UTC().Format("20060102T150405Z"))
	if err := os.Rename(f.path, dst); err != nil {
		return "", fmt.Errorf("quarantine state: %w", err)
	}
	return dst, nil
}

// Save writes s atomically: a temp file in the same directory is renamed
// over the document.
func (f *FileStore) Save(s *ledger.State) error {
	data, err := s.Encode()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// legacyReset is the lastReset shape written before schema version 2, where
// daily/weekly/monthly held dates or numbers and the composite tags lived in
// weeklyTag/monthlyTag.
type legacyReset struct {
	Daily      json.RawMessage `json:"daily"`
	Weekly     json.RawMessage `json:"weekly"`
	Monthly    json.RawMessage `json:"monthly"`
	WeeklyTag  string          `json:"weeklyTag"`
	MonthlyTag string          `json:"monthlyTag"`
}

// Decode parses a document of any known version into the current schema.
func Decode(data []byte) (*ledger.State, error) {
	var header struct {
		Version   int             `json:"version"`
		LastReset json.RawMessage `json:"lastReset"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, err
	}
	if header.Version > ledger.SchemaVersion {
		return nil, fmt.Errorf("unsupported schema version %d", header.Version)
	}

	var state ledger.State
	legacy := header.Version < ledger.SchemaVersion
	if legacy {
		if err := decodeLegacy(data, header.LastReset, &state); err != nil {
			return nil, err
		}
	} else if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}

	if err := validate(&state); err != nil {
		return nil, err
	}
	if legacy {
		assignSeq(&state)
		log.Printf("[storage] migrated legacy document to schema v%d", ledger.SchemaVersion)
	}
	state.Normalize()
	return &state, nil
}

func decodeLegacy(data []byte, rawReset json.RawMessage, state *ledger.State) error {
	// Buckets and snapshots share the current field names; only lastReset
	// changed shape.
	var body struct {
		Daily           ledger.Bucket    `json:"daily"`
		Weekly          ledger.Bucket    `json:"weekly"`
		Monthly         ledger.Bucket    `json:"monthly"`
		AllTime         ledger.Bucket    `json:"allTime"`
		DailySnapshot   *ledger.Snapshot `json:"dailySnapshot"`
		WeeklySnapshot  *ledger.Snapshot `json:"weeklySnapshot"`
		MonthlySnapshot *ledger.Snapshot `json:"monthlySnapshot"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return err
	}

	*state = ledger.State{
		Version:         ledger.SchemaVersion,
		Daily:           body.Daily,
		Weekly:          body.Weekly,
		Monthly:         body.Monthly,
		AllTime:         body.AllTime,
		DailySnapshot:   body.DailySnapshot,
		WeeklySnapshot:  body.WeeklySnapshot,
		MonthlySnapshot: body.MonthlySnapshot,
	}

	if len(rawReset) > 0 {
		var lr legacyReset
		if err := json.Unmarshal(rawReset, &lr); err != nil {
			return fmt.Errorf("decode lastReset: %w", err)
		}
		state.LastReset.Daily = isoDate(lr.Daily)
		state.LastReset.Weekly = lr.WeeklyTag
		state.LastReset.Monthly = lr.MonthlyTag
	}
	return nil
}

// isoDate keeps a legacy daily value only if it is already a civil date tag.
// Anything else is dropped and re-adopted from the clock.
func isoDate(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	if len(s) == len("2006-01-02") && s[4] == '-' && s[7] == '-' {
		return s
	}
	return ""
}

// assignSeq gives legacy records a deterministic creation order.
func assignSeq(state *ledger.State) {
	var seq int64
	for _, b := range []ledger.Bucket{state.Daily, state.Weekly, state.Monthly, state.AllTime} {
		ids := make([]string, 0, len(b))
		for id := range b {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			b[id].Seq = seq
			seq++
		}
	}
	state.NextSeq = seq
}

func validate(s *ledger.State) error {
	buckets := map[ledger.Period]ledger.Bucket{
		ledger.Daily:   s.Daily,
		ledger.Weekly:  s.Weekly,
		ledger.Monthly: s.Monthly,
		ledger.AllTime: s.AllTime,
	}
	for p, b := range buckets {
		for id, r := range b {
			if r == nil {
				return fmt.Errorf("%s: agent %s has no record", p, id)
			}
			if r.Count < 0 || r.Total.IsNegative() {
				return fmt.Errorf("%s: agent %s has negative totals", p, id)
			}
		}
	}
	return nil
}
