package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Record is one engine invocation.
type Record struct {
	Timestamp        time.Time `json:"timestamp"`
	DayKey           string    `json:"day_key"`
	SessionKey       string    `json:"session_key"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	LatencyMS        int64     `json:"latency_ms"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	UsageKnown       bool      `json:"usage_known"`
	Outcome          string    `json:"outcome"`
	Error            string    `json:"error,omitempty"`
}

type Filter struct {
	SessionKey string
	DayKey     string
	Provider   string
	Since      time.Time
	Limit      int
}

type Aggregate struct {
	Calls            int
	Failures         int
	KnownCalls       int
	UnknownCalls     int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMS        int64
}

// AvgLatency is the mean latency over all calls.
func (a Aggregate) AvgLatency() time.Duration {
	if a.Calls == 0 {
		return 0
	}
	return time.Duration(a.LatencyMS/int64(a.Calls)) * time.Millisecond
}

// Store keeps records in memory and, when dir is set, mirrors them to
// dir/usage.json after every write.
type Store struct {
	mu      sync.RWMutex
	records []Record
	// saveMu orders snapshots so an older one never replaces a newer file.
	saveMu sync.Mutex
	path   string
	now    func() time.Time
}

func NewStore(dir string) (*Store, error) {
	s := &Store{
		records: make([]Record, 0, 256),
		now:     time.Now,
	}
	if dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create usage dir: %w", err)
	}
	s.path = filepath.Join(dir, "usage.json")
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (s *Store) TodayKey() string {
	return dayKey(s.now())
}

func (s *Store) Append(r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now().UTC()
	}
	if r.DayKey == "" {
		r.DayKey = dayKey(r.Timestamp)
	}
	if r.TotalTokens == 0 {
		r.TotalTokens = r.PromptTokens + r.CompletionTokens
	}
	if r.Outcome == "" {
		r.Outcome = OutcomeOK
	}

	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()

	return s.save()
}

func (s *Store) LastBySession(sessionKey string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].SessionKey == sessionKey {
			return s.records[i], true
		}
	}
	return Record{}, false
}

func (s *Store) Query(f Filter) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if f.SessionKey != "" && r.SessionKey != f.SessionKey {
			continue
		}
		if f.DayKey != "" && r.DayKey != f.DayKey {
			continue
		}
		if f.Provider != "" && !strings.EqualFold(r.Provider, f.Provider) {
			continue
		}
		if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, r)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Prune drops records older than retentionDays and returns how many went.
func (s *Store) Prune(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	s.mu.Lock()
	kept := s.records[:0]
	for _, r := range s.records {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, r)
	}
	removed := len(s.records) - len(kept)
	s.records = kept
	s.mu.Unlock()

	if removed == 0 {
		return 0, nil
	}
	return removed, s.save()
}

func (a *Aggregate) add(r Record) {
	a.Calls++
	a.LatencyMS += r.LatencyMS
	if r.Outcome == OutcomeError {
		a.Failures++
	}
	if r.UsageKnown {
		a.KnownCalls++
		a.PromptTokens += r.PromptTokens
		a.CompletionTokens += r.CompletionTokens
		a.TotalTokens += r.TotalTokens
	} else {
		a.UnknownCalls++
	}
}

func AggregateRecords(records []Record) Aggregate {
	var agg Aggregate
	for _, r := range records {
		agg.add(r)
	}
	return agg
}

func ProviderBreakdown(records []Record) map[string]Aggregate {
	out := map[string]Aggregate{}
	for _, r := range records {
		p := strings.TrimSpace(r.Provider)
		if p == "" {
			p = "unknown"
		}
		agg := out[p]
		agg.add(r)
		out[p] = agg
	}
	return out
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read usage store: %w", err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse usage store %s: %w", s.path, err)
	}
	s.records = records
	return nil
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	data, err := json.MarshalIndent(s.records, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "usage-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create usage temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write usage store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write usage store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace usage store: %w", err)
	}
	return nil
}
