// Package aggregator accumulates per-region disposition statistics reported
// by subscriber agents.
package aggregator

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
)

// Status is the disposition of one event for one subscriber.
type Status string

const (
	StatusInterest Status = "interest"
	StatusIgnored  Status = "ignored"
)

var (
	// ErrInvalidStatus is returned for a status other than interest or ignored.
	ErrInvalidStatus = errors.New("invalid status")
	// ErrInvalidRegion is returned when a region normalizes to an empty key.
	ErrInvalidRegion = errors.New("invalid region")
)

// ParseStatus validates s as a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.TrimSpace(s)) {
	case StatusInterest:
		return StatusInterest, nil
	case StatusIgnored:
		return StatusIgnored, nil
	default:
		return "", fmt.Errorf("%w: %q (want %q or %q)", ErrInvalidStatus, s, StatusInterest, StatusIgnored)
	}
}

// Report is a disposition report as sent by a subscriber agent.
type Report struct {
	Region string          `json:"region"`
	Status Status          `json:"status"`
	Quake  json.RawMessage `json:"quake"`
}

// RegionStats is the accumulated state of one region. PublishedCount always
// equals IgnoredCount + InterestCount.
type RegionStats struct {
	IgnoredCount    int               `json:"ignored_count"`
	InterestCount   int               `json:"interest_count"`
	PublishedCount  int               `json:"published_count"`
	IgnoredSamples  []json.RawMessage `json:"ignored_samples"`
	InterestSamples []json.RawMessage `json:"interest_samples"`
}

func (s *RegionStats) clone() RegionStats {
	return RegionStats{
		IgnoredCount:    s.IgnoredCount,
		InterestCount:   s.InterestCount,
		PublishedCount:  s.PublishedCount,
		IgnoredSamples:  cloneSamples(s.IgnoredSamples),
		InterestSamples: cloneSamples(s.InterestSamples),
	}
}

// counts copies the counters only.
func (s *RegionStats) counts() RegionStats {
	return RegionStats{
		IgnoredCount:   s.IgnoredCount,
		InterestCount:  s.InterestCount,
		PublishedCount: s.PublishedCount,
	}
}

func cloneSamples(in []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, len(in))
	copy(out, in)
	return out
}

// ReportHook is invoked after a report has been applied, with the normalized
// region, the region's counters (sample lists left nil) and the sample just
// stored. Hooks run outside the store lock.
type ReportHook func(region string, status Status, counts RegionStats, sample json.RawMessage)

// Store is the process-wide statistics store. All mutation goes through
// Report; readers receive deep copies.
type Store struct {
	mu          sync.Mutex
	regions     map[string]*RegionStats
	known       []string
	sampleLimit int

	hooksMu sync.RWMutex
	hooks   []ReportHook
}

// NewStore creates a Store. knownRegions always appear in Totals, even with
// no reports. sampleLimit > 0 keeps only the newest sampleLimit samples per
// list; 0 keeps every sample.
func NewStore(knownRegions []string, sampleLimit int) *Store {
	s := &Store{
		regions:     make(map[string]*RegionStats),
		sampleLimit: sampleLimit,
	}
	seen := make(map[string]bool)
	for _, r := range knownRegions {
		key := NormalizeRegion(r)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		s.known = append(s.known, key)
	}
	return s
}

// OnReport registers a hook called after every accepted report.
func (s *Store) OnReport(hook ReportHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Report applies one disposition. It returns the normalized region and a
// snapshot of its stats. An invalid status or region leaves the store
// untouched.
func (s *Store) Report(regionRaw string, status Status, sample json.RawMessage) (string, RegionStats, error) {
	status, err := ParseStatus(string(status))
	if err != nil {
		return "", RegionStats{}, err
	}
	region := NormalizeRegion(regionRaw)
	if region == "" {
		return "", RegionStats{}, fmt.Errorf("%w: %q", ErrInvalidRegion, regionRaw)
	}
	if len(sample) == 0 {
		sample = json.RawMessage("{}")
	}
	sample = append(json.RawMessage(nil), sample...)

	s.mu.Lock()
	st, ok := s.regions[region]
	if !ok {
		st = &RegionStats{}
		s.regions[region] = st
	}
	st.PublishedCount++
	switch status {
	case StatusInterest:
		st.InterestCount++
		st.InterestSamples = s.appendSample(st.InterestSamples, sample)
	case StatusIgnored:
		st.IgnoredCount++
		st.IgnoredSamples = s.appendSample(st.IgnoredSamples, sample)
	}
	snapshot := st.clone()
	counts := st.counts()
	s.mu.Unlock()

	s.hooksMu.RLock()
	for _, hook := range s.hooks {
		hook(region, status, counts, sample)
	}
	s.hooksMu.RUnlock()

	return region, snapshot, nil
}

func (s *Store) appendSample(samples []json.RawMessage, sample json.RawMessage) []json.RawMessage {
	samples = append(samples, sample)
	if s.sampleLimit > 0 && len(samples) > s.sampleLimit {
		trimmed := make([]json.RawMessage, s.sampleLimit)
		copy(trimmed, samples[len(samples)-s.sampleLimit:])
		return trimmed
	}
	return samples
}

// Region returns a snapshot of one region's stats. Known regions without
// reports return zero stats; unknown regions return false.
func (s *Store) Region(raw string) (string, RegionStats, bool) {
	region := NormalizeRegion(raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.regions[region]; ok {
		return region, st.clone(), true
	}
	for _, k := range s.known {
		if k == region {
			return region, emptyStats(), true
		}
	}
	return region, RegionStats{}, false
}

// Totals returns stats for every reported region and every known region.
func (s *Store) Totals() map[string]RegionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]RegionStats, len(s.regions)+len(s.known))
	for _, k := range s.known {
		out[k] = emptyStats()
	}
	for k, st := range s.regions {
		out[k] = st.clone()
	}
	return out
}

// Regions returns the sorted union of known and reported region keys.
func (s *Store) Regions() []string {
	totals := s.Totals()
	names := make([]string, 0, len(totals))
	for k := range totals {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func emptyStats() RegionStats {
	return RegionStats{IgnoredSamples: []json.RawMessage{}, InterestSamples: []json.RawMessage{}}
}
