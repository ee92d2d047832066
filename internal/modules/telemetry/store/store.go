// Package store holds the latest telemetry reading and keeps it consistent
// with the journal.
package store

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"healthsense-server/internal/modules/telemetry/types"
)

// Journal is the durable log the store persists every update to.
type Journal interface {
	Append(r types.Reading) error
	ReadLast(n int) ([]types.Reading, error)
}

// Store is the single-slot holder of the most recent reading.
//
// Every method takes mu for the whole read-or-write, including the journal
// append, so the slot and the journal never disagree about the latest
// record. Request rates are low enough that persisting under the lock is
// acceptable.
type Store struct {
	mu      sync.Mutex
	current *types.Reading
	journal Journal

	logger *slog.Logger
	now    func() time.Time

	subsMu sync.RWMutex
	subs   []func(types.Reading)
}

type Option func(*Store)

// WithClock overrides the clock used to stamp readings without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func New(journal Journal, opts ...Option) *Store {
	s := &Store{
		journal: journal,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnUpdate registers fn to receive a copy of every stored reading. fn runs
// after the store lock is released, on the updating goroutine.
func (s *Store) OnUpdate(fn func(types.Reading)) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs = append(s.subs, fn)
}

// Update stores in according to policy and returns the stored reading.
// A journal failure is logged and does not fail the update; the in-memory
// slot stays authoritative for the life of the process.
func (s *Store) Update(in types.Reading, policy types.Policy) types.Reading {
	stored := s.update(in, policy)
	s.notify(stored)
	return stored
}

func (s *Store) update(in types.Reading, policy types.Policy) types.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := in.Clone()
	if policy == types.PolicyMerge {
		if prev, ok := s.previousLocked(); ok {
			next = in.MergeOnto(prev)
		}
	}
	if next.Timestamp == "" {
		next.Timestamp = types.FormatTimestamp(s.now())
	}

	if err := s.journal.Append(next); err != nil {
		s.logger.Error("journal append failed",
			"error", err,
			"timestamp", next.Timestamp,
		)
	}

	s.current = &next
	return next.Clone()
}

// previousLocked is the reading a merge builds on: the slot, or after a
// restart the newest journal record. Callers hold mu.
func (s *Store) previousLocked() (types.Reading, bool) {
	if s.current != nil {
		return *s.current, true
	}
	last, err := s.journal.ReadLast(1)
	if err != nil {
		s.logger.Warn("merge: journal read failed", "error", err)
		return types.Reading{}, false
	}
	if len(last) == 0 {
		return types.Reading{}, false
	}
	return last[0], true
}

// Latest returns the in-memory reading. It never consults the journal.
func (s *Store) Latest() (types.Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return types.Reading{}, false
	}
	return s.current.Clone(), true
}

// LatestOrRecovered returns the in-memory reading, falling back to the
// newest journal record after a restart. It returns types.ErrNoDataYet
// when both are empty.
func (s *Store) LatestOrRecovered() (types.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return s.current.Clone(), nil
	}
	last, err := s.journal.ReadLast(1)
	if err != nil {
		return types.Reading{}, err
	}
	if len(last) == 0 {
		return types.Reading{}, types.ErrNoDataYet
	}
	return last[0], nil
}

// History returns up to limit journal records, newest first. It holds the
// lock so a concurrent Update never shows up as a half-written line.
func (s *Store) History(limit int) ([]types.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journal.ReadLast(limit)
}

// Status reports whether any reading is available. Journal errors read as
// "no data".
func (s *Store) Status() types.Status {
	r, err := s.LatestOrRecovered()
	if err != nil {
		if !errors.Is(err, types.ErrNoDataYet) {
			s.logger.Warn("status: journal read failed", "error", err)
		}
		return types.Status{}
	}
	return types.Status{HasData: true, LatestTimestamp: r.Timestamp}
}

func (s *Store) notify(r types.Reading) {
	s.subsMu.RLock()
	subs := s.subs
	s.subsMu.RUnlock()

	for _, fn := range subs {
		fn(r.Clone())
	}
}
