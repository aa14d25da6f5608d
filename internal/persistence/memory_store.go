package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/virta/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of RunStore, EventLog
// and LockStore backed by maps. It is the default for tests and the
// LocalRunner; nothing survives a process restart.
type InMemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]*RunRecord // keyed by RunKey
	current map[string]string     // workflowID -> current runID
	events  map[string][]api.Event
	leases  map[string]lease
}

type lease struct {
	holder string
	expiry time.Time
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		runs:    make(map[string]*RunRecord),
		current: make(map[string]string),
		events:  make(map[string][]api.Event),
		leases:  make(map[string]lease),
	}
}

var (
	_ RunStore  = (*InMemoryStore)(nil)
	_ EventLog  = (*InMemoryStore)(nil)
	_ LockStore = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) CreateRun(ctx context.Context, rec *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if curID, ok := s.current[rec.WorkflowID]; ok {
		cur := s.runs[RunKey(rec.WorkflowID, curID)]
		if cur != nil && !cur.Status.IsTerminal() {
			return api.ErrWorkflowAlreadyRunning
		}
	}

	cp := *rec
	s.runs[RunKey(rec.WorkflowID, rec.RunID)] = &cp
	s.current[rec.WorkflowID] = rec.RunID
	return nil
}

func (s *InMemoryStore) GetRun(ctx context.Context, workflowID, runID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.runs[RunKey(workflowID, runID)]
	if !ok {
		return nil, api.ErrRunNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemoryStore) CurrentRun(ctx context.Context, workflowID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runID, ok := s.current[workflowID]
	if !ok {
		return nil, api.ErrRunNotFound
	}
	rec, ok := s.runs[RunKey(workflowID, runID)]
	if !ok {
		return nil, api.ErrRunNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemoryStore) UpdateRun(ctx context.Context, rec *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := RunKey(rec.WorkflowID, rec.RunID)
	if _, ok := s.runs[key]; !ok {
		return api.ErrRunNotFound
	}
	cp := *rec
	s.runs[key] = &cp
	return nil
}

func (s *InMemoryStore) ListRuns(ctx context.Context, f RunFilter, afterKey string, limit int) ([]*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.runs))
	for k := range s.runs {
		if k > afterKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out []*RunRecord
	for _, k := range keys {
		rec := s.runs[k]
		if f.WorkflowType != "" && rec.WorkflowType != f.WorkflowType {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) Append(ctx context.Context, runID string, expectedSeq int64, events []api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.events[runID]
	if int64(len(log)) != expectedSeq {
		return api.ErrSequenceConflict
	}
	for i, ev := range events {
		ev.Seq = expectedSeq + int64(i)
		log = append(log, ev)
	}
	s.events[runID] = log
	return nil
}

func (s *InMemoryStore) Read(ctx context.Context, runID string, fromSeq int64) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.events[runID]
	if fromSeq < 0 {
		fromSeq = 0
	}
	if fromSeq >= int64(len(log)) {
		return nil, nil
	}
	out := make([]api.Event, len(log)-int(fromSeq))
	copy(out, log[fromSeq:])
	return out, nil
}

func (s *InMemoryStore) Length(ctx context.Context, runID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events[runID])), nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, runID, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	l, ok := s.leases[runID]
	if ok && l.holder != holder && l.expiry.After(now) {
		return false, nil
	}
	s.leases[runID] = lease{holder: holder, expiry: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, runID, holder string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[runID]
	if !ok || l.holder != holder || !l.expiry.After(time.Now()) {
		return api.ErrLeaseLost
	}
	s.leases[runID] = lease{holder: holder, expiry: time.Now().Add(ttl)}
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, runID, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[runID]; ok && l.holder == holder {
		delete(s.leases, runID)
	}
	return nil
}

func (s *InMemoryStore) LeaseHolder(ctx context.Context, runID string) (string, time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.leases[runID]
	if !ok || !l.expiry.After(time.Now()) {
		return "", time.Time{}, false, nil
	}
	return l.holder, l.expiry, true, nil
}
