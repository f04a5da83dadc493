package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/experiment-cli/internal/model"
)

// MemoryStore implements Store in process memory. Assignments do not
// survive restarts, so it is suitable only for tests and experimentation;
// it still honors every Store contract, including the atomic
// insert-if-absent guarantee.
type MemoryStore struct {
	mu          sync.Mutex
	experiments map[string]*model.Experiment
	assignments map[string]*model.Assignment // key: experimentID + "\x00" + userID
	events      []model.Event
	eventIdem   map[string]int // key: experimentID + "\x00" + idempotencyKey -> index into events
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		experiments: make(map[string]*model.Experiment),
		assignments: make(map[string]*model.Assignment),
		eventIdem:   make(map[string]int),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func assignmentKey(experimentID, userID string) string {
	return experimentID + "\x00" + userID
}

// --- Experiments ---

func (s *MemoryStore) CreateExperiment(_ context.Context, exp *model.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.experiments[exp.ID]; ok {
		return eris.Errorf("memory: experiment %s already exists", exp.ID)
	}
	cp := *exp
	s.experiments[exp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExperiment(_ context.Context, id string) (*model.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.experiments[id]
	if !ok {
		return nil, eris.Wrapf(model.ErrUnknownExperiment, "memory: %s", id)
	}
	cp := *exp
	return &cp, nil
}

func (s *MemoryStore) ListExperiments(_ context.Context, filter ExperimentFilter) ([]model.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Experiment
	for _, exp := range s.experiments {
		if filter.Status != "" && exp.Status != filter.Status {
			continue
		}
		out = append(out, *exp)
	}
	return out, nil
}

func (s *MemoryStore) UpdateExperiment(_ context.Context, exp *model.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.experiments[exp.ID]; !ok {
		return eris.Wrapf(model.ErrUnknownExperiment, "memory: %s", exp.ID)
	}
	cp := *exp
	s.experiments[exp.ID] = &cp
	return nil
}

// --- Assignments ---

func (s *MemoryStore) InsertAssignmentIfAbsent(_ context.Context, a model.Assignment) (*model.Assignment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := assignmentKey(a.ExperimentID, a.UserID)
	if existing, ok := s.assignments[key]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := a
	s.assignments[key] = &cp
	out := cp
	return &out, true, nil
}

func (s *MemoryStore) GetAssignment(_ context.Context, experimentID, userID string) (*model.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[assignmentKey(experimentID, userID)]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAssignmentsByExperiment(_ context.Context, experimentID string) ([]model.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Assignment
	for _, a := range s.assignments {
		if a.ExperimentID == experimentID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListAssignmentsByUser(_ context.Context, userID string) ([]model.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Assignment
	for _, a := range s.assignments {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	return out, nil
}

// --- Events ---

func (s *MemoryStore) AppendEvent(_ context.Context, ev model.Event) (*model.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.IdempotencyKey != "" {
		key := ev.ExperimentID + "\x00" + ev.IdempotencyKey
		if idx, ok := s.eventIdem[key]; ok {
			cp := s.events[idx]
			return &cp, false, nil
		}
	}

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, ev)
	if ev.IdempotencyKey != "" {
		s.eventIdem[ev.ExperimentID+"\x00"+ev.IdempotencyKey] = len(s.events) - 1
	}
	cp := ev
	return &cp, true, nil
}

func (s *MemoryStore) ListEventsByExperiment(_ context.Context, experimentID string) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Event
	for _, ev := range s.events {
		if ev.ExperimentID == experimentID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemoryStore) CountEventsByExperiment(_ context.Context, experimentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.ExperimentID == experimentID {
			n++
		}
	}
	return n, nil
}
