// ABOUTME: In-memory Store used by tests and single-process runs without persistence.
// ABOUTME: Records are cloned on the way in and out so callers never share mutable state with the store.
package execution

import (
	"context"
	"sort"
	"sync"

	"github.com/2389-research/tusk/plan"
)

// MemoryStore keeps every record in maps guarded by one mutex. Mutation
// callbacks run with the lock held and must not call back into the store.
type MemoryStore struct {
	mu        sync.Mutex
	plans     map[string]*plan.Plan
	planExecs map[string]*PlanExecution
	nodeExecs map[string]*NodeExecution
	callbacks map[string]string // callback id -> node execution id
	order     map[string]int    // node execution id -> insertion order
	seq       int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:     make(map[string]*plan.Plan),
		planExecs: make(map[string]*PlanExecution),
		nodeExecs: make(map[string]*NodeExecution),
		callbacks: make(map[string]string),
		order:     make(map[string]int),
	}
}

func (s *MemoryStore) SavePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) GetPlan(_ context.Context, id string) (*plan.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, notFound("plan", id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) CreatePlanExecution(_ context.Context, pe *PlanExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.planExecs[pe.ID]; ok {
		return ErrExists
	}
	c := pe.Clone()
	c.Version = 1
	pe.Version = 1
	s.planExecs[pe.ID] = c
	return nil
}

func (s *MemoryStore) GetPlanExecution(_ context.Context, id string) (*PlanExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pe, ok := s.planExecs[id]
	if !ok {
		return nil, notFound("plan execution", id)
	}
	return pe.Clone(), nil
}

func (s *MemoryStore) UpdatePlanExecution(_ context.Context, id string, mutate func(*PlanExecution) error) (*PlanExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.planExecs[id]
	if !ok {
		return nil, notFound("plan execution", id)
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = id
	next.Version = cur.Version + 1
	s.planExecs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) CreateNodeExecution(_ context.Context, ne *NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodeExecs[ne.ID]; ok {
		return ErrExists
	}
	c := ne.Clone()
	c.Version = 1
	ne.Version = 1
	s.nodeExecs[ne.ID] = c
	s.seq++
	s.order[ne.ID] = s.seq
	s.indexCallbacks(c)
	return nil
}

func (s *MemoryStore) GetNodeExecution(_ context.Context, id string) (*NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ne, ok := s.nodeExecs[id]
	if !ok {
		return nil, notFound("node execution", id)
	}
	return ne.Clone(), nil
}

func (s *MemoryStore) UpdateNodeExecution(_ context.Context, id string, mutate func(*NodeExecution) error) (*NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.nodeExecs[id]
	if !ok {
		return nil, notFound("node execution", id)
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = id
	next.Version = cur.Version + 1
	s.nodeExecs[id] = next
	s.indexCallbacks(next)
	return next.Clone(), nil
}

func (s *MemoryStore) indexCallbacks(ne *NodeExecution) {
	for _, cb := range ne.CallbackIDs {
		s.callbacks[cb] = ne.ID
	}
}

func (s *MemoryStore) FindByCallbackID(_ context.Context, callbackID string) (*NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.callbacks[callbackID]
	if !ok {
		return nil, notFound("callback", callbackID)
	}
	return s.nodeExecs[id].Clone(), nil
}

func (s *MemoryStore) ListNodeExecutions(_ context.Context, planExecutionID string, filter Filter) ([]*NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*NodeExecution
	for _, ne := range s.nodeExecs {
		if ne.PlanExecutionID == planExecutionID && filter.Matches(ne) {
			out = append(out, ne.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.order[out[i].ID] < s.order[out[j].ID]
	})
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
