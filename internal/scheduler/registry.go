package scheduler

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
)

// Registry multiplexes the schedulers of concurrently running batches and
// samples them round robin.
type Registry struct {
	mu         sync.Mutex
	schedulers map[string]*Scheduler
	order      []string
	logger     *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		schedulers: make(map[string]*Scheduler),
		logger:     logger.Named("registry"),
	}
}

// Register adds s under batchID, replacing any scheduler already registered
// for that batch.
func (r *Registry) Register(batchID string, s *Scheduler) {
	if s == nil || batchID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.inRotationLocked(batchID) {
		r.order = append(r.order, batchID)
	}
	r.schedulers[batchID] = s
	r.logger.Info("Registered batch scheduler", zap.String("batch_id", batchID))
}

func (r *Registry) inRotationLocked(batchID string) bool {
	for _, id := range r.order {
		if id == batchID {
			return true
		}
	}
	return false
}

// Unregister removes the scheduler for batchID. Its slot in the rotation is
// dropped the next time the rotation reaches it.
func (r *Registry) Unregister(batchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schedulers, batchID)
}

// Get returns the scheduler for batchID.
func (r *Registry) Get(batchID string) (*Scheduler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedulers[batchID]
	return s, ok
}

// BatchIDs returns the registered batch ids in sorted order.
func (r *Registry) BatchIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.schedulers))
	for id := range r.schedulers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns the stats of every registered scheduler.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	schedulers := make([]*Scheduler, 0, len(r.schedulers))
	for _, s := range r.schedulers {
		schedulers = append(schedulers, s)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(schedulers))
	for _, s := range schedulers {
		out = append(out, s.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })
	return out
}

// Drained reports whether every registered scheduler is drained.
func (r *Registry) Drained() bool {
	r.mu.Lock()
	schedulers := make([]*Scheduler, 0, len(r.schedulers))
	for _, s := range r.schedulers {
		schedulers = append(schedulers, s)
	}
	r.mu.Unlock()

	for _, s := range schedulers {
		if !s.Drained() {
			return false
		}
	}
	return true
}

// RegisterSchedulerFor takes the next batch in the rotation, asks its
// scheduler for up to count tasks and moves the batch to the tail. Batches
// that were unregistered are dropped from the rotation and skipped.
func (r *Registry) RegisterSchedulerFor(count int) []crawler.TaskKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.order) > 0 {
		batchID := r.order[0]
		r.order = r.order[1:]
		s, ok := r.schedulers[batchID]
		if !ok {
			r.logger.Info("Dropped vanished batch from rotation", zap.String("batch_id", batchID))
			continue
		}
		r.order = append(r.order, batchID)

		tasks := s.ScheduleBatch(count)
		keys := make([]crawler.TaskKey, 0, len(tasks))
		for _, task := range tasks {
			keys = append(keys, task.Key())
		}
		return keys
	}
	return nil
}
