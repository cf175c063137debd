package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gwasflow/pkg/models"
)

// MemoryStore is an in-process Store used by single-shot runs and tests.
// It applies the same conditional update rules as PostgresStore.
type MemoryStore struct {
	mu        sync.Mutex
	workflows map[string]*models.WorkflowRun
	jobs      map[string]map[string]*memJob
	seq       int64
	keys      map[uuid.UUID]*models.APIKey
}

type memJob struct {
	seq int64
	rec models.JobRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*models.WorkflowRun),
		jobs:      make(map[string]map[string]*memJob),
		keys:      make(map[uuid.UUID]*models.APIKey),
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// --- Workflows ---

func copyWorkflow(wf *models.WorkflowRun) *models.WorkflowRun {
	c := *wf
	c.Chromosomes = append([]string(nil), wf.Chromosomes...)
	if wf.Failure != nil {
		f := *wf.Failure
		c.Failure = &f
	}
	return &c
}

func (s *MemoryStore) CreateWorkflow(_ context.Context, wf *models.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[wf.ID]; ok {
		return ErrDuplicateKey
	}
	c := copyWorkflow(wf)
	c.StatusChangedAt = statusChangedAt(wf)
	s.workflows[wf.ID] = c
	s.jobs[wf.ID] = make(map[string]*memJob)
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*models.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyWorkflow(wf), nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*models.WorkflowRun, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*models.WorkflowRun
	for _, wf := range s.workflows {
		if filter.Status != "" && wf.Status != filter.Status {
			continue
		}
		all = append(all, copyWorkflow(wf))
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	limit, offset := filter.normalize()
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *MemoryStore) ListActiveWorkflowIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []*models.WorkflowRun
	for _, wf := range s.workflows {
		if !wf.Status.Terminal() {
			active = append(active, wf)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })

	ids := make([]string, len(active))
	for i, wf := range active {
		ids[i] = wf.ID
	}
	return ids, nil
}

func (s *MemoryStore) UpdateWorkflowStatus(_ context.Context, id string, expected, next models.WorkflowStatus, opts ...WorkflowUpdateOption) error {
	if !allowed(validWorkflowTransitions, expected, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	params := &workflowUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return ErrNotFound
	}
	if wf.Status != expected {
		return fmt.Errorf("%w: current status is %s", ErrStaleState, wf.Status)
	}

	now := time.Now().UTC()
	wf.Status = next
	wf.UpdatedAt = now
	wf.StatusChangedAt = now
	if next.Terminal() {
		wf.CompletedAt = &now
	}
	if params.JobCount != nil {
		wf.JobCount = *params.JobCount
	}
	if params.JobStats != nil {
		wf.JobStats = *params.JobStats
	}
	if params.Chromosomes != nil {
		wf.Chromosomes = append([]string(nil), params.Chromosomes...)
	}
	if params.PredictionList != nil {
		wf.PredictionList = *params.PredictionList
	}
	if params.Failure != nil {
		f := *params.Failure
		wf.Failure = &f
	}
	return nil
}

func (s *MemoryStore) IncrementJobStats(_ context.Context, id string, delta models.JobStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return ErrNotFound
	}
	wf.JobStats = wf.JobStats.Add(delta)
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	if wf.CancelRequestedAt == nil {
		wf.CancelRequestedAt = &now
	}
	wf.UpdatedAt = now
	return nil
}

func (s *MemoryStore) DeleteExpiredWorkflows(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, wf := range s.workflows {
		if wf.ExpiresAt != nil && wf.ExpiresAt.Before(now) && wf.Status.Terminal() {
			delete(s.workflows, id)
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// --- Jobs ---

func (s *MemoryStore) UpsertJob(_ context.Context, job *models.JobRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, ok := s.jobs[job.WorkflowID]
	if !ok {
		return false, ErrNotFound
	}
	if _, exists := jobs[job.JobID]; exists {
		return false, nil
	}
	if job.Chromosome != "" {
		for _, j := range jobs {
			if j.rec.Chromosome == job.Chromosome {
				return false, ErrDuplicateKey
			}
		}
	}
	s.seq++
	jobs[job.JobID] = &memJob{seq: s.seq, rec: *job}
	return true, nil
}

func (s *MemoryStore) GetJob(_ context.Context, workflowID, jobID string) (*models.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[workflowID][jobID]
	if !ok {
		return nil, ErrNotFound
	}
	rec := j.rec
	return &rec, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, workflowID string) ([]*models.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*memJob, 0, len(s.jobs[workflowID]))
	for _, j := range s.jobs[workflowID] {
		entries = append(entries, j)
	}
	sort.Slice(entries, func(a, b int) bool {
		if entries[a].rec.Phase != entries[b].rec.Phase {
			return entries[a].rec.Phase < entries[b].rec.Phase
		}
		return entries[a].seq < entries[b].seq
	})

	out := make([]*models.JobRecord, len(entries))
	for i, e := range entries {
		rec := e.rec
		out[i] = &rec
	}
	return out, nil
}

func (s *MemoryStore) UpdateJobStatus(_ context.Context, workflowID, jobID string, expected, next models.JobStatus, opts ...JobUpdateOption) error {
	if !allowed(validJobTransitions, expected, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[workflowID][jobID]
	if !ok {
		return ErrNotFound
	}
	if j.rec.Status != expected {
		return fmt.Errorf("%w: current status is %s", ErrStaleState, j.rec.Status)
	}

	now := time.Now().UTC()
	j.rec.Status = next
	j.rec.UpdatedAt = now
	if next == models.JobStatusSubmitted {
		j.rec.SubmittedAt = &now
	}
	if next.Terminal() {
		j.rec.CompletedAt = &now
	}
	if params.ExternalID != nil {
		j.rec.ExternalID = *params.ExternalID
	}
	if params.ErrorCode != nil {
		j.rec.ErrorCode = *params.ErrorCode
	}
	if params.ErrorDetail != nil {
		d := *params.ErrorDetail
		j.rec.ErrorDetail = &d
	}
	return nil
}

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key.ID]; ok {
		return ErrDuplicateKey
	}
	c := *key
	s.keys[key.ID] = &c
	return nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.APIKey
	for _, k := range s.keys {
		if k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	return nil
}

var _ Store = (*MemoryStore)(nil)
