package jobs

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps jobs in-process. Expired entries are dropped lazily.
type MemoryStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	jobs map[string]memoryEntry
}

type memoryEntry struct {
	job       Job
	expiresAt time.Time
}

// NewMemoryStore keeps each job for ttl after its last write.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:  ttl,
		now:  time.Now,
		jobs: make(map[string]memoryEntry),
	}
}

// Save stores or replaces a job.
func (m *MemoryStore) Save(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	m.putLocked(job)
	return nil
}

// Get returns a live job.
func (m *MemoryStore) Get(_ context.Context, id string) (Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.jobs[id]
	if !ok || !m.now().Before(entry.expiresAt) {
		delete(m.jobs, id)
		return Job{}, false, nil
	}
	return entry.job, true, nil
}

// Update applies fn to a live job atomically.
func (m *MemoryStore) Update(_ context.Context, id string, fn func(*Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.jobs[id]
	if !ok || !m.now().Before(entry.expiresAt) {
		delete(m.jobs, id)
		return ErrNotFound
	}
	job := entry.job
	fn(&job)
	m.putLocked(job)
	return nil
}

// Delete removes a job.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *MemoryStore) putLocked(job Job) {
	now := m.now()
	job.UpdatedAt = now.UTC()
	m.jobs[job.ID] = memoryEntry{job: job, expiresAt: now.Add(m.ttl)}
}

func (m *MemoryStore) sweepLocked() {
	now := m.now()
	for id, entry := range m.jobs {
		if !now.Before(entry.expiresAt) {
			delete(m.jobs, id)
		}
	}
}
