package journal

import (
	"context"
	"fmt"
	"sync"

	"github.com/mediacrawler/harvester/internal/model"
)

// Registry owns the journals of all jobs known to the process.
type Registry struct {
	mx       sync.RWMutex
	journals map[string]*Journal
}

func NewRegistry() *Registry {
	return &Registry{journals: make(map[string]*Journal)}
}

// Create records task_created in the journal of jobID. A journal opened
// earlier by the login session of the same job is kept unless it is sealed.
func (r *Registry) Create(ctx context.Context, jobID string, platform model.Platform) *Journal {
	r.mx.Lock()
	j, ok := r.journals[jobID]
	if !ok || j.Sealed() {
		j = New(jobID, platform)
		r.journals[jobID] = j
	}
	j.owned = true
	r.mx.Unlock()
	j.Log(ctx, model.EventTaskCreated, fmt.Sprintf("task created: platform=%s", platform),
		map[string]any{"platform": string(platform)}, nil)
	return j
}

// Ensure returns the journal of jobID, creating an empty one if needed.
func (r *Registry) Ensure(jobID string, platform model.Platform) *Journal {
	r.mx.Lock()
	defer r.mx.Unlock()
	j, ok := r.journals[jobID]
	if !ok {
		j = New(jobID, platform)
		r.journals[jobID] = j
	}
	return j
}

func (r *Registry) Get(jobID string) (*Journal, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	j, ok := r.journals[jobID]
	return j, ok
}

// Events returns the newest limit events of a job, oldest first, or nil
// for an unknown job.
func (r *Registry) Events(jobID string, limit int) []model.TaskEvent {
	j, ok := r.Get(jobID)
	if !ok {
		return nil
	}
	return j.Recent(limit)
}

// Release drops the journal of jobID unless a job registered it with
// Create. Login sessions release the journals they opened with Ensure.
func (r *Registry) Release(jobID string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	j, ok := r.journals[jobID]
	if !ok || j.owned {
		return false
	}
	delete(r.journals, jobID)
	return true
}

func (r *Registry) Delete(jobID string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	delete(r.journals, jobID)
}

type Stats struct {
	Journals int `json:"journals"`
	Events   int `json:"total_events"`
}

func (r *Registry) Stats() Stats {
	r.mx.RLock()
	defer r.mx.RUnlock()
	s := Stats{Journals: len(r.journals)}
	for _, j := range r.journals {
		s.Events += j.Len()
	}
	return s
}
