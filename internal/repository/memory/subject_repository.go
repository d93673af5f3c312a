package memory

import (
	"context"
	"sync"

	"clinical-auth/internal/models"
)

type SubjectRepository struct {
	mu       sync.RWMutex
	subjects map[string]bool
}

func NewSubjectRepository() *SubjectRepository {
	return &SubjectRepository{subjects: make(map[string]bool)}
}

// Put registers a subject or changes its active flag.
func (r *SubjectRepository) Put(subjectType models.SubjectType, subjectID string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects[subjectKey(subjectType, subjectID)] = active
}

func (r *SubjectRepository) IsActive(_ context.Context, subjectType models.SubjectType, subjectID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subjects[subjectKey(subjectType, subjectID)], nil
}

func subjectKey(subjectType models.SubjectType, subjectID string) string {
	return string(subjectType) + "/" + subjectID
}
