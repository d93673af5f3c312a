package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"clinical-auth/internal/models"
	"clinical-auth/internal/util"
)

// SubjectRepository reads the account status that gates authentication. Rows are written
// by the account service; unknown subjects are treated as inactive.
type SubjectRepository struct {
	client *ScyllaClient
}

func NewSubjectRepository(client *ScyllaClient) *SubjectRepository {
	return &SubjectRepository{client: client}
}

func (r *SubjectRepository) IsActive(ctx context.Context, subjectType models.SubjectType, subjectID string) (bool, error) {
	var active bool
	query := r.client.Query(ctx, r.client.Prepared.GetSubjectActive, string(subjectType), subjectID)
	if err := r.client.ScanWithRetry(query, &active); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return false, nil
		}
		util.Error("Failed to read subject status",
			zap.String("subject_type", string(subjectType)),
			zap.String("subject_id", subjectID),
			zap.Error(err))
		return false, fmt.Errorf("failed to read subject status: %w", err)
	}
	return active, nil
}

// Put registers a subject or changes its active flag.
func (r *SubjectRepository) Put(ctx context.Context, subjectType models.SubjectType, subjectID string, active bool) error {
	query := r.client.Query(ctx, r.client.Prepared.PutSubject, string(subjectType), subjectID, active, time.Now().UTC())
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to store subject", zap.String("subject_id", subjectID), zap.Error(err))
		return fmt.Errorf("failed to store subject: %w", err)
	}
	util.Info("Subject status updated",
		zap.String("subject_type", string(subjectType)),
		zap.String("subject_id", subjectID),
		zap.Bool("active", active))
	return nil
}
