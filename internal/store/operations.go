package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jkaninda/sanduku/internal/dispatch"
)

const defaultQueryLimit = 100

// RecordOperation implements the dispatcher's audit sink. Append-only:
// no update or delete path exists for operation records.
func (s *Store) RecordOperation(ctx context.Context, op dispatch.Operation) error {
	model := toOperationModel(op)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording operation: %w", err)
	}
	return nil
}

// OperationFilter narrows an operation query. Zero fields match everything.
type OperationFilter struct {
	Domain   string
	Action   string
	Resource string
	Outcome  string
	Limit    int
}

// RecentOperations returns operations newest first. Limit defaults to 100.
func (s *Store) RecentOperations(ctx context.Context, f OperationFilter) ([]dispatch.Operation, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	q := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit)

	if f.Domain != "" {
		q = q.Where("domain = ?", f.Domain)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.Resource != "" {
		q = q.Where("resource = ?", f.Resource)
	}
	if f.Outcome != "" {
		q = q.Where("outcome = ?", f.Outcome)
	}

	var models []OperationModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying operations: %w", err)
	}

	ops := make([]dispatch.Operation, len(models))
	for i := range models {
		ops[i] = toOperationDomain(&models[i])
	}
	return ops, nil
}

func toOperationModel(op dispatch.Operation) OperationModel {
	return OperationModel{
		ID:         op.ID,
		Domain:     op.Domain,
		Action:     op.Action,
		Resource:   op.Resource,
		Outcome:    string(op.Outcome),
		Error:      op.Error,
		StartedAt:  op.StartedAt,
		DurationMS: op.Duration.Milliseconds(),
	}
}

func toOperationDomain(m *OperationModel) dispatch.Operation {
	return dispatch.Operation{
		ID:        m.ID,
		Domain:    m.Domain,
		Action:    m.Action,
		Resource:  m.Resource,
		Outcome:   dispatch.Outcome(m.Outcome),
		Error:     m.Error,
		StartedAt: m.StartedAt,
		Duration:  time.Duration(m.DurationMS) * time.Millisecond,
	}
}

var _ dispatch.AuditSink = (*Store)(nil)
