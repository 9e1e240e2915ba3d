package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jkaninda/sanduku/internal/wsb"
)

// RecordLaunch implements the sandbox manager's instance store.
func (s *Store) RecordLaunch(ctx context.Context, inst wsb.Instance) error {
	model := toInstanceModel(inst)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording sandbox launch: %w", err)
	}
	return nil
}

// RecordState updates a session's terminal state. Repeated updates for
// one ID are tolerated; the last writer wins.
func (s *Store) RecordState(ctx context.Context, id string, state wsb.InstanceState, endedAt time.Time) error {
	updates := map[string]any{"state": string(state)}
	if !endedAt.IsZero() {
		updates["ended_at"] = endedAt
	}

	res := s.db.WithContext(ctx).
		Model(&SandboxInstanceModel{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("updating sandbox instance %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sandbox instance %s not found", id)
	}
	return nil
}

// Sessions returns sandbox sessions newest first. Limit defaults to 100.
func (s *Store) Sessions(ctx context.Context, limit int) ([]wsb.Instance, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var models []SandboxInstanceModel
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("querying sandbox sessions: %w", err)
	}

	instances := make([]wsb.Instance, len(models))
	for i := range models {
		instances[i] = toInstanceDomain(&models[i])
	}
	return instances, nil
}

func toInstanceModel(inst wsb.Instance) SandboxInstanceModel {
	m := SandboxInstanceModel{
		ID:         inst.ID,
		Name:       inst.Name,
		ConfigPath: inst.ConfigPath,
		MemoryMB:   inst.MemoryMB,
		State:      string(inst.State),
		CreatedAt:  inst.CreatedAt,
	}
	if !inst.EndedAt.IsZero() {
		ended := inst.EndedAt
		m.EndedAt = &ended
	}
	return m
}

func toInstanceDomain(m *SandboxInstanceModel) wsb.Instance {
	inst := wsb.Instance{
		ID:         m.ID,
		Name:       m.Name,
		ConfigPath: m.ConfigPath,
		MemoryMB:   m.MemoryMB,
		State:      wsb.InstanceState(m.State),
		CreatedAt:  m.CreatedAt,
	}
	if m.EndedAt != nil {
		inst.EndedAt = *m.EndedAt
	}
	return inst
}

var _ wsb.InstanceStore = (*Store)(nil)
