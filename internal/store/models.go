package store

import "time"

// OperationModel maps to the "operations" table.
// No UpdatedAt or DeletedAt: the operation log is append-only.
type OperationModel struct {
	ID         string `gorm:"primaryKey;size:36"`
	Domain     string `gorm:"not null;index:idx_operations_domain_action"`
	Action     string `gorm:"not null;index:idx_operations_domain_action"`
	Resource   string `gorm:"index"`
	Outcome    string `gorm:"not null;index"`
	Error      string `gorm:"type:text"`
	StartedAt  time.Time `gorm:"index"`
	DurationMS int64     `gorm:"not null"`
	CreatedAt  time.Time
}

func (OperationModel) TableName() string { return "operations" }

// SandboxInstanceModel maps to the "sandbox_instances" table.
type SandboxInstanceModel struct {
	ID         string `gorm:"primaryKey;size:36"`
	Name       string `gorm:"not null;index"`
	ConfigPath string
	MemoryMB   int
	State      string     `gorm:"not null;index"`
	CreatedAt  time.Time  `gorm:"index"`
	EndedAt    *time.Time // nil while the session is running.
	UpdatedAt  time.Time
}

func (SandboxInstanceModel) TableName() string { return "sandbox_instances" }
