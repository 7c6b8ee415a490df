package storage

import (
	"time"

	"github.com/google/uuid"
)

// SnippetModel maps to the "snippets" table. The snippet name is the
// primary key; names are unique by construction.
type SnippetModel struct {
	Name           string `gorm:"primaryKey;size:50"`
	Code           string `gorm:"type:text;not null"`
	Enabled        bool   `gorm:"not null;default:false;index"`
	Buffer         bool   `gorm:"not null;default:false"`
	Description    string `gorm:"type:text"`
	LastParameters string `gorm:"type:text"` // JSON object, empty when unset.
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (SnippetModel) TableName() string { return "snippets" }

// SurfaceFlagModel maps to the "surface_flags" table. A single row
// (id=1) holds the global per-surface execution toggles.
type SurfaceFlagModel struct {
	ID        int  `gorm:"primaryKey"`
	Widget    bool `gorm:"not null;default:false"`
	Excerpt   bool `gorm:"not null;default:false"`
	Comment   bool `gorm:"not null;default:false"`
	Feed      bool `gorm:"not null;default:false"`
	UpdatedAt time.Time
}

func (SurfaceFlagModel) TableName() string { return "surface_flags" }

// AuditEventModel maps to the "audit_events" table. Append-only.
type AuditEventModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Timestamp     time.Time `gorm:"not null;index"`
	CorrelationID string    `gorm:"index"`
	ActorID       string    `gorm:"index"`
	Snippet       string    `gorm:"index"`
	Status        string    `gorm:"not null"`
	Message       string
	Surface       string
	DurationMS    int64
	Attributes    string `gorm:"type:text"` // JSON object, empty when unset.
	CreatedAt     time.Time
}

func (AuditEventModel) TableName() string { return "audit_events" }
