package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/kipande/internal/security"
)

// AuditRepository implements security.AuditStore with GORM.
// Append-only: no Update or Delete methods exist on this type;
// retention pruning works on whole time ranges, never single rows.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

var _ security.AuditStore = (*AuditRepository)(nil)

// Append inserts a single audit event.
func (r *AuditRepository) Append(ctx context.Context, event security.AuditEvent) error {
	model := toAuditModel(event)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Query returns audit events, newest first. If snippetName is
// non-empty, filters to that snippet. Limit defaults to 100.
func (r *AuditRepository) Query(ctx context.Context, snippetName string, limit int) ([]security.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	q := r.db.WithContext(ctx).Order("timestamp DESC").Limit(limit)
	if snippetName != "" {
		q = q.Where("snippet = ?", snippetName)
	}

	var models []AuditEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}

	events := make([]security.AuditEvent, len(models))
	for i := range models {
		events[i] = toAuditDomain(&models[i])
	}
	return events, nil
}

// PruneBefore deletes events older than the cutoff and returns the
// number of rows removed. Called by the retention job.
func (r *AuditRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&AuditEventModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning audit events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
