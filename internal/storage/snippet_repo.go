package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/jkaninda/kipande/internal/registry"
	"github.com/jkaninda/kipande/internal/snippet"
)

// SnippetRepository implements registry.Store with GORM.
type SnippetRepository struct {
	db *gorm.DB
}

// NewSnippetRepository creates a SnippetRepository.
func NewSnippetRepository(db *gorm.DB) *SnippetRepository {
	return &SnippetRepository{db: db}
}

var _ registry.Store = (*SnippetRepository)(nil)

func (r *SnippetRepository) Get(ctx context.Context, name string) (*snippet.Snippet, error) {
	var model SnippetModel
	err := r.db.WithContext(ctx).First(&model, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, registry.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading snippet %q: %w", name, err)
	}
	return toSnippetDomain(&model), nil
}

func (r *SnippetRepository) List(ctx context.Context) ([]snippet.Snippet, error) {
	var models []SnippetModel
	if err := r.db.WithContext(ctx).Order("name").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing snippets: %w", err)
	}
	out := make([]snippet.Snippet, len(models))
	for i := range models {
		out[i] = *toSnippetDomain(&models[i])
	}
	return out, nil
}

func (r *SnippetRepository) Create(ctx context.Context, sn *snippet.Snippet) error {
	if err := snippet.ValidateName(sn.Name); err != nil {
		return err
	}
	now := time.Now().UTC()
	sn.CreatedAt, sn.UpdatedAt = now, now
	model := toSnippetModel(sn)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isDuplicate(err) {
			return registry.ErrExists
		}
		return fmt.Errorf("creating snippet %q: %w", sn.Name, err)
	}
	return nil
}

func (r *SnippetRepository) Update(ctx context.Context, sn *snippet.Snippet) error {
	sn.UpdatedAt = time.Now().UTC()
	model := toSnippetModel(sn)
	res := r.db.WithContext(ctx).Model(&SnippetModel{}).Where("name = ?", sn.Name).
		Select("Code", "Enabled", "Buffer", "Description", "LastParameters", "UpdatedAt").
		Updates(&model)
	if res.Error != nil {
		return fmt.Errorf("updating snippet %q: %w", sn.Name, res.Error)
	}
	if res.RowsAffected == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (r *SnippetRepository) Delete(ctx context.Context, name string) error {
	res := r.db.WithContext(ctx).Delete(&SnippetModel{}, "name = ?", name)
	if res.Error != nil {
		return fmt.Errorf("deleting snippet %q: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (r *SnippetRepository) SetEnabled(ctx context.Context, name string, enabled bool) error {
	res := r.db.WithContext(ctx).Model(&SnippetModel{}).Where("name = ?", name).
		Updates(map[string]any{"enabled": enabled, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("toggling snippet %q: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (r *SnippetRepository) SaveLastParameters(ctx context.Context, name string, params map[string]string) error {
	res := r.db.WithContext(ctx).Model(&SnippetModel{}).Where("name = ?", name).
		Update("last_parameters", marshalParams(params))
	if res.Error != nil {
		return fmt.Errorf("saving last parameters for %q: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (r *SnippetRepository) SurfaceFlags(ctx context.Context) (registry.SurfaceFlags, error) {
	var model SurfaceFlagModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// No row yet means nothing has been enabled.
		return registry.SurfaceFlags{}, nil
	}
	if err != nil {
		return registry.SurfaceFlags{}, fmt.Errorf("loading surface flags: %w", err)
	}
	return registry.SurfaceFlags{
		Widget:  model.Widget,
		Excerpt: model.Excerpt,
		Comment: model.Comment,
		Feed:    model.Feed,
	}, nil
}

func (r *SnippetRepository) SetSurfaceFlags(ctx context.Context, flags registry.SurfaceFlags) error {
	model := SurfaceFlagModel{
		ID:        1,
		Widget:    flags.Widget,
		Excerpt:   flags.Excerpt,
		Comment:   flags.Comment,
		Feed:      flags.Feed,
		UpdatedAt: time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).Save(&model).Error
	if err != nil {
		return fmt.Errorf("saving surface flags: %w", err)
	}
	return nil
}

// isDuplicate recognizes unique-constraint violations across both
// backends: GORM's translated error for SQLite and the raw pgx error
// for PostgreSQL.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
