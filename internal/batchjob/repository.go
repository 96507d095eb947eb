package batchjob

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"taskrunner/internal/apperrors"
)

// OpenPostgres opens the task runner database and runs migrations.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&BatchJob{}); err != nil {
		return nil, err
	}
	return db, nil
}

// Repository persists batch job records. The row per id is the single point
// of mutation for that job; status transitions go through UpdateStatus so
// concurrent writers (dispatcher, reconciler, cancel endpoint) cannot
// overwrite each other.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a repository on an open database handle.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Insert stores a new record. A duplicate name is a validation error, the
// name doubles as the cluster Job name and must be unique.
func (r *Repository) Insert(ctx context.Context, job *BatchJob) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperrors.ValidationFields(map[string]string{
				"name": "Fields must be unique: name",
			})
		}
		return apperrors.Internal("repository.insert", err)
	}
	return nil
}

// Get fetches one record by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*BatchJob, error) {
	var job BatchJob
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("batch job", id.String())
	}
	if err != nil {
		return nil, apperrors.Internal("repository.get", err)
	}
	return &job, nil
}

// List returns records with the given status. Input payloads are not
// included in listings.
func (r *Repository) List(ctx context.Context, status Status) ([]BatchJob, error) {
	return r.list(ctx, r.db.Where("status = ?", status))
}

// ListByStatuses returns records whose status is any of the given values.
func (r *Repository) ListByStatuses(ctx context.Context, statuses ...Status) ([]BatchJob, error) {
	return r.list(ctx, r.db.Where("status IN ?", statuses))
}

func (r *Repository) list(ctx context.Context, tx *gorm.DB) ([]BatchJob, error) {
	var jobs []BatchJob
	if err := tx.WithContext(ctx).Order("created").Find(&jobs).Error; err != nil {
		return nil, apperrors.Internal("repository.list", err)
	}
	for i := range jobs {
		jobs[i].Parameters.InputZip = nil
	}
	return jobs, nil
}

// Update applies a column delta to one record, last writer wins.
func (r *Repository) Update(ctx context.Context, id uuid.UUID, delta map[string]any) error {
	err := r.db.WithContext(ctx).Model(&BatchJob{}).Where("id = ?", id).Updates(delta).Error
	if err != nil {
		return apperrors.Internal("repository.update", err)
	}
	return nil
}

// UpdateStatus performs a compare-and-set status transition, optionally
// applying delta in the same write. It returns false when the record's
// status is no longer one of from, meaning a concurrent writer won.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, to Status, delta map[string]any, from ...Status) (bool, error) {
	updates := map[string]any{"status": to}
	for k, v := range delta {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).
		Model(&BatchJob{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, apperrors.Internal("repository.updateStatus", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ClearInputZip drops the staged input payload from the row once it has been
// uploaded, bounding row size.
func (r *Repository) ClearInputZip(ctx context.Context, id uuid.UUID) error {
	return r.Update(ctx, id, map[string]any{"input_zip": nil})
}

// Ping verifies database connectivity, used by the readiness probe.
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
