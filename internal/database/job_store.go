package database

import (
	"context"
	"fmt"
	"time"

	"proxyharvest/internal/api/dto"
	"proxyharvest/internal/domain"

	"gorm.io/gorm"
)

func CreateJob(ctx context.Context, job *domain.FetchJob) error {
	db, err := conn(ctx)
	if err != nil {
		return err
	}
	if err := db.Create(job).Error; err != nil {
		return fmt.Errorf("database: create job: %w", err)
	}
	return nil
}

var unfinishedStatuses = []domain.JobStatus{domain.JobPending, domain.JobRunning}

// SaveJob writes every mutable column of the job, zero values included.
// Only pending or running rows are written: once a job reached a terminal
// state, whoever finished it owns the outcome and SaveJob returns
// ErrJobFinished.
func SaveJob(ctx context.Context, job *domain.FetchJob) error {
	db, err := conn(ctx)
	if err != nil {
		return err
	}

	res := db.Model(job).
		Where("status IN ?", unfinishedStatuses).
		Select("status", "started_at", "completed_at", "proxies_found", "proxies_new", "proxies_working",
			"sources_tried", "sources_successful", "log_messages", "error_message", "instance_id").
		Updates(job)
	if res.Error != nil {
		return fmt.Errorf("database: save job %d: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := db.Model(&domain.FetchJob{}).Where("id = ?", job.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("database: save job %d: %w", job.ID, err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrJobFinished
	}
	return nil
}

func GetJob(ctx context.Context, id uint64) (domain.FetchJob, error) {
	db, err := conn(ctx)
	if err != nil {
		return domain.FetchJob{}, err
	}

	var job domain.FetchJob
	if err := db.First(&job, id).Error; err != nil {
		return domain.FetchJob{}, notFound(err)
	}
	return job, nil
}

func ListJobs(ctx context.Context, filter dto.JobFilter, page dto.Page) (dto.PageResult[domain.FetchJob], error) {
	page = page.Normalize()
	result := dto.PageResult[domain.FetchJob]{Page: page.Number, PageSize: page.Size}

	db, err := conn(ctx)
	if err != nil {
		return result, err
	}

	query := applyJobFilter(db.Model(&domain.FetchJob{}), filter)
	if err := query.Count(&result.Count).Error; err != nil {
		return result, err
	}

	if err := query.Order("created_at DESC").Order("id DESC").
		Offset(page.Offset()).Limit(page.Size).
		Find(&result.Results).Error; err != nil {
		return result, err
	}
	return result, nil
}

func applyJobFilter(query *gorm.DB, filter dto.JobFilter) *gorm.DB {
	if filter.JobType != "" {
		query = query.Where("job_type = ?", filter.JobType)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.CreatedFrom != nil {
		query = query.Where("created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		query = query.Where("created_at <= ?", *filter.CreatedTo)
	}
	if filter.MinFound != nil {
		query = query.Where("proxies_found >= ?", *filter.MinFound)
	}
	if filter.MaxFound != nil {
		query = query.Where("proxies_found <= ?", *filter.MaxFound)
	}
	if filter.MinWorking != nil {
		query = query.Where("proxies_working >= ?", *filter.MinWorking)
	}
	if filter.MaxWorking != nil {
		query = query.Where("proxies_working <= ?", *filter.MaxWorking)
	}
	return query
}

// UnfinishedJobs returns pending and running jobs, oldest first.
func UnfinishedJobs(ctx context.Context) ([]domain.FetchJob, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var jobs []domain.FetchJob
	err = db.Where("status IN ?", unfinishedStatuses).
		Order("id").
		Find(&jobs).Error
	return jobs, err
}

// FailUnfinishedJob marks a job failed unless it already reached a terminal
// state. It reports whether the row changed.
func FailUnfinishedJob(ctx context.Context, id uint64, message string, at time.Time) (bool, error) {
	db, err := conn(ctx)
	if err != nil {
		return false, err
	}

	res := db.Model(&domain.FetchJob{}).
		Where("id = ? AND status IN ?", id, unfinishedStatuses).
		UpdateColumns(map[string]any{
			"status":        domain.JobFailed,
			"error_message": message,
			"completed_at":  at,
		})
	return res.RowsAffected > 0, res.Error
}

// ClearAllJobs deletes finished job history. Jobs still owned by a live
// controller are kept so their owner can finish writing them.
func ClearAllJobs(ctx context.Context, confirm bool) (int64, error) {
	if !confirm {
		return 0, ErrConfirmationRequired
	}
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		finished := tx.Model(&domain.FetchJob{}).Select("id").
			Where("status IN ?", []domain.JobStatus{domain.JobCompleted, domain.JobFailed})
		return tx.Model(&domain.ProxyTest{}).Where("job_id IN (?)", finished).Update("job_id", nil).Error
	})
	if err != nil {
		return 0, err
	}

	res := db.Where("status IN ?", []domain.JobStatus{domain.JobCompleted, domain.JobFailed}).Delete(&domain.FetchJob{})
	return res.RowsAffected, res.Error
}

func ClearAllTests(ctx context.Context, confirm bool) (int64, error) {
	if !confirm {
		return 0, ErrConfirmationRequired
	}
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	res := db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&domain.ProxyTest{})
	return res.RowsAffected, res.Error
}

// ListProxyTests returns the newest tests of a proxy.
func ListProxyTests(ctx context.Context, proxyID uint64, limit int) ([]domain.ProxyTest, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var tests []domain.ProxyTest
	err = db.Where("proxy_id = ?", proxyID).
		Order("tested_at DESC").Order("id DESC").
		Limit(clamp(limit, 1, 500)).
		Find(&tests).Error
	return tests, err
}
