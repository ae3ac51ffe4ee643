package fetch

import (
	"context"
	"time"

	"proxyharvest/internal/database"
	"proxyharvest/internal/domain"
)

// Store is the slice of the pool the engine writes to.
type Store interface {
	CreateJob(ctx context.Context, job *domain.FetchJob) error
	SaveJob(ctx context.Context, job *domain.FetchJob) error
	GetJob(ctx context.Context, id uint64) (domain.FetchJob, error)
	UnfinishedJobs(ctx context.Context) ([]domain.FetchJob, error)
	FailUnfinishedJob(ctx context.Context, id uint64, message string, at time.Time) (bool, error)

	UpsertCandidates(ctx context.Context, candidates []domain.Candidate) (database.UpsertResult, error)
	RecordSourceFetch(ctx context.Context, name string, success bool, fetched int, at time.Time) error
	RecordTest(ctx context.Context, outcome database.TestOutcome) error

	GetProxiesByIDs(ctx context.Context, ids []uint64) ([]domain.Proxy, error)
	SetWorking(ctx context.Context, ids []uint64, working bool) (int64, error)
	DeleteProxies(ctx context.Context, ids []uint64) (int64, error)
}

type databaseStore struct{}

// DatabaseStore backs the engine with the database package.
func DatabaseStore() Store {
	return databaseStore{}
}

func (databaseStore) CreateJob(ctx context.Context, job *domain.FetchJob) error {
	return database.CreateJob(ctx, job)
}

func (databaseStore) SaveJob(ctx context.Context, job *domain.FetchJob) error {
	return database.SaveJob(ctx, job)
}

func (databaseStore) GetJob(ctx context.Context, id uint64) (domain.FetchJob, error) {
	return database.GetJob(ctx, id)
}

func (databaseStore) UnfinishedJobs(ctx context.Context) ([]domain.FetchJob, error) {
	return database.UnfinishedJobs(ctx)
}

func (databaseStore) FailUnfinishedJob(ctx context.Context, id uint64, message string, at time.Time) (bool, error) {
	return database.FailUnfinishedJob(ctx, id, message, at)
}

func (databaseStore) UpsertCandidates(ctx context.Context, candidates []domain.Candidate) (database.UpsertResult, error) {
	return database.UpsertCandidates(ctx, candidates)
}

func (databaseStore) RecordSourceFetch(ctx context.Context, name string, success bool, fetched int, at time.Time) error {
	return database.RecordSourceFetch(ctx, name, success, fetched, at)
}

func (databaseStore) RecordTest(ctx context.Context, outcome database.TestOutcome) error {
	return database.RecordTest(ctx, outcome)
}

func (databaseStore) GetProxiesByIDs(ctx context.Context, ids []uint64) ([]domain.Proxy, error) {
	return database.GetProxiesByIDs(ctx, ids)
}

func (databaseStore) SetWorking(ctx context.Context, ids []uint64, working bool) (int64, error) {
	return database.SetWorking(ctx, ids, working)
}

func (databaseStore) DeleteProxies(ctx context.Context, ids []uint64) (int64, error) {
	return database.DeleteProxies(ctx, ids)
}
