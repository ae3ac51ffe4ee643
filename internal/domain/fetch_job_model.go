package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type JobType string

const (
	JobTypePremium JobType = "premium"
	JobTypePublic  JobType = "public"
	JobTypeBasic   JobType = "basic"
	JobTypeUnified JobType = "unified"
)

func JobTypes() []JobType {
	return []JobType{JobTypePremium, JobTypePublic, JobTypeBasic, JobTypeUnified}
}

func ParseJobType(raw string) (JobType, error) {
	jobType := JobType(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range JobTypes() {
		if jobType == known {
			return jobType, nil
		}
	}
	return "", fmt.Errorf("unknown job type %q", raw)
}

// Tiers returns the source tiers a job of this type draws from.
func (t JobType) Tiers() []Tier {
	switch t {
	case JobTypePremium:
		return []Tier{TierPremium}
	case JobTypePublic:
		return []Tier{TierPublic}
	case JobTypeBasic:
		return []Tier{TierBasic}
	case JobTypeUnified:
		return Tiers()
	default:
		return nil
	}
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func JobStatuses() []JobStatus {
	return []JobStatus{JobPending, JobRunning, JobCompleted, JobFailed}
}

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type FetchJob struct {
	ID                uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	JobType           JobType    `gorm:"size:20;not null;index" json:"job_type"`
	Status            JobStatus  `gorm:"size:20;not null;index" json:"status"`
	StartedAt         *time.Time `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at"`
	ProxiesFound      uint64     `gorm:"not null;default:0" json:"proxies_found"`
	ProxiesNew        uint64     `gorm:"not null;default:0" json:"proxies_new"`
	ProxiesWorking    uint64     `gorm:"not null;default:0" json:"proxies_working"`
	SourcesTried      uint32     `gorm:"not null;default:0" json:"sources_tried"`
	SourcesSuccessful uint32     `gorm:"not null;default:0" json:"sources_successful"`
	ValidateProxies   bool       `gorm:"not null" json:"validate_proxies"`
	Timeout           int        `gorm:"not null" json:"timeout"`
	MaxWorkers        int        `gorm:"not null" json:"max_workers"`
	LogMessages       JobLog     `gorm:"type:text" json:"log_messages"`
	ErrorMessage      string     `gorm:"type:text;default:''" json:"error_message"`
	InstanceID        string     `gorm:"size:128;index" json:"-"`
	CreatedAt         time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
}

// Duration is completed_at - started_at once both are known.
func (job *FetchJob) Duration() (time.Duration, bool) {
	if job.StartedAt == nil || job.CompletedAt == nil {
		return 0, false
	}
	return job.CompletedAt.Sub(*job.StartedAt), true
}

type fetchJobJSON FetchJob

func (job FetchJob) MarshalJSON() ([]byte, error) {
	var duration *float64
	if d, ok := job.Duration(); ok {
		seconds := Round2(d.Seconds())
		duration = &seconds
	}
	return json.Marshal(struct {
		fetchJobJSON
		Duration *float64 `json:"duration"`
	}{
		fetchJobJSON: fetchJobJSON(job),
		Duration:     duration,
	})
}
