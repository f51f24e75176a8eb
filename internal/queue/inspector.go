package queue

import (
	"encoding/json"
	"errors"
	"time"

	"kb-rag-service/models"

	"github.com/hibiken/asynq"
)

var ErrJobNotFound = errors.New("job not found")

// JobStatus is the public view of an ingest task
type JobStatus struct {
	ID          string                  `json:"id"`
	Queue       string                  `json:"queue"`
	State       string                  `json:"state"`
	Retried     int                     `json:"retried"`
	MaxRetry    int                     `json:"max_retry"`
	LastError   string                  `json:"last_error,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	Report      *models.IngestionReport `json:"report,omitempty"`
}

// TaskInspector is the subset of *asynq.Inspector used for job lookups
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
}

// JobTracker looks up ingest tasks across the queues they can be placed on
type JobTracker struct {
	inspector TaskInspector
	queues    []string
}

func NewJobTracker(inspector TaskInspector) *JobTracker {
	return &JobTracker{inspector: inspector, queues: []string{QueueCritical, QueueDefault}}
}

func (j *JobTracker) Status(id string) (*JobStatus, error) {
	for _, q := range j.queues {
		info, err := j.inspector.GetTaskInfo(q, id)
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return statusFromInfo(info), nil
	}
	return nil, ErrJobNotFound
}

func statusFromInfo(info *asynq.TaskInfo) *JobStatus {
	s := &JobStatus{
		ID:        info.ID,
		Queue:     info.Queue,
		State:     info.State.String(),
		Retried:   info.Retried,
		MaxRetry:  info.MaxRetry,
		LastError: info.LastErr,
	}
	if !info.CompletedAt.IsZero() {
		t := info.CompletedAt
		s.CompletedAt = &t
	}
	if len(info.Result) > 0 {
		var report models.IngestionReport
		if err := json.Unmarshal(info.Result, &report); err == nil {
			s.Report = &report
		}
	}
	return s
}
