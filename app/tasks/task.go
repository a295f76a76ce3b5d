package tasks

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type TaskType string

const (
	TaskTypeSyncAll                TaskType = "sync_all"
	TaskTypeSyncConnectionConfig   TaskType = "sync_connection_config"
	TaskTypeRemoveConnectionConfig TaskType = "remove_connection_config"
	TaskTypePublishStableIDs       TaskType = "publish_stable_ids"
)

type taskPolicy struct {
	maxRetries int
	timeout    time.Duration // zero means no deadline
}

// Sync passes carry no deadline of their own; their outbound calls do.
var taskPolicies = map[TaskType]taskPolicy{
	TaskTypeSyncAll:                {maxRetries: 3},
	TaskTypeSyncConnectionConfig:   {maxRetries: 3, timeout: time.Minute},
	TaskTypeRemoveConnectionConfig: {maxRetries: 3, timeout: time.Minute},
	TaskTypePublishStableIDs:       {maxRetries: 5, timeout: 2 * time.Minute},
}

type TaskInterface interface {
	Execute(ctx context.Context) error
	GetID() string
	GetType() TaskType
	GetTarget() string
	GetRetryCount() int
	GetMaxRetries() int
	GetTimeout() time.Duration
	IncrementRetryCount()
	CanRetry() bool
	Start()
	GetDuration() time.Duration
}

// Task carries the bookkeeping shared by every task type.
type Task struct {
	ID         string
	Type       TaskType
	Target     string
	RetryCount int
	MaxRetries int
	Timeout    time.Duration
	StartedAt  *time.Time
}

func (t *Task) GetID() string     { return t.ID }
func (t *Task) GetType() TaskType { return t.Type }

// GetTarget names what the task works on: a connection file, or empty for
// tasks that cover every connection.
func (t *Task) GetTarget() string { return t.Target }

func (t *Task) GetRetryCount() int        { return t.RetryCount }
func (t *Task) GetMaxRetries() int        { return t.MaxRetries }
func (t *Task) GetTimeout() time.Duration { return t.Timeout }
func (t *Task) IncrementRetryCount()      { t.RetryCount++ }
func (t *Task) CanRetry() bool            { return t.RetryCount < t.MaxRetries }

func (t *Task) Start() {
	now := time.Now()
	t.StartedAt = &now
}

func (t *Task) GetDuration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return time.Since(*t.StartedAt)
}

func NewTask(taskType TaskType, target string) Task {
	policy, ok := taskPolicies[taskType]
	if !ok {
		policy = taskPolicy{maxRetries: 3, timeout: time.Minute}
	}

	return Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		Target:     target,
		MaxRetries: policy.maxRetries,
		Timeout:    policy.timeout,
	}
}
