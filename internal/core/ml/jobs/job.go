package jobs

import (
	"context"
	"time"
)

// Status 任務狀態：pending → running → succeeded | failed
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Done 是否已結束
func (s Status) Done() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Progress 訓練進度
type Progress struct {
	Epoch   int     `json:"epoch"`
	Epochs  int     `json:"epochs"`
	Loss    float64 `json:"loss"`
	ValLoss float64 `json:"valLoss"`
}

// Job 任務紀錄
type Job struct {
	ID     string `json:"jobId"`
	Kind   string `json:"kind"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`

	ModelID      int64       `json:"modelId,omitempty"`
	ModelVersion string      `json:"modelVersion,omitempty"`
	Metrics      interface{} `json:"metrics,omitempty"`
	Progress     *Progress   `json:"progress,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// clone 回傳可安全交給其他 goroutine 的複本
func (j *Job) clone() *Job {
	c := *j
	if j.Progress != nil {
		p := *j.Progress
		c.Progress = &p
	}
	return &c
}

// Result 任務成功時的產出
type Result struct {
	ModelID      int64
	ModelVersion string
	Metrics      interface{}
}

// Func 任務主體。ctx 在逾時或管理器關閉時取消，report 回報進度。
type Func func(ctx context.Context, report func(Progress)) (*Result, error)

// StatusStore 任務狀態的保存位置
type StatusStore interface {
	Save(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context) ([]*Job, error)
	Close() error
}
