package syncjob

import (
	"errors"
	"time"
)

var (
	// ErrJobNotFound 表示任务从未存在（或已被清理）。
	ErrJobNotFound = errors.New("sync job not found")
	// ErrInvalidTransition 表示当前状态不允许该操作。
	ErrInvalidTransition = errors.New("invalid transition for current state")
	// ErrJobFinished 表示任务已进入终态，不再接受修改。
	ErrJobFinished = errors.New("sync job already finished")
	// ErrQueueFull 表示没有空闲的执行槽位。
	ErrQueueFull = errors.New("sync job queue is full")
)

// Status 是同步任务的状态。
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCancelled},
}

// Terminal 判断是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition 判断能否从 s 迁移到 to。
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Snapshot 是同步任务在某一时刻的只读快照。
type Snapshot struct {
	SyncID                 string     `json:"syncId"`
	Status                 Status     `json:"status"`
	TotalProducts          int        `json:"totalProducts"`
	ProcessedProducts      int        `json:"processedProducts"`
	SuccessfulProducts     int        `json:"successfulProducts"`
	FailedProducts         int        `json:"failedProducts"`
	SkippedProducts        int        `json:"skippedProducts"`
	CurrentProduct         string     `json:"currentProduct,omitempty"`
	StartTime              time.Time  `json:"startTime"`
	EndTime                *time.Time `json:"endTime,omitempty"`
	Errors                 []string   `json:"errors"`
	EstimatedTimeRemaining *int64     `json:"estimatedTimeRemaining,omitempty"` // 毫秒
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Errors = append([]string(nil), s.Errors...)
	if out.Errors == nil {
		out.Errors = []string{}
	}
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	out.EstimatedTimeRemaining = nil
	return out
}
