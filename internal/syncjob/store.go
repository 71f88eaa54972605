package syncjob

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	defaultMaxErrors   = 100
	defaultRetention   = time.Hour
	defaultMaxRetained = 200
)

// StoreOptions 配置进度存储的容量与保留策略。
type StoreOptions struct {
	MaxErrors   int           // 每个任务保留的错误条数上限，超出时丢弃最旧的
	Retention   time.Duration // 终态任务在内存中的保留时长
	MaxRetained int           // 内存中保留的终态任务数上限
}

// Store 是进程内的同步任务进度存储。
//
// 所有修改都在同一把锁内完成，读者只会看到修改前或修改后的完整快照。
// 终态任务不再接受任何修改。
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*Snapshot
	opts StoreOptions
	now  func() time.Time
}

// NewStore 创建进度存储。
func NewStore(opts StoreOptions) *Store {
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = defaultMaxErrors
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.MaxRetained <= 0 {
		opts.MaxRetained = defaultMaxRetained
	}
	return &Store{
		jobs: make(map[string]*Snapshot),
		opts: opts,
		now:  time.Now,
	}
}

// Create 创建一个处于 running 状态的任务。
func (s *Store) Create(id string, total int) (Snapshot, error) {
	if total < 0 {
		total = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; ok {
		return Snapshot{}, fmt.Errorf("sync job %s already exists", id)
	}
	job := &Snapshot{
		SyncID:        id,
		Status:        StatusRunning,
		TotalProducts: total,
		StartTime:     s.now(),
		Errors:        []string{},
	}
	s.jobs[id] = job
	return job.clone(), nil
}

// Get 返回任务快照，并计算预计剩余时间。
func (s *Store) Get(id string) (Snapshot, error) {
	s.mu.RLock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.RUnlock()
		return Snapshot{}, ErrJobNotFound
	}
	snap := job.clone()
	s.mu.RUnlock()

	snap.EstimatedTimeRemaining = estimateRemaining(snap, s.now())
	return snap, nil
}

// Status 返回任务当前状态。
func (s *Store) Status(id string) (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return "", ErrJobNotFound
	}
	return job.Status, nil
}

// List 返回所有任务快照，最新创建的在前。
func (s *Store) List() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.clone())
	}
	s.mu.RUnlock()

	now := s.now()
	for i := range out {
		out[i].EstimatedTimeRemaining = estimateRemaining(out[i], now)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].SyncID < out[j].SyncID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// ActiveCount 返回 running 或 paused 的任务数。
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			n++
		}
	}
	return n
}

// mutate 在锁内修改非终态任务。
func (s *Store) mutate(id string, fn func(job *Snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return ErrJobFinished
	}
	fn(job)
	return nil
}

// SetTotal 设置任务总数，仅在尚未处理任何商品时允许。
func (s *Store) SetTotal(id string, total int) error {
	var err error
	mErr := s.mutate(id, func(job *Snapshot) {
		if job.ProcessedProducts > 0 {
			err = fmt.Errorf("sync job %s: total is fixed once processing started", id)
			return
		}
		if total < 0 {
			total = 0
		}
		job.TotalProducts = total
	})
	if mErr != nil {
		return mErr
	}
	return err
}

// IncrementProcessed 仅增加已处理计数。
//
// 结果已知时应使用 RecordSuccess / RecordFailure / RecordSkip，
// 它们在同一次修改中同时增加结果计数与已处理计数。
func (s *Store) IncrementProcessed(id string) error {
	return s.mutate(id, func(job *Snapshot) {
		job.ProcessedProducts++
	})
}

// RecordSuccess 记录一个成功的商品。
func (s *Store) RecordSuccess(id string) error {
	return s.mutate(id, func(job *Snapshot) {
		job.SuccessfulProducts++
		job.ProcessedProducts++
	})
}

// RecordFailure 记录一个失败的商品并追加错误信息。
func (s *Store) RecordFailure(id string, message string) error {
	return s.mutate(id, func(job *Snapshot) {
		job.FailedProducts++
		job.ProcessedProducts++
		s.appendErrorLocked(job, message)
	})
}

// RecordSkip 记录一个跳过的商品。
func (s *Store) RecordSkip(id string) error {
	return s.mutate(id, func(job *Snapshot) {
		job.SkippedProducts++
		job.ProcessedProducts++
	})
}

// AppendError 追加一条错误信息（不影响计数）。
func (s *Store) AppendError(id string, message string) error {
	return s.mutate(id, func(job *Snapshot) {
		s.appendErrorLocked(job, message)
	})
}

func (s *Store) appendErrorLocked(job *Snapshot, message string) {
	if message == "" {
		return
	}
	job.Errors = append(job.Errors, message)
	if over := len(job.Errors) - s.opts.MaxErrors; over > 0 {
		job.Errors = append([]string(nil), job.Errors[over:]...)
	}
}

// SetCurrentItem 设置当前正在处理的商品描述。
func (s *Store) SetCurrentItem(id string, item string) error {
	return s.mutate(id, func(job *Snapshot) {
		job.CurrentProduct = item
	})
}

// TransitionStatus 执行状态迁移。进入终态时记录结束时间。
//
// 任务不存在返回 ErrJobNotFound；迁移不合法返回包装了 ErrInvalidTransition 的错误，
// 此时任务状态不变。
func (s *Store) TransitionStatus(id string, to Status) (Snapshot, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Snapshot{}, ErrJobNotFound
	}
	from := job.Status
	if !from.CanTransition(to) {
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	job.Status = to
	if to.Terminal() {
		end := s.now()
		job.EndTime = &end
		job.CurrentProduct = ""
		s.enforceCapLocked()
	}
	snap := job.clone()
	s.mu.Unlock()

	snap.EstimatedTimeRemaining = estimateRemaining(snap, s.now())
	return snap, nil
}

// markFailed 追加错误并将任何非终态任务直接置为 failed，两步在同一把锁内完成。
//
// 只供引擎在发生引擎级错误时使用；paused 的任务也会直接失败，不经过 running。
func (s *Store) markFailed(id string, message string) (Snapshot, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Snapshot{}, ErrJobNotFound
	}
	if job.Status.Terminal() {
		s.mu.Unlock()
		return Snapshot{}, ErrJobFinished
	}
	s.appendErrorLocked(job, message)
	job.Status = StatusFailed
	end := s.now()
	job.EndTime = &end
	job.CurrentProduct = ""
	s.enforceCapLocked()
	snap := job.clone()
	s.mu.Unlock()
	return snap, nil
}

// remove 删除从未开始执行的任务（例如入队失败）。
func (s *Store) remove(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// enforceCapLocked 超出数量上限时清理结束最早的终态任务。
func (s *Store) enforceCapLocked() {
	var finished []*Snapshot
	for _, job := range s.jobs {
		if job.Status.Terminal() && job.EndTime != nil {
			finished = append(finished, job)
		}
	}
	over := len(finished) - s.opts.MaxRetained
	if over <= 0 {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].EndTime.Before(*finished[j].EndTime)
	})
	for _, job := range finished[:over] {
		delete(s.jobs, job.SyncID)
	}
}

// Sweep 清理结束时间早于保留窗口的终态任务，返回清理数量。活动任务不会被清理。
func (s *Store) Sweep() int {
	cutoff := s.now().Add(-s.opts.Retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.EndTime != nil && job.EndTime.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// estimateRemaining 按 已用时间/已处理数 * 剩余数 估算剩余毫秒数。
func estimateRemaining(snap Snapshot, now time.Time) *int64 {
	if snap.Status.Terminal() || snap.ProcessedProducts <= 0 {
		return nil
	}
	remaining := snap.TotalProducts - snap.ProcessedProducts
	if remaining < 0 {
		remaining = 0
	}
	elapsed := now.Sub(snap.StartTime)
	if elapsed < 0 {
		elapsed = 0
	}
	perItem := elapsed / time.Duration(snap.ProcessedProducts)
	ms := (perItem * time.Duration(remaining)).Milliseconds()
	return &ms
}
