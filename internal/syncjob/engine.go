// Package syncjob 实现多供应商价格/库存同步任务：进度存储、状态机与执行引擎。
package syncjob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"partsync/internal/model"
	"partsync/internal/pkg/metrics"
	"partsync/internal/pkg/queue"

	"github.com/google/uuid"
)

// Outcome 是单个商品的处理结果。
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeSkip
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "skip"
	}
}

// ItemResult 是 ItemSyncer 对一个商品的处理结果。
//
// Fatal 非空表示引擎级错误（如存储不可用），整个任务将转为 failed。
type ItemResult struct {
	Outcome Outcome
	Message string
	History *model.UpdateHistory
	Fatal   error
}

// ItemSyncer 对单个商品执行同步操作（抓取、选价、更新）。
type ItemSyncer interface {
	SyncProduct(ctx context.Context, p model.Product, force bool) ItemResult
}

// ProductSource 提供待同步的商品。
type ProductSource interface {
	ListEligibleProducts(ctx context.Context, staleBefore time.Time, limit int) ([]model.Product, error)
	ProductsByIDs(ctx context.Context, ids []uint) (map[uint]model.Product, error)
}

// HistoryWriter 写入变更历史。
type HistoryWriter interface {
	CreateHistory(ctx context.Context, h *model.UpdateHistory) error
}

// Archive 持久化终态任务快照，供内存清理后继续查询。
type Archive interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, id string) (Snapshot, error)
}

// Notifier 在任务结束时发送通知。
type Notifier interface {
	NotifySyncFinished(ctx context.Context, snap Snapshot) error
}

// Request 是一次同步请求。
type Request struct {
	ProductIDs []uint `json:"productIds"`
	BatchSize  int    `json:"batchSize"`
	Force      bool   `json:"force"`
}

// Options 配置引擎。
type Options struct {
	ItemDelay        time.Duration // 相邻商品之间的固定间隔
	StaleAfter       time.Duration // 超过该时长未同步的商品视为过期
	DefaultBatchSize int           // 未指定商品时的默认批量
	Workers          int           // 可同时执行的任务数
	QueueCapacity    int           // 等待执行的任务数上限
}

// Engine 执行同步任务。每个任务在一个 worker 上顺序处理商品，不同任务相互独立。
type Engine struct {
	store    *Store
	products ProductSource
	history  HistoryWriter
	syncer   ItemSyncer
	logger   *slog.Logger
	opts     Options
	queue    *queue.Queue

	archive  Archive
	notifier Notifier

	mu       sync.Mutex
	controls map[string]*control
}

// control 是单个任务的唤醒信号与结束通知。
type control struct {
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newControl() *control {
	return &control{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (c *control) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// NewEngine 创建同步引擎。
//
// 参数:
//
//	store: 进度存储
//	products: 商品来源
//	history: 历史写入
//	syncer: 单商品同步实现
//	logger: 日志记录器
//	opts: 引擎配置
//
// 返回值:
//
//	*Engine: 引擎实例（需调用 Start 启动 worker）
func NewEngine(store *Store, products ProductSource, history HistoryWriter, syncer ItemSyncer, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.DefaultBatchSize <= 0 {
		opts.DefaultBatchSize = 100
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 24 * time.Hour
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 16
	}
	q := queue.NewQueue(logger, opts.Workers, opts.QueueCapacity)
	q.SetErrorHandler(func(name string, err error) {
		logger.Error("sync job aborted",
			slog.String("sync_id", name),
			slog.String("error", err.Error()))
	})
	return &Engine{
		store:    store,
		products: products,
		history:  history,
		syncer:   syncer,
		logger:   logger,
		opts:     opts,
		queue:    q,
		controls: make(map[string]*control),
	}
}

// SetArchive 设置终态快照归档。
func (e *Engine) SetArchive(a Archive) {
	e.archive = a
}

// SetNotifier 设置任务结束通知。
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Store 返回进度存储。
func (e *Engine) Store() *Store {
	return e.store
}

// Start 启动 worker 池，ctx 取消后正在执行的任务会在商品边界处被取消。
func (e *Engine) Start(ctx context.Context) {
	e.queue.Start(ctx)
}

// Shutdown 等待正在执行的任务结束。仍在排队未执行的任务被置为 cancelled。
func (e *Engine) Shutdown(timeout time.Duration) error {
	err := e.queue.ShutdownWithTimeout(timeout)

	e.mu.Lock()
	pending := make(map[string]*control, len(e.controls))
	for id, ctl := range e.controls {
		pending[id] = ctl
	}
	e.mu.Unlock()
	for id, ctl := range pending {
		e.cancelOnShutdown(id)
		e.release(id, ctl)
	}
	return err
}

// QueueStats 返回 worker 池统计。
func (e *Engine) QueueStats() queue.Stats {
	return e.queue.Stats()
}

// StartSync 创建同步任务并立即返回任务 ID，处理在后台进行。
func (e *Engine) StartSync(req Request) (string, error) {
	id := uuid.NewString()

	total := 0
	if len(req.ProductIDs) > 0 {
		total = len(req.ProductIDs)
		if req.BatchSize > 0 && req.BatchSize < total {
			total = req.BatchSize
		}
	}
	if _, err := e.store.Create(id, total); err != nil {
		return "", err
	}

	ctl := newControl()
	e.mu.Lock()
	e.controls[id] = ctl
	e.mu.Unlock()
	e.updateActiveGauge()

	ok := e.queue.Enqueue(queue.Task{
		Name: id,
		Run: func(ctx context.Context) error {
			return e.run(ctx, id, req, ctl)
		},
	})
	if !ok {
		// 调用方只会收到 503，不保留这个从未执行的任务
		e.store.remove(id)
		e.release(id, ctl)
		return "", ErrQueueFull
	}
	metrics.JobQueueDepth.Set(float64(e.queue.Len()))

	e.logger.Info("sync job created",
		slog.String("sync_id", id),
		slog.Int("requested", len(req.ProductIDs)),
		slog.Int("batch_size", req.BatchSize),
		slog.Bool("force", req.Force))
	return id, nil
}

// Get 返回任务快照。内存中不存在时回退到归档。
func (e *Engine) Get(ctx context.Context, id string) (Snapshot, error) {
	snap, err := e.store.Get(id)
	if err == nil || !errors.Is(err, ErrJobNotFound) || e.archive == nil {
		return snap, err
	}
	archived, aErr := e.archive.Load(ctx, id)
	if aErr != nil {
		if !errors.Is(aErr, ErrJobNotFound) {
			e.logger.Warn("load archived sync job failed",
				slog.String("sync_id", id),
				slog.String("error", aErr.Error()))
		}
		return Snapshot{}, ErrJobNotFound
	}
	return archived, nil
}

// List 返回内存中的所有任务快照。
func (e *Engine) List() []Snapshot {
	return e.store.List()
}

// Pause 暂停任务。正在处理的商品会完成，之后循环挂起。
func (e *Engine) Pause(id string) (Snapshot, error) {
	return e.control(id, StatusPaused)
}

// Resume 恢复已暂停的任务。
func (e *Engine) Resume(id string) (Snapshot, error) {
	return e.control(id, StatusRunning)
}

// Cancel 取消任务。正在进行的外部调用不会被中断，但不会再开始下一个商品。
func (e *Engine) Cancel(id string) (Snapshot, error) {
	snap, err := e.control(id, StatusCancelled)
	if err == nil {
		e.finished(snap)
	}
	return snap, err
}

func (e *Engine) control(id string, to Status) (Snapshot, error) {
	snap, err := e.store.TransitionStatus(id, to)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	ctl := e.controls[id]
	e.mu.Unlock()
	if ctl != nil {
		ctl.signal()
	}
	e.logger.Info("sync job status changed",
		slog.String("sync_id", id),
		slog.String("status", string(to)))
	return snap, nil
}

// Wait 阻塞直到任务循环结束或 ctx 取消，返回最终快照。
func (e *Engine) Wait(ctx context.Context, id string) (Snapshot, error) {
	e.mu.Lock()
	ctl := e.controls[id]
	e.mu.Unlock()
	if ctl != nil {
		select {
		case <-ctl.done:
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
	return e.Get(ctx, id)
}

// run 是单个任务的处理循环。
func (e *Engine) run(ctx context.Context, id string, req Request, ctl *control) (err error) {
	metrics.JobQueueDepth.Set(float64(e.queue.Len()))
	defer e.release(id, ctl)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync job %s panic: %v", id, r)
			e.fail(id, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if !e.waitRunnable(ctx, id, ctl) {
		return nil
	}

	items, err := e.loadItems(ctx, req)
	if err != nil {
		e.fail(id, fmt.Sprintf("load products: %v", err))
		return err
	}
	if len(req.ProductIDs) == 0 {
		if err := e.store.SetTotal(id, len(items)); err != nil && !errors.Is(err, ErrJobFinished) {
			e.fail(id, err.Error())
			return err
		}
	}

	e.logger.Info("sync job started",
		slog.String("sync_id", id),
		slog.Int("total", len(items)))

	for i, it := range items {
		if !e.waitRunnable(ctx, id, ctl) {
			return nil
		}

		if err := e.processItem(ctx, id, it, req.Force); err != nil {
			e.fail(id, err.Error())
			return err
		}

		if i < len(items)-1 && e.opts.ItemDelay > 0 {
			if !e.pace(ctx, id, ctl, time.Now().Add(e.opts.ItemDelay)) {
				return nil
			}
		}
	}

	if !e.waitRunnable(ctx, id, ctl) {
		return nil
	}
	snap, tErr := e.store.TransitionStatus(id, StatusCompleted)
	if tErr != nil {
		// 与 Cancel 竞争失败，任务已是终态
		return nil
	}
	e.finished(snap)
	e.logger.Info("sync job completed",
		slog.String("sync_id", id),
		slog.Int("successful", snap.SuccessfulProducts),
		slog.Int("failed", snap.FailedProducts),
		slog.Int("skipped", snap.SkippedProducts))
	return nil
}

// waitRunnable 在商品边界检查任务状态：running 返回 true；paused 时挂起直到被唤醒；
// 终态或进程退出时返回 false。
func (e *Engine) waitRunnable(ctx context.Context, id string, ctl *control) bool {
	for {
		if ctx.Err() != nil {
			e.cancelOnShutdown(id)
			return false
		}
		status, err := e.store.Status(id)
		if err != nil {
			return false
		}
		switch status {
		case StatusRunning:
			return true
		case StatusPaused:
			select {
			case <-ctl.wake:
			case <-ctx.Done():
			}
		default:
			return false
		}
	}
}

// pace 等到 deadline 再开始下一个商品。期间被暂停时先挂起，恢复后只等剩余时间；
// 任务被取消或进程退出时返回 false。
func (e *Engine) pace(ctx context.Context, id string, ctl *control, deadline time.Time) bool {
	for {
		if !e.waitRunnable(ctx, id, ctl) {
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		timer := time.NewTimer(remaining)
		select {
		case <-timer.C:
			return true
		case <-ctl.wake:
		case <-ctx.Done():
		}
		timer.Stop()
	}
}

func (e *Engine) cancelOnShutdown(id string) {
	if err := e.store.AppendError(id, "sync cancelled: service shutting down"); err != nil {
		return
	}
	if snap, err := e.store.TransitionStatus(id, StatusCancelled); err == nil {
		e.finished(snap)
	}
}

// workItem 是待处理的商品；Product 为空表示请求中的 ID 不存在。
type workItem struct {
	ID      uint
	Product *model.Product
}

func (e *Engine) loadItems(ctx context.Context, req Request) ([]workItem, error) {
	if len(req.ProductIDs) == 0 {
		limit := req.BatchSize
		if limit <= 0 {
			limit = e.opts.DefaultBatchSize
		}
		products, err := e.products.ListEligibleProducts(ctx, time.Now().Add(-e.opts.StaleAfter), limit)
		if err != nil {
			return nil, err
		}
		items := make([]workItem, 0, len(products))
		for i := range products {
			p := products[i]
			items = append(items, workItem{ID: p.ID, Product: &p})
		}
		return items, nil
	}

	ids := req.ProductIDs
	if req.BatchSize > 0 && req.BatchSize < len(ids) {
		ids = ids[:req.BatchSize]
	}
	found, err := e.products.ProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	items := make([]workItem, 0, len(ids))
	for _, id := range ids {
		it := workItem{ID: id}
		if p, ok := found[id]; ok {
			it.Product = &p
		}
		items = append(items, it)
	}
	return items, nil
}

// processItem 处理一个商品并记录结果。返回非空错误表示引擎级失败。
func (e *Engine) processItem(ctx context.Context, id string, it workItem, force bool) error {
	if it.Product == nil {
		_ = e.store.SetCurrentItem(id, fmt.Sprintf("product #%d", it.ID))
		e.record(id, OutcomeSkip, "")
		e.logger.Warn("sync product not found",
			slog.String("sync_id", id),
			slog.Uint64("product_id", uint64(it.ID)))
		return nil
	}

	p := *it.Product
	_ = e.store.SetCurrentItem(id, describe(p))

	res := e.syncer.SyncProduct(ctx, p, force)
	if res.Fatal != nil {
		return fmt.Errorf("product %s: %w", label(p), res.Fatal)
	}

	msg := ""
	if res.Outcome == OutcomeFailure {
		msg = fmt.Sprintf("Product %s: %s", label(p), res.Message)
	}
	// 任务在处理期间被取消时结果不计入，也不写历史
	if e.record(id, res.Outcome, msg) && res.Outcome != OutcomeSkip {
		e.writeHistory(ctx, id, p, res)
	}

	level := slog.LevelDebug
	if res.Outcome == OutcomeFailure {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "sync product processed",
		slog.String("sync_id", id),
		slog.Uint64("product_id", uint64(p.ID)),
		slog.String("stock_code", p.StockCode),
		slog.String("outcome", res.Outcome.String()),
		slog.String("message", res.Message))
	return nil
}

// record 记录商品结果，任务已结束时返回 false。
func (e *Engine) record(id string, outcome Outcome, msg string) bool {
	var err error
	switch outcome {
	case OutcomeSuccess:
		err = e.store.RecordSuccess(id)
	case OutcomeFailure:
		err = e.store.RecordFailure(id, msg)
	default:
		err = e.store.RecordSkip(id)
	}
	if err != nil {
		return false
	}
	metrics.SyncItemsTotal.WithLabelValues(outcome.String()).Inc()
	return true
}

func (e *Engine) writeHistory(ctx context.Context, id string, p model.Product, res ItemResult) {
	if e.history == nil {
		return
	}
	h := res.History
	if h == nil {
		h = &model.UpdateHistory{
			ProductID:  p.ID,
			UpdateType: model.UpdateTypeSync,
		}
	}
	h.SyncID = id
	h.IsSuccessful = res.Outcome == OutcomeSuccess
	if !h.IsSuccessful && h.ErrorMessage == "" {
		h.ErrorMessage = res.Message
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now()
	}
	if err := e.history.CreateHistory(ctx, h); err != nil {
		e.logger.Warn("write update history failed",
			slog.String("sync_id", id),
			slog.Uint64("product_id", uint64(p.ID)),
			slog.String("error", err.Error()))
	}
}

// fail 记录引擎级错误并将任务置为 failed。
func (e *Engine) fail(id string, message string) {
	snap, err := e.store.markFailed(id, message)
	if err != nil {
		// 已被取消或已结束
		return
	}
	e.logger.Error("sync job failed",
		slog.String("sync_id", id),
		slog.String("error", message))
	e.finished(snap)
}

// finished 处理进入终态后的指标、归档与通知。
func (e *Engine) finished(snap Snapshot) {
	metrics.SyncJobsTotal.WithLabelValues(string(snap.Status)).Inc()
	e.updateActiveGauge()

	if e.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := e.archive.Save(ctx, snap); err != nil {
			e.logger.Warn("archive sync job failed",
				slog.String("sync_id", snap.SyncID),
				slog.String("error", err.Error()))
		}
		cancel()
	}

	if e.notifier != nil && (snap.Status == StatusFailed || (snap.Status == StatusCompleted && snap.FailedProducts > 0)) {
		go func(n Notifier) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := n.NotifySyncFinished(ctx, snap); err != nil {
				e.logger.Warn("sync notification failed",
					slog.String("sync_id", snap.SyncID),
					slog.String("error", err.Error()))
			}
		}(e.notifier)
	}
}

func (e *Engine) release(id string, ctl *control) {
	e.mu.Lock()
	if e.controls[id] == ctl {
		delete(e.controls, id)
	}
	e.mu.Unlock()
	ctl.once.Do(func() {
		close(ctl.done)
	})
	e.updateActiveGauge()
}

func (e *Engine) updateActiveGauge() {
	metrics.SyncJobsActive.Set(float64(e.store.ActiveCount()))
}

func label(p model.Product) string {
	if p.StockCode != "" {
		return p.StockCode
	}
	return fmt.Sprintf("#%d", p.ID)
}

func describe(p model.Product) string {
	if p.Name == "" {
		return label(p)
	}
	return fmt.Sprintf("%s - %s", label(p), p.Name)
}
