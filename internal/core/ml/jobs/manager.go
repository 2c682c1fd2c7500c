package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nutriwise-ml/internal/infrastructure/config"
	"nutriwise-ml/internal/metrics"
	"nutriwise-ml/internal/pkg/common"

	"go.uber.org/zap"
)

// QueueStatus 佇列狀態
type QueueStatus struct {
	QueueLength    int `json:"queue_length"`
	ProcessedCount int `json:"processed_count"`
	MaxQueueSize   int `json:"max_queue_size"`
	Workers        int `json:"workers"`
}

type task struct {
	job *Job
	fn  Func
}

// Manager 背景任務管理器：固定數量的 worker 消化有界佇列
type Manager struct {
	store   StatusStore
	queue   chan *task
	workers int
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	processed int64
}

// NewManager 創建任務管理器並啟動 worker
func NewManager(cfg config.TrainingConfig, store StatusStore) *Manager {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:   store,
		queue:   make(chan *task, size),
		workers: workers,
		timeout: cfg.MaxDuration,
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}

	common.LogInfo("訓練任務管理器已啟動",
		zap.Int("workers", workers),
		zap.Int("queue_size", size),
		zap.Duration("max_duration", cfg.MaxDuration),
	)
	return m
}

// Submit 建立 pending 任務並放入佇列。佇列已滿時回傳 ErrQueueFull，不會阻塞。
func (m *Manager) Submit(ctx context.Context, kind string, fn Func) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, common.ErrManagerClosed
	}
	if len(m.queue) >= cap(m.queue) {
		return nil, common.ErrQueueFull
	}

	job := &Job{
		ID:        common.GenerateUUID(),
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Save(ctx, job.clone()); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}

	accepted := job.clone()

	// 只有持鎖的 Submit 會寫入，容量已確認
	m.queue <- &task{job: job, fn: fn}
	metrics.TrainingQueueDepth.Set(float64(len(m.queue)))

	common.LogInfo("任務已加入佇列",
		zap.String("job_id", accepted.ID),
		zap.String("kind", kind),
		zap.Int("queue_length", len(m.queue)),
	)
	return accepted, nil
}

// Get 查詢任務
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, common.ErrJobNotFound
	}
	return job, nil
}

// List 所有任務，新的在前
func (m *Manager) List(ctx context.Context) ([]*Job, error) {
	return m.store.List(ctx)
}

// Status 佇列狀態
func (m *Manager) Status() *QueueStatus {
	return &QueueStatus{
		QueueLength:    len(m.queue),
		ProcessedCount: int(atomic.LoadInt64(&m.processed)),
		MaxQueueSize:   cap(m.queue),
		Workers:        m.workers,
	}
}

func (m *Manager) worker(n int) {
	defer m.wg.Done()
	for t := range m.queue {
		metrics.TrainingQueueDepth.Set(float64(len(m.queue)))
		m.run(n, t)
		atomic.AddInt64(&m.processed, 1)
	}
}

func (m *Manager) run(worker int, t *task) {
	job := t.job
	start := time.Now()

	if err := m.ctx.Err(); err != nil {
		m.finish(job, nil, fmt.Errorf("job cancelled before start: %w", err), start)
		return
	}

	started := start.UTC()
	job.Status = StatusRunning
	job.StartedAt = &started
	m.save(job)

	metrics.TrainingRunning.Inc()
	defer metrics.TrainingRunning.Dec()

	common.LogInfo("任務開始執行",
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.Int("worker", worker),
	)

	ctx := m.ctx
	var cancel context.CancelFunc
	if m.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	report := func(p Progress) {
		job.Progress = &p
		m.save(job)
	}

	res, err := m.call(ctx, t.fn, report)
	m.finish(job, res, err, start)
}

// call 執行任務主體，panic 轉為錯誤
func (m *Manager) call(ctx context.Context, fn Func, report func(Progress)) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx, report)
}

func (m *Manager) finish(job *Job, res *Result, err error, start time.Time) {
	finished := time.Now().UTC()
	job.FinishedAt = &finished

	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
		common.LogError("訓練任務失敗",
			zap.String("job_id", job.ID),
			zap.String("kind", job.Kind),
			zap.Error(err),
		)
	} else {
		job.Status = StatusSucceeded
		if res != nil {
			job.ModelID = res.ModelID
			job.ModelVersion = res.ModelVersion
			job.Metrics = res.Metrics
		}
		common.LogInfo("訓練任務完成",
			zap.String("job_id", job.ID),
			zap.String("kind", job.Kind),
			zap.Int64("model_id", job.ModelID),
			zap.Duration("duration", time.Since(start)),
		)
	}

	m.save(job)
	metrics.RecordTrainingJob(job.Kind, string(job.Status), time.Since(start))
}

// save 狀態寫入失敗只記錄，不影響任務本身
func (m *Manager) save(job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.Save(ctx, job.clone()); err != nil {
		common.LogWarn("保存任務狀態失敗", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// Close 停止接受新任務，取消執行中與排隊中的任務並等待 worker 結束
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancel()
	close(m.queue)
	m.mu.Unlock()

	m.wg.Wait()
	common.LogInfo("訓練任務管理器已關閉", zap.Int64("processed", atomic.LoadInt64(&m.processed)))
	return m.store.Close()
}
