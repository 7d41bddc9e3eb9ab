package segmux

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mivren/segmux/internal/models"
)

// TaskState represents the current state of a queued download.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskParsing
	TaskDownloading
	TaskCompleted
	TaskFailed
	TaskCanceled
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskParsing:
		return "parsing"
	case TaskDownloading:
		return "downloading"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Task is one download in the queue.
type Task struct {
	ID         string
	URL        string
	OutputPath string
	Options    []Option
	State      TaskState
	Error      error
	Progress   TaskProgress
	Result     *models.DownloadResult
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Renditions []*Rendition
	Selected   []*Rendition

	downloader *Downloader
	cancel     context.CancelFunc
	mu         sync.RWMutex
}

// TaskProgress is a point-in-time view of a task's download.
type TaskProgress struct {
	TotalSegments     int
	CompletedSegments int
	DownloadedBytes   int64
	Retries           int
	Speed             float64 // bytes per second
	ETA               time.Duration
}

// Percent returns the download progress as a percentage.
func (p TaskProgress) Percent() float64 {
	if p.TotalSegments == 0 {
		return 0
	}
	return float64(p.CompletedSegments) / float64(p.TotalSegments) * 100
}

// Manager runs queued downloads with bounded concurrency.
type Manager struct {
	maxConcurrent int
	tasks         sync.Map // map[string]*Task
	taskOrder     []string
	orderMu       sync.RWMutex

	queue   chan *Task
	active  atomic.Int32
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool

	onStateChange func(task *Task)
	onProgress    func(task *Task)
	onComplete    func(task *Task)
	onError       func(task *Task, err error)

	// Default options applied to every task.
	defaultOptions []Option
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithMaxConcurrent sets how many downloads run at once.
func WithMaxConcurrent(n int) ManagerOption {
	return func(m *Manager) {
		if n < 1 {
			n = 1
		}
		if n > 20 {
			n = 20
		}
		m.maxConcurrent = n
	}
}

// WithDefaultOptions sets options applied to all tasks.
func WithDefaultOptions(opts ...Option) ManagerOption {
	return func(m *Manager) {
		m.defaultOptions = opts
	}
}

// WithOnStateChange sets a callback for task state changes.
func WithOnStateChange(fn func(task *Task)) ManagerOption {
	return func(m *Manager) {
		m.onStateChange = fn
	}
}

// WithOnProgress sets a callback invoked while a task downloads.
func WithOnProgress(fn func(task *Task)) ManagerOption {
	return func(m *Manager) {
		m.onProgress = fn
	}
}

// WithOnComplete sets a callback for successful completion.
func WithOnComplete(fn func(task *Task)) ManagerOption {
	return func(m *Manager) {
		m.onComplete = fn
	}
}

// WithOnError sets a callback for failed tasks.
func WithOnError(fn func(task *Task, err error)) ManagerOption {
	return func(m *Manager) {
		m.onError = fn
	}
}

// NewManager creates a download queue manager.
func NewManager(opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		maxConcurrent: 3,
		queue:         make(chan *Task, 1000),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins processing the queue.
func (m *Manager) Start() {
	if m.running.Swap(true) {
		return
	}
	for i := 0; i < m.maxConcurrent; i++ {
		m.wg.Add(1)
		go m.worker()
	}
}

// Stop stops the manager and waits for active downloads to wind down.
func (m *Manager) Stop() {
	if !m.running.Swap(false) {
		return
	}
	close(m.queue)
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) worker() {
	defer m.wg.Done()

	for task := range m.queue {
		select {
		case <-m.ctx.Done():
			return
		default:
			m.active.Add(1)
			m.processTask(task)
			m.active.Add(-1)
		}
	}
}

// AddTask queues a new download.
func (m *Manager) AddTask(id, url, output string, opts ...Option) (*Task, error) {
	if !m.running.Load() {
		return nil, fmt.Errorf("manager not started, call Start() first")
	}
	if _, exists := m.tasks.Load(id); exists {
		return nil, fmt.Errorf("task with ID %q already exists", id)
	}

	allOpts := append(append([]Option{}, m.defaultOptions...), opts...)

	task := &Task{
		ID:         id,
		URL:        url,
		OutputPath: output,
		Options:    allOpts,
		State:      TaskPending,
		CreatedAt:  time.Now(),
	}

	m.tasks.Store(id, task)
	m.orderMu.Lock()
	m.taskOrder = append(m.taskOrder, id)
	m.orderMu.Unlock()

	select {
	case m.queue <- task:
	default:
		return nil, fmt.Errorf("queue is full")
	}
	return task, nil
}

// GetTask returns a task by ID, or nil.
func (m *Manager) GetTask(id string) *Task {
	if t, ok := m.tasks.Load(id); ok {
		return t.(*Task)
	}
	return nil
}

// GetAllTasks returns all tasks in insertion order.
func (m *Manager) GetAllTasks() []*Task {
	m.orderMu.RLock()
	defer m.orderMu.RUnlock()

	tasks := make([]*Task, 0, len(m.taskOrder))
	for _, id := range m.taskOrder {
		if t, ok := m.tasks.Load(id); ok {
			tasks = append(tasks, t.(*Task))
		}
	}
	return tasks
}

// GetActiveTasks returns tasks currently parsing or downloading.
func (m *Manager) GetActiveTasks() []*Task {
	var active []*Task
	m.tasks.Range(func(_, value any) bool {
		task := value.(*Task)
		if task.State == TaskDownloading || task.State == TaskParsing {
			active = append(active, task)
		}
		return true
	})
	return active
}

// CancelTask cancels a specific task.
func (m *Manager) CancelTask(id string) error {
	t, ok := m.tasks.Load(id)
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}

	task := t.(*Task)
	task.mu.Lock()
	defer task.mu.Unlock()

	if task.State == TaskCompleted || task.State == TaskFailed {
		return fmt.Errorf("task already finished")
	}
	if task.cancel != nil {
		task.cancel()
	}
	task.State = TaskCanceled

	if m.onStateChange != nil {
		m.onStateChange(task)
	}
	return nil
}

// RemoveTask removes a finished task from the queue.
func (m *Manager) RemoveTask(id string) error {
	t, ok := m.tasks.Load(id)
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}

	task := t.(*Task)
	if task.State == TaskDownloading || task.State == TaskParsing {
		return fmt.Errorf("cannot remove active task")
	}

	m.tasks.Delete(id)

	m.orderMu.Lock()
	for i, tid := range m.taskOrder {
		if tid == id {
			m.taskOrder = append(m.taskOrder[:i], m.taskOrder[i+1:]...)
			break
		}
	}
	m.orderMu.Unlock()
	return nil
}

// Stats returns queue-level counters.
func (m *Manager) Stats() ManagerStats {
	stats := ManagerStats{}
	m.tasks.Range(func(_, value any) bool {
		task := value.(*Task)
		stats.Total++
		switch task.State {
		case TaskPending:
			stats.Pending++
		case TaskDownloading, TaskParsing:
			stats.Active++
		case TaskCompleted:
			stats.Completed++
		case TaskFailed:
			stats.Failed++
		case TaskCanceled:
			stats.Canceled++
		}
		return true
	})
	return stats
}

// ManagerStats holds queue statistics.
type ManagerStats struct {
	Total     int
	Pending   int
	Active    int
	Completed int
	Failed    int
	Canceled  int
}

func (m *Manager) processTask(task *Task) {
	ctx, cancel := context.WithCancel(m.ctx)
	task.cancel = cancel
	defer cancel()

	task.mu.Lock()
	task.StartedAt = time.Now()
	task.State = TaskParsing
	task.mu.Unlock()
	m.notifyStateChange(task)

	opts := append([]Option{
		WithManifestURL(task.URL),
		WithOutput(task.OutputPath),
	}, task.Options...)

	d, err := New(opts...)
	if err != nil {
		m.failTask(task, fmt.Errorf("create downloader: %w", err))
		return
	}
	task.downloader = d
	defer d.Close()

	if err := d.Parse(ctx); err != nil {
		m.failTask(task, fmt.Errorf("parse manifest: %w", err))
		return
	}

	task.mu.Lock()
	task.Renditions = d.Renditions()
	task.mu.Unlock()

	if err := d.Select(); err != nil {
		m.failTask(task, fmt.Errorf("select renditions: %w", err))
		return
	}

	task.mu.Lock()
	task.Selected = d.Selection()
	task.State = TaskDownloading
	total := 0
	for _, r := range task.Selected {
		total += r.SegmentCount()
	}
	task.Progress.TotalSegments = total
	task.mu.Unlock()
	m.notifyStateChange(task)

	// Poll the session counters until the download returns.
	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	go m.pollProgress(pollCtx, task, d)

	result, err := d.Download(ctx)

	task.mu.Lock()
	task.Result = result
	task.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			task.mu.Lock()
			task.State = TaskCanceled
			task.FinishedAt = time.Now()
			task.mu.Unlock()
			m.notifyStateChange(task)
			return
		}
		m.failTask(task, err)
		return
	}

	task.mu.Lock()
	task.State = TaskCompleted
	task.FinishedAt = time.Now()
	task.mu.Unlock()
	m.notifyStateChange(task)

	if m.onComplete != nil {
		m.onComplete(task)
	}
}

func (m *Manager) pollProgress(ctx context.Context, task *Task, d *Downloader) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := d.Progress()

			task.mu.Lock()
			task.Progress.CompletedSegments = int(snap.SegmentsCompleted)
			task.Progress.DownloadedBytes = snap.BytesReceived
			task.Progress.Retries = int(snap.Retries)
			task.Progress.Speed = snap.Throughput

			remaining := task.Progress.TotalSegments - task.Progress.CompletedSegments
			if snap.Throughput > 0 && snap.SegmentsCompleted > 0 {
				avgSize := float64(snap.BytesReceived) / float64(snap.SegmentsCompleted)
				task.Progress.ETA = time.Duration(float64(remaining) * avgSize / snap.Throughput * float64(time.Second))
			}
			task.mu.Unlock()

			if m.onProgress != nil {
				m.onProgress(task)
			}
		}
	}
}

func (m *Manager) failTask(task *Task, err error) {
	task.mu.Lock()
	task.State = TaskFailed
	task.Error = err
	task.FinishedAt = time.Now()
	task.mu.Unlock()

	m.notifyStateChange(task)

	if m.onError != nil {
		m.onError(task, err)
	}
}

func (m *Manager) notifyStateChange(task *Task) {
	if m.onStateChange != nil {
		m.onStateChange(task)
	}
}

// WaitForTask blocks until a specific task reaches a terminal state.
func (m *Manager) WaitForTask(id string) error {
	for {
		task := m.GetTask(id)
		if task == nil {
			return fmt.Errorf("task %q not found", id)
		}

		task.mu.RLock()
		state := task.State
		err := task.Error
		task.mu.RUnlock()

		switch state {
		case TaskCompleted:
			return nil
		case TaskFailed:
			return err
		case TaskCanceled:
			return fmt.Errorf("task canceled")
		}

		time.Sleep(100 * time.Millisecond)
	}
}

// WaitAll blocks until every queued task finishes.
func (m *Manager) WaitAll() {
	for {
		stats := m.Stats()
		if stats.Pending == 0 && stats.Active == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}
