package tracker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudQuant/TradingAgents-CN-sub005/errs"
	"github.com/cloudQuant/TradingAgents-CN-sub005/logging"
)

// Status 任务状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal 是否终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrTerminal 终态任务不可再修改。
var ErrTerminal = errors.New("task already finished")

// ErrProgressBackwards 已完成单元数不允许回退。
var ErrProgressBackwards = errors.New("task progress cannot decrease")

// Progress 进度。
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// UnitDetail 单个失败单元的明细。
type UnitDetail struct {
	Index  int               `json:"index"`
	Params map[string]string `json:"params,omitempty"`
	Kind   string            `json:"kind"`
	Error  string            `json:"error"`
}

// Result 执行结果汇总。
type Result struct {
	SuccessCount int          `json:"success_count"`
	FailedCount  int          `json:"failed_count"`
	SkippedCount int          `json:"skipped_count"`
	Inserted     int          `json:"inserted"`
	Updated      int          `json:"updated"`
	Details      []UnitDetail `json:"details"`
}

// Task 一次刷新请求的异步执行单元。
type Task struct {
	ID         string     `json:"task_id"`
	Collection string     `json:"collection"`
	Status     Status     `json:"status"`
	Progress   Progress   `json:"progress"`
	Message    string     `json:"message"`
	Error      string     `json:"error,omitempty"`
	Result     Result     `json:"result"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Percent 完成百分比。
func (t Task) Percent() int {
	if t.Progress.Total <= 0 {
		if t.Status.Terminal() {
			return 100
		}
		return 0
	}
	return t.Progress.Done * 100 / t.Progress.Total
}

// clone 深拷贝，避免调用方与内部状态共享切片/map。
func (t Task) clone() Task {
	cp := t
	if t.Result.Details != nil {
		cp.Result.Details = make([]UnitDetail, len(t.Result.Details))
		for i, d := range t.Result.Details {
			dd := d
			if d.Params != nil {
				dd.Params = make(map[string]string, len(d.Params))
				for k, v := range d.Params {
					dd.Params[k] = v
				}
			}
			cp.Result.Details[i] = dd
		}
	}
	return cp
}

// entry 维护任务及其协作式取消句柄。
type entry struct {
	task      Task
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

// Manager 任务跟踪器：所有读写都经过互斥锁。
type Manager struct {
	mu    sync.RWMutex
	tasks map[string]*entry
	now   func() time.Time
}

// NewManager 构造。
func NewManager() *Manager { return &Manager{tasks: map[string]*entry{}, now: time.Now} }

// SetClock 替换时钟（测试用）。
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Create 创建 pending 任务，ID 为 uuid v4。
func (m *Manager) Create(collection string, total int) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	t := Task{
		ID:         uuid.NewString(),
		Collection: collection,
		Status:     StatusPending,
		Progress:   Progress{Total: total},
		Message:    "task created",
		CreatedAt:  m.now(),
	}
	m.tasks[t.ID] = &entry{task: t, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	return t.clone()
}

func (m *Manager) lookup(id string) (*entry, error) {
	e, ok := m.tasks[id]
	if !ok {
		return nil, &errs.TaskNotFoundError{ID: id}
	}
	return e, nil
}

// Get 查询任务快照。
func (m *Manager) Get(id string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.lookup(id)
	if err != nil {
		return Task{}, err
	}
	return e.task.clone(), nil
}

// Start pending -> running。
func (m *Manager) Start(id string) error {
	return m.Update(id, func(t *Task) {
		if t.Status == StatusPending {
			now := m.now()
			t.Status = StatusRunning
			t.StartedAt = &now
			t.Message = "running"
		}
	})
}

// Update 在锁内修改任务。
// 终态任务拒绝修改；fn 不得修改状态为终态（使用 Finish）。
func (m *Manager) Update(id string, fn func(t *Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	if e.task.Status.Terminal() {
		return ErrTerminal
	}
	next := e.task.clone()
	fn(&next)
	if next.Progress.Done < e.task.Progress.Done {
		return ErrProgressBackwards
	}
	next.ID, next.CreatedAt = e.task.ID, e.task.CreatedAt
	if next.Status.Terminal() {
		next.Status = e.task.Status
	}
	e.task = next
	return nil
}

// Finish 写入终态；之后任务不可变。
func (m *Manager) Finish(id string, status Status, message, errMsg string) error {
	if !status.Terminal() {
		return errors.New("finish requires a terminal status")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	if e.task.Status.Terminal() {
		return ErrTerminal
	}
	now := m.now()
	e.task.Status = status
	e.task.Message = message
	e.task.Error = errMsg
	e.task.FinishedAt = &now
	if e.task.StartedAt == nil {
		e.task.StartedAt = &now
	}
	e.cancel()
	close(e.done)
	return nil
}

// Cancel 设置协作式取消标记；终态任务返回 false。
func (m *Manager) Cancel(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(id)
	if err != nil {
		return false, err
	}
	if e.task.Status.Terminal() {
		return false, nil
	}
	if !e.cancelled {
		e.cancelled = true
		e.task.Message = "cancellation requested"
		e.cancel()
	}
	return true, nil
}

// CancelRequested 是否已请求取消。
func (m *Manager) CancelRequested(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tasks[id]
	return ok && e.cancelled
}

// Context 返回在取消请求（或终态）时关闭的上下文。
func (m *Manager) Context(id string) (context.Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.ctx, nil
}

// Done 返回任务进入终态时关闭的通道。
func (m *Manager) Done(id string) (<-chan struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.done, nil
}

// List 按创建时间倒序返回任务快照。
func (m *Manager) List() []Task {
	m.mu.RLock()
	out := make([]Task, 0, len(m.tasks))
	for _, e := range m.tasks {
		out = append(out, e.task.clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Active 未终态任务ID。
func (m *Manager) Active() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0)
	for id, e := range m.tasks {
		if !e.task.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Counts 各状态任务数。
func (m *Manager) Counts() map[Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[Status]int{}
	for _, e := range m.tasks {
		out[e.task.Status]++
	}
	return out
}

// Cleanup 删除结束时间早于 now-maxAge 的终态任务，返回删除数量。
func (m *Manager) Cleanup(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-maxAge)
	n := 0
	for id, e := range m.tasks {
		if e.task.Status.Terminal() && e.task.FinishedAt != nil && e.task.FinishedAt.Before(cutoff) {
			delete(m.tasks, id)
			n++
		}
	}
	return n
}

// StartJanitor 周期清理过期终态任务。
func (m *Manager) StartJanitor(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Cleanup(maxAge); n > 0 {
					logging.L().Info(ctx, "tasks cleaned", "count", n)
				}
			}
		}
	}()
}
