// Package scheduler 基于 cron 表达式的周期刷新任务，支持暂停/恢复。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cloudQuant/TradingAgents-CN-sub005/logging"
	"github.com/cloudQuant/TradingAgents-CN-sub005/refresh"
	"github.com/cloudQuant/TradingAgents-CN-sub005/schedstate"
)

var (
	// ErrJobExists 任务ID重复。
	ErrJobExists = errors.New("scheduler: job already exists")
	// ErrJobNotFound 任务不存在。
	ErrJobNotFound = errors.New("scheduler: job not found")
)

// JobFunc 周期执行体。
type JobFunc func(ctx context.Context)

// job 内部任务；暂停时移除 cron 条目但保留表达式。
type job struct {
	id       string
	spec     string
	schedule cron.Schedule
	fn       JobFunc
	entry    cron.EntryID
	paused   bool
	lastRun  *time.Time
}

// Scheduler 周期任务调度器，实现 schedstate.LiveScheduler。
type Scheduler struct {
	mu      sync.Mutex
	c       *cron.Cron
	parser  cron.Parser
	jobs    map[string]*job
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	log     logging.Logger
}

var _ schedstate.LiveScheduler = (*Scheduler)(nil)

// New 构造；表达式支持可选的秒字段与 @every/@daily 等描述符。
func New() *Scheduler {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	l := logging.L().With("component", "scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		c:      cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cronLogger{l}), cron.SkipIfStillRunning(cronLogger{l}))),
		parser: parser,
		jobs:   map[string]*job{},
		ctx:    ctx,
		cancel: cancel,
		log:    l,
	}
}

// AddJob 注册周期任务。
func (s *Scheduler) AddJob(id, spec string, fn JobFunc) error {
	if id == "" {
		return errors.New("scheduler: empty job id")
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("scheduler: job %s: invalid cron %q: %w", id, spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; ok {
		return ErrJobExists
	}
	j := &job{id: id, spec: spec, schedule: sched, fn: fn}
	s.jobs[id] = j
	s.schedule(j)
	return nil
}

// RemoveJob 删除任务。
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !j.paused {
		s.c.Remove(j.entry)
	}
	delete(s.jobs, id)
	return nil
}

// schedule 调用方持锁。
func (s *Scheduler) schedule(j *job) {
	j.entry = s.c.Schedule(j.schedule, cron.FuncJob(func() { s.runJob(j) }))
}

func (s *Scheduler) runJob(j *job) {
	now := time.Now()
	s.mu.Lock()
	j.lastRun = &now
	ctx := s.ctx
	s.mu.Unlock()
	s.log.Info(ctx, "scheduled job triggered", "job_id", j.id)
	j.fn(ctx)
}

// GetJob 任务当前状态。
func (s *Scheduler) GetJob(id string) (schedstate.JobInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return schedstate.JobInfo{}, false
	}
	return s.info(j), true
}

// info 调用方持锁。
func (s *Scheduler) info(j *job) schedstate.JobInfo {
	out := schedstate.JobInfo{ID: j.id, Spec: j.spec, Paused: j.paused, LastRun: j.lastRun}
	if !j.paused {
		next := j.schedule.Next(time.Now())
		if e := s.c.Entry(j.entry); e.Valid() && !e.Next.IsZero() {
			next = e.Next
		}
		out.NextRun = &next
	}
	return out
}

// Jobs 按ID排序的全部任务。
func (s *Scheduler) Jobs() []schedstate.JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schedstate.JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, s.info(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// PauseJob 暂停：移除 cron 条目；重复暂停无副作用。
func (s *Scheduler) PauseJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.paused {
		return nil
	}
	s.c.Remove(j.entry)
	j.paused = true
	s.log.Info(s.ctx, "job paused", "job_id", id)
	return nil
}

// ResumeJob 恢复：重新加入 cron；重复恢复无副作用。
func (s *Scheduler) ResumeJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !j.paused {
		return nil
	}
	j.paused = false
	s.schedule(j)
	s.log.Info(s.ctx, "job resumed", "job_id", id)
	return nil
}

// RunNow 立即执行一次（不影响周期计划）。
func (s *Scheduler) RunNow(id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	go s.runJob(j)
	return nil
}

// Start 启动调度；ctx 结束时自动停止。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	s.c.Start()
	s.log.Info(ctx, "scheduler started", "jobs", len(s.Jobs()))
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop(context.Background())
		case <-s.ctx.Done():
		}
	}()
}

// Stop 停止触发新任务，并等待运行中的任务返回或 ctx 结束。
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submitter 刷新提交能力（refresh.Orchestrator）。
type Submitter interface {
	Submit(ctx context.Context, req refresh.Request) (string, error)
}

// RefreshJob 构造提交刷新请求的周期执行体；提交失败只记录日志。
func RefreshJob(sub Submitter, jobID string, req refresh.Request) JobFunc {
	return func(ctx context.Context) {
		id, err := sub.Submit(ctx, req)
		if err != nil {
			logging.L().Error(ctx, "scheduled refresh rejected", "job_id", jobID, "collection", req.Collection, "err", err)
			return
		}
		logging.L().Info(logging.WithTaskID(ctx, id), "scheduled refresh submitted", "job_id", jobID, "collection", req.Collection)
	}
}

// cronLogger 适配 cron.Logger。
type cronLogger struct{ l logging.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(context.Background(), "cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(context.Background(), "cron: "+msg, append(keysAndValues, "err", err)...)
}
