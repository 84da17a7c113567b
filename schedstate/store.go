// Package schedstate 持久化周期任务的暂停/恢复状态，并在重启后应用到调度器。
package schedstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cloudQuant/TradingAgents-CN-sub005/errs"
	"github.com/cloudQuant/TradingAgents-CN-sub005/logging"
)

// JobInfo 调度器中任务的当前状态。
type JobInfo struct {
	ID      string     `json:"id"`
	Spec    string     `json:"spec,omitempty"`
	Paused  bool       `json:"paused"`
	NextRun *time.Time `json:"next_run,omitempty"`
	LastRun *time.Time `json:"last_run,omitempty"`
}

// LiveScheduler 运行中的周期调度器（协作方）。
type LiveScheduler interface {
	GetJob(id string) (JobInfo, bool)
	PauseJob(id string) error
	ResumeJob(id string) error
}

// ApplyReport Apply 的结果。
type ApplyReport struct {
	Paused    []string `json:"paused"`
	Resumed   []string `json:"resumed"`
	Unchanged []string `json:"unchanged"`
	Errors    []error  `json:"-"`
}

// Store 基于 JSON 文件的状态存储：{job_id: paused}。
// 写入为「临时文件 + rename」，所有读改写在互斥锁内完成。
type Store struct {
	mu   sync.Mutex
	path string
	log  logging.Logger
}

// New 创建状态存储。
func New(path string) *Store {
	return &Store{path: path, log: logging.L().With("component", "schedstate")}
}

// Path 状态文件路径。
func (s *Store) Path() string { return s.path }

// RecordJobState 记录单个任务的暂停状态。
func (s *Store) RecordJobState(jobID string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := s.load()
	states[jobID] = paused
	return s.write(states)
}

// Forget 删除任务的持久化状态（任务被移除时使用）。
func (s *Store) Forget(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := s.load()
	if _, ok := states[jobID]; !ok {
		return nil
	}
	delete(states, jobID)
	return s.write(states)
}

// PersistedStates 读取全部状态；文件不存在或损坏时返回空表。
func (s *Store) PersistedStates() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// load 调用方持锁。
func (s *Store) load() map[string]bool {
	out := map[string]bool{}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn(context.Background(), "read scheduler state failed", "path", s.path, "err", err)
		}
		return out
	}
	if err := json.Unmarshal(b, &out); err != nil {
		s.log.Warn(context.Background(), "scheduler state file corrupt, ignoring", "path", s.path, "err", err)
		return map[string]bool{}
	}
	return out
}

// write 调用方持锁。
func (s *Store) write(states map[string]bool) error {
	b, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Apply 将持久化状态应用到调度器。
// 功能：仅在实际状态不同时才暂停/恢复；任务不存在或操作失败只记录，不影响其余任务。
// 重复调用结果不变。
func (s *Store) Apply(ctx context.Context, live LiveScheduler) ApplyReport {
	states := s.PersistedStates()
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var rep ApplyReport
	for _, id := range ids {
		want := states[id]
		job, ok := live.GetJob(id)
		if !ok {
			err := &errs.SchedulerStateError{JobID: id, Cause: errors.New("job not found in scheduler")}
			s.log.Warn(ctx, "persisted job missing", "job_id", id)
			rep.Errors = append(rep.Errors, err)
			continue
		}
		if job.Paused == want {
			rep.Unchanged = append(rep.Unchanged, id)
			continue
		}
		var err error
		if want {
			err = live.PauseJob(id)
		} else {
			err = live.ResumeJob(id)
		}
		if err != nil {
			s.log.Error(ctx, "apply persisted job state failed", "job_id", id, "paused", want, "err", err)
			rep.Errors = append(rep.Errors, &errs.SchedulerStateError{JobID: id, Cause: fmt.Errorf("apply paused=%v: %w", want, err)})
			continue
		}
		if want {
			rep.Paused = append(rep.Paused, id)
		} else {
			rep.Resumed = append(rep.Resumed, id)
		}
	}
	s.log.Info(ctx, "scheduler states applied", "paused", len(rep.Paused), "resumed", len(rep.Resumed), "errors", len(rep.Errors))
	return rep
}
