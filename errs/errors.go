// Package errs 定义引擎对外暴露的错误分类，统一通过 errors.As / errors.Is 判定。
package errs

import (
	"errors"
	"fmt"
)

// ValidationError 调用方传入的数据非法或缺失。
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// Validation 构造 ValidationError。
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// ProviderError 外部数据源调用失败。
type ProviderError struct {
	Collection string
	Cause      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Collection, e.Cause)
}
func (e *ProviderError) Unwrap() error { return e.Cause }

// StorageError 持久化操作失败。
type StorageError struct {
	Op         string
	Collection string
	Cause      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Collection, e.Cause)
}
func (e *StorageError) Unwrap() error { return e.Cause }

// TaskNotFoundError 任务不存在（或已被清理）。
type TaskNotFoundError struct{ ID string }

func (e *TaskNotFoundError) Error() string { return "task not found: " + e.ID }

var (
	ErrNoData            = errors.New("no data")
	ErrUnsupportedFormat = errors.New("unsupported format")
)

// ExportError 导出失败，Reason 为 ErrNoData / ErrUnsupportedFormat 或编码错误。
type ExportError struct {
	Format string
	Reason error
}

func (e *ExportError) Error() string {
	if e.Format == "" {
		return "export: " + e.Reason.Error()
	}
	return fmt.Sprintf("export %s: %v", e.Format, e.Reason)
}
func (e *ExportError) Unwrap() error { return e.Reason }

// SchedulerStateError 调度状态恢复时单个任务失败（仅记录，不中断）。
type SchedulerStateError struct {
	JobID string
	Cause error
}

func (e *SchedulerStateError) Error() string {
	return fmt.Sprintf("scheduler state %s: %v", e.JobID, e.Cause)
}
func (e *SchedulerStateError) Unwrap() error { return e.Cause }

// Kind 错误分类名，用于任务明细与 HTTP 映射。
func Kind(err error) string {
	var (
		ve *ValidationError
		pe *ProviderError
		se *StorageError
		te *TaskNotFoundError
		ee *ExportError
		ss *SchedulerStateError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &te):
		return "task_not_found"
	case errors.As(err, &ee):
		return "export"
	case errors.As(err, &ss):
		return "scheduler_state"
	case errors.As(err, &pe):
		return "provider"
	case errors.As(err, &se):
		return "storage"
	default:
		return "internal"
	}
}
