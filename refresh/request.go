package refresh

import (
	"fmt"
	"strings"
	"time"

	"github.com/cloudQuant/TradingAgents-CN-sub005/config"
	"github.com/cloudQuant/TradingAgents-CN-sub005/errs"
	"github.com/cloudQuant/TradingAgents-CN-sub005/registry"
)

// UpdateType 单次 / 批量。
type UpdateType string

const (
	UpdateSingle UpdateType = "single"
	UpdateBatch  UpdateType = "batch"
)

// Mode 刷新模式。
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeFull        Mode = "full"
	ModeRemoteSync  Mode = "remote_sync"
	ModeFileImport  Mode = "file_import"
)

// 远程同步与文件导入模式使用的参数名。
const (
	ParamNodeURL          = "node_url"
	ParamRemoteCollection = "remote_collection"
	ParamPath             = "path"
	ParamFormat           = "format"
)

// Request 一次刷新请求。
type Request struct {
	Collection  string              `json:"collection"`
	UpdateType  UpdateType          `json:"update_type"`
	Mode        Mode                `json:"mode"`
	ParamsList  []map[string]string `json:"params_list"`
	Concurrency int                 `json:"concurrency"`
	Delay       time.Duration       `json:"-"`
}

// RequestFromJob 由周期任务配置构造刷新请求。
func RequestFromJob(j config.JobConfig) Request {
	return Request{
		Collection:  j.Collection,
		UpdateType:  UpdateType(j.UpdateType),
		Mode:        Mode(j.Mode),
		ParamsList:  j.ParamsList,
		Concurrency: j.Concurrency,
		Delay:       j.Delay,
	}
}

// unit 一个待执行的参数组。
type unit struct {
	index  int
	params map[string]string
}

// plan 校验通过后的执行计划；units 为空且 enumerate 为真时由批量来源枚举。
type plan struct {
	def       registry.Definition
	mode      Mode
	units     []unit
	enumerate bool
	workers   int
	delay     time.Duration
}

func (p plan) total() int {
	if p.enumerate {
		return 0
	}
	return len(p.units)
}

// prepare 同步校验请求并生成执行计划，失败返回 ValidationError。
func (o *Orchestrator) prepare(req Request) (plan, error) {
	def, err := o.reg.Lookup(req.Collection)
	if err != nil {
		return plan{}, err
	}
	ut := UpdateType(strings.ToLower(string(req.UpdateType)))
	if ut == "" {
		ut = UpdateSingle
	}
	if ut != UpdateSingle && ut != UpdateBatch {
		return plan{}, errs.Validation("update_type", "unknown update type %q", req.UpdateType)
	}
	mode := Mode(strings.ToLower(string(req.Mode)))
	if mode == "" {
		mode = ModeIncremental
	}
	switch mode {
	case ModeIncremental, ModeFull, ModeRemoteSync, ModeFileImport:
	default:
		return plan{}, errs.Validation("mode", "unknown mode %q", req.Mode)
	}
	if req.Concurrency < 0 {
		return plan{}, errs.Validation("concurrency", "must be >= 0, got %d", req.Concurrency)
	}
	if req.Delay < 0 {
		return plan{}, errs.Validation("delay", "must be >= 0, got %s", req.Delay)
	}

	p := plan{def: def, mode: mode, delay: req.Delay, workers: o.workers(def, req.Concurrency)}
	list := req.ParamsList
	switch ut {
	case UpdateSingle:
		if len(list) > 1 {
			return plan{}, errs.Validation("params_list", "single update takes at most one param set, got %d", len(list))
		}
		if len(list) == 0 {
			list = []map[string]string{{}}
		}
	case UpdateBatch:
		if len(list) == 0 {
			if def.BatchSource == nil || mode == ModeRemoteSync || mode == ModeFileImport {
				return plan{}, errs.Validation("params_list", "batch update of %q requires params_list", def.Name)
			}
			p.enumerate = true
			return p, nil
		}
	}

	p.units = make([]unit, len(list))
	for i, params := range list {
		cp := copyParams(params)
		if err := o.validateUnit(def, mode, cp); err != nil {
			if len(list) > 1 {
				return plan{}, errs.Validation("params_list", "param set %d: %v", i, err)
			}
			return plan{}, err
		}
		p.units[i] = unit{index: i, params: cp}
	}
	return p, nil
}

func (o *Orchestrator) validateUnit(def registry.Definition, mode Mode, params map[string]string) error {
	switch mode {
	case ModeRemoteSync:
		if params[ParamNodeURL] == "" {
			return errs.Validation(ParamNodeURL, "missing required parameter")
		}
		if o.nodes == nil {
			return errs.Validation("mode", "remote sync is not configured")
		}
	case ModeFileImport:
		if params[ParamPath] == "" {
			return errs.Validation(ParamPath, "missing required parameter")
		}
		if o.files == nil {
			return errs.Validation("mode", "file import is not configured")
		}
	default:
		return o.reg.ValidateParams(def.Name, params)
	}
	return nil
}

// workers 并发数：请求值 -> 数据集默认 -> 全局默认，不超过上限。
func (o *Orchestrator) workers(def registry.Definition, requested int) int {
	n := requested
	if n == 0 {
		n = def.DefaultConcurrency
	}
	if n == 0 {
		n = o.opt.DefaultConcurrency
	}
	if n <= 0 {
		n = 1
	}
	if o.opt.MaxConcurrency > 0 && n > o.opt.MaxConcurrency {
		n = o.opt.MaxConcurrency
	}
	return n
}

func copyParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// describe 日志用的单元描述。
func describe(u unit) string {
	if len(u.params) == 0 {
		return fmt.Sprintf("#%d", u.index)
	}
	return fmt.Sprintf("#%d %v", u.index, u.params)
}
