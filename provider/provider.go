// Package provider 定义数据集抓取能力，并提供通用实现（函数式 / HTTP JSON）。
package provider

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/cloudQuant/TradingAgents-CN-sub005/errs"
	"github.com/cloudQuant/TradingAgents-CN-sub005/record"
)

// FieldDescriptor 字段说明。
type FieldDescriptor struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// Provider 数据集抓取能力。
// Fetch 缺少必需参数时返回 ValidationError，外部调用失败时返回包装了原因的 ProviderError。
type Provider interface {
	Fetch(ctx context.Context, params map[string]string) ([]*record.Record, error)
	UniqueKeys() []string
	FieldSchema() []FieldDescriptor
}

// ParamValidator 可选能力：在提交任务前校验参数。
type ParamValidator interface {
	ValidateParams(params map[string]string) error
}

// FieldNames 字段名列表。
func FieldNames(fields []FieldDescriptor) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Name
	}
	return out
}

// OrderBySchema 按字段定义重排记录：定义内字段在前，其余保持原顺序。
func OrderBySchema(recs []*record.Record, fields []FieldDescriptor) []*record.Record {
	if len(fields) == 0 {
		return recs
	}
	names := FieldNames(fields)
	out := make([]*record.Record, len(recs))
	for i, r := range recs {
		out[i] = r.Reorder(names)
	}
	return out
}

// CallFunc 实际的外部调用（如某个行情接口），参数已完成映射。
type CallFunc func(ctx context.Context, params map[string]string) ([]*record.Record, error)

// Options FuncProvider 的声明。
type Options struct {
	Collection      string            // 数据集名，用于错误信息
	Source          string            // 来源标识（接口名），写入记录来源
	UniqueKeys      []string
	Fields          []FieldDescriptor
	RequiredParams  []string          // 映射后的参数名
	ParamMapping    map[string]string // 调用方参数名 -> 数据源参数名
	AddParamColumns []string          // 若记录缺少该列，则以同名参数值补齐
	TimestampField  string            // 抓取时间列，默认 scraped_at；"-" 表示不写
	Call            CallFunc
	Now             func() time.Time
}

// DefaultTimestampField 抓取时间列名。
const DefaultTimestampField = "scraped_at"

// FuncProvider 以 CallFunc 为核心的通用 Provider：
// 参数映射、必需参数校验、参数列补齐与抓取时间戳。
type FuncProvider struct{ opts Options }

// New 构造 FuncProvider。
func New(opts Options) *FuncProvider {
	if opts.TimestampField == "" {
		opts.TimestampField = DefaultTimestampField
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &FuncProvider{opts: opts}
}

func (p *FuncProvider) UniqueKeys() []string           { return append([]string(nil), p.opts.UniqueKeys...) }
func (p *FuncProvider) FieldSchema() []FieldDescriptor { return append([]FieldDescriptor(nil), p.opts.Fields...) }

// MapParams 应用参数映射；多个调用方名映射到同一目标时按名称顺序取第一个。
func (p *FuncProvider) MapParams(params map[string]string) map[string]string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, len(params))
	// 已映射的参数优先于同名直传参数
	for _, k := range keys {
		if target, ok := p.opts.ParamMapping[k]; ok {
			if _, set := out[target]; !set {
				out[target] = params[k]
			}
		}
	}
	for _, k := range keys {
		if _, mapped := p.opts.ParamMapping[k]; mapped {
			continue
		}
		if _, set := out[k]; !set {
			out[k] = params[k]
		}
	}
	return out
}

// ValidateParams 检查映射后的必需参数。
func (p *FuncProvider) ValidateParams(params map[string]string) error {
	mapped := p.MapParams(params)
	for _, name := range p.opts.RequiredParams {
		if v, ok := mapped[name]; !ok || v == "" {
			return errs.Validation(name, "missing required parameter")
		}
	}
	return nil
}

// Fetch 实现 Provider。
func (p *FuncProvider) Fetch(ctx context.Context, params map[string]string) ([]*record.Record, error) {
	if err := p.ValidateParams(params); err != nil {
		return nil, err
	}
	mapped := p.MapParams(params)
	recs, err := p.opts.Call(ctx, mapped)
	if err != nil {
		var ve *errs.ValidationError
		var pe *errs.ProviderError
		if errors.As(err, &ve) || errors.As(err, &pe) {
			return nil, err
		}
		return nil, &errs.ProviderError{Collection: p.opts.Collection, Cause: err}
	}
	now := p.opts.Now()
	for _, r := range recs {
		for _, col := range p.opts.AddParamColumns {
			if v, ok := mapped[col]; ok && !r.Has(col) {
				r.Set(col, record.String(v))
			}
		}
		if p.opts.TimestampField != "-" && !r.Has(p.opts.TimestampField) {
			r.Set(p.opts.TimestampField, record.Time(now))
		}
		if r.Source == "" {
			r.Source = p.opts.Source
		}
		if r.FetchedAt.IsZero() {
			r.FetchedAt = now
		}
	}
	return recs, nil
}
