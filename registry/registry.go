// Package registry 维护数据集定义：抓取能力、唯一键与字段结构。
package registry

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/cloudQuant/TradingAgents-CN-sub005/config"
	"github.com/cloudQuant/TradingAgents-CN-sub005/errs"
	"github.com/cloudQuant/TradingAgents-CN-sub005/provider"
)

// DefaultTimeField 入库时写入的更新时间字段。
const DefaultTimeField = "updated_at"

// ErrNotFound 数据集未注册。
var ErrNotFound = errors.New("collection not registered")

// BatchSource 批量刷新时从已入库数据集中枚举参数值。
type BatchSource struct {
	Collection string `json:"collection"` // 来源数据集
	Field      string `json:"field"`      // 取值字段
	Param      string `json:"param"`      // 写入的参数名
}

// Definition 数据集定义，注册后不可变。
type Definition struct {
	Name               string                     `json:"name"`
	DisplayName        string                     `json:"display_name,omitempty"`
	UniqueKeys         []string                   `json:"unique_keys"`
	Fields             []provider.FieldDescriptor `json:"fields"`
	RequiredParams     []string                   `json:"required_params,omitempty"`
	OptionalParams     []string                   `json:"optional_params,omitempty"`
	TimeField          string                     `json:"time_field"`
	ExistenceCheck     map[string]string          `json:"existence_check,omitempty"` // 参数名 -> 字段名，增量模式下已存在则跳过
	BatchSource        *BatchSource               `json:"batch_source,omitempty"`
	DefaultConcurrency int                        `json:"default_concurrency,omitempty"`
	Provider           provider.Provider          `json:"-"`
}

// Registry 数据集注册表。
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// New 创建空注册表。
func New() *Registry { return &Registry{defs: map[string]Definition{}} }

// Register 注册数据集定义。
// 唯一键与字段未声明时取 Provider 的声明；重复注册返回错误。
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return errors.New("registry: empty collection name")
	}
	if def.Provider == nil {
		return fmt.Errorf("registry: collection %q has no provider", def.Name)
	}
	if len(def.UniqueKeys) == 0 {
		def.UniqueKeys = def.Provider.UniqueKeys()
	}
	if len(def.Fields) == 0 {
		def.Fields = def.Provider.FieldSchema()
	}
	if def.TimeField == "" {
		def.TimeField = DefaultTimeField
	}
	def.UniqueKeys = append([]string(nil), def.UniqueKeys...)
	def.Fields = append([]provider.FieldDescriptor(nil), def.Fields...)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.defs[def.Name]; dup {
		return fmt.Errorf("registry: collection %q already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// MustRegister 注册失败 panic，用于 init 阶段。
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get 查询数据集定义。
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Lookup 同 Get，未注册时返回 ValidationError。
func (r *Registry) Lookup(name string) (Definition, error) {
	d, ok := r.Get(name)
	if !ok {
		return Definition{}, &errs.ValidationError{Field: "collection", Msg: fmt.Sprintf("%s: %q", ErrNotFound, name)}
	}
	return d, nil
}

// List 按名称排序的全部定义。
func (r *Registry) List() []Definition {
	r.mu.RLock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateParams 校验一组刷新参数：先检查声明的必需参数，再交给 Provider 自身的校验。
func (r *Registry) ValidateParams(name string, params map[string]string) error {
	def, err := r.Lookup(name)
	if err != nil {
		return err
	}
	for _, p := range def.RequiredParams {
		if params[p] == "" {
			return errs.Validation(p, "missing required parameter")
		}
	}
	if v, ok := def.Provider.(provider.ParamValidator); ok {
		return v.ValidateParams(params)
	}
	return nil
}

// LoadConfig 将配置中声明的数据集以 HTTP Provider 注册。
func (r *Registry) LoadConfig(cols []config.CollectionConfig, hc *http.Client) error {
	for _, c := range cols {
		fields := make([]provider.FieldDescriptor, len(c.Fields))
		for i, f := range c.Fields {
			fields[i] = provider.FieldDescriptor{Name: f.Name, Type: f.Type, Description: f.Description}
		}
		p := provider.NewHTTP(provider.Options{
			Collection:      c.Name,
			UniqueKeys:      c.UniqueKeys,
			Fields:          fields,
			RequiredParams:  mappedRequired(c),
			ParamMapping:    c.ParamMapping,
			AddParamColumns: c.AddParamColumns,
			TimestampField:  c.TimestampField,
		}, provider.HTTPSource{URL: c.Source.URL, Method: c.Source.Method, RecordsPath: c.Source.RecordsPath}, hc)
		def := Definition{
			Name:               c.Name,
			DisplayName:        c.DisplayName,
			OptionalParams:     c.OptionalParams,
			TimeField:          c.TimeField,
			ExistenceCheck:     c.ExistenceCheck,
			DefaultConcurrency: c.DefaultConcurrency,
			Provider:           p,
		}
		if c.BatchSource != nil {
			def.BatchSource = &BatchSource{Collection: c.BatchSource.Collection, Field: c.BatchSource.Field, Param: c.BatchSource.Param}
		}
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// mappedRequired 将配置中的必需参数名转换为映射后的数据源参数名。
func mappedRequired(c config.CollectionConfig) []string {
	out := make([]string, 0, len(c.RequiredParams))
	for _, p := range c.RequiredParams {
		if target, ok := c.ParamMapping[p]; ok {
			p = target
		}
		out = append(out, p)
	}
	return out
}
