// Package ingest 负责数据集的入库（按唯一键 upsert）与基础查询。
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudQuant/TradingAgents-CN-sub005/errs"
	"github.com/cloudQuant/TradingAgents-CN-sub005/logging"
	"github.com/cloudQuant/TradingAgents-CN-sub005/provider"
	"github.com/cloudQuant/TradingAgents-CN-sub005/record"
	"github.com/cloudQuant/TradingAgents-CN-sub005/registry"
	"github.com/cloudQuant/TradingAgents-CN-sub005/storage"
)

const (
	// SourceField 记录来源字段（未提供时由记录的 Source 补齐）。
	SourceField = "source"
	// DefaultPageSize / MaxPageSize 分页参数。
	DefaultPageSize = 20
	MaxPageSize     = 1000
)

// Result 一批记录的入库结果。
type Result struct {
	Inserted int     `json:"inserted"`
	Updated  int     `json:"updated"`
	Failed   int     `json:"failed"`
	Errors   []error `json:"-"`
}

// Overview 数据集概览。
type Overview struct {
	Collection    string     `json:"collection"`
	DisplayName   string     `json:"display_name,omitempty"`
	TotalCount    int64      `json:"total_count"`
	LastUpdated   *time.Time `json:"last_updated,omitempty"`
	OldestUpdated *time.Time `json:"oldest_updated,omitempty"`
}

// Query 分页查询参数；Page 从 1 开始，0 视为 1。
type Query struct {
	Page     int
	PageSize int
	Sort     []storage.SortField
	Filter   storage.Filter
}

// Page 分页结果，Items 含 _id。
type Page struct {
	Items    []*record.Record `json:"items"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// Service 入库服务。
type Service struct {
	store storage.Store
	reg   *registry.Registry
	now   func() time.Time
	log   logging.Logger
}

// NewService 构造。
func NewService(store storage.Store, reg *registry.Registry) *Service {
	return &Service{store: store, reg: reg, now: time.Now, log: logging.L().With("component", "ingest")}
}

// SetClock 替换时钟（测试用）。
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Store 底层存储。
func (s *Service) Store() storage.Store { return s.store }

// Upsert 按唯一键逐条 upsert（后写覆盖）。
// 功能：
// 1) 过滤条件取声明的唯一键；未声明唯一键时取整条记录（排除时间类字段）；
// 2) 写入更新时间与来源；
// 3) 单条失败只记录，不影响其余记录。
// 返回：全部处理完后，若存在失败记录，返回首个失败原因（StorageError 或 ValidationError）。
func (s *Service) Upsert(ctx context.Context, collection string, recs []*record.Record) (Result, error) {
	def, err := s.reg.Lookup(collection)
	if err != nil {
		return Result{}, err
	}
	var res Result
	now := s.now()
	for i, rec := range recs {
		filter, err := s.filterFor(def, rec)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		set := rec.Clone()
		set.Delete(storage.IDField)
		set.Set(def.TimeField, record.Time(now))
		if rec.Source != "" && !set.Has(SourceField) {
			set.Set(SourceField, record.String(rec.Source))
		}
		r, err := s.store.UpsertOne(ctx, collection, filter, set)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Errorf("record %d: %w", i, &errs.StorageError{Op: "upsert", Collection: collection, Cause: err}))
			continue
		}
		if r.Inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	if res.Failed > 0 {
		s.log.Warn(ctx, "upsert finished with failures", "collection", collection, "failed", res.Failed, "total", len(recs))
		return res, fmt.Errorf("%d of %d records failed: %w", res.Failed, len(recs), errors.Unwrap(res.Errors[0]))
	}
	return res, nil
}

// filterFor 由唯一键构造过滤条件。
func (s *Service) filterFor(def registry.Definition, rec *record.Record) (storage.Filter, error) {
	f := storage.Filter{}
	if len(def.UniqueKeys) == 0 {
		for _, fld := range rec.Fields() {
			switch fld.Name {
			case storage.IDField, def.TimeField, provider.DefaultTimestampField:
				continue
			}
			f[fld.Name] = fld.Value
		}
		if len(f) == 0 {
			return nil, errs.Validation("record", "empty record")
		}
		return f, nil
	}
	for _, k := range def.UniqueKeys {
		v, ok := rec.Get(k)
		if !ok || v.IsNull() {
			return nil, errs.Validation(k, "missing unique key field")
		}
		f[k] = v
	}
	return f, nil
}

// Overview 总数与最新/最早更新时间。
func (s *Service) Overview(ctx context.Context, collection string) (Overview, error) {
	def, err := s.reg.Lookup(collection)
	if err != nil {
		return Overview{}, err
	}
	ov := Overview{Collection: def.Name, DisplayName: def.DisplayName}
	if ov.TotalCount, err = s.store.Count(ctx, collection, nil); err != nil {
		return ov, &errs.StorageError{Op: "count", Collection: collection, Cause: err}
	}
	if ov.TotalCount == 0 {
		return ov, nil
	}
	if ov.LastUpdated, err = s.edgeTime(ctx, def, true); err != nil {
		return ov, err
	}
	if ov.OldestUpdated, err = s.edgeTime(ctx, def, false); err != nil {
		return ov, err
	}
	return ov, nil
}

func (s *Service) edgeTime(ctx context.Context, def registry.Definition, desc bool) (*time.Time, error) {
	recs, err := s.store.Find(ctx, def.Name, nil, storage.FindOptions{
		Limit: 1, Sort: []storage.SortField{{Field: def.TimeField, Desc: desc}},
	})
	if err != nil {
		return nil, &errs.StorageError{Op: "find", Collection: def.Name, Cause: err}
	}
	if len(recs) == 0 {
		return nil, nil
	}
	v, ok := recs[0].Get(def.TimeField)
	if !ok || v.Kind() != record.KindTime {
		return nil, nil
	}
	t := v.Stamp()
	return &t, nil
}

// Query 分页查询，默认按更新时间倒序。
func (s *Service) Query(ctx context.Context, collection string, q Query) (Page, error) {
	def, err := s.reg.Lookup(collection)
	if err != nil {
		return Page{}, err
	}
	if q.Page < 0 {
		return Page{}, errs.Validation("page", "must be >= 1")
	}
	if q.PageSize < 0 {
		return Page{}, errs.Validation("page_size", "must be >= 1")
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.PageSize == 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	if len(q.Sort) == 0 {
		q.Sort = []storage.SortField{{Field: def.TimeField, Desc: true}}
	}
	total, err := s.store.Count(ctx, collection, q.Filter)
	if err != nil {
		return Page{}, &errs.StorageError{Op: "count", Collection: collection, Cause: err}
	}
	items, err := s.store.Find(ctx, collection, q.Filter, storage.FindOptions{
		Skip:      int64((q.Page - 1) * q.PageSize),
		Limit:     int64(q.PageSize),
		Sort:      q.Sort,
		IncludeID: true,
	})
	if err != nil {
		return Page{}, &errs.StorageError{Op: "find", Collection: collection, Cause: err}
	}
	return Page{Items: items, Total: total, Page: q.Page, PageSize: q.PageSize}, nil
}

// All 读取全部匹配记录（不含 _id），供导出与同步使用。
func (s *Service) All(ctx context.Context, collection string, filter storage.Filter, skip, limit int64) ([]*record.Record, error) {
	recs, err := s.store.Find(ctx, collection, filter, storage.FindOptions{Skip: skip, Limit: limit})
	if err != nil {
		return nil, &errs.StorageError{Op: "find", Collection: collection, Cause: err}
	}
	return recs, nil
}

// Count 匹配记录数。
func (s *Service) Count(ctx context.Context, collection string, filter storage.Filter) (int64, error) {
	n, err := s.store.Count(ctx, collection, filter)
	if err != nil {
		return 0, &errs.StorageError{Op: "count", Collection: collection, Cause: err}
	}
	return n, nil
}

// Clear 清空数据集，返回删除数量。
func (s *Service) Clear(ctx context.Context, collection string) (int64, error) {
	if _, err := s.reg.Lookup(collection); err != nil {
		return 0, err
	}
	n, err := s.store.DeleteMany(ctx, collection, nil)
	if err != nil {
		return 0, &errs.StorageError{Op: "delete", Collection: collection, Cause: err}
	}
	s.log.Info(ctx, "collection cleared", "collection", collection, "deleted", n)
	return n, nil
}

// Distinct 字段的去重取值（按首次出现顺序，忽略空值）。
// 不要求集合已注册，批量刷新用它从来源集合枚举参数。
func (s *Service) Distinct(ctx context.Context, collection, field string) ([]string, error) {
	recs, err := s.store.Find(ctx, collection, nil, storage.FindOptions{})
	if err != nil {
		return nil, &errs.StorageError{Op: "find", Collection: collection, Cause: err}
	}
	seen := map[string]struct{}{}
	out := make([]string, 0)
	for _, r := range recs {
		v, ok := r.Get(field)
		if !ok || v.IsNull() {
			continue
		}
		sv := v.String()
		if _, dup := seen[sv]; dup || sv == "" {
			continue
		}
		seen[sv] = struct{}{}
		out = append(out, sv)
	}
	return out, nil
}

// Exists 是否存在匹配记录。
func (s *Service) Exists(ctx context.Context, collection string, filter storage.Filter) (bool, error) {
	n, err := s.Count(ctx, collection, filter)
	return n > 0, err
}
