// Package storage 定义文档存储契约：按集合划分、字段相等过滤、$set 语义的 upsert。
package storage

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/cloudQuant/TradingAgents-CN-sub005/record"
)

// IDField 存储层生成的文档标识字段，仅在 FindOptions.IncludeID 时返回。
const IDField = "_id"

// Filter 字段 -> 期望值（相等匹配）。空 Filter 匹配全部。
type Filter map[string]record.Value

// FilterOf 由字符串参数构造过滤条件。
func FilterOf(kv map[string]string) Filter {
	f := make(Filter, len(kv))
	for k, v := range kv {
		f[k] = record.String(v)
	}
	return f
}

// SortField 排序字段。
type SortField struct {
	Field string
	Desc  bool
}

// FindOptions 查询选项；Limit<=0 表示不限。
type FindOptions struct {
	Skip      int64
	Limit     int64
	Sort      []SortField
	IncludeID bool
}

// UpsertResult 单条 upsert 的结果。
type UpsertResult struct {
	Inserted bool
	Updated  bool
}

// Store 持久化接口（内存 / GORM / MongoDB 三种实现）。
type Store interface {
	// Count 统计匹配文档数。
	Count(ctx context.Context, collection string, filter Filter) (int64, error)
	// Find 查询匹配文档。
	Find(ctx context.Context, collection string, filter Filter, opts FindOptions) ([]*record.Record, error)
	// UpsertOne 匹配则覆盖 set 中的字段，否则插入 filter ∪ set。
	UpsertOne(ctx context.Context, collection string, filter Filter, set *record.Record) (UpsertResult, error)
	// DeleteMany 删除匹配文档，返回删除数量。
	DeleteMany(ctx context.Context, collection string, filter Filter) (int64, error)
	// Close 释放连接。
	Close(ctx context.Context) error
}

// Match 判断记录是否满足过滤条件（供进程内求值的实现共用）。
func Match(rec *record.Record, f Filter) bool {
	for k, want := range f {
		got, ok := rec.Get(k)
		if !ok {
			if want.IsNull() {
				continue
			}
			return false
		}
		if !ValuesEqual(got, want) {
			return false
		}
	}
	return true
}

// ValuesEqual 键比较规则：同类型按值比较，类型不同时按文本形式比较。
// Null 只与 Null 相等。各后端的过滤与 upsert 定位都遵循这一规则。
func ValuesEqual(got, want record.Value) bool {
	if got.Equal(want) {
		return true
	}
	if got.IsNull() || want.IsNull() {
		return false
	}
	return got.String() == want.String()
}

// TextEquivalents 返回与 v 文本形式相同的各类型取值，v 自身在首位。
// 供无法在进程内求值的后端把单值条件展开为多值匹配。
func TextEquivalents(v record.Value) []record.Value {
	out := []record.Value{v}
	if v.IsNull() {
		return out
	}
	text := v.String()
	add := func(c record.Value) {
		if c.Kind() != v.Kind() && c.String() == text {
			out = append(out, c)
		}
	}
	add(record.String(text))
	if n, err := strconv.ParseFloat(text, 64); err == nil && !math.IsNaN(n) && !math.IsInf(n, 0) {
		add(record.Number(n))
	}
	if b, err := strconv.ParseBool(text); err == nil {
		add(record.Bool(b))
	}
	if t, err := time.Parse(time.RFC3339Nano, text); err == nil {
		add(record.Time(t))
	}
	return out
}

// SortRecords 稳定排序。
func SortRecords(recs []*record.Record, by []SortField) {
	if len(by) == 0 {
		return
	}
	sort.SliceStable(recs, func(i, j int) bool {
		for _, s := range by {
			a, _ := recs[i].Get(s.Field)
			b, _ := recs[j].Get(s.Field)
			c := record.Compare(a, b)
			if c == 0 {
				continue
			}
			if s.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// Paginate 按 skip/limit 截取。
func Paginate(recs []*record.Record, skip, limit int64) []*record.Record {
	if skip < 0 {
		skip = 0
	}
	if skip >= int64(len(recs)) {
		return []*record.Record{}
	}
	recs = recs[skip:]
	if limit > 0 && limit < int64(len(recs)) {
		recs = recs[:limit]
	}
	return recs
}

// NewDocument 以 filter ∪ set 构造新文档：set 字段在前，缺失的 filter 字段按名称顺序追加。
func NewDocument(filter Filter, set *record.Record) *record.Record {
	doc := set.Clone()
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !doc.Has(k) {
			doc.Set(k, filter[k])
		}
	}
	doc.Delete(IDField)
	return doc
}

// WithID 返回把 _id 放在首位的副本。
func WithID(id string, rec *record.Record) *record.Record {
	out := record.New(record.Field{Name: IDField, Value: record.String(id)})
	out.Source, out.FetchedAt = rec.Source, rec.FetchedAt
	out.Merge(rec)
	return out
}
