package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Field 有序记录中的一个字段。
type Field struct {
	Name  string
	Value Value
}

// F 便捷构造：F("code", "000001")。
func F(name string, v any) Field { return Field{Name: name, Value: FromAny(v)} }

// Record 字段有序的通用数据行，附带来源信息。
// 非并发安全；跨 goroutine 共享时先 Clone。
type Record struct {
	fields []Field
	index  map[string]int

	Source    string    // 数据来源（接口名/节点/文件）
	FetchedAt time.Time // 抓取时间
}

// New 按给定顺序构造记录，同名字段后者覆盖前者。
func New(fields ...Field) *Record {
	r := &Record{}
	for _, f := range fields {
		r.Set(f.Name, f.Value)
	}
	return r
}

// FromMap 由无序 map 构造，字段按名称排序。
func FromMap(m map[string]any) *Record {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	r := &Record{}
	for _, k := range keys {
		r.Set(k, FromAny(m[k]))
	}
	return r
}

// Set 写入字段；已存在则原位覆盖，否则追加到末尾。
func (r *Record) Set(name string, v Value) {
	if r.index == nil {
		r.index = make(map[string]int, len(r.fields)+4)
		for i, f := range r.fields {
			r.index[f.Name] = i
		}
	}
	if i, ok := r.index[name]; ok {
		r.fields[i].Value = v
		return
	}
	r.index[name] = len(r.fields)
	r.fields = append(r.fields, Field{Name: name, Value: v})
}

// SetAny 等价于 Set(name, FromAny(v))。
func (r *Record) SetAny(name string, v any) { r.Set(name, FromAny(v)) }

// Get 读取字段。
func (r *Record) Get(name string) (Value, bool) {
	for _, f := range r.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Has 字段是否存在（值可以为空）。
func (r *Record) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Delete 删除字段，返回是否存在。
func (r *Record) Delete(name string) bool {
	for i, f := range r.fields {
		if f.Name == name {
			r.fields = append(r.fields[:i], r.fields[i+1:]...)
			r.index = nil
			return true
		}
	}
	return false
}

func (r *Record) Len() int { return len(r.fields) }

// Keys 字段名（按顺序）。
func (r *Record) Keys() []string {
	out := make([]string, len(r.fields))
	for i, f := range r.fields {
		out[i] = f.Name
	}
	return out
}

// Fields 字段副本。
func (r *Record) Fields() []Field {
	out := make([]Field, len(r.fields))
	copy(out, r.fields)
	return out
}

// Clone 深拷贝（Value 本身不可变）。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := &Record{Source: r.Source, FetchedAt: r.FetchedAt}
	cp.fields = make([]Field, len(r.fields))
	copy(cp.fields, r.fields)
	return cp
}

// Merge 将 o 的字段依次写入 r（$set 语义）。
func (r *Record) Merge(o *Record) {
	for _, f := range o.fields {
		r.Set(f.Name, f.Value)
	}
}

// Map 转为普通 map，值为 Any() 表示。
func (r *Record) Map() map[string]any {
	out := make(map[string]any, len(r.fields))
	for _, f := range r.fields {
		out[f.Name] = f.Value.Any()
	}
	return out
}

// Reorder 返回新记录：order 中出现的字段在前（按 order 顺序），其余保持原顺序在后。
func (r *Record) Reorder(order []string) *Record {
	out := &Record{Source: r.Source, FetchedAt: r.FetchedAt}
	seen := make(map[string]struct{}, len(order))
	for _, name := range order {
		if v, ok := r.Get(name); ok {
			out.Set(name, v)
			seen[name] = struct{}{}
		}
	}
	for _, f := range r.fields {
		if _, ok := seen[f.Name]; !ok {
			out.Set(f.Name, f.Value)
		}
	}
	return out
}

// MarshalJSON 按字段顺序输出 JSON 对象。
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := f.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON 解析 JSON 对象并保留键顺序。
func (r *Record) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("record: expected object, got %v", tok)
	}
	r.fields = nil
	r.index = nil
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := kt.(string)
		if !ok {
			return fmt.Errorf("record: expected key, got %v", kt)
		}
		var x any
		if err := dec.Decode(&x); err != nil {
			return err
		}
		r.Set(key, FromAny(x))
	}
	_, err = dec.Token()
	return err
}

func decodeNumber(b []byte, out *any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(out)
}
