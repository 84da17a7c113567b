package record

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind 标量值类型。
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	default:
		return "null"
	}
}

// Value 记录中的单个标量值：字符串、数值、布尔、时间戳或空。
// 零值即为空值。
type Value struct {
	kind Kind
	s    string
	n    float64
	b    bool
	t    time.Time
}

func Null() Value                { return Value{} }
func String(s string) Value      { return Value{kind: KindString, s: s} }
func Number(n float64) Value     { return Value{kind: KindNumber, n: n} }
func Int(i int64) Value          { return Value{kind: KindNumber, n: float64(i)} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Time(t time.Time) Value     { return Value{kind: KindTime, t: t} }
func (v Value) Kind() Kind       { return v.kind }
func (v Value) IsNull() bool     { return v.kind == KindNull }
func (v Value) Str() string      { return v.s }
func (v Value) Num() float64     { return v.n }
func (v Value) Boolean() bool    { return v.b }
func (v Value) Stamp() time.Time { return v.t }

// FromAny 将驱动/解码器产出的任意值转换为 Value。
// 不认识的类型（嵌套对象、数组等）以 JSON 文本保存为字符串。
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case string:
		return String(t)
	case []byte:
		return String(string(t))
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Int(int64(t))
	case int8:
		return Int(int64(t))
	case int16:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint:
		return Number(float64(t))
	case uint8:
		return Number(float64(t))
	case uint16:
		return Number(float64(t))
	case uint32:
		return Number(float64(t))
	case uint64:
		return Number(float64(t))
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return Number(f)
		}
		return String(t.String())
	case time.Time:
		return Time(t)
	case *time.Time:
		if t == nil {
			return Null()
		}
		return Time(*t)
	case fmt.Stringer:
		return String(t.String())
	default:
		if b, err := json.Marshal(t); err == nil {
			return String(string(b))
		}
		return String(fmt.Sprint(t))
	}
}

// Any 返回值的 Go 原生表示：string / float64 / bool / time.Time / nil。
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindNumber:
		return v.n
	case KindBool:
		return v.b
	case KindTime:
		return v.t
	default:
		return nil
	}
}

// String 返回展示用文本；空值为 ""。
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindNumber:
		return FormatNumber(v.n)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	default:
		return ""
	}
}

// FormatNumber 输出最短可还原的十进制文本（不使用科学计数法）。
func FormatNumber(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// Equal 同类型且值相等。
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindNumber:
		return v.n == o.n
	case KindBool:
		return v.b == o.b
	case KindTime:
		return v.t.Equal(o.t)
	default:
		return true
	}
}

// Compare 排序比较：不同类型按 Kind 顺序，空值最小。
func Compare(a, b Value) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindString:
		switch {
		case a.s < b.s:
			return -1
		case a.s > b.s:
			return 1
		}
	case KindNumber:
		switch {
		case a.n < b.n:
			return -1
		case a.n > b.n:
			return 1
		}
	case KindBool:
		if a.b != b.b {
			if !a.b {
				return -1
			}
			return 1
		}
	case KindTime:
		return a.t.Compare(b.t)
	}
	return 0
}

// MarshalJSON 时间输出为 RFC3339Nano 字符串，NaN/Inf 输出 null。
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.s)
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return []byte("null"), nil
		}
		return []byte(FormatNumber(v.n)), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindTime:
		return json.Marshal(v.t.Format(time.RFC3339Nano))
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON 数字按 json.Number 解析，嵌套结构保存为 JSON 文本。
func (v *Value) UnmarshalJSON(b []byte) error {
	var x any
	if err := decodeNumber(b, &x); err != nil {
		return err
	}
	*v = FromAny(x)
	return nil
}
