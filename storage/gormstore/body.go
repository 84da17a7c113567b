package gormstore

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/cloudQuant/TradingAgents-CN-sub005/record"
)

// body 文档 JSON 列的内容：保留字段顺序与值类型。
type body struct {
	Fields    []bodyField `json:"fields"`
	Source    string      `json:"source,omitempty"`
	FetchedAt *time.Time  `json:"fetched_at,omitempty"`
}

type bodyField struct {
	N string          `json:"n"`
	K record.Kind     `json:"k"`
	V json.RawMessage `json:"v"`
}

func encodeBody(rec *record.Record) (datatypes.JSON, error) {
	b := body{Source: rec.Source}
	if !rec.FetchedAt.IsZero() {
		t := rec.FetchedAt
		b.FetchedAt = &t
	}
	for _, f := range rec.Fields() {
		raw, err := f.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		b.Fields = append(b.Fields, bodyField{N: f.Name, K: f.Value.Kind(), V: raw})
	}
	out, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(out), nil
}

func decodeBody(raw datatypes.JSON) (*record.Record, error) {
	var b body
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	rec := record.New()
	rec.Source = b.Source
	if b.FetchedAt != nil {
		rec.FetchedAt = *b.FetchedAt
	}
	for _, f := range b.Fields {
		v, err := decodeValue(f)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.N, err)
		}
		rec.Set(f.N, v)
	}
	return rec, nil
}

func decodeValue(f bodyField) (record.Value, error) {
	switch f.K {
	case record.KindString:
		var s string
		err := json.Unmarshal(f.V, &s)
		return record.String(s), err
	case record.KindNumber:
		var n *float64
		if err := json.Unmarshal(f.V, &n); err != nil {
			return record.Null(), err
		}
		if n == nil {
			return record.Null(), nil
		}
		return record.Number(*n), nil
	case record.KindBool:
		var b bool
		err := json.Unmarshal(f.V, &b)
		return record.Bool(b), err
	case record.KindTime:
		var s string
		if err := json.Unmarshal(f.V, &s); err != nil {
			return record.Null(), err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		return record.Time(t), err
	default:
		return record.Null(), nil
	}
}
