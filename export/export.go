// Package export 将数据集导出为 CSV / XLSX / JSON。
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/cloudQuant/TradingAgents-CN-sub005/errs"
	"github.com/cloudQuant/TradingAgents-CN-sub005/ingest"
	"github.com/cloudQuant/TradingAgents-CN-sub005/logging"
	"github.com/cloudQuant/TradingAgents-CN-sub005/provider"
	"github.com/cloudQuant/TradingAgents-CN-sub005/record"
	"github.com/cloudQuant/TradingAgents-CN-sub005/registry"
	"github.com/cloudQuant/TradingAgents-CN-sub005/storage"
)

// 支持的格式。
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
	FormatJSON = "json"
)

const sheetName = "Sheet1"

// Normalize 统一格式名（大小写不敏感，excel 为 xlsx 的别名）；不支持时返回 ""。
func Normalize(format string) string {
	switch f := strings.ToLower(strings.TrimSpace(format)); f {
	case FormatCSV, FormatXLSX, FormatJSON:
		return f
	case "excel":
		return FormatXLSX
	default:
		return ""
	}
}

// ContentType 格式对应的 MIME 类型。
func ContentType(format string) string {
	switch Normalize(format) {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatJSON:
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// FileName 下载文件名：{collection}_{yyyymmdd_hhmmss}.{ext}。
func FileName(collection, format string, now time.Time) string {
	return fmt.Sprintf("%s_%s.%s", collection, now.Format("20060102_150405"), Normalize(format))
}

// Service 导出服务。
type Service struct {
	ing *ingest.Service
	reg *registry.Registry
	log logging.Logger
}

// NewService 构造。
func NewService(ing *ingest.Service, reg *registry.Registry) *Service {
	return &Service{ing: ing, reg: reg, log: logging.L().With("component", "export")}
}

// Export 导出匹配 filter 的全部记录（不含 _id）。
// 功能：
// 1) 先校验格式，不支持时返回 ExportError(unsupported format)，不查询存储；
// 2) 结果为空时返回 ExportError(no data)，不会生成空文件；
// 3) 列顺序：字段定义在前，其余字段按首次出现顺序。
func (s *Service) Export(ctx context.Context, collection, format string, filter storage.Filter) ([]byte, error) {
	f := Normalize(format)
	if f == "" {
		return nil, &errs.ExportError{Format: format, Reason: errs.ErrUnsupportedFormat}
	}
	def, err := s.reg.Lookup(collection)
	if err != nil {
		return nil, err
	}
	recs, err := s.ing.All(ctx, collection, filter, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, &errs.ExportError{Format: f, Reason: errs.ErrNoData}
	}
	cols := Columns(recs, provider.FieldNames(def.Fields))
	var out []byte
	switch f {
	case FormatCSV:
		out, err = EncodeCSV(recs, cols)
	case FormatXLSX:
		out, err = EncodeXLSX(recs, cols)
	default:
		out, err = EncodeJSON(recs, cols)
	}
	if err != nil {
		return nil, &errs.ExportError{Format: f, Reason: err}
	}
	s.log.Info(ctx, "collection exported", "collection", collection, "format", f, "rows", len(recs), "bytes", len(out))
	return out, nil
}

// Columns 列顺序：schema 中出现在数据里的字段在前，其余按首次出现顺序。
func Columns(recs []*record.Record, schema []string) []string {
	present := map[string]bool{}
	var seen []string
	for _, r := range recs {
		for _, k := range r.Keys() {
			if k == storage.IDField || present[k] {
				continue
			}
			present[k] = true
			seen = append(seen, k)
		}
	}
	cols := make([]string, 0, len(seen))
	used := map[string]bool{}
	for _, k := range schema {
		if present[k] && !used[k] {
			cols = append(cols, k)
			used[k] = true
		}
	}
	for _, k := range seen {
		if !used[k] {
			cols = append(cols, k)
		}
	}
	return cols
}

// EncodeCSV 带 UTF-8 BOM 的 CSV，便于表格软件识别编码。
func EncodeCSV(recs []*record.Record, cols []string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("\ufeff")
	w := csv.NewWriter(&buf)
	if err := w.Write(cols); err != nil {
		return nil, err
	}
	row := make([]string, len(cols))
	for _, r := range recs {
		for i, c := range cols {
			v, _ := r.Get(c)
			row[i] = v.String()
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// EncodeXLSX 单工作表，首行为表头。
func EncodeXLSX(recs []*record.Record, cols []string) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return nil, err
	}
	header := make([]interface{}, len(cols))
	for i, c := range cols {
		header[i] = c
	}
	if err := sw.SetRow("A1", header); err != nil {
		return nil, err
	}
	for n, r := range recs {
		row := make([]interface{}, len(cols))
		for i, c := range cols {
			v, _ := r.Get(c)
			row[i] = cellValue(v)
		}
		cell, err := excelize.CoordinatesToCellName(1, n+2)
		if err != nil {
			return nil, err
		}
		if err := sw.SetRow(cell, row); err != nil {
			return nil, err
		}
	}
	if err := sw.Flush(); err != nil {
		return nil, err
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func cellValue(v record.Value) interface{} {
	switch v.Kind() {
	case record.KindNull:
		return nil
	case record.KindNumber:
		if math.IsNaN(v.Num()) || math.IsInf(v.Num(), 0) {
			return nil
		}
		return v.Num()
	case record.KindBool:
		return v.Boolean()
	default:
		return v.String()
	}
}

// EncodeJSON 对象数组，字段按列顺序输出。
func EncodeJSON(recs []*record.Record, cols []string) ([]byte, error) {
	out := make([]*record.Record, len(recs))
	for i, r := range recs {
		out[i] = r.Reorder(cols)
		out[i].Delete(storage.IDField)
	}
	return json.MarshalIndent(out, "", "  ")
}
