// Package fileimport 读取 CSV / JSON / XLSX 文件为记录，支持本地路径与 s3://bucket/key。
package fileimport

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/xuri/excelize/v2"

	"github.com/cloudQuant/TradingAgents-CN-sub005/config"
	"github.com/cloudQuant/TradingAgents-CN-sub005/errs"
	"github.com/cloudQuant/TradingAgents-CN-sub005/provider"
	"github.com/cloudQuant/TradingAgents-CN-sub005/record"
)

const bom = "\ufeff"

// ObjectGetter 对象存储读取能力，便于 gomock 打桩。
type ObjectGetter interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// minioGetter 基于 minio-go 的实现。
type minioGetter struct{ c *minio.Client }

// NewMinioGetter 根据配置创建对象存储客户端；未配置 endpoint 时返回 nil。
func NewMinioGetter(cfg config.ObjectStoreConfig) (ObjectGetter, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	c, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	return &minioGetter{c: c}, nil
}

func (m *minioGetter) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	return m.c.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
}

// Reader 文件读取器。
type Reader struct {
	objects ObjectGetter
}

// NewReader 构造；objects 为空时不支持 s3:// 路径。
func NewReader(objects ObjectGetter) *Reader { return &Reader{objects: objects} }

// FormatOf 由扩展名推断格式。
func FormatOf(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".csv":
		return "csv"
	case ".json":
		return "json"
	case ".xlsx", ".xls":
		return "xlsx"
	default:
		return ""
	}
}

// Read 读取文件为记录；format 为空时按扩展名推断。
func (r *Reader) Read(ctx context.Context, p, format string) ([]*record.Record, error) {
	if format == "" {
		format = FormatOf(p)
	}
	format = strings.ToLower(format)
	switch format {
	case "csv", "json", "xlsx", "excel":
	default:
		return nil, errs.Validation("format", "unsupported import format %q", format)
	}
	data, err := r.open(ctx, p)
	if err != nil {
		return nil, &errs.ProviderError{Collection: p, Cause: err}
	}
	var recs []*record.Record
	switch format {
	case "csv":
		recs, err = ParseCSV(data)
	case "json":
		recs, err = provider.DecodeRecords(data, "")
	default:
		recs, err = ParseXLSX(data)
	}
	if err != nil {
		return nil, &errs.ProviderError{Collection: p, Cause: fmt.Errorf("parse %s: %w", format, err)}
	}
	for _, rec := range recs {
		rec.Source = p
	}
	return recs, nil
}

func (r *Reader) open(ctx context.Context, p string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(p, "s3://"); ok {
		if r.objects == nil {
			return nil, errors.New("object store not configured")
		}
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return nil, fmt.Errorf("invalid object path %q", p)
		}
		obj, err := r.objects.GetObject(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		defer obj.Close()
		return io.ReadAll(obj)
	}
	return os.ReadFile(p)
}

// ParseCSV 首行为表头；去除 UTF-8 BOM；数值单元格解析为数字，空单元格为空值。
func ParseCSV(data []byte) ([]*record.Record, error) {
	cr := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte(bom))))
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// ParseXLSX 读取第一个工作表，首行为表头。
func ParseXLSX(data []byte) ([]*record.Record, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return []*record.Record{}, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

func fromRows(rows [][]string) []*record.Record {
	out := make([]*record.Record, 0)
	if len(rows) == 0 {
		return out
	}
	header := rows[0]
	for _, row := range rows[1:] {
		if blank(row) {
			continue
		}
		rec := record.New()
		for i, name := range header {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			rec.Set(name, ParseValue(cell))
		}
		out = append(out, rec)
	}
	return out
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// ParseValue 依次尝试整数、浮点数，否则保留为字符串。
// 以 0 开头的多位数字（如基金代码 000001）保留为字符串。
func ParseValue(s string) record.Value {
	s = strings.TrimSpace(s)
	if s == "" {
		return record.Null()
	}
	if len(s) > 1 && s[0] == '0' && s[1] != '.' {
		return record.String(s)
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return record.Int(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return record.Number(f)
	}
	return record.String(s)
}
