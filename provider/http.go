package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/cloudQuant/TradingAgents-CN-sub005/record"
)

// HTTPSource HTTP JSON 数据源。
type HTTPSource struct {
	URL         string // 可含 {param} 占位符
	Method      string // 默认 GET
	RecordsPath string // 记录数组所在的点分路径，如 data.items；空表示响应本身即数组
}

var placeholder = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// NewHTTP 构造以 HTTP JSON 接口为数据源的 FuncProvider。
// 未出现在 URL 占位符中的参数以 query string 追加。
func NewHTTP(opts Options, src HTTPSource, hc *http.Client) *FuncProvider {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Source == "" {
		opts.Source = src.URL
	}
	opts.Call = func(ctx context.Context, params map[string]string) ([]*record.Record, error) {
		u, err := expandURL(src.URL, params)
		if err != nil {
			return nil, err
		}
		method := strings.ToUpper(src.Method)
		if method == "" {
			method = http.MethodGet
		}
		req, err := http.NewRequestWithContext(ctx, method, u, nil)
		if err != nil {
			return nil, err
		}
		res, err := hc.Do(req)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		b, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, err
		}
		if res.StatusCode/100 != 2 {
			return nil, fmt.Errorf("%s %s => %d: %s", method, u, res.StatusCode, truncate(string(b), 200))
		}
		return DecodeRecords(b, src.RecordsPath)
	}
	return New(opts)
}

func expandURL(tmpl string, params map[string]string) (string, error) {
	used := map[string]bool{}
	expanded := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		used[name] = true
		return url.QueryEscape(params[name])
	})
	u, err := url.Parse(expanded)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range params {
		if !used[k] {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DecodeRecords 解析 JSON 对象数组，path 为点分路径。
func DecodeRecords(b []byte, path string) ([]*record.Record, error) {
	raw := json.RawMessage(b)
	if path != "" {
		for _, seg := range strings.Split(path, ".") {
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(raw, &obj); err != nil {
				return nil, fmt.Errorf("records path %q: %w", path, err)
			}
			next, ok := obj[seg]
			if !ok {
				return nil, fmt.Errorf("records path %q: missing %q", path, seg)
			}
			raw = next
		}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return []*record.Record{}, nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, fmt.Errorf("expected array of records, got %v", tok)
	}
	out := make([]*record.Record, 0)
	for dec.More() {
		r := &record.Record{}
		if err := dec.Decode(r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
