package client

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cloudQuant/TradingAgents-CN-sub005/logging"
	"github.com/cloudQuant/TradingAgents-CN-sub005/record"
)

// APIKeyHeader 节点间同步使用的鉴权头。
const APIKeyHeader = "X-Sync-API-Key"

// NodeAPI 定义与远程仓库节点的交互接口，便于 gomock 打桩。
// 功能：分块拉取数据集、探活。
type NodeAPI interface {
	ExportChunk(ctx context.Context, baseURL string, req ChunkRequest) (Chunk, error)
	Ping(ctx context.Context, baseURL string) (PingInfo, error)
}

// httpNodeAPI 实现 NodeAPI。
type httpNodeAPI struct {
	hc     *http.Client
	apiKey string
}

// NewHTTPNodeAPI 构造 HTTP 实现。
func NewHTTPNodeAPI(timeout time.Duration, apiKey string) NodeAPI {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpNodeAPI{hc: &http.Client{Timeout: timeout}, apiKey: apiKey}
}

// ExportChunk 调用 GET {base}/api/sync/data/export 拉取一块数据并校验摘要。
func (h *httpNodeAPI) ExportChunk(ctx context.Context, baseURL string, req ChunkRequest) (Chunk, error) {
	v := url.Values{}
	v.Set("collection", req.Collection)
	v.Set("skip", strconv.FormatInt(req.Skip, 10))
	v.Set("limit", strconv.FormatInt(req.Limit, 10))
	if len(req.Filter) > 0 {
		b, _ := json.Marshal(req.Filter)
		v.Set("filter", string(b))
	}
	u := strings.TrimRight(baseURL, "/") + "/api/sync/data/export?" + v.Encode()
	var resp CommonResp[Chunk]
	if err := h.get(ctx, u, &resp); err != nil {
		return Chunk{}, err
	}
	if !resp.Success {
		return Chunk{}, fmt.Errorf("export chunk failed: %s", resp.Message)
	}
	if resp.Data.Checksum != "" {
		sum, err := Checksum(resp.Data.Data)
		if err != nil {
			return Chunk{}, err
		}
		if sum != resp.Data.Checksum {
			return Chunk{}, fmt.Errorf("export chunk checksum mismatch: got %s want %s", sum, resp.Data.Checksum)
		}
	}
	return resp.Data, nil
}

// Ping 调用 GET {base}/api/sync/ping。
func (h *httpNodeAPI) Ping(ctx context.Context, baseURL string) (PingInfo, error) {
	var resp CommonResp[PingInfo]
	if err := h.get(ctx, strings.TrimRight(baseURL, "/")+"/api/sync/ping", &resp); err != nil {
		return PingInfo{}, err
	}
	if !resp.Success {
		return PingInfo{}, fmt.Errorf("ping failed: %s", resp.Message)
	}
	return resp.Data, nil
}

// get 执行 GET 请求并解码 JSON。
func (h *httpNodeAPI) get(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if h.apiKey != "" {
		req.Header.Set(APIKeyHeader, h.apiKey)
	}
	res, err := h.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("GET %s => %d: %s", u, res.StatusCode, string(b))
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// Checksum 记录数组 JSON 的 md5，两端使用同一编码保证可比。
func Checksum(recs []*record.Record) (string, error) {
	if recs == nil {
		recs = []*record.Record{}
	}
	b, err := json.Marshal(recs)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}

// FetchAll 分块拉取远程数据集直至 HasMore=false。
func FetchAll(ctx context.Context, api NodeAPI, baseURL, collection string, filter map[string]string, chunkSize int64) ([]*record.Record, error) {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	out := make([]*record.Record, 0)
	var skip int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := api.ExportChunk(ctx, baseURL, ChunkRequest{Collection: collection, Filter: filter, Skip: skip, Limit: chunkSize})
		if err != nil {
			return nil, err
		}
		for _, r := range chunk.Data {
			r.Source = baseURL
		}
		out = append(out, chunk.Data...)
		skip += int64(len(chunk.Data))
		logging.L().Debug(ctx, "remote chunk pulled", "node", baseURL, "collection", collection, "rows", len(chunk.Data), "total", chunk.Total)
		if !chunk.HasMore || len(chunk.Data) == 0 {
			return out, nil
		}
	}
}
