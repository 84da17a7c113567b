// Package server 提供仓库引擎的 HTTP 接口：刷新任务、数据查询与导出、调度器与缓存管理、节点间同步。
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cloudQuant/TradingAgents-CN-sub005/cache"
	"github.com/cloudQuant/TradingAgents-CN-sub005/client"
	"github.com/cloudQuant/TradingAgents-CN-sub005/errs"
	"github.com/cloudQuant/TradingAgents-CN-sub005/export"
	"github.com/cloudQuant/TradingAgents-CN-sub005/ingest"
	"github.com/cloudQuant/TradingAgents-CN-sub005/logging"
	"github.com/cloudQuant/TradingAgents-CN-sub005/refresh"
	"github.com/cloudQuant/TradingAgents-CN-sub005/registry"
	"github.com/cloudQuant/TradingAgents-CN-sub005/schedstate"
	"github.com/cloudQuant/TradingAgents-CN-sub005/scheduler"
)

// Deps 接口层依赖的服务；Scheduler / States / Cache 可为空，对应接口返回 503。
type Deps struct {
	Registry  *registry.Registry
	Ingest    *ingest.Service
	Export    *export.Service
	Refresh   *refresh.Orchestrator
	Cache     *cache.Cache
	Scheduler *scheduler.Scheduler
	States    *schedstate.Store

	NodeName   string // /api/sync/ping 返回的节点名
	SyncAPIKey string // 非空时 /api/sync/* 需携带 X-Sync-API-Key
	DataDir    string // 系统指标统计磁盘用量的目录
}

// Server 内置 HTTP Server。
// 说明：Start(ctx) 先监听再确定实际地址（支持 :0 随机端口），ctx.Done 时优雅关闭。
type Server struct {
	d   Deps
	mux *http.ServeMux
	log logging.Logger
	now func() time.Time

	srv    *http.Server
	addrMu sync.RWMutex
	addr   string
}

// New 创建 Server 并注册全部路由。
func New(d Deps) *Server {
	s := &Server{d: d, mux: http.NewServeMux(), log: logging.L().With("component", "server"), now: time.Now}
	s.routes()
	return s
}

// Handler 返回根 Handler（便于 httptest 直接挂载）。
func (s *Server) Handler() http.Handler { return s.accessLog(s.mux) }

func (s *Server) routes() {
	m := s.mux
	m.HandleFunc("GET /api/collections", s.handleListCollections)
	m.HandleFunc("GET /api/collections/{name}/overview", s.handleOverview)
	m.HandleFunc("GET /api/collections/{name}/data", s.handleQuery)
	m.HandleFunc("DELETE /api/collections/{name}/data", s.handleClear)
	m.HandleFunc("GET /api/collections/{name}/export", s.handleExport)
	m.HandleFunc("POST /api/collections/{name}/refresh", s.handleRefresh)

	m.HandleFunc("GET /api/tasks", s.handleListTasks)
	m.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	m.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)

	m.HandleFunc("GET /api/scheduler/jobs", s.handleListJobs)
	m.HandleFunc("POST /api/scheduler/jobs/{id}/pause", s.handlePauseJob)
	m.HandleFunc("POST /api/scheduler/jobs/{id}/resume", s.handleResumeJob)
	m.HandleFunc("POST /api/scheduler/jobs/{id}/run", s.handleRunJob)

	m.HandleFunc("GET /api/cache/stats", s.handleCacheStats)
	m.HandleFunc("POST /api/cache/invalidate", s.handleCacheInvalidate)
	m.HandleFunc("GET /api/stats", s.handleStats)

	m.HandleFunc("GET /api/sync/ping", s.requireSyncKey(s.handleSyncPing))
	m.HandleFunc("GET /api/sync/data/export", s.requireSyncKey(s.handleSyncExport))
}

// Start 启动监听并在后台提供服务。
// 功能：
// 1) 监听 addr（形如 ":8030"、"127.0.0.1:0"），记录实际地址；
// 2) ctx.Done 时以 shutdownTimeout 为上限优雅关闭。
// 异常：监听失败直接返回错误。
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Errorf(ctx, "listen failed: addr=%s err=%v", addr, err)
		return err
	}
	s.addrMu.Lock()
	s.addr = ln.Addr().String()
	s.srv = &http.Server{Addr: s.addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := s.srv
	s.addrMu.Unlock()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error(context.Background(), "http server stopped", "err", err)
		}
	}()
	s.log.Info(ctx, "http server listening", "addr", s.Addr())
	return nil
}

const shutdownTimeout = 10 * time.Second

// Addr 返回实际监听地址（用于测试或 :0 随机端口场景）。
func (s *Server) Addr() string { s.addrMu.RLock(); defer s.addrMu.RUnlock(); return s.addr }

// accessLog 调试级访问日志。
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug(r.Context(), "http request", "method", r.Method, "path", r.URL.Path, "cost", time.Since(start))
	})
}

// requireSyncKey 校验节点间同步的鉴权头。
func (s *Server) requireSyncKey(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.d.SyncAPIKey != "" && r.Header.Get(client.APIKeyHeader) != s.d.SyncAPIKey {
			writeErr(w, http.StatusUnauthorized, errInvalidAPIKey)
			return
		}
		h(w, r)
	}
}

var (
	errInvalidAPIKey = errors.New("invalid sync api key")
	errUnavailable   = errors.New("service not configured")
)

// statusOf 错误分类 -> HTTP 状态码。
func statusOf(err error) int {
	var ve *errs.ValidationError
	if errors.As(err, &ve) && ve.Field == "collection" {
		return http.StatusNotFound
	}
	switch errs.Kind(err) {
	case "validation":
		return http.StatusBadRequest
	case "task_not_found":
		return http.StatusNotFound
	case "export":
		if errors.Is(err, errs.ErrNoData) {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case "provider":
		return http.StatusBadGateway
	}
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, refresh.ErrClosed), errors.Is(err, errUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail 按错误分类写出失败响应。
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		s.log.Error(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeErr(w, code, err)
}

// writeErr/writeJSON 公共返回工具，响应体统一为 {success, data, message}。
func writeErr(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(client.CommonResp[any]{Success: false, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeMsg(w, v, "")
}

func writeMsg(w http.ResponseWriter, v any, msg string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(client.CommonResp[any]{Success: true, Data: v, Message: msg})
}
