package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudQuant/TradingAgents-CN-sub005/client"
	"github.com/cloudQuant/TradingAgents-CN-sub005/errs"
	"github.com/cloudQuant/TradingAgents-CN-sub005/metrics"
	"github.com/cloudQuant/TradingAgents-CN-sub005/record"
	"github.com/cloudQuant/TradingAgents-CN-sub005/storage"
)

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.d.Scheduler == nil {
		s.fail(w, r, errUnavailable)
		return
	}
	writeJSON(w, s.d.Scheduler.Jobs())
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request)  { s.setPaused(w, r, true) }
func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) { s.setPaused(w, r, false) }

// setPaused 暂停/恢复周期任务，并持久化状态以便重启后恢复。
// 持久化失败不回滚调度器状态，只记录日志。
func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	if s.d.Scheduler == nil {
		s.fail(w, r, errUnavailable)
		return
	}
	id := r.PathValue("id")
	var err error
	if paused {
		err = s.d.Scheduler.PauseJob(id)
	} else {
		err = s.d.Scheduler.ResumeJob(id)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.d.States != nil {
		if err := s.d.States.RecordJobState(id, paused); err != nil {
			s.log.Error(r.Context(), "record job state failed", "job_id", id, "paused", paused, "err", err)
		}
	}
	info, _ := s.d.Scheduler.GetJob(id)
	action := "resumed"
	if paused {
		action = "paused"
	}
	writeMsg(w, info, "job "+action)
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.d.Scheduler == nil {
		s.fail(w, r, errUnavailable)
		return
	}
	id := r.PathValue("id")
	if err := s.d.Scheduler.RunNow(id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeMsg(w, map[string]string{"job_id": id}, "job triggered")
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.d.Cache == nil {
		s.fail(w, r, errUnavailable)
		return
	}
	writeJSON(w, s.d.Cache.Stats())
}

// handleCacheInvalidate ?key= 精确删除，?pattern= 子串匹配删除，都为空时清空。
func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.d.Cache == nil {
		s.fail(w, r, errUnavailable)
		return
	}
	q := r.URL.Query()
	var n int
	switch {
	case q.Get("key") != "":
		n = s.d.Cache.Invalidate(q.Get("key"))
	case q.Get("pattern") != "":
		n = s.d.Cache.InvalidatePattern(q.Get("pattern"))
	default:
		n = s.d.Cache.Clear()
	}
	writeMsg(w, map[string]int{"invalidated": n}, fmt.Sprintf("invalidated %d entries", n))
}

// statsView 系统概况。
type statsView struct {
	System      *metrics.SystemMetric `json:"system,omitempty"`
	Cache       any                   `json:"cache,omitempty"`
	Tasks       map[string]int        `json:"tasks"`
	Collections int                   `json:"collections"`
	Jobs        int                   `json:"jobs"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := statsView{Tasks: map[string]int{}, Collections: len(s.d.Registry.List())}
	for st, n := range s.d.Refresh.Tracker().Counts() {
		out.Tasks[string(st)] = n
	}
	m := metrics.Collect(r.Context(), s.d.DataDir)
	out.System = &m
	if s.d.Cache != nil {
		out.Cache = s.d.Cache.Stats()
	}
	if s.d.Scheduler != nil {
		out.Jobs = len(s.d.Scheduler.Jobs())
	}
	writeJSON(w, out)
}

func (s *Server) handleSyncPing(w http.ResponseWriter, r *http.Request) {
	defs := s.d.Registry.List()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	writeJSON(w, client.PingInfo{Node: s.d.NodeName, Collections: names, Time: s.now().Format(time.RFC3339)})
}

// handleSyncExport 远程同步的数据提供端：按 skip/limit 分块导出，附带 md5 摘要。
func (s *Server) handleSyncExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("collection")
	if _, err := s.d.Registry.Lookup(name); err != nil {
		s.fail(w, r, err)
		return
	}
	skip, err := int64Param(q.Get("skip"), "skip", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := int64Param(q.Get("limit"), "limit", defaultSyncChunk)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if limit <= 0 || limit > maxSyncChunk {
		limit = defaultSyncChunk
	}
	var filter storage.Filter
	if raw := q.Get("filter"); raw != "" {
		kv := map[string]string{}
		if err := json.Unmarshal([]byte(raw), &kv); err != nil {
			s.fail(w, r, errs.Validation("filter", "must be a JSON object of strings: %v", err))
			return
		}
		filter = storage.FilterOf(kv)
	}
	total, err := s.d.Ingest.Count(r.Context(), name, filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	recs, err := s.d.Ingest.All(r.Context(), name, filter, skip, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sum, err := client.Checksum(recs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []*record.Record{}
	}
	writeJSON(w, client.Chunk{
		Data:     recs,
		Total:    total,
		Skip:     skip,
		Limit:    limit,
		HasMore:  skip+int64(len(recs)) < total,
		Checksum: sum,
	})
}

const (
	defaultSyncChunk = 1000
	maxSyncChunk     = 10000
)

func int64Param(raw, field string, def int64) (int64, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, errs.Validation(field, "must be a non-negative integer, got %q", raw)
	}
	return n, nil
}
