package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cloudQuant/TradingAgents-CN-sub005/errs"
	"github.com/cloudQuant/TradingAgents-CN-sub005/export"
	"github.com/cloudQuant/TradingAgents-CN-sub005/ingest"
	"github.com/cloudQuant/TradingAgents-CN-sub005/provider"
	"github.com/cloudQuant/TradingAgents-CN-sub005/refresh"
	"github.com/cloudQuant/TradingAgents-CN-sub005/storage"
	"github.com/cloudQuant/TradingAgents-CN-sub005/tracker"
)

// collectionInfo 数据集列表项。
type collectionInfo struct {
	Name           string                     `json:"name"`
	DisplayName    string                     `json:"display_name,omitempty"`
	UniqueKeys     []string                   `json:"unique_keys"`
	Fields         []provider.FieldDescriptor `json:"fields"`
	RequiredParams []string                   `json:"required_params,omitempty"`
	OptionalParams []string                   `json:"optional_params,omitempty"`
	SupportsBatch  bool                       `json:"supports_batch"`
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	defs := s.d.Registry.List()
	out := make([]collectionInfo, 0, len(defs))
	for _, d := range defs {
		out = append(out, collectionInfo{
			Name:           d.Name,
			DisplayName:    d.DisplayName,
			UniqueKeys:     d.UniqueKeys,
			Fields:         d.Fields,
			RequiredParams: d.RequiredParams,
			OptionalParams: d.OptionalParams,
			SupportsBatch:  d.BatchSource != nil,
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := s.d.Ingest.Overview(r.Context(), r.PathValue("name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, ov)
}

// handleQuery GET /api/collections/{name}/data?page=&page_size=&sort=-date,code&filter={"code":"000001"}
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), "page")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	size, err := intParam(q.Get("page_size"), "page_size")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	filter, err := parseFilter(q.Get("filter"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.d.Ingest.Query(r.Context(), r.PathValue("name"), ingest.Query{
		Page:     page,
		PageSize: size,
		Sort:     parseSort(q.Get("sort")),
		Filter:   filter,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, res)
}

// handleClear 清空数据集，并使其缓存失效。
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	n, err := s.d.Ingest.Clear(r.Context(), name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.d.Cache != nil {
		s.d.Cache.InvalidatePattern(name + ":")
	}
	s.log.Info(r.Context(), "collection cleared", "collection", name, "deleted", n)
	writeMsg(w, map[string]int64{"deleted": n}, fmt.Sprintf("deleted %d records", n))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = export.FormatCSV
	}
	filter, err := parseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	b, err := s.d.Export.Export(r.Context(), name, format, filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", export.ContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, export.FileName(name, format, s.now())))
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	_, _ = w.Write(b)
}

// refreshBody 刷新请求体；params 为单参数组的简写，delay 单位为秒。
type refreshBody struct {
	UpdateType  string              `json:"update_type"`
	Mode        string              `json:"mode"`
	Params      map[string]string   `json:"params"`
	ParamsList  []map[string]string `json:"params_list"`
	Concurrency int                 `json:"concurrency"`
	Delay       float64             `json:"delay"`
}

func (b refreshBody) request(collection string) (refresh.Request, error) {
	if b.Delay < 0 || math.IsNaN(b.Delay) || math.IsInf(b.Delay, 0) {
		return refresh.Request{}, errs.Validation("delay", "must be a non-negative number of seconds")
	}
	list := b.ParamsList
	if len(list) == 0 && len(b.Params) > 0 {
		list = []map[string]string{b.Params}
	}
	return refresh.Request{
		Collection:  collection,
		UpdateType:  refresh.UpdateType(b.UpdateType),
		Mode:        refresh.Mode(b.Mode),
		ParamsList:  list,
		Concurrency: b.Concurrency,
		Delay:       time.Duration(b.Delay * float64(time.Second)),
	}, nil
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	req, err := body.request(r.PathValue("name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.d.Refresh.Submit(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeMsg(w, map[string]string{"task_id": id}, "refresh task submitted")
}

// taskView 任务快照加完成百分比。
type taskView struct {
	tracker.Task
	Percent int `json:"percent"`
}

func viewOf(t tracker.Task) taskView { return taskView{Task: t, Percent: t.Percent()} }

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.d.Refresh.Tracker().List()
	status := tracker.Status(r.URL.Query().Get("status"))
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, viewOf(t))
	}
	writeJSON(w, out)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.d.Refresh.Tracker().Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, viewOf(t))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.d.Refresh.Cancel(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	msg := "cancellation requested"
	if !ok {
		msg = "task already finished"
	}
	writeMsg(w, map[string]any{"task_id": id, "cancelled": ok}, msg)
}

// intParam 空串视为 0（使用默认值）。
func intParam(raw, field string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errs.Validation(field, "must be a positive integer, got %q", raw)
	}
	return n, nil
}

// parseSort "a,-b" -> a 升序, b 降序。
func parseSort(raw string) []storage.SortField {
	var out []storage.SortField
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" || part == "-" {
			continue
		}
		if strings.HasPrefix(part, "-") {
			out = append(out, storage.SortField{Field: part[1:], Desc: true})
			continue
		}
		out = append(out, storage.SortField{Field: strings.TrimPrefix(part, "+")})
	}
	return out
}

// parseFilter 解析 JSON 对象形式的相等过滤条件。
func parseFilter(raw string) (storage.Filter, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var f storage.Filter
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, errs.Validation("filter", "must be a JSON object: %v", err)
	}
	return f, nil
}
