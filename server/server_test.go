package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/cloudQuant/TradingAgents-CN-sub005/cache"
	"github.com/cloudQuant/TradingAgents-CN-sub005/client"
	"github.com/cloudQuant/TradingAgents-CN-sub005/export"
	"github.com/cloudQuant/TradingAgents-CN-sub005/ingest"
	"github.com/cloudQuant/TradingAgents-CN-sub005/provider"
	"github.com/cloudQuant/TradingAgents-CN-sub005/record"
	"github.com/cloudQuant/TradingAgents-CN-sub005/refresh"
	"github.com/cloudQuant/TradingAgents-CN-sub005/registry"
	"github.com/cloudQuant/TradingAgents-CN-sub005/schedstate"
	"github.com/cloudQuant/TradingAgents-CN-sub005/scheduler"
	"github.com/cloudQuant/TradingAgents-CN-sub005/storage/memstore"
	"github.com/cloudQuant/TradingAgents-CN-sub005/tracker"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// newTestServer fund_nav 数据集：每个 code 返回两条净值记录。
func newTestServer(t *testing.T, apiKey string) (*Server, *httptest.Server) {
	reg := registry.New()
	reg.MustRegister(registry.Definition{
		Name:           "fund_nav",
		DisplayName:    "基金净值",
		RequiredParams: []string{"code"},
		Provider: provider.New(provider.Options{
			Collection: "fund_nav",
			UniqueKeys: []string{"code", "date"},
			Fields:     []provider.FieldDescriptor{{Name: "code"}, {Name: "date"}, {Name: "nav"}},
			Call: func(ctx context.Context, params map[string]string) ([]*record.Record, error) {
				return []*record.Record{
					record.New(record.F("code", params["code"]), record.F("date", "2024-01-02"), record.F("nav", 1.25)),
					record.New(record.F("code", params["code"]), record.F("date", "2024-01-03"), record.F("nav", 1.5)),
				}, nil
			},
		}),
	})
	ing := ingest.NewService(memstore.New(), reg)
	c := cache.New()
	orch := refresh.New(reg, ing, tracker.NewManager(), refresh.WithCache(c))
	sched := scheduler.New()
	So(sched.AddJob("nav-daily", "@daily", func(context.Context) {}), ShouldBeNil)

	s := New(Deps{
		Registry:   reg,
		Ingest:     ing,
		Export:     export.NewService(ing, reg),
		Refresh:    orch,
		Cache:      c,
		Scheduler:  sched,
		States:     schedstate.New(filepath.Join(t.TempDir(), "states.json")),
		NodeName:   "node-a",
		SyncAPIKey: apiKey,
		DataDir:    t.TempDir(),
	})
	s.now = func() time.Time { return time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC) }
	ts := httptest.NewServer(s.Handler())
	return s, ts
}

func call(ts *httptest.Server, method, path string, body any) (*http.Response, envelope) {
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	So(err, ShouldBeNil)
	resp, err := http.DefaultClient.Do(req)
	So(err, ShouldBeNil)
	defer resp.Body.Close()
	var env envelope
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &env)
	return resp, env
}

// refreshAndWait 提交刷新并等待任务结束。
func refreshAndWait(s *Server, ts *httptest.Server, body map[string]any) tracker.Task {
	resp, env := call(ts, http.MethodPost, "/api/collections/fund_nav/refresh", body)
	So(resp.StatusCode, ShouldEqual, http.StatusOK)
	var out struct {
		TaskID string `json:"task_id"`
	}
	So(json.Unmarshal(env.Data, &out), ShouldBeNil)
	So(out.TaskID, ShouldNotBeEmpty)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := s.d.Refresh.Wait(ctx, out.TaskID)
	So(err, ShouldBeNil)
	return task
}

func TestRefreshAndQuery(t *testing.T) {
	Convey("refresh over http then page through the data", t, func() {
		s, ts := newTestServer(t, "")
		defer ts.Close()

		task := refreshAndWait(s, ts, map[string]any{
			"update_type": "batch",
			"params_list": []map[string]string{{"code": "000001"}, {"code": "000002"}},
			"concurrency": 2,
			"delay":       0.01,
		})
		So(task.Status, ShouldEqual, tracker.StatusCompleted)
		So(task.Result.Inserted, ShouldEqual, 4)

		resp, env := call(ts, http.MethodGet, "/api/tasks/"+task.ID, nil)
		So(resp.StatusCode, ShouldEqual, http.StatusOK)
		var view struct {
			Status  string `json:"status"`
			Percent int    `json:"percent"`
		}
		So(json.Unmarshal(env.Data, &view), ShouldBeNil)
		So(view.Status, ShouldEqual, "completed")
		So(view.Percent, ShouldEqual, 100)

		_, env = call(ts, http.MethodGet, "/api/collections/fund_nav/data?page=1&page_size=3&sort=code,-date", nil)
		var page struct {
			Items []map[string]any `json:"items"`
			Total int64            `json:"total"`
		}
		So(json.Unmarshal(env.Data, &page), ShouldBeNil)
		So(page.Total, ShouldEqual, 4)
		So(page.Items, ShouldHaveLength, 3)
		So(page.Items[0]["code"], ShouldEqual, "000001")
		So(page.Items[0]["date"], ShouldEqual, "2024-01-03")
		So(page.Items[0], ShouldContainKey, "_id")

		_, env = call(ts, http.MethodGet, "/api/collections/fund_nav/data?filter="+url.QueryEscape(`{"code":"000002"}`), nil)
		So(json.Unmarshal(env.Data, &page), ShouldBeNil)
		So(page.Total, ShouldEqual, 2)

		_, env = call(ts, http.MethodGet, "/api/collections/fund_nav/overview", nil)
		var ov struct {
			TotalCount  int64   `json:"total_count"`
			LastUpdated *string `json:"last_updated"`
		}
		So(json.Unmarshal(env.Data, &ov), ShouldBeNil)
		So(ov.TotalCount, ShouldEqual, 4)
		So(ov.LastUpdated, ShouldNotBeNil)

		_, env = call(ts, http.MethodGet, "/api/tasks?status=completed", nil)
		var tasks []map[string]any
		So(json.Unmarshal(env.Data, &tasks), ShouldBeNil)
		So(tasks, ShouldHaveLength, 1)
	})
}

func TestErrorMapping(t *testing.T) {
	Convey("errors map to http status codes", t, func() {
		_, ts := newTestServer(t, "")
		defer ts.Close()

		resp, env := call(ts, http.MethodPost, "/api/collections/fund_nav/refresh", map[string]any{"params": map[string]string{}})
		So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
		So(env.Success, ShouldBeFalse)
		So(env.Message, ShouldContainSubstring, "code")

		resp, _ = call(ts, http.MethodPost, "/api/collections/fund_nav/refresh", map[string]any{"params": map[string]string{"code": "1"}, "delay": -1})
		So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)

		resp, _ = call(ts, http.MethodPost, "/api/collections/unknown/refresh", nil)
		So(resp.StatusCode, ShouldEqual, http.StatusNotFound)

		resp, _ = call(ts, http.MethodGet, "/api/tasks/missing", nil)
		So(resp.StatusCode, ShouldEqual, http.StatusNotFound)

		resp, _ = call(ts, http.MethodPost, "/api/tasks/missing/cancel", nil)
		So(resp.StatusCode, ShouldEqual, http.StatusNotFound)

		resp, _ = call(ts, http.MethodGet, "/api/collections/fund_nav/data?page=0", nil)
		So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)

		resp, _ = call(ts, http.MethodGet, "/api/collections/fund_nav/data?filter="+url.QueryEscape("[1]"), nil)
		So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)

		resp, _ = call(ts, http.MethodPost, "/api/scheduler/jobs/missing/pause", nil)
		So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
	})
}

func TestExportEndpoint(t *testing.T) {
	Convey("export streams a file with download headers", t, func() {
		s, ts := newTestServer(t, "")
		defer ts.Close()

		resp, _ := call(ts, http.MethodGet, "/api/collections/fund_nav/export?format=csv", nil)
		So(resp.StatusCode, ShouldEqual, http.StatusNotFound)

		refreshAndWait(s, ts, map[string]any{"params": map[string]string{"code": "000001"}})

		resp, err := http.Get(ts.URL + "/api/collections/fund_nav/export?format=csv")
		So(err, ShouldBeNil)
		defer resp.Body.Close()
		So(resp.StatusCode, ShouldEqual, http.StatusOK)
		So(resp.Header.Get("Content-Type"), ShouldStartWith, "text/csv")
		So(resp.Header.Get("Content-Disposition"), ShouldContainSubstring, "fund_nav_20240301_093000.csv")
		b, _ := io.ReadAll(resp.Body)
		lines := strings.Split(strings.TrimSpace(strings.TrimPrefix(string(b), "\ufeff")), "\n")
		So(lines, ShouldHaveLength, 3)
		So(lines[0], ShouldStartWith, "code,date,nav")

		resp2, _ := call(ts, http.MethodGet, "/api/collections/fund_nav/export?format=pdf", nil)
		So(resp2.StatusCode, ShouldEqual, http.StatusBadRequest)

		resp2, env := call(ts, http.MethodDelete, "/api/collections/fund_nav/data", nil)
		So(resp2.StatusCode, ShouldEqual, http.StatusOK)
		So(env.Message, ShouldEqual, "deleted 2 records")
	})
}

func TestSchedulerAndCacheEndpoints(t *testing.T) {
	Convey("pause/resume is persisted; cache can be inspected and invalidated", t, func() {
		s, ts := newTestServer(t, "")
		defer ts.Close()

		resp, env := call(ts, http.MethodPost, "/api/scheduler/jobs/nav-daily/pause", nil)
		So(resp.StatusCode, ShouldEqual, http.StatusOK)
		var info schedstate.JobInfo
		So(json.Unmarshal(env.Data, &info), ShouldBeNil)
		So(info.Paused, ShouldBeTrue)
		So(info.NextRun, ShouldBeNil)
		So(s.d.States.PersistedStates(), ShouldResemble, map[string]bool{"nav-daily": true})

		_, env = call(ts, http.MethodPost, "/api/scheduler/jobs/nav-daily/resume", nil)
		So(json.Unmarshal(env.Data, &info), ShouldBeNil)
		So(info.Paused, ShouldBeFalse)
		So(info.NextRun, ShouldNotBeNil)
		So(s.d.States.PersistedStates()["nav-daily"], ShouldBeFalse)

		_, env = call(ts, http.MethodGet, "/api/scheduler/jobs", nil)
		var jobs []schedstate.JobInfo
		So(json.Unmarshal(env.Data, &jobs), ShouldBeNil)
		So(jobs, ShouldHaveLength, 1)

		refreshAndWait(s, ts, map[string]any{"params": map[string]string{"code": "000001"}})
		_, env = call(ts, http.MethodGet, "/api/cache/stats", nil)
		var st cache.Stats
		So(json.Unmarshal(env.Data, &st), ShouldBeNil)
		So(st.Size, ShouldEqual, 1)
		So(st.Misses, ShouldEqual, 1)

		_, env = call(ts, http.MethodPost, "/api/cache/invalidate?pattern=fund_nav", nil)
		So(env.Message, ShouldEqual, "invalidated 1 entries")
		So(s.d.Cache.Stats().Size, ShouldEqual, 0)

		resp, env = call(ts, http.MethodGet, "/api/stats", nil)
		So(resp.StatusCode, ShouldEqual, http.StatusOK)
		var stats struct {
			Tasks       map[string]int `json:"tasks"`
			Collections int            `json:"collections"`
			Jobs        int            `json:"jobs"`
		}
		So(json.Unmarshal(env.Data, &stats), ShouldBeNil)
		So(stats.Tasks["completed"], ShouldEqual, 1)
		So(stats.Collections, ShouldEqual, 1)
		So(stats.Jobs, ShouldEqual, 1)
	})
}

func TestSyncEndpoints(t *testing.T) {
	Convey("a peer pulls the collection through the node api", t, func() {
		s, ts := newTestServer(t, "secret")
		defer ts.Close()
		refreshAndWait(s, ts, map[string]any{
			"update_type": "batch",
			"params_list": []map[string]string{{"code": "000001"}, {"code": "000002"}},
		})

		resp, _ := call(ts, http.MethodGet, "/api/sync/ping", nil)
		So(resp.StatusCode, ShouldEqual, http.StatusUnauthorized)

		api := client.NewHTTPNodeAPI(time.Second, "secret")
		info, err := api.Ping(context.Background(), ts.URL)
		So(err, ShouldBeNil)
		So(info.Node, ShouldEqual, "node-a")
		So(info.Collections, ShouldResemble, []string{"fund_nav"})

		chunk, err := api.ExportChunk(context.Background(), ts.URL, client.ChunkRequest{Collection: "fund_nav", Limit: 3})
		So(err, ShouldBeNil)
		So(chunk.Total, ShouldEqual, 4)
		So(chunk.Data, ShouldHaveLength, 3)
		So(chunk.HasMore, ShouldBeTrue)
		So(chunk.Checksum, ShouldNotBeEmpty)

		recs, err := client.FetchAll(context.Background(), api, ts.URL, "fund_nav", map[string]string{"code": "000002"}, 1)
		So(err, ShouldBeNil)
		So(recs, ShouldHaveLength, 2)
		for _, r := range recs {
			So(r.Has("_id"), ShouldBeFalse)
			So(r.Source, ShouldEqual, ts.URL)
		}
	})
}

func TestStartAndShutdown(t *testing.T) {
	Convey("server listens on a random port and stops with ctx", t, func() {
		s, ts := newTestServer(t, "")
		ts.Close()
		ctx, cancel := context.WithCancel(context.Background())
		So(s.Start(ctx, "127.0.0.1:0"), ShouldBeNil)
		So(s.Addr(), ShouldNotBeEmpty)

		resp, err := http.Get("http://" + s.Addr() + "/api/collections")
		So(err, ShouldBeNil)
		resp.Body.Close()
		So(resp.StatusCode, ShouldEqual, http.StatusOK)

		cancel()
		time.Sleep(50 * time.Millisecond)
		_, err = http.Get("http://" + s.Addr() + "/api/collections")
		So(err, ShouldNotBeNil)
	})
}

func TestWithSignalCancel(t *testing.T) {
	Convey("signal context is cancelled by stop", t, func() {
		ctx, stop := WithSignalCancel(context.Background(), os.Interrupt)
		stop()
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
			So("context not cancelled", ShouldBeEmpty)
		}
	})
}
