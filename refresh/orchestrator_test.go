package refresh_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/mock/gomock"

	"github.com/cloudQuant/TradingAgents-CN-sub005/cache"
	"github.com/cloudQuant/TradingAgents-CN-sub005/client"
	"github.com/cloudQuant/TradingAgents-CN-sub005/errs"
	"github.com/cloudQuant/TradingAgents-CN-sub005/fileimport"
	"github.com/cloudQuant/TradingAgents-CN-sub005/ingest"
	"github.com/cloudQuant/TradingAgents-CN-sub005/mocks"
	"github.com/cloudQuant/TradingAgents-CN-sub005/provider"
	"github.com/cloudQuant/TradingAgents-CN-sub005/record"
	"github.com/cloudQuant/TradingAgents-CN-sub005/refresh"
	"github.com/cloudQuant/TradingAgents-CN-sub005/registry"
	"github.com/cloudQuant/TradingAgents-CN-sub005/storage"
	"github.com/cloudQuant/TradingAgents-CN-sub005/storage/memstore"
	"github.com/cloudQuant/TradingAgents-CN-sub005/tracker"
)

type env struct {
	reg   *registry.Registry
	ing   *ingest.Service
	trk   *tracker.Manager
	store storage.Store
	calls atomic.Int64
}

// newEnv 注册 nav 数据集：按 code 抓取，code 命中 fail 时返回错误。
func newEnv(fail string, hook func(params map[string]string)) *env {
	e := &env{reg: registry.New(), trk: tracker.NewManager(), store: memstore.New()}
	e.ing = ingest.NewService(e.store, e.reg)
	e.reg.MustRegister(registry.Definition{
		Name:           "nav",
		RequiredParams: []string{"code"},
		ExistenceCheck: map[string]string{"code": "code"},
		Provider: provider.New(provider.Options{
			Collection: "nav",
			UniqueKeys: []string{"code", "date"},
			Fields:     []provider.FieldDescriptor{{Name: "code"}, {Name: "date"}, {Name: "nav"}},
			Call: func(ctx context.Context, params map[string]string) ([]*record.Record, error) {
				e.calls.Add(1)
				if hook != nil {
					hook(params)
				}
				if params["code"] == fail {
					return nil, errors.New("upstream 502")
				}
				return []*record.Record{
					record.New(record.F("nav", 1.5), record.F("date", "2024-01-02"), record.F("code", params["code"])),
				}, nil
			},
		}),
	})
	return e
}

func (e *env) orchestrator(opts ...refresh.Option) *refresh.Orchestrator {
	opts = append([]refresh.Option{refresh.WithOptions(refresh.Options{DefaultConcurrency: 3, MaxConcurrency: 8})}, opts...)
	return refresh.New(e.reg, e.ing, e.trk, opts...)
}

func codes(cs ...string) []map[string]string {
	out := make([]map[string]string, len(cs))
	for i, c := range cs {
		out[i] = map[string]string{"code": c}
	}
	return out
}

func wait(o *refresh.Orchestrator, id string) tracker.Task {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t, err := o.Wait(ctx, id)
	So(err, ShouldBeNil)
	return t
}

func TestSubmitEndToEnd(t *testing.T) {
	Convey("5 units, concurrency 2, third fails", t, func() {
		e := newEnv("c3", nil)
		o := e.orchestrator()
		id, err := o.Submit(context.Background(), refresh.Request{
			Collection: "nav", UpdateType: refresh.UpdateBatch, Mode: refresh.ModeFull,
			ParamsList: codes("c1", "c2", "c3", "c4", "c5"), Concurrency: 2,
		})
		So(err, ShouldBeNil)
		So(id, ShouldNotBeEmpty)

		task := wait(o, id)
		So(task.Status, ShouldEqual, tracker.StatusCompleted)
		So(task.Progress.Done, ShouldEqual, 5)
		So(task.Progress.Total, ShouldEqual, 5)
		So(task.Result.SuccessCount, ShouldEqual, 4)
		So(task.Result.FailedCount, ShouldEqual, 1)
		So(task.Result.Details, ShouldHaveLength, 1)
		So(task.Result.Details[0].Index, ShouldEqual, 2)
		So(task.Result.Details[0].Params["code"], ShouldEqual, "c3")
		So(task.Result.Details[0].Kind, ShouldEqual, "provider")
		So(task.Result.Details[0].Error, ShouldContainSubstring, "upstream 502")
		So(task.Message, ShouldContainSubstring, "4 succeeded, 1 failed")

		n, _ := e.store.Count(context.Background(), "nav", nil)
		So(n, ShouldEqual, 4)
		recs, _ := e.store.Find(context.Background(), "nav", storage.FilterOf(map[string]string{"code": "c1"}), storage.FindOptions{})
		So(recs[0].Keys()[:3], ShouldResemble, []string{"code", "date", "nav"})
	})

	Convey("single update with one param set", t, func() {
		e := newEnv("", nil)
		o := e.orchestrator()
		id, err := o.Submit(context.Background(), refresh.Request{Collection: "nav", ParamsList: codes("A")})
		So(err, ShouldBeNil)
		task := wait(o, id)
		So(task.Status, ShouldEqual, tracker.StatusCompleted)
		So(task.Progress.Total, ShouldEqual, 1)
		So(task.Result.Inserted, ShouldEqual, 1)
		So(task.Percent(), ShouldEqual, 100)
	})
}

func TestSubmitValidation(t *testing.T) {
	Convey("invalid requests never create a task", t, func() {
		e := newEnv("", nil)
		o := e.orchestrator()
		ctx := context.Background()
		bad := []refresh.Request{
			{Collection: "missing"},
			{Collection: "nav", UpdateType: "weekly", ParamsList: codes("A")},
			{Collection: "nav", Mode: "magic", ParamsList: codes("A")},
			{Collection: "nav", ParamsList: codes("A"), Concurrency: -1},
			{Collection: "nav", ParamsList: codes("A"), Delay: -time.Second},
			{Collection: "nav", ParamsList: codes("A", "B")},
			{Collection: "nav"},
			{Collection: "nav", UpdateType: refresh.UpdateBatch},
			{Collection: "nav", UpdateType: refresh.UpdateBatch, ParamsList: []map[string]string{{"code": "A"}, {}}},
			{Collection: "nav", Mode: refresh.ModeRemoteSync, ParamsList: codes("A")},
			{Collection: "nav", Mode: refresh.ModeFileImport, ParamsList: []map[string]string{{"path": "/tmp/x.csv"}}},
		}
		for _, req := range bad {
			_, err := o.Submit(ctx, req)
			So(errs.Kind(err), ShouldEqual, "validation")
		}
		So(e.trk.List(), ShouldBeEmpty)
		So(e.calls.Load(), ShouldEqual, 0)
	})
}

func TestWorkerPool(t *testing.T) {
	Convey("no more than concurrency units in flight and progress never decreases", t, func() {
		var inflight, peak atomic.Int64
		e := newEnv("", func(map[string]string) {
			n := inflight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(15 * time.Millisecond)
			inflight.Add(-1)
		})
		o := e.orchestrator()
		id, err := o.Submit(context.Background(), refresh.Request{
			Collection: "nav", UpdateType: refresh.UpdateBatch, Mode: refresh.ModeFull,
			ParamsList: codes("a", "b", "c", "d", "e", "f", "g"), Concurrency: 2,
		})
		So(err, ShouldBeNil)

		var seen []int
		done, _ := e.trk.Done(id)
	poll:
		for {
			select {
			case <-done:
				break poll
			default:
				if snap, err := e.trk.Get(id); err == nil {
					seen = append(seen, snap.Progress.Done)
				}
				time.Sleep(2 * time.Millisecond)
			}
		}
		for i := 1; i < len(seen); i++ {
			So(seen[i], ShouldBeGreaterThanOrEqualTo, seen[i-1])
		}
		task := wait(o, id)
		So(task.Progress.Done, ShouldEqual, 7)
		So(task.Result.SuccessCount+task.Result.FailedCount, ShouldEqual, 7)
		So(peak.Load(), ShouldBeLessThanOrEqualTo, 2)
		So(peak.Load(), ShouldBeGreaterThanOrEqualTo, 1)
	})

	Convey("delay is honoured between units on a worker slot", t, func() {
		e := newEnv("", nil)
		o := e.orchestrator()
		start := time.Now()
		id, err := o.Submit(context.Background(), refresh.Request{
			Collection: "nav", UpdateType: refresh.UpdateBatch, Mode: refresh.ModeFull,
			ParamsList: codes("a", "b", "c"), Concurrency: 1, Delay: 30 * time.Millisecond,
		})
		So(err, ShouldBeNil)
		task := wait(o, id)
		So(task.Progress.Done, ShouldEqual, 3)
		So(time.Since(start) >= 60*time.Millisecond, ShouldBeTrue)
	})
}

func TestCancel(t *testing.T) {
	Convey("in-flight unit finishes and remaining units are skipped", t, func() {
		started := make(chan struct{})
		release := make(chan struct{})
		var once sync.Once
		e := newEnv("", func(params map[string]string) {
			if params["code"] == "a" {
				once.Do(func() { close(started) })
				<-release
			}
		})
		o := e.orchestrator()
		id, err := o.Submit(context.Background(), refresh.Request{
			Collection: "nav", UpdateType: refresh.UpdateBatch, Mode: refresh.ModeFull,
			ParamsList: codes("a", "b", "c", "d", "e"), Concurrency: 1,
		})
		So(err, ShouldBeNil)
		<-started
		ok, err := o.Cancel(id)
		So(err, ShouldBeNil)
		So(ok, ShouldBeTrue)
		close(release)

		task := wait(o, id)
		So(task.Status, ShouldEqual, tracker.StatusCancelled)
		So(task.Progress.Done, ShouldEqual, 1)
		So(task.Result.SuccessCount, ShouldEqual, 1)
		So(e.calls.Load(), ShouldEqual, 1)

		ok, err = o.Cancel(id)
		So(err, ShouldBeNil)
		So(ok, ShouldBeFalse)
		_, err = o.Cancel("nope")
		So(errs.Kind(err), ShouldEqual, "task_not_found")
	})

	Convey("shutdown rejects new submissions", t, func() {
		e := newEnv("", nil)
		o := e.orchestrator()
		So(o.Shutdown(context.Background()), ShouldBeNil)
		_, err := o.Submit(context.Background(), refresh.Request{Collection: "nav", ParamsList: codes("A")})
		So(errors.Is(err, refresh.ErrClosed), ShouldBeTrue)
	})
}

func TestIncremental(t *testing.T) {
	ctx := context.Background()

	Convey("existing rows are skipped in incremental mode only", t, func() {
		e := newEnv("", nil)
		_, err := e.ing.Upsert(ctx, "nav", []*record.Record{record.New(record.F("code", "A"), record.F("date", "2024-01-01"))})
		So(err, ShouldBeNil)
		o := e.orchestrator()

		id, err := o.Submit(ctx, refresh.Request{Collection: "nav", UpdateType: refresh.UpdateBatch, ParamsList: codes("A", "B")})
		So(err, ShouldBeNil)
		task := wait(o, id)
		So(task.Result.SkippedCount, ShouldEqual, 1)
		So(task.Result.SuccessCount, ShouldEqual, 2)
		So(e.calls.Load(), ShouldEqual, 1)

		id, err = o.Submit(ctx, refresh.Request{Collection: "nav", Mode: refresh.ModeFull, ParamsList: codes("A")})
		So(err, ShouldBeNil)
		task = wait(o, id)
		So(task.Result.SkippedCount, ShouldEqual, 0)
		So(e.calls.Load(), ShouldEqual, 2)
	})

	Convey("fresh cache entries serve incremental refreshes", t, func() {
		e := newEnv("", nil)
		e.reg = registry.New()
		e.ing = ingest.NewService(e.store, e.reg)
		e.reg.MustRegister(registry.Definition{
			Name: "quote",
			Provider: provider.New(provider.Options{
				UniqueKeys: []string{"symbol"},
				Call: func(context.Context, map[string]string) ([]*record.Record, error) {
					e.calls.Add(1)
					return []*record.Record{record.New(record.F("symbol", "X"), record.F("px", 1.0))}, nil
				},
			}),
		})
		c := cache.New(cache.WithTTL(time.Minute))
		o := e.orchestrator(refresh.WithCache(c))

		for i := 0; i < 2; i++ {
			id, err := o.Submit(ctx, refresh.Request{Collection: "quote", ParamsList: []map[string]string{{"symbol": "X"}}})
			So(err, ShouldBeNil)
			So(wait(o, id).Result.SuccessCount, ShouldEqual, 1)
		}
		So(e.calls.Load(), ShouldEqual, 1)
		So(c.Stats().Hits, ShouldEqual, 1)

		id, err := o.Submit(ctx, refresh.Request{Collection: "quote", Mode: refresh.ModeFull, ParamsList: []map[string]string{{"symbol": "X"}}})
		So(err, ShouldBeNil)
		wait(o, id)
		So(e.calls.Load(), ShouldEqual, 2)
	})
}

func TestBatchSource(t *testing.T) {
	ctx := context.Background()

	Convey("units are enumerated from the source collection", t, func() {
		e := newEnv("B", nil)
		e.reg.MustRegister(registry.Definition{
			Name:        "nav_all",
			BatchSource: &registry.BatchSource{Collection: "fund_list", Field: "fund_code", Param: "code"},
			Provider: provider.New(provider.Options{
				UniqueKeys: []string{"code"},
				Call: func(_ context.Context, p map[string]string) ([]*record.Record, error) {
					if p["code"] == "B" {
						return nil, errors.New("bad code")
					}
					return []*record.Record{record.New(record.F("code", p["code"]))}, nil
				},
			}),
		})
		for _, c := range []string{"A", "B", "C", "A"} {
			_, err := e.store.UpsertOne(ctx, "fund_list", storage.FilterOf(map[string]string{"n": c + "x"}), record.New(record.F("fund_code", c)))
			So(err, ShouldBeNil)
		}
		o := e.orchestrator()
		id, err := o.Submit(ctx, refresh.Request{Collection: "nav_all", UpdateType: refresh.UpdateBatch})
		So(err, ShouldBeNil)
		task := wait(o, id)
		So(task.Status, ShouldEqual, tracker.StatusCompleted)
		So(task.Progress.Total, ShouldEqual, 3)
		So(task.Result.SuccessCount, ShouldEqual, 2)
		So(task.Result.FailedCount, ShouldEqual, 1)
	})

	Convey("source collection read failure fails the task before any unit runs", t, func() {
		e := newEnv("", nil)
		e.store = brokenFind{Store: e.store, collection: "fund_list"}
		e.ing = ingest.NewService(e.store, e.reg)
		e.reg.MustRegister(registry.Definition{
			Name:        "nav_all",
			BatchSource: &registry.BatchSource{Collection: "fund_list", Field: "fund_code", Param: "code"},
			Provider: provider.New(provider.Options{
				UniqueKeys: []string{"code"},
				Call: func(_ context.Context, p map[string]string) ([]*record.Record, error) {
					return []*record.Record{record.New(record.F("code", p["code"]))}, nil
				},
			}),
		})
		o := e.orchestrator()
		id, err := o.Submit(ctx, refresh.Request{Collection: "nav_all", UpdateType: refresh.UpdateBatch})
		So(err, ShouldBeNil)
		So(id, ShouldNotBeEmpty)

		task := wait(o, id)
		So(task.Status, ShouldEqual, tracker.StatusFailed)
		So(task.Error, ShouldNotBeEmpty)
		So(task.Progress.Done, ShouldEqual, 0)
	})
}

// brokenFind 对指定集合的 Find 返回错误，其余委托给内嵌存储。
type brokenFind struct {
	storage.Store
	collection string
}

func (b brokenFind) Find(ctx context.Context, collection string, filter storage.Filter, opts storage.FindOptions) ([]*record.Record, error) {
	if collection == b.collection {
		return nil, errors.New("connection reset")
	}
	return b.Store.Find(ctx, collection, filter, opts)
}

func TestAlternateProducers(t *testing.T) {
	ctx := context.Background()

	Convey("remote_sync pulls rows from a peer node", t, func() {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		api := mocks.NewMockNodeAPI(ctrl)
		api.EXPECT().ExportChunk(gomock.Any(), "http://peer:8030", client.ChunkRequest{Collection: "nav", Limit: 500}).
			Return(client.Chunk{Data: []*record.Record{
				record.New(record.F("code", "A"), record.F("date", "d1")),
				record.New(record.F("code", "B"), record.F("date", "d1")),
			}, Total: 2}, nil)

		e := newEnv("", nil)
		o := e.orchestrator(refresh.WithNodeAPI(api), refresh.WithOptions(refresh.Options{DefaultConcurrency: 1, ChunkSize: 500}))
		id, err := o.Submit(ctx, refresh.Request{Collection: "nav", Mode: refresh.ModeRemoteSync, ParamsList: []map[string]string{{"node_url": "http://peer:8030"}}})
		So(err, ShouldBeNil)
		task := wait(o, id)
		So(task.Result.Inserted, ShouldEqual, 2)
		recs, _ := e.store.Find(ctx, "nav", storage.FilterOf(map[string]string{"code": "A"}), storage.FindOptions{})
		src, _ := recs[0].Get(ingest.SourceField)
		So(src.Str(), ShouldEqual, "http://peer:8030")
		So(e.calls.Load(), ShouldEqual, 0)
	})

	Convey("file_import reads a local csv", t, func() {
		path := filepath.Join(t.TempDir(), "nav.csv")
		So(os.WriteFile(path, []byte("code,date,nav\nA,d1,1.1\nB,d1,1.2\nA,d1,1.3\n"), 0o644), ShouldBeNil)
		e := newEnv("", nil)
		o := e.orchestrator(refresh.WithFileReader(fileimport.NewReader(nil)))
		id, err := o.Submit(ctx, refresh.Request{Collection: "nav", Mode: refresh.ModeFileImport, ParamsList: []map[string]string{{"path": path}}})
		So(err, ShouldBeNil)
		task := wait(o, id)
		So(task.Status, ShouldEqual, tracker.StatusCompleted)
		So(task.Result.Inserted, ShouldEqual, 2)
		So(task.Result.Updated, ShouldEqual, 1)
		recs, _ := e.store.Find(ctx, "nav", storage.FilterOf(map[string]string{"code": "A"}), storage.FindOptions{})
		nav, _ := recs[0].Get("nav")
		So(nav.Num(), ShouldEqual, 1.3)

		id, err = o.Submit(ctx, refresh.Request{Collection: "nav", Mode: refresh.ModeFileImport, ParamsList: []map[string]string{{"path": path + ".missing"}}})
		So(err, ShouldBeNil)
		task = wait(o, id)
		So(task.Status, ShouldEqual, tracker.StatusCompleted)
		So(task.Result.FailedCount, ShouldEqual, 1)
	})
}
