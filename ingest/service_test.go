package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/cloudQuant/TradingAgents-CN-sub005/errs"
	"github.com/cloudQuant/TradingAgents-CN-sub005/provider"
	"github.com/cloudQuant/TradingAgents-CN-sub005/record"
	"github.com/cloudQuant/TradingAgents-CN-sub005/registry"
	"github.com/cloudQuant/TradingAgents-CN-sub005/storage"
	"github.com/cloudQuant/TradingAgents-CN-sub005/storage/memstore"
)

func noopProvider(keys ...string) provider.Provider {
	return provider.New(provider.Options{UniqueKeys: keys, Call: func(context.Context, map[string]string) ([]*record.Record, error) {
		return nil, nil
	}})
}

// flakyStore 在 code 命中时返回错误。
type flakyStore struct {
	storage.Store
	failCode string
}

func (f *flakyStore) UpsertOne(ctx context.Context, col string, filter storage.Filter, set *record.Record) (storage.UpsertResult, error) {
	if v, ok := filter["code"]; ok && v.Str() == f.failCode {
		return storage.UpsertResult{}, errors.New("disk full")
	}
	return f.Store.UpsertOne(ctx, col, filter, set)
}

func newService(store storage.Store) *Service {
	reg := registry.New()
	reg.MustRegister(registry.Definition{Name: "nav", Provider: noopProvider("code", "date")})
	reg.MustRegister(registry.Definition{Name: "news", Provider: noopProvider()})
	return NewService(store, reg)
}

func navRec(code, date string, nav float64) *record.Record {
	return record.New(record.F("code", code), record.F("date", date), record.F("nav", nav))
}

func TestUpsert(t *testing.T) {
	ctx := context.Background()

	Convey("idempotent upsert", t, func() {
		s := newService(memstore.New())
		recs := []*record.Record{navRec("A", "d1", 1), navRec("B", "d1", 2)}
		r1, err := s.Upsert(ctx, "nav", recs)
		So(err, ShouldBeNil)
		So(r1.Inserted, ShouldEqual, 2)
		r2, err := s.Upsert(ctx, "nav", recs)
		So(err, ShouldBeNil)
		So(r2.Updated, ShouldEqual, 2)
		n, _ := s.Count(ctx, "nav", nil)
		So(n, ShouldEqual, 2)
	})

	Convey("last write wins", t, func() {
		s := newService(memstore.New())
		_, _ = s.Upsert(ctx, "nav", []*record.Record{navRec("A", "d1", 1)})
		_, _ = s.Upsert(ctx, "nav", []*record.Record{navRec("A", "d1", 9)})
		recs, err := s.All(ctx, "nav", nil, 0, 0)
		So(err, ShouldBeNil)
		So(recs, ShouldHaveLength, 1)
		v, _ := recs[0].Get("nav")
		So(v.Num(), ShouldEqual, 9)
		So(recs[0].Has(registry.DefaultTimeField), ShouldBeTrue)
	})

	Convey("per-record failures are isolated", t, func() {
		s := newService(&flakyStore{Store: memstore.New(), failCode: "B"})
		recs := []*record.Record{navRec("A", "d1", 1), navRec("B", "d1", 2), record.New(record.F("code", "C")), navRec("D", "d1", 4)}
		res, err := s.Upsert(ctx, "nav", recs)
		So(err, ShouldNotBeNil)
		var se *errs.StorageError
		So(errors.As(err, &se), ShouldBeTrue)
		So(res.Inserted, ShouldEqual, 2)
		So(res.Failed, ShouldEqual, 2)
		So(errs.Kind(res.Errors[1]), ShouldEqual, "validation")
	})

	Convey("no unique keys uses the whole record", t, func() {
		s := newService(memstore.New())
		r := record.New(record.F("title", "a"), record.F("scraped_at", time.Now()))
		r.Source = "news_api"
		_, err := s.Upsert(ctx, "news", []*record.Record{r})
		So(err, ShouldBeNil)
		r2 := record.New(record.F("title", "a"), record.F("scraped_at", time.Now().Add(time.Minute)))
		res, err := s.Upsert(ctx, "news", []*record.Record{r2})
		So(err, ShouldBeNil)
		So(res.Updated, ShouldEqual, 1)
		all, _ := s.All(ctx, "news", nil, 0, 0)
		src, _ := all[0].Get(SourceField)
		So(src.Str(), ShouldEqual, "news_api")
	})

	Convey("unknown collection", t, func() {
		s := newService(memstore.New())
		_, err := s.Upsert(ctx, "missing", nil)
		So(errs.Kind(err), ShouldEqual, "validation")
	})
}

func TestQueryOverviewClear(t *testing.T) {
	ctx := context.Background()

	Convey("overview, paging and clear", t, func() {
		s := newService(memstore.New())
		clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		s.SetClock(func() time.Time { return clock })
		for i, code := range []string{"A", "B", "C"} {
			clock = clock.Add(time.Hour)
			_, err := s.Upsert(ctx, "nav", []*record.Record{navRec(code, "d1", float64(i))})
			So(err, ShouldBeNil)
		}

		ov, err := s.Overview(ctx, "nav")
		So(err, ShouldBeNil)
		So(ov.TotalCount, ShouldEqual, 3)
		So(ov.LastUpdated.Hour(), ShouldEqual, 3)
		So(ov.OldestUpdated.Hour(), ShouldEqual, 1)

		page, err := s.Query(ctx, "nav", Query{Page: 2, PageSize: 2})
		So(err, ShouldBeNil)
		So(page.Total, ShouldEqual, 3)
		So(page.Items, ShouldHaveLength, 1)
		code, _ := page.Items[0].Get("code")
		So(code.Str(), ShouldEqual, "A")
		So(page.Items[0].Has(storage.IDField), ShouldBeTrue)

		_, err = s.Query(ctx, "nav", Query{Page: -1})
		So(errs.Kind(err), ShouldEqual, "validation")

		codes, err := s.Distinct(ctx, "nav", "code")
		So(err, ShouldBeNil)
		So(codes, ShouldResemble, []string{"A", "B", "C"})
		ok, _ := s.Exists(ctx, "nav", storage.Filter{"code": record.String("B")})
		So(ok, ShouldBeTrue)

		n, err := s.Clear(ctx, "nav")
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 3)
		ov, _ = s.Overview(ctx, "nav")
		So(ov.TotalCount, ShouldEqual, 0)
		So(ov.LastUpdated, ShouldBeNil)
	})
}
