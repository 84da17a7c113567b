// Package storetest 是 storage.Store 各实现共用的行为测试。
package storetest

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/cloudQuant/TradingAgents-CN-sub005/record"
	"github.com/cloudQuant/TradingAgents-CN-sub005/storage"
)

// Run 对 newStore 返回的空存储执行通用用例。
func Run(t *testing.T, newStore func() storage.Store) {
	ctx := context.Background()

	Convey("upsert inserts then updates by key", t, func() {
		s := newStore()
		defer s.Close(ctx)
		key := storage.Filter{"code": record.String("000001"), "date": record.String("2024-01-02")}

		res, err := s.UpsertOne(ctx, "nav", key, record.New(
			record.F("code", "000001"), record.F("date", "2024-01-02"), record.F("nav", 1.01)))
		So(err, ShouldBeNil)
		So(res.Inserted, ShouldBeTrue)

		res, err = s.UpsertOne(ctx, "nav", key, record.New(
			record.F("code", "000001"), record.F("date", "2024-01-02"), record.F("nav", 1.05), record.F("extra", "x")))
		So(err, ShouldBeNil)
		So(res.Updated, ShouldBeTrue)

		n, err := s.Count(ctx, "nav", nil)
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 1)

		recs, err := s.Find(ctx, "nav", key, storage.FindOptions{})
		So(err, ShouldBeNil)
		So(recs, ShouldHaveLength, 1)
		nav, _ := recs[0].Get("nav")
		So(nav.Num(), ShouldEqual, 1.05)
		So(recs[0].Keys(), ShouldResemble, []string{"code", "date", "nav", "extra"})
		So(recs[0].Has(storage.IDField), ShouldBeFalse)
	})

	Convey("key values match across kinds by text form", t, func() {
		s := newStore()
		defer s.Close(ctx)
		_, err := s.UpsertOne(ctx, "stocks", storage.Filter{"code": record.String("600519")},
			record.New(record.F("code", "600519"), record.F("name", "maotai")))
		So(err, ShouldBeNil)

		res, err := s.UpsertOne(ctx, "stocks", storage.Filter{"code": record.Number(600519)},
			record.New(record.F("code", 600519), record.F("close", 1700.5)))
		So(err, ShouldBeNil)
		So(res.Updated, ShouldBeTrue)
		n, err := s.Count(ctx, "stocks", nil)
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 1)

		recs, err := s.Find(ctx, "stocks", storage.Filter{"code": record.String("600519")}, storage.FindOptions{})
		So(err, ShouldBeNil)
		So(recs, ShouldHaveLength, 1)
		name, _ := recs[0].Get("name")
		So(name.Str(), ShouldEqual, "maotai")

		n, err = s.Count(ctx, "stocks", storage.Filter{"code": record.Number(600519)})
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 1)
		n, err = s.Count(ctx, "stocks", storage.Filter{"code": record.String("600519.0")})
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 0)
	})

	Convey("find filters, sorts, pages and projects _id", t, func() {
		s := newStore()
		defer s.Close(ctx)
		for i, code := range []string{"a", "b", "c", "d"} {
			kind := "stock"
			if i%2 == 0 {
				kind = "bond"
			}
			_, err := s.UpsertOne(ctx, "funds", storage.Filter{"code": record.String(code)},
				record.New(record.F("code", code), record.F("rank", i), record.F("kind", kind)))
			So(err, ShouldBeNil)
		}
		recs, err := s.Find(ctx, "funds", storage.Filter{"kind": record.String("bond")},
			storage.FindOptions{Sort: []storage.SortField{{Field: "rank", Desc: true}}})
		So(err, ShouldBeNil)
		So(recs, ShouldHaveLength, 2)
		first, _ := recs[0].Get("code")
		So(first.Str(), ShouldEqual, "c")

		page, err := s.Find(ctx, "funds", nil, storage.FindOptions{
			Sort: []storage.SortField{{Field: "rank"}}, Skip: 1, Limit: 2, IncludeID: true})
		So(err, ShouldBeNil)
		So(page, ShouldHaveLength, 2)
		So(page[0].Keys()[0], ShouldEqual, storage.IDField)
		code, _ := page[0].Get("code")
		So(code.Str(), ShouldEqual, "b")

		empty, err := s.Find(ctx, "other", nil, storage.FindOptions{})
		So(err, ShouldBeNil)
		So(empty, ShouldHaveLength, 0)
	})

	Convey("delete many respects filter and collection", t, func() {
		s := newStore()
		defer s.Close(ctx)
		for _, code := range []string{"a", "b"} {
			_, _ = s.UpsertOne(ctx, "x", storage.Filter{"code": record.String(code)}, record.New(record.F("code", code)))
			_, _ = s.UpsertOne(ctx, "y", storage.Filter{"code": record.String(code)}, record.New(record.F("code", code)))
		}
		n, err := s.DeleteMany(ctx, "x", storage.Filter{"code": record.String("a")})
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 1)
		n, err = s.DeleteMany(ctx, "x", nil)
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 1)
		left, _ := s.Count(ctx, "y", nil)
		So(left, ShouldEqual, 2)
	})
}
