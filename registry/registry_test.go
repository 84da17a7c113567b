package registry

import (
	"context"
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/mock/gomock"

	"github.com/cloudQuant/TradingAgents-CN-sub005/config"
	"github.com/cloudQuant/TradingAgents-CN-sub005/errs"
	"github.com/cloudQuant/TradingAgents-CN-sub005/mocks"
	"github.com/cloudQuant/TradingAgents-CN-sub005/provider"
	"github.com/cloudQuant/TradingAgents-CN-sub005/record"
)

func TestRegister(t *testing.T) {
	Convey("defaults come from the provider", t, func() {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		p := mocks.NewMockProvider(ctrl)
		p.EXPECT().UniqueKeys().Return([]string{"code"})
		p.EXPECT().FieldSchema().Return([]provider.FieldDescriptor{{Name: "code"}, {Name: "name"}})

		r := New()
		So(r.Register(Definition{Name: "fund_basic", Provider: p}), ShouldBeNil)
		def, ok := r.Get("fund_basic")
		So(ok, ShouldBeTrue)
		So(def.UniqueKeys, ShouldResemble, []string{"code"})
		So(def.Fields, ShouldHaveLength, 2)
		So(def.TimeField, ShouldEqual, DefaultTimeField)

		Convey("duplicates and invalid definitions are rejected", func() {
			So(r.Register(Definition{Name: "fund_basic", Provider: p, UniqueKeys: []string{"x"}, Fields: def.Fields}), ShouldNotBeNil)
			So(r.Register(Definition{Name: "", Provider: p}), ShouldNotBeNil)
			So(r.Register(Definition{Name: "x"}), ShouldNotBeNil)
			So(func() { r.MustRegister(Definition{Name: "y"}) }, ShouldPanic)
		})
	})

	Convey("lookup of unknown collection is a validation error", t, func() {
		_, err := New().Lookup("nope")
		var ve *errs.ValidationError
		So(errors.As(err, &ve), ShouldBeTrue)
	})
}

func TestValidateParams(t *testing.T) {
	Convey("declared and provider required params are both enforced", t, func() {
		r := New()
		p := provider.New(provider.Options{
			UniqueKeys:     []string{"symbol"},
			RequiredParams: []string{"symbol"},
			ParamMapping:   map[string]string{"code": "symbol"},
			Call: func(context.Context, map[string]string) ([]*record.Record, error) { return nil, nil },
		})
		r.MustRegister(Definition{Name: "nav", Provider: p, RequiredParams: []string{"year"}})

		So(r.ValidateParams("nav", map[string]string{"code": "1", "year": "2024"}), ShouldBeNil)
		So(r.ValidateParams("nav", map[string]string{"code": "1"}), ShouldNotBeNil)
		So(r.ValidateParams("nav", map[string]string{"year": "2024"}), ShouldNotBeNil)
		So(r.ValidateParams("missing", nil), ShouldNotBeNil)
	})
}

func TestLoadConfig(t *testing.T) {
	Convey("config collections register as http providers", t, func() {
		r := New()
		err := r.LoadConfig([]config.CollectionConfig{{
			Name:           "bond_quote",
			UniqueKeys:     []string{"code", "date"},
			Fields:         []config.FieldConfig{{Name: "code"}, {Name: "date"}},
			RequiredParams: []string{"bond"},
			ParamMapping:   map[string]string{"bond": "code"},
			BatchSource:    &config.BatchSourceConfig{Collection: "bond_info", Field: "code", Param: "bond"},
			Source:         config.SourceConfig{URL: "http://127.0.0.1:1/q/{code}"},
		}, {Name: "b_list", Source: config.SourceConfig{URL: "http://127.0.0.1:1/list"}}}, nil)
		So(err, ShouldBeNil)
		So(r.List(), ShouldHaveLength, 2)
		So(r.List()[0].Name, ShouldEqual, "b_list")
		def, _ := r.Get("bond_quote")
		So(def.BatchSource.Param, ShouldEqual, "bond")
		So(r.ValidateParams("bond_quote", map[string]string{"bond": "110001"}), ShouldBeNil)
		So(r.ValidateParams("bond_quote", map[string]string{}), ShouldNotBeNil)
	})
}
