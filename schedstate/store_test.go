package schedstate_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/mock/gomock"

	"github.com/cloudQuant/TradingAgents-CN-sub005/errs"
	"github.com/cloudQuant/TradingAgents-CN-sub005/mocks"
	"github.com/cloudQuant/TradingAgents-CN-sub005/schedstate"
)

func TestRecordAndLoad(t *testing.T) {
	Convey("states survive a new store on the same path", t, func() {
		path := filepath.Join(t.TempDir(), "data", "states.json")
		s := schedstate.New(path)
		So(s.PersistedStates(), ShouldBeEmpty)
		So(s.RecordJobState("fund_nav_daily", true), ShouldBeNil)
		So(s.RecordJobState("stock_quote", false), ShouldBeNil)
		So(s.RecordJobState("fund_nav_daily", false), ShouldBeNil)

		again := schedstate.New(path)
		So(again.PersistedStates(), ShouldResemble, map[string]bool{"fund_nav_daily": false, "stock_quote": false})
		_, err := os.Stat(path + ".tmp")
		So(os.IsNotExist(err), ShouldBeTrue)

		So(again.Forget("stock_quote"), ShouldBeNil)
		So(again.PersistedStates(), ShouldResemble, map[string]bool{"fund_nav_daily": false})
	})

	Convey("corrupt file is treated as empty", t, func() {
		path := filepath.Join(t.TempDir(), "states.json")
		So(os.WriteFile(path, []byte("{not json"), 0o644), ShouldBeNil)
		s := schedstate.New(path)
		So(s.PersistedStates(), ShouldBeEmpty)
		So(s.RecordJobState("a", true), ShouldBeNil)
		So(s.PersistedStates(), ShouldResemble, map[string]bool{"a": true})
	})
}

func TestApply(t *testing.T) {
	Convey("only differing jobs are touched and failures are isolated", t, func() {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		path := filepath.Join(t.TempDir(), "states.json")
		s := schedstate.New(path)
		So(s.RecordJobState("a", true), ShouldBeNil)
		So(s.RecordJobState("b", false), ShouldBeNil)
		So(s.RecordJobState("c", true), ShouldBeNil)
		So(s.RecordJobState("gone", true), ShouldBeNil)
		So(s.RecordJobState("d", false), ShouldBeNil)

		live := mocks.NewMockLiveScheduler(ctrl)
		live.EXPECT().GetJob("a").Return(schedstate.JobInfo{ID: "a", Paused: false}, true)
		live.EXPECT().PauseJob("a").Return(nil)
		live.EXPECT().GetJob("b").Return(schedstate.JobInfo{ID: "b", Paused: false}, true)
		live.EXPECT().GetJob("c").Return(schedstate.JobInfo{ID: "c", Paused: false}, true)
		live.EXPECT().PauseJob("c").Return(errors.New("boom"))
		live.EXPECT().GetJob("d").Return(schedstate.JobInfo{ID: "d", Paused: true}, true)
		live.EXPECT().ResumeJob("d").Return(nil)
		live.EXPECT().GetJob("gone").Return(schedstate.JobInfo{}, false)

		rep := s.Apply(context.Background(), live)
		So(rep.Paused, ShouldResemble, []string{"a"})
		So(rep.Resumed, ShouldResemble, []string{"d"})
		So(rep.Unchanged, ShouldResemble, []string{"b"})
		So(rep.Errors, ShouldHaveLength, 2)
		So(errs.Kind(rep.Errors[0]), ShouldEqual, "scheduler_state")
	})

	Convey("applying twice is idempotent", t, func() {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		s := schedstate.New(filepath.Join(t.TempDir(), "states.json"))
		So(s.RecordJobState("a", true), ShouldBeNil)

		paused := false
		live := mocks.NewMockLiveScheduler(ctrl)
		live.EXPECT().GetJob("a").DoAndReturn(func(string) (schedstate.JobInfo, bool) {
			return schedstate.JobInfo{ID: "a", Paused: paused}, true
		}).Times(2)
		live.EXPECT().PauseJob("a").DoAndReturn(func(string) error { paused = true; return nil }).Times(1)

		first := s.Apply(context.Background(), live)
		second := s.Apply(context.Background(), live)
		So(first.Paused, ShouldResemble, []string{"a"})
		So(second.Paused, ShouldBeEmpty)
		So(second.Unchanged, ShouldResemble, []string{"a"})
	})
}
