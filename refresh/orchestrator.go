// Package refresh 刷新编排：校验请求、创建任务，并以固定大小的 worker 池异步执行各参数组。
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cloudQuant/TradingAgents-CN-sub005/cache"
	"github.com/cloudQuant/TradingAgents-CN-sub005/client"
	"github.com/cloudQuant/TradingAgents-CN-sub005/config"
	"github.com/cloudQuant/TradingAgents-CN-sub005/errs"
	"github.com/cloudQuant/TradingAgents-CN-sub005/fileimport"
	"github.com/cloudQuant/TradingAgents-CN-sub005/ingest"
	"github.com/cloudQuant/TradingAgents-CN-sub005/logging"
	"github.com/cloudQuant/TradingAgents-CN-sub005/observability"
	"github.com/cloudQuant/TradingAgents-CN-sub005/provider"
	"github.com/cloudQuant/TradingAgents-CN-sub005/record"
	"github.com/cloudQuant/TradingAgents-CN-sub005/registry"
	"github.com/cloudQuant/TradingAgents-CN-sub005/storage"
	"github.com/cloudQuant/TradingAgents-CN-sub005/tracker"
)

// ErrClosed 编排器已关闭。
var ErrClosed = errors.New("refresh orchestrator is shut down")

// Options 编排参数。
type Options struct {
	DefaultConcurrency int
	MaxConcurrency     int
	RateLimit          float64       // 所有任务共享的每秒外部调用上限，0 表示不限
	UnitTimeout        time.Duration // 单元超时，0 表示不设
	ChunkSize          int           // remote_sync 分块大小
}

// OptionsFromConfig 由配置构造。
func OptionsFromConfig(t config.TaskConfig, r config.RemoteConfig) Options {
	return Options{
		DefaultConcurrency: t.DefaultConcurrency,
		MaxConcurrency:     t.MaxConcurrency,
		RateLimit:          t.RateLimit,
		UnitTimeout:        t.UnitTimeout,
		ChunkSize:          r.ChunkSize,
	}
}

// Option 可选项。
type Option func(*Orchestrator)

// WithOptions 设置编排参数。
func WithOptions(opt Options) Option { return func(o *Orchestrator) { o.opt = opt } }

// WithCache 增量模式下读写抓取缓存。
func WithCache(c *cache.Cache) Option { return func(o *Orchestrator) { o.cache = c } }

// WithNodeAPI 启用 remote_sync 模式。
func WithNodeAPI(api client.NodeAPI) Option { return func(o *Orchestrator) { o.nodes = api } }

// WithFileReader 启用 file_import 模式。
func WithFileReader(r *fileimport.Reader) Option { return func(o *Orchestrator) { o.files = r } }

// WithLogger 替换日志器。
func WithLogger(l logging.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// Orchestrator 刷新编排器。
type Orchestrator struct {
	reg   *registry.Registry
	ing   *ingest.Service
	trk   *tracker.Manager
	cache *cache.Cache
	nodes client.NodeAPI
	files *fileimport.Reader
	opt   Options
	lim   *rate.Limiter
	log   logging.Logger

	mu     sync.Mutex
	closed bool
	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

// New 构造编排器。
func New(reg *registry.Registry, ing *ingest.Service, trk *tracker.Manager, opts ...Option) *Orchestrator {
	o := &Orchestrator{reg: reg, ing: ing, trk: trk, log: logging.L().With("component", "refresh")}
	for _, fn := range opts {
		fn(o)
	}
	if o.opt.RateLimit > 0 {
		burst := int(o.opt.RateLimit)
		if burst < 1 {
			burst = 1
		}
		o.lim = rate.NewLimiter(rate.Limit(o.opt.RateLimit), burst)
	}
	o.base, o.stop = context.WithCancel(context.Background())
	return o
}

// Tracker 任务跟踪器。
func (o *Orchestrator) Tracker() *tracker.Manager { return o.trk }

// Submit 校验请求并创建任务，立即返回任务ID；执行在后台进行。
// 异常：请求不合法时返回 ValidationError，且不会创建任务。
func (o *Orchestrator) Submit(ctx context.Context, req Request) (string, error) {
	p, err := o.prepare(req)
	if err != nil {
		return "", err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", ErrClosed
	}
	task := o.trk.Create(p.def.Name, p.total())
	o.wg.Add(1)
	go o.run(task.ID, p)
	o.log.Info(logging.WithTaskID(ctx, task.ID), "refresh submitted",
		"collection", p.def.Name, "mode", string(p.mode), "units", p.total(), "workers", p.workers, "delay", p.delay.String())
	return task.ID, nil
}

// Cancel 协作式取消：进行中的单元执行完毕，其余单元跳过。
func (o *Orchestrator) Cancel(id string) (bool, error) { return o.trk.Cancel(id) }

// Wait 等待任务进入终态。
func (o *Orchestrator) Wait(ctx context.Context, id string) (tracker.Task, error) {
	done, err := o.trk.Done(id)
	if err != nil {
		return tracker.Task{}, err
	}
	select {
	case <-done:
		return o.trk.Get(id)
	case <-ctx.Done():
		return tracker.Task{}, ctx.Err()
	}
}

// Shutdown 拒绝新任务，取消运行中的任务并等待其退出；超时后中断进行中的单元。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	for _, id := range o.trk.Active() {
		_, _ = o.trk.Cancel(id)
	}
	done := make(chan struct{})
	go func() { o.wg.Wait(); close(done) }()
	select {
	case <-done:
		o.stop()
		return nil
	case <-ctx.Done():
		o.stop()
		<-done
		return ctx.Err()
	}
}

// outcome 单元执行结果，由唯一的收集协程写入任务。
type outcome struct {
	unit
	skipped  bool
	inserted int
	updated  int
	err      error
}

// run 任务主流程。
func (o *Orchestrator) run(id string, p plan) {
	defer o.wg.Done()
	ctx := logging.WithTaskID(o.base, id)
	defer func() {
		if r := recover(); r != nil {
			o.log.Error(ctx, "refresh panicked", "panic", r)
			_ = o.trk.Finish(id, tracker.StatusFailed, "refresh aborted", fmt.Sprint(r))
		}
	}()

	taskCtx, err := o.trk.Context(id)
	if err != nil {
		o.log.Error(ctx, "task vanished before start", "err", err)
		return
	}
	if err := o.trk.Start(id); err != nil {
		o.log.Warn(ctx, "task not started", "err", err)
		return
	}

	units := p.units
	if p.enumerate {
		units, err = o.enumerate(ctx, p.def)
		if err != nil {
			o.log.Error(ctx, "cannot enumerate units", "collection", p.def.Name, "err", err)
			_ = o.trk.Finish(id, tracker.StatusFailed, "cannot enumerate units", err.Error())
			return
		}
		n := len(units)
		_ = o.trk.Update(id, func(t *tracker.Task) { t.Progress.Total = n })
	}

	processed := o.execute(ctx, taskCtx, id, p, units)

	t, err := o.trk.Get(id)
	if err != nil {
		return
	}
	r := t.Result
	status := tracker.StatusCompleted
	if processed < len(units) && o.trk.CancelRequested(id) {
		status = tracker.StatusCancelled
	}
	msg := fmt.Sprintf("processed %d/%d units: %d succeeded, %d failed, %d skipped",
		processed, len(units), r.SuccessCount, r.FailedCount, r.SkippedCount)
	if err := o.trk.Finish(id, status, msg, ""); err != nil {
		o.log.Warn(ctx, "finish task failed", "err", err)
		return
	}
	o.log.Info(ctx, "refresh finished", "status", string(status), "success", r.SuccessCount, "failed", r.FailedCount, "skipped", r.SkippedCount)
}

// enumerate 从批量来源数据集的字段取值生成参数组。
func (o *Orchestrator) enumerate(ctx context.Context, def registry.Definition) ([]unit, error) {
	bs := def.BatchSource
	values, err := o.ing.Distinct(ctx, bs.Collection, bs.Field)
	if err != nil {
		return nil, err
	}
	units := make([]unit, len(values))
	for i, v := range values {
		units[i] = unit{index: i, params: map[string]string{bs.Param: v}}
	}
	return units, nil
}

// execute 固定 worker 池执行全部单元，返回实际处理的单元数。
// feeder 逐个投递单元；取消后不再投递，worker 也不再开始新单元。
func (o *Orchestrator) execute(ctx, taskCtx context.Context, id string, p plan, units []unit) int {
	workers := p.workers
	if workers > len(units) {
		workers = len(units)
	}
	if workers == 0 {
		return 0
	}
	feed := make(chan unit)
	results := make(chan outcome, workers)
	g, gctx := errgroup.WithContext(taskCtx)

	g.Go(func() error {
		defer close(feed)
		for _, u := range units {
			select {
			case <-gctx.Done():
				return nil
			case feed <- u:
			}
		}
		return nil
	})
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for u := range feed {
				if gctx.Err() != nil {
					continue
				}
				results <- o.runUnit(ctx, p, u)
				if p.delay > 0 {
					timer := time.NewTimer(p.delay)
					select {
					case <-timer.C:
					case <-gctx.Done():
						timer.Stop()
					}
				}
			}
			return nil
		})
	}

	processed := 0
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for oc := range results {
			processed++
			o.apply(ctx, id, len(units), oc)
		}
	}()
	_ = g.Wait()
	close(results)
	<-collected
	return processed
}

// apply 将单元结果写入任务；失败单元写入明细，不中断任务。
func (o *Orchestrator) apply(ctx context.Context, id string, total int, oc outcome) {
	if oc.err != nil {
		o.log.Warn(ctx, "refresh unit failed", "unit", describe(oc.unit), "kind", errs.Kind(oc.err), "err", oc.err)
	}
	err := o.trk.Update(id, func(t *tracker.Task) {
		t.Progress.Done++
		switch {
		case oc.err != nil:
			t.Result.FailedCount++
			t.Result.Details = append(t.Result.Details, tracker.UnitDetail{
				Index:  oc.index,
				Params: oc.params,
				Kind:   errs.Kind(oc.err),
				Error:  oc.err.Error(),
			})
		case oc.skipped:
			t.Result.SuccessCount++
			t.Result.SkippedCount++
		default:
			t.Result.SuccessCount++
			t.Result.Inserted += oc.inserted
			t.Result.Updated += oc.updated
		}
		t.Message = fmt.Sprintf("processed %d/%d", t.Progress.Done, total)
	})
	if err != nil {
		o.log.Warn(ctx, "apply unit result failed", "unit", describe(oc.unit), "err", err)
	}
}

// runUnit 单元流程：存在性检查 -> 抓取 -> 按字段定义排序 -> upsert。
func (o *Orchestrator) runUnit(ctx context.Context, p plan, u unit) (oc outcome) {
	oc.unit = u
	ctx, span := observability.StartSpan(ctx, "refresh.unit",
		attribute.String("collection", p.def.Name),
		attribute.String("mode", string(p.mode)),
		attribute.Int("index", u.index))
	defer func() {
		if r := recover(); r != nil {
			oc.err = fmt.Errorf("unit panicked: %v", r)
		}
		span.SetAttributes(attribute.Bool("skipped", oc.skipped))
		observability.EndSpan(span, oc.err)
	}()
	if o.opt.UnitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opt.UnitTimeout)
		defer cancel()
	}

	if p.mode == ModeIncremental {
		if filter, ok := existenceFilter(p.def, u.params); ok {
			exists, err := o.ing.Exists(ctx, p.def.Name, filter)
			if err != nil {
				oc.err = err
				return oc
			}
			if exists {
				oc.skipped = true
				return oc
			}
		}
	}

	recs, err := o.fetch(ctx, p, u.params)
	if err != nil {
		oc.err = err
		return oc
	}
	recs = provider.OrderBySchema(recs, p.def.Fields)
	res, err := o.ing.Upsert(ctx, p.def.Name, recs)
	oc.inserted, oc.updated, oc.err = res.Inserted, res.Updated, err
	return oc
}

// existenceFilter 由 existence_check（参数名 -> 字段名）构造过滤条件；缺参数时不检查。
func existenceFilter(def registry.Definition, params map[string]string) (storage.Filter, bool) {
	if len(def.ExistenceCheck) == 0 {
		return nil, false
	}
	f := storage.Filter{}
	for param, field := range def.ExistenceCheck {
		v := params[param]
		if v == "" {
			return nil, false
		}
		f[field] = record.String(v)
	}
	return f, true
}

// fetch 按模式取数。
// 仅增量模式读缓存；Provider 抓取成功后写缓存。外部调用受全局限速约束。
func (o *Orchestrator) fetch(ctx context.Context, p plan, params map[string]string) ([]*record.Record, error) {
	switch p.mode {
	case ModeFileImport:
		return o.files.Read(ctx, params[ParamPath], params[ParamFormat])
	case ModeRemoteSync:
		if err := o.wait(ctx); err != nil {
			return nil, err
		}
		remote := p.def.Name
		if rc := params[ParamRemoteCollection]; rc != "" {
			remote = rc
		}
		filter := copyParams(params)
		delete(filter, ParamNodeURL)
		delete(filter, ParamRemoteCollection)
		if len(filter) == 0 {
			filter = nil
		}
		recs, err := client.FetchAll(ctx, o.nodes, params[ParamNodeURL], remote, filter, int64(o.opt.ChunkSize))
		if err != nil {
			return nil, &errs.ProviderError{Collection: p.def.Name, Cause: err}
		}
		return recs, nil
	}

	key := cache.Key(p.def.Name, params)
	if p.mode == ModeIncremental && o.cache != nil {
		if v, ok := o.cache.Get(key); ok {
			if recs, ok := v.([]*record.Record); ok {
				return cloneAll(recs), nil
			}
		}
	}
	if err := o.wait(ctx); err != nil {
		return nil, err
	}
	recs, err := p.def.Provider.Fetch(ctx, params)
	if err != nil {
		var ve *errs.ValidationError
		var pe *errs.ProviderError
		if errors.As(err, &ve) || errors.As(err, &pe) {
			return nil, err
		}
		return nil, &errs.ProviderError{Collection: p.def.Name, Cause: err}
	}
	if o.cache != nil {
		o.cache.Set(key, cloneAll(recs))
	}
	return recs, nil
}

func (o *Orchestrator) wait(ctx context.Context) error {
	if o.lim == nil {
		return nil
	}
	return o.lim.Wait(ctx)
}

func cloneAll(recs []*record.Record) []*record.Record {
	out := make([]*record.Record, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}
