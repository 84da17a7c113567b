// Command warehouse 启动数据集仓库服务：HTTP 接口、刷新任务编排与周期调度。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cloudQuant/TradingAgents-CN-sub005/cache"
	"github.com/cloudQuant/TradingAgents-CN-sub005/client"
	"github.com/cloudQuant/TradingAgents-CN-sub005/config"
	"github.com/cloudQuant/TradingAgents-CN-sub005/export"
	"github.com/cloudQuant/TradingAgents-CN-sub005/fileimport"
	"github.com/cloudQuant/TradingAgents-CN-sub005/ingest"
	"github.com/cloudQuant/TradingAgents-CN-sub005/logging"
	"github.com/cloudQuant/TradingAgents-CN-sub005/observability"
	"github.com/cloudQuant/TradingAgents-CN-sub005/refresh"
	"github.com/cloudQuant/TradingAgents-CN-sub005/registry"
	"github.com/cloudQuant/TradingAgents-CN-sub005/schedstate"
	"github.com/cloudQuant/TradingAgents-CN-sub005/scheduler"
	"github.com/cloudQuant/TradingAgents-CN-sub005/server"
	"github.com/cloudQuant/TradingAgents-CN-sub005/storage"
	"github.com/cloudQuant/TradingAgents-CN-sub005/storage/gormstore"
	"github.com/cloudQuant/TradingAgents-CN-sub005/storage/memstore"
	"github.com/cloudQuant/TradingAgents-CN-sub005/storage/mongostore"
	"github.com/cloudQuant/TradingAgents-CN-sub005/tracker"
)

const serviceName = "warehouse"

func main() {
	cfgFile := flag.String("config", "config.yaml", "path to the YAML config file")
	node := flag.String("node", "", "node name reported to sync peers (default: hostname)")
	flag.Parse()

	if err := run(*cfgFile, *node); err != nil {
		fmt.Fprintln(os.Stderr, "warehouse:", err)
		os.Exit(1)
	}
}

// run 按依赖顺序装配各组件，阻塞直到收到 SIGINT/SIGTERM 后依次关闭。
func run(cfgFile, node string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	lg := logging.NewSlogLogger()
	lg.SetLevel(logging.ParseLevel(cfg.Log.Level))
	logging.SetGlobal(lg)

	ctx, stop := server.WithSignalCancel(context.Background())
	defer stop()

	shutdownTracing, err := observability.Init(serviceName, cfg.Tracing, nil)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store %s: %w", cfg.Storage.Driver, err)
	}

	reg := registry.New()
	if err := reg.LoadConfig(cfg.Collections, &http.Client{Timeout: cfg.Remote.Timeout}); err != nil {
		return fmt.Errorf("load collections: %w", err)
	}

	c := cache.New(cache.WithTTL(cfg.Cache.DefaultTTL))
	c.StartJanitor(ctx, cfg.Cache.CleanupInterval)

	ing := ingest.NewService(store, reg)
	exp := export.NewService(ing, reg)

	objects, err := fileimport.NewMinioGetter(cfg.ObjectStore)
	if err != nil {
		return fmt.Errorf("init object store: %w", err)
	}
	orch := refresh.New(reg, ing, tracker.NewManager(),
		refresh.WithOptions(refresh.OptionsFromConfig(cfg.Tasks, cfg.Remote)),
		refresh.WithCache(c),
		refresh.WithNodeAPI(client.NewHTTPNodeAPI(cfg.Remote.Timeout, cfg.Remote.APIKey)),
		refresh.WithFileReader(fileimport.NewReader(objects)),
	)
	orch.Tracker().StartJanitor(ctx, cfg.Tasks.CleanupInterval, cfg.Tasks.Retention)

	sched := scheduler.New()
	for _, j := range cfg.Scheduler.Jobs {
		if err := sched.AddJob(j.ID, j.Cron, scheduler.RefreshJob(orch, j.ID, refresh.RequestFromJob(j))); err != nil {
			return err
		}
		if j.Paused {
			_ = sched.PauseJob(j.ID)
		}
	}
	states := schedstate.New(cfg.Scheduler.StateFile)
	states.Apply(ctx, sched)
	sched.Start(ctx)

	if node == "" {
		node, _ = os.Hostname()
	}
	srv := server.New(server.Deps{
		Registry:   reg,
		Ingest:     ing,
		Export:     exp,
		Refresh:    orch,
		Cache:      c,
		Scheduler:  sched,
		States:     states,
		NodeName:   node,
		SyncAPIKey: cfg.Remote.APIKey,
		DataDir:    dataDir(cfg),
	})
	if err := srv.Start(ctx, cfg.Addr()); err != nil {
		return err
	}
	logging.L().Info(ctx, "warehouse started", "addr", srv.Addr(), "store", cfg.Storage.Driver,
		"collections", len(reg.List()), "jobs", len(cfg.Scheduler.Jobs))

	<-ctx.Done()
	logging.L().Info(context.Background(), "shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(sctx); err != nil {
		logging.L().Warn(sctx, "scheduler stop", "err", err)
	}
	if err := orch.Shutdown(sctx); err != nil {
		logging.L().Warn(sctx, "orchestrator shutdown", "err", err)
	}
	if err := store.Close(sctx); err != nil {
		logging.L().Warn(sctx, "store close", "err", err)
	}
	if err := shutdownTracing(sctx); err != nil {
		logging.L().Warn(sctx, "tracing shutdown", "err", err)
	}
	return nil
}

// openStore 按驱动选择存储实现。
func openStore(ctx context.Context, c config.StorageConfig) (storage.Store, error) {
	switch c.Driver {
	case "memory":
		return memstore.New(), nil
	case "sqlite", "postgres":
		return gormstore.Open(c.Driver, c.DSN)
	case "mongo":
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return mongostore.Connect(cctx, c.DSN, c.Database)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", c.Driver)
	}
}

// dataDir 统计磁盘用量的目录：状态文件所在目录。
func dataDir(cfg config.Config) string { return filepath.Dir(cfg.Scheduler.StateFile) }
