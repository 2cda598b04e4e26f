package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskd/internal/api"
	"taskd/internal/config"
	"taskd/internal/eventbus"
	"taskd/internal/history"
	"taskd/internal/observability/pprof"
	"taskd/internal/runner"
	"taskd/internal/runtime/supervisor"
	"taskd/internal/scheduler"
	"taskd/internal/store"
	logx "taskd/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./taskd.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		logx.NewConsole("info").Error("fatal", logx.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File:    logx.FileConfig{Enabled: cfg.Log.File.Enabled, Path: cfg.Log.File.Path},
	})
	defer logSvc.Close()
	mgr.SetLogger(log)

	st, err := store.Open(cfg.Store.Path, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	log.Info("task store loaded", logx.String("path", st.Path()), logx.Int("tasks", st.Len()))

	hist, err := history.Open(history.Config{
		Driver:      cfg.History.Driver,
		Path:        cfg.History.Path,
		BusyTimeout: cfg.History.Busy(),
		Keep:        cfg.History.Keep,
	}, log)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer hist.Close()

	agent := buildRunner(cfg, log)
	bus := eventbus.New()

	sched := scheduler.New(schedulerConfig(cfg), st, agent, hist, log, bus)
	sched.Start(ctx)

	srv := api.NewServer(api.Config{
		Listen:          cfg.API.ListenAddr(),
		AdHocRatePerMin: cfg.API.AdHocRatePerMin,
		DefaultTimezone: cfg.Timezone,
	}, st, sched, hist, log)

	sup := supervisor.New(ctx, log)
	sup.Go("api", func(context.Context) error { return srv.Start() })
	sup.Go0("api-shutdown", func(ctx context.Context) {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	})

	sup.Go("pprof", pprof.New(pprof.Config{
		Enabled: cfg.Debug.Pprof.Enabled,
		Addr:    cfg.Debug.Pprof.Addr,
	}, log).Run)

	// Config hot-reload: scheduler knobs and log sinks apply live;
	// store/api/runner changes need a restart.
	sup.GoRestart("config-watch", mgr.Watch)
	sub := mgr.Subscribe(1)
	defer mgr.Unsubscribe(sub)
	sup.Go0("config-apply", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				logSvc.Apply(logx.Config{
					Level:   next.Log.Level,
					Console: next.Log.Console,
					File:    logx.FileConfig{Enabled: next.Log.File.Enabled, Path: next.Log.File.Path},
				})
				sched.Apply(schedulerConfig(next))
				log.Info("config applied")
			}
		}
	})

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	supErr := sup.Stop(stopCtx)
	sched.Stop(stopCtx)
	if supErr != nil && !errors.Is(supErr, context.DeadlineExceeded) {
		return supErr
	}
	return nil
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:         cfg.Scheduler.Enabled,
		TickInterval:    cfg.Scheduler.Tick(),
		DispatchTimeout: cfg.Scheduler.Timeout(),
		MaxInFlight:     cfg.Scheduler.MaxInFlight,
	}
}

func buildRunner(cfg *config.Config, log logx.Logger) runner.Runner {
	r, err := runner.NewHTTP(cfg.Runner.Endpoint)
	if err != nil {
		// Without a runner endpoint every dispatch fails onto the task's
		// last_error; the scheduler itself keeps working.
		log.Warn("no runner endpoint configured, dispatches will fail", logx.Err(err))
		return runner.Func(func(context.Context, runner.Request) (runner.Result, error) {
			return runner.Result{}, errors.New("no runner endpoint configured")
		})
	}
	return r
}
