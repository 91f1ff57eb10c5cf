package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"aiconsole/internal/adapter/assetfs"
	"aiconsole/internal/adapter/coderun"
	"aiconsole/internal/adapter/gateway"
	"aiconsole/internal/adapter/store"
	"aiconsole/internal/domain"
	"aiconsole/internal/infra/config"
	"aiconsole/internal/infra/metrics"
	"aiconsole/internal/sandbox/script"
	"aiconsole/internal/sandbox/wasm"
	"aiconsole/internal/usecase/chat"
	"aiconsole/internal/usecase/cluster"
	"aiconsole/internal/usecase/eventbus"
	"aiconsole/internal/usecase/execmode"
	"aiconsole/internal/usecase/material"
	"aiconsole/internal/usecase/scheduling"
)

// redisAdapter wraps a go-redis client to implement cluster.RedisClient.
type redisAdapter struct {
	client *goredis.Client
}

func (r *redisAdapter) SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, expiration).Result()
}

func (r *redisAdapter) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	return v, err
}

func (r *redisAdapter) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *redisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.Expire(ctx, key, ttl).Result()
}

func (r *redisAdapter) Publish(ctx context.Context, channel string, message string) error {
	return r.client.Publish(ctx, channel, message).Err()
}

func (r *redisAdapter) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	sub := r.client.Subscribe(ctx, channel)
	// Receive blocks until the subscription is confirmed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}
	ch := make(chan string, 64)
	go func() {
		defer close(ch)
		defer sub.Close()
		msgCh := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (r *redisAdapter) Close() error {
	return r.client.Close()
}

// App holds the running components and their shutdown order.
type App struct {
	Providers []string
	Modes     []domain.ExecutionModeKind

	log         *slog.Logger
	bus         *eventbus.Bus
	store       *store.Store
	wasmRuntime *wasm.Runtime
	wasmEval    *wasm.Evaluator
	sessions    *chat.Registry
	handlers    *gateway.Handlers
	server      *gateway.Server
	scheduler   *scheduling.Scheduler // nil when disabled
	coordinator *cluster.Coordinator  // nil in standalone mode
}

// initApp builds every component. On error, whatever was already opened
// is closed again.
func initApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *App, err error) {
	app := &App{log: log}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()

	// 1. Event bus & metrics
	app.bus = eventbus.New(log)
	m := metrics.New()

	// 2. Store & assets
	app.store, err = store.Open(cfg.Store.Path, log)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if err := app.store.EnsureDirector(ctx); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	loader := assetfs.NewLoader(cfg.Assets.Dir, log)
	if err := app.reloadAssets(ctx, loader); err != nil {
		return nil, fmt.Errorf("assets: %w", err)
	}

	// 3. LLM providers
	llmComp, err := initLLM(ctx, cfg, app.bus, m, log)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	app.Providers = llmComp.Registry.List()

	// 4. Material sandboxes & renderer
	app.wasmRuntime, err = wasm.NewRuntime(ctx, wasm.Limits{MaxMemoryPages: cfg.Sandbox.WASMMemoryPage}, log)
	if err != nil {
		return nil, fmt.Errorf("wasm runtime: %w", err)
	}
	app.wasmEval = wasm.NewEvaluator(app.wasmRuntime, cfg.Sandbox.ExecTimeout, log)
	renderer := material.NewRenderer(material.Options{
		AssetsDir:   cfg.Assets.Dir,
		Script:      script.NewEvaluator(script.Limits{MaxSteps: cfg.Sandbox.MaxSteps, Timeout: cfg.Sandbox.ExecTimeout}, log),
		WASM:        app.wasmEval,
		Documenter:  script.Documenter{},
		Bus:         app.bus,
		Metrics:     m,
		Concurrency: cfg.Sandbox.Concurrency,
		Logger:      log,
	})

	// 5. Notification hub
	hub := gateway.NewHub(gateway.HubOptions{
		SendBuffer:  cfg.Gateway.SendBuffer,
		ClientRate:  cfg.Gateway.ClientRate,
		ClientBurst: cfg.Gateway.ClientBurst,
		Metrics:     m,
		Logger:      log,
	})

	// 6. Execution modes
	generator := execmode.NewGenerator(execmode.GeneratorOptions{
		Router:          llmComp.Router,
		Counter:         llmComp.Counter,
		Notifier:        hub,
		MinTokens:       cfg.LLM.MinTokens,
		PreferredTokens: cfg.LLM.PreferredTokens,
		Temperature:     cfg.LLM.Temperature,
		NewID:           chat.NewID,
		Logger:          log,
	})
	leafOpts := execmode.LeafOptions{
		Generator:   generator,
		Runner:      coderun.NewLocalRunner(cfg.CodeRun, log),
		Bus:         app.bus,
		MaxAutoRuns: cfg.LLM.MaxAutoRuns,
		Logger:      log,
	}
	interpreter, err := execmode.NewInterpreter(leafOpts)
	if err != nil {
		return nil, fmt.Errorf("interpreter: %w", err)
	}
	automator, err := execmode.NewAutomator(leafOpts)
	if err != nil {
		return nil, fmt.Errorf("automator: %w", err)
	}
	modes := execmode.NewRegistry(interpreter, automator)
	modes.Register(execmode.NewDirector(execmode.DirectorOptions{
		Generator: generator,
		Assets:    app.store,
		Renderer:  renderer,
		Modes:     modes,
		Logger:    log,
	}))
	app.Modes = modes.Kinds()
	dispatcher := execmode.NewDispatcher(execmode.DispatcherOptions{
		Modes:    modes,
		Assets:   app.store,
		Renderer: renderer,
		Notifier: hub,
		Bus:      app.bus,
		Metrics:  m,
		Logger:   log,
	})

	// 7. Cluster (optional)
	var (
		remote chat.DistributedLock
		relay  chat.Relay
		redis  *goredis.Client
	)
	nodeID := cfg.Cluster.NodeID
	if cfg.Cluster.Enabled {
		if nodeID == "" {
			nodeID = defaultNodeID()
		}
		redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Cluster.RedisAddr,
			Password: cfg.Cluster.RedisPassword,
			DB:       cfg.Cluster.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			redis.Close()
			return nil, fmt.Errorf("cluster: redis %s: %w", cfg.Cluster.RedisAddr, err)
		}
		app.coordinator = cluster.NewCoordinator(&redisAdapter{client: redis}, cluster.CoordinatorConfig{
			NodeID:  nodeID,
			LockTTL: cfg.Cluster.LockTTL,
		}, log)
		remote, relay = app.coordinator, app.coordinator
		log.Info("cluster mode enabled", "node_id", nodeID, "redis", cfg.Cluster.RedisAddr)
	}

	// 8. Chat sessions & gateway
	app.sessions = chat.NewRegistry(app.store, log)
	app.handlers = gateway.NewHandlers(hub, gateway.HandlerDeps{
		Sessions:    app.sessions,
		Locks:       chat.NewLockManager(remote),
		Turns:       chat.NewTurns(),
		Store:       app.store,
		Runner:      dispatcher,
		Relay:       relay,
		Metrics:     m,
		Bus:         app.bus,
		Logger:      log,
		LockWait:    cfg.Gateway.LockWait,
		BaseContext: ctx,
	})
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = m.Handler()
	}
	app.server = gateway.NewServer(gateway.ServerOptions{
		Config:         cfg.Gateway,
		Hub:            hub,
		Handlers:       app.handlers,
		Bus:            app.bus,
		MetricsHandler: metricsHandler,
		MetricsPath:    cfg.Metrics.Path,
		Ready: func(ctx context.Context) error {
			if err := app.store.Ping(ctx); err != nil {
				return err
			}
			if redis != nil {
				if err := redis.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("redis: %w", err)
				}
			}
			return nil
		},
		Status:  app.handlers,
		Version: version,
		NodeID:  nodeID,
		Logger:  log,
	})

	// 9. Scheduler
	if cfg.Scheduler.Enabled {
		app.scheduler, err = initScheduler(cfg, app, loader, log)
		if err != nil {
			return nil, fmt.Errorf("scheduler: %w", err)
		}
	}

	return app, nil
}

func initScheduler(cfg *config.Config, app *App, loader *assetfs.Loader, log *slog.Logger) (*scheduling.Scheduler, error) {
	s := scheduling.NewScheduler(log)
	s.RegisterAction(scheduling.ActionAssetReload, func(ctx context.Context) error {
		return app.reloadAssets(ctx, loader)
	})
	s.RegisterAction(scheduling.ActionChatCompaction, func(ctx context.Context) error {
		n, err := app.sessions.Compact(ctx)
		if n > 0 {
			log.Info("chat sessions compacted", "snapshots", n)
		}
		return err
	})

	tasks := []scheduling.ScheduledTask{
		{Name: "asset-reload", Schedule: cfg.Assets.ReloadSchedule, Action: scheduling.ActionAssetReload},
		{Name: "chat-compaction", Schedule: cfg.Scheduler.CompactionSchedule, Action: scheduling.ActionChatCompaction},
	}
	for _, t := range tasks {
		if t.Schedule == "" {
			continue
		}
		if err := s.AddTask(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// reloadAssets copies the asset directory into the store and tells
// clients which collections changed.
func (a *App) reloadAssets(ctx context.Context, loader *assetfs.Loader) error {
	counts, err := loader.Load(ctx, a.store)
	if err != nil {
		return err
	}
	for t, n := range counts {
		a.bus.Publish(ctx, domain.NewEvent(domain.EventAssetsReloaded, "", domain.AssetsReloadedPayload{AssetType: t, Count: n}))
	}
	return nil
}

// Start runs the cluster relay and scheduler in the background and serves
// the gateway until ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	if a.coordinator != nil {
		err := a.coordinator.Run(ctx, func(ctx context.Context, rm cluster.RemoteMutation) {
			a.handlers.ApplyRemote(ctx, rm.ChatID, rm.RequestID, rm.Mutation)
		})
		if err != nil {
			return fmt.Errorf("cluster: %w", err)
		}
	}
	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}
	return a.server.Start(ctx)
}

// Close stops every component in reverse dependency order. Open chats get
// a final snapshot before the store closes.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.scheduler != nil {
		errs = append(errs, a.scheduler.Stop())
	}
	if a.server != nil {
		errs = append(errs, a.server.Stop(ctx))
	}
	if a.coordinator != nil {
		errs = append(errs, a.coordinator.Stop())
	}
	if a.sessions != nil {
		if _, err := a.sessions.Compact(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final compaction: %w", err))
		}
	}
	if a.wasmEval != nil {
		errs = append(errs, a.wasmEval.Close(ctx))
	}
	if a.wasmRuntime != nil {
		errs = append(errs, a.wasmRuntime.Close(ctx))
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// defaultNodeID derives a node id from the hostname plus a random suffix,
// so two processes on one host never share an id.
func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	id := chat.NewID()
	return host + "-" + id[len(id)-6:]
}
