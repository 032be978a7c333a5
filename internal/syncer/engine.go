package syncer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"shelfsync/internal/config"
	"shelfsync/internal/crawler"
	"shelfsync/internal/fetcher"
	"shelfsync/internal/quota"
	robotsclient "shelfsync/internal/robots"
	"shelfsync/internal/sessionstate"
	"shelfsync/internal/storage"
)

// Engine owns the process-wide collaborators every sync run shares: the
// throttled fetcher, the stores, the quota and the per-user lock.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	deps      Deps
	persister *Persister
	runs      sessionstate.Store

	closers   []func() error
	closeOnce sync.Once
}

// Persister is the storage side exposed to transports for reads and cleanup.
type Persister = storage.Persister

// EngineOption adjusts how NewEngine wires its collaborators.
type EngineOption func(*engineOptions)

type engineOptions struct {
	store   storage.Store
	fetcher fetcher.Fetcher
}

// WithStore replaces the configured database with store.
func WithStore(store storage.Store) EngineOption {
	return func(o *engineOptions) { o.store = store }
}

// WithFetcher replaces the configured upstream backend with f.
func WithFetcher(f fetcher.Fetcher) EngineOption {
	return func(o *engineOptions) { o.fetcher = f }
}

// NewEngine builds an Engine from configuration.
func NewEngine(cfg config.Config, logger *slog.Logger, opts ...EngineOption) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = e.Close()
		}
	}()

	base, robotsFetch, err := e.buildFetcher(o.fetcher)
	if err != nil {
		return nil, err
	}
	throttle := fetcher.NewThrottle(cfg.Fetch.MinDelay.Duration, fetcher.RateLimiterSettings{
		Requests: cfg.Fetch.RateLimit.Requests,
		Window:   cfg.Fetch.RateLimit.Window.Duration,
	})
	retrier := fetcher.NewRetrier(base, fetcher.RetryOptions{
		MaxAttempts: cfg.Fetch.MaxAttempts,
		BaseDelay:   cfg.Fetch.RetryBackoff.Duration,
		Throttle:    throttle,
		Logger:      logger.With("component", "fetcher"),
	})

	catalog, err := crawler.NewCatalog(cfg.Catalog.BaseURL)
	if err != nil {
		return nil, err
	}
	var guard crawler.Guard
	if cfg.Robots.Respect {
		agent, err := robotsclient.NewAgent(cfg.Robots, cfg.Catalog.BaseURL, robotsFetch)
		if err != nil {
			return nil, err
		}
		guard = agent
	}
	crawlLogger := logger.With("component", "crawler")

	store := o.store
	if store == nil {
		store, err = e.buildStore()
		if err != nil {
			return nil, err
		}
	}
	e.persister = storage.NewPersister(store, logger.With("component", "storage"))

	var checker quota.Checker = quota.Unlimited{}
	if cfg.Quota.Enabled {
		checker = quota.NewStoreQuota(store, cfg.Quota.Limit)
	}

	locker, runs, err := e.buildSessionState()
	if err != nil {
		return nil, err
	}
	e.runs = runs

	e.deps = Deps{
		Shelves: crawler.NewEnumerator(retrier, catalog, guard, crawlLogger),
		Walker: crawler.NewWalker(retrier, catalog, crawler.WalkerOptions{
			PageSize: cfg.Walk.PageSize,
			MaxPages: cfg.Walk.MaxPages,
			Guard:    guard,
			Logger:   crawlLogger,
		}),
		Books:      e.persister,
		Quota:      checker,
		QuotaClass: cfg.Quota.APIClass,
		Locker:     locker,
		Logger:     logger.With("component", "syncer"),
	}

	logger.Info("engine ready",
		"fetch_engine", cfg.Fetch.Engine,
		"db_driver", cfg.DB.Driver,
		"lock_backend", cfg.Lock.Backend,
		"quota_enabled", cfg.Quota.Enabled,
		"respect_robots", cfg.Robots.Respect,
	)
	ok = true
	return e, nil
}

// buildFetcher returns the page fetcher and the one robots.txt is read with.
// Rendered pages go through the browser but robots.txt is fetched directly.
func (e *Engine) buildFetcher(override fetcher.Fetcher) (fetcher.Fetcher, fetcher.Fetcher, error) {
	if override != nil {
		return override, override, nil
	}
	cfg := e.cfg
	switch cfg.Fetch.Engine {
	case "chromedp":
		direct, err := fetcher.NewProxyFetcher(fetcher.Options{
			UserAgent:    cfg.Fetch.UserAgent,
			Timeout:      cfg.Fetch.Timeout.Duration,
			MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("robots fetcher: %w", err)
		}
		return fetcher.NewChromedpRenderer(fetcher.RenderOptions{
			Timeout:            cfg.Rendering.Timeout.Duration,
			WaitForSelector:    cfg.Rendering.WaitForSelector,
			UserAgent:          cfg.Fetch.UserAgent,
			MaxBodyBytes:       cfg.Fetch.MaxBodyBytes,
			DisableHeadless:    cfg.Rendering.DisableHeadless,
			ConcurrentSessions: cfg.Rendering.ConcurrentSessions,
			Logger:             e.logger.With("component", "renderer"),
		}), direct, nil
	case "proxy", "":
		proxy, err := fetcher.NewProxyFetcher(fetcher.Options{
			ProxyBaseURL: cfg.Proxy.BaseURL,
			ProxyToken:   cfg.Proxy.Token,
			ProxyFormat:  cfg.Proxy.Format,
			UserAgent:    cfg.Fetch.UserAgent,
			Headers:      cfg.Fetch.Headers,
			Timeout:      cfg.Fetch.Timeout.Duration,
			MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("proxy fetcher: %w", err)
		}
		return proxy, proxy, nil
	default:
		return nil, nil, fmt.Errorf("unsupported fetch engine %q", cfg.Fetch.Engine)
	}
}

func (e *Engine) buildStore() (storage.Store, error) {
	if e.cfg.DB.Driver == "" || e.cfg.DB.DSN == "" {
		e.logger.Warn("no database configured, books are kept in memory")
		store := storage.NewMemoryStore()
		e.closers = append(e.closers, store.Close)
		return store, nil
	}
	store, err := storage.NewSQLStore(e.cfg.DB)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, store.Close)
	return store, nil
}

func (e *Engine) buildSessionState() (sessionstate.Locker, sessionstate.Store, error) {
	lockCfg := e.cfg.Lock
	if lockCfg.Backend != "redis" {
		runs := sessionstate.NewMemoryStore()
		e.closers = append(e.closers, runs.Close)
		return sessionstate.NewMemoryLocker(lockCfg.TTL.Duration), runs, nil
	}

	redisCfg := sessionstate.RedisConfig{
		Host:     lockCfg.Redis.Host,
		Port:     lockCfg.Redis.Port,
		DB:       lockCfg.Redis.DB,
		Password: lockCfg.Redis.Password,
	}
	locker, err := sessionstate.NewRedisLocker(redisCfg, lockCfg.TTL.Duration)
	if err != nil {
		return nil, nil, fmt.Errorf("redis lock: %w", err)
	}
	runs, err := sessionstate.NewRedisStore(redisCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("redis run store: %w", err)
	}
	e.closers = append(e.closers, runs.Close)
	return locker, runs, nil
}

// NewOrchestrator returns a fresh orchestrator for one run.
func (e *Engine) NewOrchestrator() *Orchestrator {
	return NewOrchestrator(e.deps)
}

// Persister gives access to the user's stored books.
func (e *Engine) Persister() *Persister {
	return e.persister
}

// Runs is the store of run snapshots.
func (e *Engine) Runs() sessionstate.Store {
	return e.runs
}

// Close releases resources owned by the engine.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		for _, closer := range e.closers {
			if cerr := closer(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	})
	return err
}
