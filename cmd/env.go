package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/paradas/internal/config"
	"github.com/sells-group/paradas/internal/monitoring"
	"github.com/sells-group/paradas/internal/resilience"
	"github.com/sells-group/paradas/internal/routes"
	"github.com/sells-group/paradas/internal/store"
	"github.com/sells-group/paradas/internal/survey"
	"github.com/sells-group/paradas/internal/syncer"
	"github.com/sells-group/paradas/pkg/geocode"
	"github.com/sells-group/paradas/pkg/remote"
)

// defaultRouteCacheDSN is used for the route cache when records live in
// Postgres and routes.cache_path is unset.
const defaultRouteCacheDSN = "paradas-routes.db"

// appEnv holds the initialized components a command works with.
type appEnv struct {
	Store    store.Store
	Cache    *routes.SQLiteCache
	Remote   remote.Client // nil when remote.base_url is unset
	Geocoder geocode.Client
	Index    *routes.Index
	Capturer *survey.Capturer
	Engine   *syncer.Engine // nil without a remote

	closeCache bool
}

// Close releases the store and a dedicated route cache.
func (e *appEnv) Close() {
	if e.closeCache && e.Cache != nil {
		if err := e.Cache.Close(); err != nil {
			zap.L().Warn("close route cache", zap.Error(err))
		}
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			zap.L().Warn("close store", zap.Error(err))
		}
	}
}

// initEnv validates cfg for mode and wires the store, route cache, remote
// client, geocoder, capture service and sync engine.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env := &appEnv{Store: st}

	env.Cache, env.closeCache, err = initRouteCache(st)
	if err != nil {
		env.Close()
		return nil, err
	}
	if err := env.Cache.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate route cache")
	}

	var lookup routes.Lookup
	if cfg.Remote.BaseURL != "" {
		env.Remote = remote.NewClient(cfg.Remote.BaseURL,
			remote.WithToken(cfg.Remote.Token),
			remote.WithTimeout(time.Duration(cfg.Remote.TimeoutSecs)*time.Second),
		)
		lookup = env.Remote
	} else {
		zap.L().Debug("remote.base_url not set, working offline")
	}

	env.Index = routes.NewIndex(lookup,
		routes.WithCache(env.Cache, cfg.Routes.CacheRadiusMeters),
		routes.WithMaxDistance(cfg.Projection.MaxDistanceMeters),
	)

	if cfg.Geocode.BaseURL != "" {
		env.Geocoder = geocode.NewClient(
			geocode.WithBaseURL(cfg.Geocode.BaseURL),
			geocode.WithUserAgent(cfg.Geocode.UserAgent),
			geocode.WithRateLimit(cfg.Geocode.RateLimit),
		)
	}

	capOpts := []survey.Option{survey.WithReloadDistance(cfg.Routes.CacheRadiusMeters)}
	if env.Geocoder != nil {
		capOpts = append(capOpts, survey.WithGeocoder(env.Geocoder))
	}
	env.Capturer = survey.NewCapturer(st, env.Index, cfg.Session.UserID, capOpts...)

	if env.Remote != nil {
		env.Engine = newEngine(st, env.Remote, cfg.Sync)
	}

	return env, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "paradas.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initRouteCache shares the record database when it is SQLite. The bool
// reports whether the cache owns its handle.
func initRouteCache(st store.Store) (*routes.SQLiteCache, bool, error) {
	if sq, ok := st.(*store.SQLiteStore); ok && cfg.Routes.CachePath == "" {
		return routes.NewSQLiteCache(sq.DB()), false, nil
	}

	dsn := cfg.Routes.CachePath
	if dsn == "" {
		dsn = defaultRouteCacheDSN
	}
	c, err := routes.OpenSQLiteCache(dsn)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func newEngine(st store.Store, gw remote.Gateway, sc config.SyncConfig) *syncer.Engine {
	cbCfg := resilience.CircuitFromSyncConfig(sc)
	cbCfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("remote circuit breaker state change",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		monitoring.SetCircuitState(from, to)
	}

	return syncer.NewEngine(st, gw,
		syncer.WithConcurrency(sc.Concurrency),
		syncer.WithRetry(resilience.FromSyncConfig(sc)),
		syncer.WithCircuitBreaker(resilience.NewCircuitBreaker(cbCfg)),
		syncer.WithMetrics(monitoring.SyncMetrics{}),
	)
}
