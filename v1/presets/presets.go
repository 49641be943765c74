// Package presets assembles a complete server from a config.Config.
package presets

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-taskwarp/v1/adapter"
	"github.com/mirkobrombin/go-taskwarp/v1/api"
	"github.com/mirkobrombin/go-taskwarp/v1/auth"
	"github.com/mirkobrombin/go-taskwarp/v1/broadcast"
	"github.com/mirkobrombin/go-taskwarp/v1/cache"
	"github.com/mirkobrombin/go-taskwarp/v1/config"
	"github.com/mirkobrombin/go-taskwarp/v1/lock"
	"github.com/mirkobrombin/go-taskwarp/v1/metrics"
	"github.com/mirkobrombin/go-taskwarp/v1/service"
	"github.com/mirkobrombin/go-taskwarp/v1/session"
	"github.com/mirkobrombin/go-taskwarp/v1/stream"
	"github.com/mirkobrombin/go-taskwarp/v1/users"
	"github.com/mirkobrombin/go-taskwarp/v1/watchbus"
)

// Backplane circuit breaker settings.
const (
	breakerThreshold = 5
	breakerTimeout   = 30 * time.Second
)

// App is a fully wired server.
type App struct {
	Handler  http.Handler
	Registry *prometheus.Registry

	Sessions session.Store
	Locks    *lock.Coordinator
	Hub      *broadcast.Hub
	Tasks    *service.TaskService
	Auth     *auth.Service
	Users    *users.Directory

	closers []func()
}

// Close stops every background task and releases the backend connections,
// in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) onClose(fn func()) { a.closers = append(a.closers, fn) }

// Build wires stores, the lock coordinator, the broadcast hub, the task
// service, authentication and the HTTP handler for the backends selected in
// cfg. On error everything created so far is released.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Registry: metrics.NewRegistry()}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()
	metrics.RegisterCoreMetrics(app.Registry)

	// Backends
	var rdb *redis.Client
	if cfg.Store == config.StoreRedis || cfg.Backplane == config.BackplaneRedis {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		app.onClose(func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("presets: redis %s: %w", cfg.RedisAddr, err)
		}
	}
	var pool *pgxpool.Pool
	if cfg.Store == config.StorePostgres {
		pool, err = pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("presets: postgres: %w", err)
		}
		app.onClose(pool.Close)
	}

	// Stores
	var (
		tasks    adapter.Store
		accounts users.Store
		names    cache.Cache[string]
	)
	sessOpts := []session.Option{session.WithLogger(logger), session.WithMetrics(app.Registry)}
	if cfg.JWTSecret != "" {
		sessOpts = append(sessOpts, session.WithSigner(session.NewJWTSigner([]byte(cfg.JWTSecret), cfg.JWTExpiration)))
	}
	ristrettoOpts := []cache.RistrettoOption{}
	if cfg.Trace {
		ristrettoOpts = append(ristrettoOpts, cache.WithTracing())
	}

	switch cfg.Store {
	case config.StoreRedis:
		tasks = adapter.NewRedisStore(rdb)
		accounts = users.NewRedisStore(rdb, "taskwarp:")
		app.Sessions = session.NewRedisStore(rdb, "", sessOpts...)
		names = cache.NewResilient[string](cache.NewRedis[string](rdb, "taskwarp:name:", cache.JSONCodec{}), logger)
	case config.StorePostgres:
		pg := adapter.NewPgStore(pool)
		if err := pg.EnsureTable(ctx); err != nil {
			return nil, err
		}
		ustore := users.NewPgStore(pool)
		if err := ustore.EnsureTable(ctx); err != nil {
			return nil, err
		}
		tasks, accounts = pg, ustore
		app.Sessions = session.NewInMemoryStore(sessOpts...)
	default:
		tasks = adapter.NewInMemoryStore()
		accounts = users.NewInMemoryStore()
		app.Sessions = session.NewInMemoryStore(sessOpts...)
	}
	sessions := app.Sessions
	app.onClose(func() { _ = sessions.Close() })
	if names == nil {
		rc, err := cache.NewRistretto[string](ristrettoOpts...)
		if err != nil {
			return nil, err
		}
		app.onClose(rc.Close)
		names = rc
	}
	app.Users = users.NewDirectory(accounts, names, users.DefaultNameTTL, logger)

	// Broadcast
	bus, closeBus, err := backplane(cfg, rdb)
	if err != nil {
		return nil, err
	}
	if closeBus != nil {
		app.onClose(closeBus)
	}
	hubOpts := []broadcast.Option{
		broadcast.WithQueueSize(cfg.QueueSize),
		broadcast.WithPolicy(cfg.Overflow),
		broadcast.WithLogger(logger),
		broadcast.WithMetrics(app.Registry),
	}
	if bus != nil {
		hubOpts = append(hubOpts, broadcast.WithBackplane(bus, cfg.BackplaneKey))
	}
	app.Hub, err = broadcast.NewHub(hubOpts...)
	if err != nil {
		return nil, err
	}
	app.onClose(app.Hub.Close)

	// Locks and mutations. The coordinator reports expired locks to the
	// service, which is created after it.
	var svc *service.TaskService
	lockOpts := []lock.Option{
		lock.WithTTL(cfg.LockTTL),
		lock.WithLogger(logger),
		lock.WithMetrics(app.Registry),
		lock.WithOnExpire(func(ctx context.Context, ids []string) {
			if svc != nil {
				svc.LocksExpired(ctx, ids)
			}
		}),
	}
	svcOpts := []service.Option{service.WithLogger(logger), service.WithNames(app.Users)}
	if cfg.Trace {
		lockOpts = append(lockOpts, lock.WithTracing())
		svcOpts = append(svcOpts, service.WithTracing())
	}
	app.Locks = lock.NewCoordinator(tasks, lockOpts...)
	app.onClose(app.Locks.Close)
	svc = service.New(tasks, app.Locks, app.Hub, svcOpts...)
	app.Tasks = svc

	app.Auth = auth.NewService(accounts, app.Sessions,
		auth.WithHasher(auth.BcryptHasher{Cost: cfg.BcryptCost}),
		auth.WithLogger(logger))

	// Transport
	streamOpts := []stream.Option{stream.WithLogger(logger)}
	app.Handler = api.New(svc, app.Auth, app.Sessions,
		api.WithStreams(
			stream.WebSocketHandler(app.Sessions, app.Hub, svc, streamOpts...),
			stream.SSEHandler(app.Sessions, app.Hub, streamOpts...),
		),
		api.WithMetricsHandler(metrics.Handler(app.Registry)),
		api.WithCORS(cfg.CORSOrigin),
		api.WithLogger(logger),
	)
	return app, nil
}

// backplane opens the bus selected by cfg together with a function that
// releases its connection. Remote buses are guarded by a circuit breaker.
// The bus is nil for config.BackplaneNone.
func backplane(cfg config.Config, rdb *redis.Client) (watchbus.WatchBus, func(), error) {
	guard := func(b watchbus.WatchBus) watchbus.WatchBus {
		return watchbus.NewCircuitBreaker(b, breakerThreshold, breakerTimeout)
	}
	switch cfg.Backplane {
	case config.BackplaneMemory:
		return watchbus.NewInMemory(), nil, nil
	case config.BackplaneRedis:
		return guard(watchbus.NewRedisWatchBus(rdb)), nil, nil
	case config.BackplaneNATS:
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return nil, nil, fmt.Errorf("presets: nats %s: %w", cfg.NATSURL, err)
		}
		return guard(watchbus.NewNATSWatchBus(nc)), nc.Close, nil
	case config.BackplaneKafka:
		kb, err := watchbus.DialKafka(cfg.KafkaBrokers, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("presets: kafka: %w", err)
		}
		return guard(kb), func() { _ = kb.Close() }, nil
	}
	return nil, nil, nil
}
