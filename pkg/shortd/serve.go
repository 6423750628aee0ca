package shortd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/sdk/resource"
	"golang.org/x/sync/errgroup"

	locallock "github.com/shortd/shortd/pkg/lock/local"
	redislock "github.com/shortd/shortd/pkg/lock/redis"

	"github.com/shortd/shortd/pkg/cleaner"
	"github.com/shortd/shortd/pkg/database"
	"github.com/shortd/shortd/pkg/generator"
	"github.com/shortd/shortd/pkg/hashpool"
	"github.com/shortd/shortd/pkg/lock"
	"github.com/shortd/shortd/pkg/prometheus"
	"github.com/shortd/shortd/pkg/ratelimit"
	"github.com/shortd/shortd/pkg/retrier"
	"github.com/shortd/shortd/pkg/server"
	"github.com/shortd/shortd/pkg/shortener"
	"github.com/shortd/shortd/pkg/telemetry"
	"github.com/shortd/shortd/pkg/urlcache"
)

var (
	// ErrBaseURLInvalid is returned when --base-url is not an absolute http(s) URL.
	ErrBaseURLInvalid = errors.New("--base-url must be an absolute http(s) URL")

	// ErrBatchSizeOutOfRange is returned for an invalid --generator-batch-size.
	ErrBatchSizeOutOfRange = errors.New("--generator-batch-size must be between 1 and 1000")

	// ErrWorkersOutOfRange is returned for an invalid --generator-workers.
	ErrWorkersOutOfRange = errors.New("--generator-workers must be between 1 and 100")

	// ErrQueueCapacityOutOfRange is returned for an invalid --generator-queue-capacity.
	ErrQueueCapacityOutOfRange = errors.New("--generator-queue-capacity must be between 100 and 100000")

	// ErrUnknownLockBackend is returned when an unknown lock backend is specified.
	ErrUnknownLockBackend = errors.New("unknown lock backend")
)

const (
	lockBackendLocal = "local"
	lockBackendRedis = "redis"
)

//nolint:maintidx
func serveCommand(registerShutdown registerShutdownFn) *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "serve the URL shortener over http",
		Action:  serveAction(registerShutdown),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "base-url",
				Usage:    "The public base URL short links are built from (e.g. https://sho.rt)",
				Sources:  cli.EnvVars("BASE_URL"),
				Required: true,
				Validator: func(s string) error {
					u, err := url.Parse(s)
					if err != nil {
						return err
					}

					if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
						return ErrBaseURLInvalid
					}

					return nil
				},
			},
			&cli.StringFlag{
				Name:    "server-addr",
				Usage:   "The address of the server",
				Sources: cli.EnvVars("SERVER_ADDR"),
				Value:   ":8080",
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "The URL of the database",
				Sources:  cli.EnvVars("DATABASE_URL"),
				Required: true,
			},
			&cli.IntFlag{
				Name:    "database-pool-max-open-conns",
				Usage:   "Maximum number of open connections to the database (0 = use database-specific defaults)",
				Sources: cli.EnvVars("DATABASE_POOL_MAX_OPEN_CONNS"),
			},
			&cli.IntFlag{
				Name:    "database-pool-max-idle-conns",
				Usage:   "Maximum number of idle connections in the pool (0 = use database-specific defaults)",
				Sources: cli.EnvVars("DATABASE_POOL_MAX_IDLE_CONNS"),
			},
			&cli.StringFlag{
				Name:     "redis-addr",
				Usage:    "Redis server address (e.g. localhost:6379) backing the pool, cache, rate limiter and locks",
				Sources:  cli.EnvVars("REDIS_ADDR"),
				Required: true,
			},
			&cli.StringFlag{
				Name:    "redis-username",
				Usage:   "Redis username for authentication (for Redis ACL)",
				Sources: cli.EnvVars("REDIS_USERNAME"),
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password for authentication",
				Sources: cli.EnvVars("REDIS_PASSWORD"),
			},
			&cli.IntFlag{
				Name:    "redis-db",
				Usage:   "Redis database number (0-15)",
				Sources: cli.EnvVars("REDIS_DB"),
			},
			&cli.StringFlag{
				Name:    "lock-backend",
				Usage:   "Lock backend to use: 'redis' (distributed) or 'local' (single instance)",
				Sources: cli.EnvVars("LOCK_BACKEND"),
				Value:   lockBackendRedis,
			},
			&cli.StringFlag{
				Name:    "lock-redis-key-prefix",
				Usage:   "Prefix for all Redis lock keys",
				Sources: cli.EnvVars("LOCK_REDIS_KEY_PREFIX"),
				Value:   redislock.DefaultKeyPrefix,
			},
			&cli.IntFlag{
				Name:    "retry-max-attempts",
				Usage:   "Maximum number of attempts for retried store operations (1-10)",
				Sources: cli.EnvVars("RETRY_MAX_ATTEMPTS"),
				Value:   retrier.DefaultAttempts,
			},
			&cli.DurationFlag{
				Name:    "retry-delay",
				Usage:   "Delay between retry attempts (100ms-60s)",
				Sources: cli.EnvVars("RETRY_DELAY"),
				Value:   retrier.DefaultDelay,
			},
			&cli.StringFlag{
				Name:    "pool-key",
				Usage:   "Redis key of the shared identifier pool",
				Sources: cli.EnvVars("POOL_KEY"),
				Value:   hashpool.DefaultKey,
			},
			&cli.IntFlag{
				Name:    "pool-max-size",
				Usage:   "Target size of the shared identifier pool",
				Sources: cli.EnvVars("POOL_MAX_SIZE"),
				Value:   hashpool.DefaultMaxSize,
			},
			&cli.IntFlag{
				Name:    "pool-fallback-max-concurrent",
				Usage:   "How many requests may claim identifiers straight from the database when the pool is empty",
				Sources: cli.EnvVars("POOL_FALLBACK_MAX_CONCURRENT"),
				Value:   shortener.DefaultFallbackPermits,
			},
			&cli.IntFlag{
				Name:    "generator-batch-size",
				Usage:   "How many identifiers one generation batch mints (1-1000)",
				Sources: cli.EnvVars("GENERATOR_BATCH_SIZE"),
				Value:   generator.DefaultBatchSize,
			},
			&cli.IntFlag{
				Name:    "generator-workers",
				Usage:   "Number of background generation workers (1-100)",
				Sources: cli.EnvVars("GENERATOR_WORKERS"),
				Value:   generator.DefaultWorkers,
			},
			&cli.IntFlag{
				Name:    "generator-queue-capacity",
				Usage:   "Capacity of the background generation queue (100-100000)",
				Sources: cli.EnvVars("GENERATOR_QUEUE_CAPACITY"),
				Value:   generator.DefaultQueueDepth,
			},
			&cli.StringFlag{
				Name: "generator-schedule",
				//nolint:lll
				Usage:   "The cron spec for the pool refill. Refer to https://pkg.go.dev/github.com/robfig/cron/v3#hdr-Usage for documentation",
				Sources: cli.EnvVars("GENERATOR_SCHEDULE"),
				Value:   "* * * * *",
				Validator: func(s string) error {
					_, err := cron.ParseStandard(s)

					return err
				},
			},
			&cli.StringFlag{
				Name:    "schedule-timezone",
				Usage:   "The name of the timezone to use for the cron schedules",
				Sources: cli.EnvVars("SCHEDULE_TZ"),
				Value:   "Local",
			},
			&cli.IntFlag{
				Name:    "url-max-length",
				Usage:   "Maximum length of a shortened URL (100-10000)",
				Sources: cli.EnvVars("URL_MAX_LENGTH"),
				Value:   shortener.DefaultMaxURLLength,
			},
			&cli.StringSliceFlag{
				Name:    "url-forbidden-schemes",
				Usage:   "Schemes refused at create time; omit for the built-in list",
				Sources: cli.EnvVars("URL_FORBIDDEN_SCHEMES"),
			},
			&cli.StringSliceFlag{
				Name:    "redirect-blacklisted-domains",
				Usage:   "Domains refused at redirect time, subdomains included",
				Sources: cli.EnvVars("REDIRECT_BLACKLISTED_DOMAINS"),
			},
			&cli.DurationFlag{
				Name:    "cache-ttl",
				Usage:   "TTL of the mapping cache entries",
				Sources: cli.EnvVars("CACHE_TTL"),
				Value:   urlcache.DefaultTTL,
			},
			&cli.BoolFlag{
				Name:    "rate-limit-enabled",
				Usage:   "Enable the per-principal rate limiter on shortening",
				Sources: cli.EnvVars("RATE_LIMIT_ENABLED"),
				Value:   true,
			},
			&cli.IntFlag{
				Name:    "rate-limit-capacity",
				Usage:   "Burst size of each token bucket",
				Sources: cli.EnvVars("RATE_LIMIT_CAPACITY"),
				Value:   ratelimit.DefaultCapacity,
			},
			&cli.IntFlag{
				Name:    "rate-limit-refill-tokens",
				Usage:   "Tokens added to each bucket per refill interval",
				Sources: cli.EnvVars("RATE_LIMIT_REFILL_TOKENS"),
				Value:   ratelimit.DefaultRefillTokens,
			},
			&cli.DurationFlag{
				Name:    "rate-limit-refill-interval",
				Usage:   "The refill interval of the token buckets",
				Sources: cli.EnvVars("RATE_LIMIT_REFILL_INTERVAL"),
				Value:   ratelimit.DefaultRefillInterval,
			},
			&cli.DurationFlag{
				Name:    "rate-limit-bucket-expiration",
				Usage:   "How long idle token buckets are kept",
				Sources: cli.EnvVars("RATE_LIMIT_BUCKET_EXPIRATION"),
				Value:   ratelimit.DefaultBucketTTL,
			},
			&cli.StringFlag{
				Name:    "cleaner-schedule",
				Usage:   "The cron spec for expiring old mappings",
				Sources: cli.EnvVars("CLEANER_SCHEDULE"),
				Value:   "0 0 * * *",
				Validator: func(s string) error {
					_, err := cron.ParseStandard(s)

					return err
				},
			},
			&cli.IntFlag{
				Name:    "cleaner-retention-years",
				Usage:   "How many years mappings live before they are expired",
				Sources: cli.EnvVars("CLEANER_RETENTION_YEARS"),
				Value:   1,
			},
			&cli.IntFlag{
				Name:    "cleaner-batch-size",
				Usage:   "How many mappings one cleanup batch processes",
				Sources: cli.EnvVars("CLEANER_BATCH_SIZE"),
				Value:   cleaner.DefaultBatchSize,
			},
		},
	}
}

//nolint:maintidx
func serveAction(registerShutdown registerShutdownFn) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "serve").Logger()

		ctx = logger.WithContext(ctx)

		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ctx, cancel := context.WithCancel(ctx)

		g, ctx := errgroup.WithContext(ctx)

		defer func() {
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("error returned from g.Wait()")
			}
		}()

		// NOTE: Reminder that defer statements run last to first so the first
		// thing that happens here is the context is canceled which triggers the
		// errgroup 'g' to start exiting.
		defer cancel()

		g.Go(func() error {
			return autoMaxProcs(ctx, 30*time.Second, logger)
		})

		if err := validateGeneratorBounds(cmd); err != nil {
			return err
		}

		otelResource, err := telemetry.NewResource(ctx, cmd.Root().Name, Version)
		if err != nil {
			return fmt.Errorf("error creating a new otel resource: %w", err)
		}

		srv, cleanup, err := createApp(ctx, cmd, registerShutdown, otelResource)
		if err != nil {
			return err
		}

		httpServer := &http.Server{
			BaseContext:       func(net.Listener) context.Context { return ctx },
			Addr:              cmd.String("server-addr"),
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			logger.Info().
				Str("server_addr", cmd.String("server-addr")).
				Msg("Server started")

			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("error starting the HTTP listener: %w", err)
			}

			return nil
		})

		<-ctx.Done()

		logger.Info().Msg("shutting down")

		// The cleaner's safe-point flag goes up and the crons stop before the
		// listener drains, so no background run straddles the exit.
		cleanup(ctx)

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelShutdown()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("error draining the HTTP server")
		}

		return nil
	}
}

// app bundles the long-lived components the serve action tears down on exit.
type app struct {
	workers  *generator.Workers
	refiller *generator.Refiller
	cleaner  *cleaner.Cleaner
}

// stop halts scheduling first so the cleaner can reach a safe point before
// the process exits.
func (a *app) stop(ctx context.Context) {
	a.cleaner.Shutdown()

	a.refiller.Close()
	a.cleaner.Close()
	a.workers.Close()

	zerolog.Ctx(ctx).Info().Msg("background jobs stopped")
}

func createApp(
	ctx context.Context,
	cmd *cli.Command,
	registerShutdown registerShutdownFn,
	otelResource *resource.Resource,
) (*server.Server, func(context.Context), error) {
	db, err := openDatabase(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}

	registerShutdown("database", func(context.Context) error { return db.Close() })

	redisClient, err := openRedis(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}

	registerShutdown("redis", func(context.Context) error { return redisClient.Close() })

	locker, err := getLocker(ctx, cmd, redisClient)
	if err != nil {
		return nil, nil, err
	}

	r, err := retrier.New(retrier.Config{
		MaxAttempts: int(cmd.Int("retry-max-attempts")),
		Delay:       cmd.Duration("retry-delay"),
	})
	if err != nil {
		return nil, nil, err
	}

	pool := hashpool.New(redisClient, cmd.String("pool-key"), int(cmd.Int("pool-max-size")), r)
	cache := urlcache.New(redisClient, cmd.Duration("cache-ttl"), r)

	limiter := ratelimit.New(redisClient, ratelimit.Config{
		Enabled:        cmd.Bool("rate-limit-enabled"),
		Capacity:       int(cmd.Int("rate-limit-capacity")),
		RefillTokens:   int(cmd.Int("rate-limit-refill-tokens")),
		RefillInterval: cmd.Duration("rate-limit-refill-interval"),
		BucketTTL:      cmd.Duration("rate-limit-bucket-expiration"),
	})

	workers := generator.NewWorkers(
		int(cmd.Int("generator-workers")),
		int(cmd.Int("generator-queue-capacity")),
	)

	gen := generator.New(db, int(cmd.Int("generator-batch-size")), r, workers)

	refiller := generator.NewRefiller(pool, gen, locker)

	cln := cleaner.New(db, locker, r, cleaner.Config{
		Retention: time.Duration(cmd.Int("cleaner-retention-years")) * 365 * 24 * time.Hour,
		BatchSize: int(cmd.Int("cleaner-batch-size")),
	})

	var forbiddenSchemes []string
	if schemes := cmd.StringSlice("url-forbidden-schemes"); len(schemes) > 0 {
		forbiddenSchemes = schemes
	}

	svc, err := shortener.New(db, pool, cache, gen, limiter, r, shortener.Config{
		BaseURL:          cmd.String("base-url"),
		MaxURLLength:     int(cmd.Int("url-max-length")),
		FallbackPermits:  int64(cmd.Int("pool-fallback-max-concurrent")),
		ForbiddenSchemes: forbiddenSchemes,
		BlacklistDomains: cmd.StringSlice("redirect-blacklisted-domains"),
	})
	if err != nil {
		return nil, nil, err
	}

	// Populate the pool before accepting traffic.
	if err := refiller.Warmup(ctx); err != nil {
		return nil, nil, err
	}

	if err := startCrons(ctx, cmd, refiller, cln); err != nil {
		return nil, nil, err
	}

	srv := server.New(svc)

	if cmd.Root().Bool("prometheus-enabled") {
		gatherer, shutdown, err := prometheus.SetupPrometheusMetrics(otelResource)
		if err != nil {
			return nil, nil, fmt.Errorf("error setting up Prometheus metrics: %w", err)
		}

		registerShutdown("prometheus", shutdown)

		srv.SetPrometheusGatherer(gatherer)

		zerolog.Ctx(ctx).
			Info().
			Msg("Prometheus metrics enabled at /metrics")
	}

	a := &app{workers: workers, refiller: refiller, cleaner: cln}

	return srv, a.stop, nil
}

func validateGeneratorBounds(cmd *cli.Command) error {
	if n := cmd.Int("generator-batch-size"); n < 1 || n > 1000 {
		return ErrBatchSizeOutOfRange
	}

	if n := cmd.Int("generator-workers"); n < 1 || n > 100 {
		return ErrWorkersOutOfRange
	}

	if n := cmd.Int("generator-queue-capacity"); n < 100 || n > 100000 {
		return ErrQueueCapacityOutOfRange
	}

	return nil
}

func openDatabase(ctx context.Context, cmd *cli.Command) (*database.DB, error) {
	dbURL := cmd.String("database-url")

	db, err := database.Open(dbURL, database.PoolConfig{
		MaxOpenConns: int(cmd.Int("database-pool-max-open-conns")),
		MaxIdleConns: int(cmd.Int("database-pool-max-idle-conns")),
	})
	if err != nil {
		return nil, fmt.Errorf("error opening the database %q: %w", dbURL, err)
	}

	if err := db.EnsureSchema(ctx); err != nil {
		return nil, errors.Join(
			fmt.Errorf("error ensuring the database schema: %w", err),
			db.Close(),
		)
	}

	return db, nil
}

func openRedis(ctx context.Context, cmd *cli.Command) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cmd.String("redis-addr"),
		Username: cmd.String("redis-username"),
		Password: cmd.String("redis-password"),
		DB:       int(cmd.Int("redis-db")),
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errors.Join(
			fmt.Errorf("error reaching redis at %q: %w", cmd.String("redis-addr"), err),
			client.Close(),
		)
	}

	return client, nil
}

func getLocker(ctx context.Context, cmd *cli.Command, client *redis.Client) (lock.Locker, error) {
	switch backend := cmd.String("lock-backend"); backend {
	case lockBackendRedis:
		zerolog.Ctx(ctx).Info().Msg("distributed locking enabled with Redis")

		return redislock.NewLocker(client, cmd.String("lock-redis-key-prefix")), nil

	case lockBackendLocal:
		zerolog.Ctx(ctx).Info().Msg("using local locks (single-instance mode)")

		return locallock.NewLocker(), nil

	default:
		return nil, fmt.Errorf("%w: %s (must be 'redis' or 'local')", ErrUnknownLockBackend, backend)
	}
}

func startCrons(
	ctx context.Context,
	cmd *cli.Command,
	refiller *generator.Refiller,
	cln *cleaner.Cleaner,
) error {
	var (
		loc *time.Location
		err error
	)

	if tz := cmd.String("schedule-timezone"); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("error parsing the timezone %q: %w", tz, err)
		}
	}

	refillSchedule, err := cron.ParseStandard(cmd.String("generator-schedule"))
	if err != nil {
		return fmt.Errorf("error parsing the cron spec %q: %w", cmd.String("generator-schedule"), err)
	}

	refiller.SetupCron(ctx, loc)
	refiller.AddRefillCronJob(ctx, refillSchedule)
	refiller.StartCron(ctx)

	cleanSchedule, err := cron.ParseStandard(cmd.String("cleaner-schedule"))
	if err != nil {
		return fmt.Errorf("error parsing the cron spec %q: %w", cmd.String("cleaner-schedule"), err)
	}

	cln.SetupCron(ctx, loc)
	cln.AddCleanCronJob(ctx, cleanSchedule)
	cln.StartCron(ctx)

	return nil
}
