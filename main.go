package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"row-to-column/cache"
	"row-to-column/catalog"
	"row-to-column/ddl"
	"row-to-column/encoder"
	"row-to-column/repl"
	"row-to-column/replay"
	"row-to-column/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/k0kubun/pp/v3"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	PostgresDSN            string
	PostgresReplicationDSN string
	StoreDSN               string
	StoreDriver            string
	SourceMode             string
	SlotName               string
	PublicationName        string
	BatchSize              int
	PollInterval           time.Duration
	RelayTable             string
	RelayColumn            int
	Suffix                 string
	RedisURL               string
	ListenAddr             string
	LogLevel               string
	Setup                  bool
	DryRun                 bool
	OTLPEndpoint           string
	OTLPInsecure           bool
	MaxFailures            int
	HealthMaxAge           time.Duration
}

func parseFlags() Config {
	cfg := Config{}

	flag.StringVar(&cfg.PostgresDSN, "pg", "", "PostgreSQL connection DSN of the source database")
	flag.StringVar(&cfg.PostgresReplicationDSN, "pg-repl", "", "PostgreSQL replication connection DSN (stream source)")
	flag.StringVar(&cfg.StoreDSN, "store", "", "Columnar store DSN (defaults to -pg)")
	flag.StringVar(&cfg.StoreDriver, "store-driver", "pgx", "Columnar store driver: pgx or postgres")
	flag.StringVar(&cfg.SourceMode, "source", string(repl.ModeSlot), "Change source: slot or stream")
	flag.StringVar(&cfg.SlotName, "slot", "row_to_column", "Logical replication slot name")
	flag.StringVar(&cfg.PublicationName, "publication", "row_to_column", "Publication name")
	flag.IntVar(&cfg.BatchSize, "batch", 1000, "Maximum messages per poll cycle")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", time.Second, "Wait after an empty poll")
	flag.StringVar(&cfg.RelayTable, "relay-table", "ddl_queue", "Relay relation carrying rewritten DDL")
	flag.IntVar(&cfg.RelayColumn, "relay-column", repl.DefaultRelayPayloadColumn, "Zero-based column of the relay payload")
	flag.StringVar(&cfg.Suffix, "suffix", "_col", "Columnar twin name suffix")
	flag.StringVar(&cfg.RedisURL, "redis", "", "Redis URL for heartbeat and replay notices (optional)")
	flag.StringVar(&cfg.ListenAddr, "listen", ":8000", "HTTP server listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level")
	flag.BoolVar(&cfg.Setup, "setup", false, "Install relay table, DDL trigger, publication and twins before starting")
	flag.BoolVar(&cfg.DryRun, "dry-run", false, "Decode one batch, print it and exit without replaying")
	flag.StringVar(&cfg.OTLPEndpoint, "otlp", "", "OTLP gRPC collector endpoint for traces (optional)")
	flag.BoolVar(&cfg.OTLPInsecure, "otlp-insecure", false, "Disable TLS towards the OTLP collector")
	flag.IntVar(&cfg.MaxFailures, "max-failures", 10, "Exit after this many failed cycles in a row, negative to retry forever")
	flag.DurationVar(&cfg.HealthMaxAge, "health-max-age", time.Minute, "Report unhealthy when the last cycle is older than this")

	flag.Parse()

	if cfg.StoreDSN == "" {
		cfg.StoreDSN = cfg.PostgresDSN
	}
	return cfg
}

func main() {
	cfg := parseFlags()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level %q: %v", cfg.LogLevel, err)
	}
	logrus.SetLevel(level)
	log := logrus.WithField("slot", cfg.SlotName)

	if cfg.PostgresDSN == "" {
		log.Fatal("PostgreSQL DSN is required. Use -pg flag")
	}
	mode := repl.Mode(cfg.SourceMode)
	if mode == repl.ModeStream && cfg.PostgresReplicationDSN == "" {
		log.Fatal("PostgreSQL replication DSN is required in stream mode. Use -pg-repl flag")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := setupTracing(ctx, cfg.OTLPEndpoint, cfg.SlotName, cfg.OTLPInsecure)
		if err != nil {
			log.Fatalf("Failed to set up tracing: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.WithError(err).Warn("Failed to flush traces")
			}
		}()
	}

	db, err := NewDbClient(ctx, cfg.PostgresDSN, 1, 4)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer db.Close()
	log.Info("Connected to PostgreSQL")

	store, closeStore, err := openStore(ctx, cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		log.Fatalf("Failed to connect to columnar store: %v", err)
	}
	defer closeStore()

	if cfg.Setup {
		if err := install(ctx, cfg, db, store, log); err != nil {
			log.Fatalf("Setup failed: %v", err)
		}
	}

	srcCfg := repl.Config{
		ConnectionString: cfg.PostgresDSN,
		Mode:             mode,
		SlotName:         cfg.SlotName,
		PublicationName:  cfg.PublicationName,
		BatchSize:        cfg.BatchSize,
		PollInterval:     cfg.PollInterval,
	}
	if mode == repl.ModeStream {
		srcCfg.ConnectionString = cfg.PostgresReplicationDSN
	}
	source, err := repl.NewSource(srcCfg, db.Pool, log.WithField("component", "source"))
	if err != nil {
		log.Fatalf("Failed to create source: %v", err)
	}

	var streamIdle func() time.Duration
	switch src := source.(type) {
	case *repl.SlotSource:
		if err := src.EnsureSlot(ctx); err != nil {
			log.Fatalf("Failed to create replication slot: %v", err)
		}
	case *repl.StreamSource:
		defer src.Close()
		streamIdle = src.TimeSinceLastMsg
	}

	cat := catalog.New(catalog.Options{RelayTable: cfg.RelayTable})
	enc := encoder.New(cfg.Suffix)
	dec := repl.NewDecoder(cat, enc, cfg.RelayColumn, log.WithField("component", "decoder"))
	executor := replay.NewExecutor(store, cfg.SlotName, log.WithField("component", "replay"))

	w := worker.New(worker.Config{
		Slot:                   cfg.SlotName,
		MaxConsecutiveFailures: cfg.MaxFailures,
	}, source, dec, cat, executor, log.WithField("component", "worker"))

	if cfg.DryRun {
		txs, err := w.Preview(ctx)
		if err != nil {
			log.Fatalf("Preview failed: %v", err)
		}
		pp.Println(txs)
		return
	}

	if err := executor.Prepare(ctx); err != nil {
		log.Fatalf("Failed to prepare checkpoint table: %v", err)
	}

	var statusStore *cache.StatusStore
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to parse Redis URL: %v", err)
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		log.Info("Connected to Redis")

		statusStore = cache.NewStatusStore(redisClient)
		w.SetReporter(statusStore)
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	handler := NewHandler(w, statusStore, enc, cfg.HealthMaxAge, log.WithField("component", "http"))
	if streamIdle != nil {
		handler.SetStreamIdle(streamIdle)
	}
	handler.Register(app)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})
	g.Go(func() error {
		log.Infof("Starting server on %s", cfg.ListenAddr)
		return app.Listen(cfg.ListenAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down...")
		return app.ShutdownWithTimeout(5 * time.Second)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("Stopped with error")
		os.Exit(1)
	}
}

func install(ctx context.Context, cfg Config, db *DbClient, store replay.Store, log *logrus.Entry) error {
	rewriter := ddl.NewRewriter(cfg.Suffix, ddl.DefaultDirective)
	admission := ddl.NewAdmission(rewriter, cfg.RelayTable, nil)
	installer := ddl.NewInstaller(ddl.InstallerConfig{
		RelayTable:  cfg.RelayTable,
		Publication: cfg.PublicationName,
	}, db.Pool, store, rewriter, admission, log.WithField("component", "setup"))

	if err := installer.Install(ctx); err != nil {
		return err
	}
	log.WithField("excluded_schemas", admission.ExcludedSchemas()).Info("Setup completed")
	return nil
}
