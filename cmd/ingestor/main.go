package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ossmail/ingestor/internal/blob"
	"github.com/ossmail/ingestor/internal/config"
	"github.com/ossmail/ingestor/internal/domain"
	"github.com/ossmail/ingestor/internal/httpapi"
	"github.com/ossmail/ingestor/internal/jobqueue"
	"github.com/ossmail/ingestor/internal/migrate"
	"github.com/ossmail/ingestor/internal/oauthcache"
	"github.com/ossmail/ingestor/internal/pipeline"
	"github.com/ossmail/ingestor/internal/provider/gmail"
	"github.com/ossmail/ingestor/internal/storage/postgres"
	"github.com/ossmail/ingestor/internal/sync"
	"github.com/ossmail/ingestor/internal/worker"
	"github.com/ossmail/ingestor/pkg/crypto"
	"github.com/ossmail/ingestor/pkg/logger"

	"github.com/joho/godotenv"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger.Init(logger.Config{Level: logger.LevelInfo, Service: "ingestor"})

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	mode := flag.String("mode", "all", "Run mode: api, worker, all, migrate")
	backfillCollisions := flag.Bool("backfill-collisions", false, "migrate mode only: merge collision_group_id across pre-existing messages")
	migrationsDir := flag.String("migrations-dir", "db/migrations", "migrate mode only: path to goose migration files")
	flag.Parse()

	cfg := config.Load()

	switch *mode {
	case "migrate":
		runMigrate(cfg, *migrationsDir, *backfillCollisions)
	case "api":
		runAPI(cfg)
	case "worker":
		runWorkerMode(cfg)
	case "all":
		go runWorkerMode(cfg)
		runAPI(cfg)
	default:
		logger.Fatal("unknown mode: %s", *mode)
	}
}

func runMigrate(cfg *config.Config, migrationsDir string, backfillCollisions bool) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("migrate: open database: %v", err)
	}
	defer db.Close()

	if err := migrate.Up(db, migrationsDir); err != nil {
		logger.Fatal("migrate: up: %v", err)
	}
	logger.Info("migrations applied")

	if !backfillCollisions {
		return
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.DefaultPoolConfig())
	if err != nil {
		logger.Fatal("migrate: open pgxpool for backfill: %v", err)
	}
	defer pool.Close()

	n, err := migrate.BackfillCollisionGroups(ctx, postgres.NewCanonicalRepo(), pool)
	if err != nil {
		logger.Fatal("migrate: backfill collision groups: %v", err)
	}
	logger.Info("backfilled collision groups for %d fingerprint group(s)", n)
}

func runAPI(cfg *config.Config) {
	ctx := context.Background()
	db, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.DefaultPoolConfig())
	if err != nil {
		logger.Fatal("api: open database: %v", err)
	}
	defer db.Close()

	redisClient := redis.NewClient(mustParseRedisURL(cfg.RedisURL))
	defer redisClient.Close()

	jobs := jobqueue.New(db)
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:            gojson.Marshal,
		JSONDecoder:            gojson.Unmarshal,
	})
	httpapi.New(db, redisClient, jobs).Register(app)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("shutting down ops server (timeout: %v)...", shutdownTimeout)
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Error("error shutting down ops server: %v", err)
		}
	}()

	addr := ":" + strconv.Itoa(cfg.HealthPort)
	logger.Info("starting ops server on %s", addr)
	if err := app.Listen(addr); err != nil {
		logger.Fatal("ops server failed: %v", err)
	}
}

func runWorkerMode(cfg *config.Config) {
	ctx := context.Background()
	db, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.DefaultPoolConfig())
	if err != nil {
		logger.Fatal("worker: open database: %v", err)
	}
	defer db.Close()

	redisClient := redis.NewClient(mustParseRedisURL(cfg.RedisURL))
	defer redisClient.Close()

	encryptor, err := crypto.NewEncryptor([]byte(cfg.EncryptionKey))
	if err != nil {
		logger.Fatal("worker: build encryptor: %v", err)
	}

	gmailCfg := gmail.Config{
		ClientID:     cfg.GmailClientID,
		ClientSecret: cfg.GmailClientSecret,
		RedirectURL:  cfg.GmailRedirectURL,
	}

	oauthRepo := postgres.NewOAuthCredentialRepo(db)
	tokens := oauthcache.New(oauthRepo, encryptor, redisClient, &gmail.TokenRefresher{Cfg: gmailCfg})

	blobStore, err := buildBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("worker: build blob store: %v", err)
	}

	mailboxes := postgres.NewMailboxRepo(db)
	occurrences := postgres.NewOccurrenceRepo(db)
	jobs := jobqueue.New(db)

	orchestrator := sync.New(db, mailboxes, occurrences, jobs, tokens, gmailCfg)

	pl := &pipeline.Pipeline{
		Occurrences:  occurrences,
		Mailboxes:    mailboxes,
		Blobs:        postgres.NewBlobRepo(),
		Canonical:    postgres.NewCanonicalRepo(),
		Contents:     postgres.NewMessageContentRepo(),
		Attachments:  postgres.NewAttachmentRepo(),
		ThreadRefs:   postgres.NewThreadRefRepo(),
		Tickets:      postgres.NewTicketRepo(db),
		Allowlist:    postgres.NewAllowlistRepo(db),
		RoutingRules: postgres.NewRoutingRuleRepo(db),
		Store:        blobStore,
		Tokens:       tokens,
		Jobs:         jobs,
		GmailCfg:     gmailCfg,
	}

	dispatcher := jobqueue.NewDispatcher()
	pl.Register(dispatcher)

	// The two mailbox sync jobs manage their own internal transaction
	// (paging through Gmail across many occurrence upserts), so their
	// handlers ignore the per-claim tx the dispatcher hands them.
	dispatcher.Register(domain.JobMailboxBackfill, mailboxSyncHandler(orchestrator.Backfill))
	dispatcher.Register(domain.JobMailboxHistorySync, mailboxSyncHandler(orchestrator.HistorySync))

	zlog := zerolog.New(os.Stdout).With().Timestamp().Str("service", "ingestor-worker").Logger()
	runtime := worker.New(db, jobs, dispatcher, orchestrator, workerConfig(cfg), zlog)

	ctxRun, cancel := context.WithCancel(context.Background())
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("shutting down worker...")
		cancel()
	}()

	logger.Info("starting worker runtime")
	if err := runtime.Run(ctxRun); err != nil {
		logger.Fatal("worker runtime exited: %v", err)
	}
}

// mailboxSyncHandler adapts an orchestrator method taking (ctx,
// mailboxID) into a jobqueue.Handler by unmarshaling the mailbox id out
// of the job payload.
func mailboxSyncHandler(run func(ctx context.Context, mailboxID uuid.UUID) error) jobqueue.Handler {
	return func(ctx context.Context, _ pgx.Tx, raw json.RawMessage) error {
		payload, err := jobqueue.ParsePayload[jobqueue.MailboxSyncPayload](raw)
		if err != nil {
			return err
		}
		return run(ctx, payload.MailboxID)
	}
}

func workerConfig(cfg *config.Config) worker.Config {
	wc := worker.DefaultConfig()
	wc.Concurrency = cfg.WorkerMax
	wc.PollInterval = cfg.WorkerPollInterval
	wc.BackoffCapSeconds = cfg.JobBackoffCapSeconds
	wc.OrphanReapEvery = cfg.OrphanReapInterval
	return wc
}

func buildBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	if cfg.BlobBackend == "s3" {
		return blob.NewS3Store(ctx, blob.S3StoreConfig{
			Bucket: cfg.BlobS3Bucket,
			Prefix: cfg.BlobS3Prefix,
			Region: cfg.BlobS3Region,
		})
	}
	return blob.NewFSStore(cfg.BlobFSRoot), nil
}

func mustParseRedisURL(rawURL string) *redis.Options {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		logger.Fatal("invalid REDIS_URL: %v", err)
	}
	return opts
}
