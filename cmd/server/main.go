package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"adventure-server/internal/authutils"
	"adventure-server/internal/config"
	"adventure-server/internal/conversation"
	"adventure-server/internal/database"
	"adventure-server/internal/handler"
	"adventure-server/internal/imagegen"
	"adventure-server/internal/interfaces"
	"adventure-server/internal/logger"
	"adventure-server/internal/messaging"
	"adventure-server/internal/middleware"
	"adventure-server/internal/service"
	"adventure-server/internal/stream"
	"adventure-server/internal/taskmanager"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	log.Println("Starting adventure server...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zapLogger); err != nil {
		zapLogger.Error("Adventure server stopped with error", zap.Error(err))
		_ = zapLogger.Sync()
		os.Exit(1)
	}
	zapLogger.Info("Adventure server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.AutoMigrate {
		if err := database.ApplyMigrations(cfg.GetDSN(), logger); err != nil {
			return err
		}
	}

	dbPool, err := setupDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer dbPool.Close()
	logger.Info("Connected to PostgreSQL")

	games := database.NewPgGameRepository(dbPool, logger)
	sessions := database.NewPgSessionRepository(dbPool, logger)
	chapters := database.NewPgChapterRepository(dbPool, logger)
	agents := database.NewPgAgentRegistry(dbPool, logger)
	threads := database.NewPgThreadStore(dbPool, logger)
	usage := database.NewPgUsageReportRepository(dbPool, logger)

	locker, closeLocker, err := setupLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	hub := stream.NewHub(0, logger)
	var publisher interfaces.ChunkPublisher = hub
	var consumer *messaging.ChunkConsumer
	if cfg.RabbitMQURL != "" {
		conn, err := messaging.Connect(cfg.RabbitMQURL, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		defer conn.Close()

		relay, err := messaging.NewChunkPublisher(conn, cfg.StreamExchange, logger)
		if err != nil {
			return err
		}
		defer relay.Close()

		// the fanout reaches this instance too, so local subscribers are fed by the consumer
		consumer = messaging.NewChunkConsumer(conn, cfg.StreamExchange, hub, logger)
		if err := consumer.Start(ctx); err != nil {
			return err
		}
		publisher = relay
	}

	credentials := service.NewStaticCredentialProvider(cfg.CredentialKeys, cfg.CredentialBaseURLs, cfg.DefaultCredentialRef)

	adapter, err := conversation.NewAdapter(cfg.ConversationProvider, agents, threads, conversation.Options{
		BaseURL:        cfg.AIBaseURL,
		PollInterval:   cfg.RunPollInterval,
		RunTimeout:     cfg.RunTimeout,
		EstimateTokens: true,
	}, logger)
	if err != nil {
		return err
	}

	imageBaseURL := cfg.AIBaseURL
	if cfg.ImageProvider == imagegen.ProviderSana {
		imageBaseURL = cfg.SanaBaseURL
	}
	generator, err := imagegen.New(cfg.ImageProvider, imagegen.Options{
		Model:   cfg.ImageModel,
		Size:    cfg.ImageSize,
		BaseURL: imageBaseURL,
		Ratio:   cfg.SanaRatio,
		Timeout: cfg.ImageTimeout,
	}, logger)
	if err != nil {
		return err
	}

	tasks := taskmanager.New(taskmanager.Config{MaxTasks: cfg.MaxBackgroundTasks, TaskTimeout: cfg.ImageTimeout}, logger)
	defer tasks.Close()

	sessionService := service.NewSessionService(games, sessions, chapters, adapter, credentials,
		service.NewHashGenerator(cfg.SessionHashKey),
		service.SessionConfig{DefaultModel: cfg.AIModel, AgentNamePrefix: cfg.AgentNamePrefix},
		logger)
	imageService := service.NewImageService(generator, sessions, chapters, usage, publisher, tasks,
		service.ImageConfig{PollInterval: cfg.ImagePollInterval, PollAttempts: cfg.ImagePollAttempts, Model: cfg.ImageModel},
		logger)
	executor := service.NewActionExecutor(chapters, usage, adapter, imageService, publisher, locker, logger)
	observer := stream.NewObserver(hub, sessions, chapters, logger)

	verifier, err := authutils.NewJWTVerifier(cfg.JWTSecret, logger)
	if err != nil {
		return err
	}
	adventureHandler := handler.NewAdventureHandler(sessionService, executor, imageService, observer,
		verifier.VerifyToken, cfg.StreamHeartbeat, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewRequestValidator()
	e.Use(echoMiddleware.RequestID())
	e.Use(middleware.EchoZapLogger(logger))
	e.Use(echoMiddleware.Recover())
	e.Use(echoMiddleware.CORSWithConfig(echoMiddleware.CORSConfig{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	adventureHandler.RegisterRoutes(e)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("port", cfg.Port))
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := e.Shutdown(shutdownCtx); err != nil {
			// open streams hold connections; cut them once the grace period is over
			logger.Warn("Graceful HTTP shutdown incomplete, closing connections", zap.Error(err))
			_ = e.Close()
		}
		if err := tasks.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Background tasks did not finish in time", zap.Int("active", tasks.Active()), zap.Error(err))
			errs = append(errs, err)
		}
		if consumer != nil {
			consumer.Stop()
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func setupDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConns)
	poolCfg.MaxConnIdleTime = cfg.DBIdleTimeout

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	dbPool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := dbPool.Ping(connectCtx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return dbPool, nil
}

// setupLocker returns the Redis lock when REDIS_URL is set and the in-process lock otherwise.
func setupLocker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (interfaces.SessionLocker, func(), error) {
	if cfg.RedisURL == "" {
		logger.Info("REDIS_URL not set, session lock is in-process only")
		return service.NewMemoryLocker(), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("Connected to Redis, session lock is distributed")
	return database.NewRedisSessionLock(client, cfg.SessionLockTTL, logger), func() { _ = client.Close() }, nil
}
