package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"go-chat-rooms/internal/chat"
	"go-chat-rooms/internal/config"
	"go-chat-rooms/internal/db"
	"go-chat-rooms/internal/health"
	"go-chat-rooms/internal/logger"
	myMiddleware "go-chat-rooms/internal/middleware"
	"go-chat-rooms/internal/presence"
	"go-chat-rooms/internal/realtime"
	"go-chat-rooms/internal/storage"
	"go-chat-rooms/internal/user"
)

func main() {
	// 1. Config & logging
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logger.New(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := health.NewHandler()

	// 2. Storage backends. Without DB_DSN everything lives in memory.
	var (
		chatRepo  chat.Repository
		userStore user.Store
	)
	if cfg.DatabaseDSN != "" {
		database, err := db.NewDatabase(ctx, cfg.DatabaseDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer database.Close()
		log.Info().Msg("connected to PostgreSQL")

		res, err := database.Migrate()
		if err != nil {
			log.Fatal().Err(err).Msg("migration failed")
		}
		log.Info().Uint("version", res.Version).Bool("changed", res.Changed).Msg("database schema ready")

		chatRepo = chat.NewPostgresRepository(database.Conn)
		userStore = user.NewRepository(database.Conn)
		checks.Register("postgres", database)
	} else {
		log.Warn().Msg("DB_DSN not set, using in-memory storage")
		chatRepo = chat.NewMemoryRepository()
		userStore = user.NewMemoryStore()
	}

	// 3. Fan-out and rate limiting. Redis lets several instances share both.
	var (
		broker  realtime.Broker
		counter myMiddleware.Counter
	)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisClient.Close()
		log.Info().Msg("connected to Redis")

		broker = realtime.NewRedisBroker(redisClient, realtime.DefaultTopic)
		counter = myMiddleware.NewRedisCounter(redisClient)
		checks.Register("redis", health.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	} else {
		log.Warn().Msg("REDIS_ADDR not set, events stay on this instance")
		broker = realtime.NewLocalBroker()
		counter = myMiddleware.NewMemoryCounter(time.Now)
	}

	uploads, err := storage.NewLocalStore(cfg.StorageDir, cfg.PublicURL+"/files", cfg.MaxUploadBytes)
	if err != nil {
		log.Fatal().Err(err).Msg("upload storage unavailable")
	}

	// 4. Realtime hub
	hub := realtime.NewHub(broker, log)
	go hub.Run(ctx)
	if err := hub.SubscribeToBroker(ctx); err != nil {
		log.Fatal().Err(err).Msg("broker subscription failed")
	}

	// 5. Features
	userService := user.NewService(userStore, cfg.JWTSecret, cfg.TokenTTL)
	userHandler := user.NewHandler(userService, log)

	chatService := chat.NewService(chatRepo, hub, log, chat.WithPageSize(cfg.PageSize))

	tracker := presence.NewTracker(chatService, hub, log, presence.Config{
		Timeout:   cfg.PresenceTimeout,
		TypingTTL: cfg.TypingTTL,
	})
	go tracker.Run(ctx, cfg.HeartbeatInterval)

	chatHandler := chat.NewHandler(chatService, tracker, uploads, cfg.MaxUploadBytes, log)
	wsHandler := realtime.NewHandler(hub, chatService, tracker, realtime.Options{
		PingPeriod:     cfg.HeartbeatInterval,
		PongWait:       cfg.PresenceTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
	}, log)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)
	limiter := myMiddleware.NewRateLimiter(counter, cfg.WriteLimit, cfg.WriteWindow, log)

	// 6. Routes
	r := chi.NewRouter()
	r.Use(myMiddleware.Metrics)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(myMiddleware.Logger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Public Routes
	r.Method(http.MethodGet, "/health", checks)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Handle("/files/*", http.StripPrefix("/files/", uploads.Handler()))
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Get("/ws", wsHandler.ServeWs)
		r.Route("/chat", func(r chi.Router) {
			chatHandler.Routes(r, limiter.Limit("writes"))
		})
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("env", cfg.Env).Msg("starting chat server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server stopped")
}
