package main

import (
	"context"
	"log"
	"math"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"

	"peercall/internal/config"
	"peercall/internal/domain"
	callHandler "peercall/internal/handler/http/call"
	wsHandler "peercall/internal/handler/ws"
	"peercall/internal/media"
	"peercall/internal/middleware"
	"peercall/internal/orchestrator"
	"peercall/internal/peer"
	"peercall/internal/repository/cassandra"
	"peercall/internal/repository/cockroach"
	"peercall/internal/session"
	"peercall/internal/signaling"
	"peercall/internal/store"
	memoryStore "peercall/internal/store/memory"
	redisStore "peercall/internal/store/redis"
	"peercall/pkg/constants"
	"peercall/pkg/database"
	"peercall/pkg/logger"
	"peercall/pkg/metrics"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize logging
	if err := logger.Init(&logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	zlog := logger.Log

	// 3. Connect to Redis: the shared call record store and signal log.
	// Falls back to the in-process store so a single-host setup still works.
	var records store.RecordStore
	var signals store.SignalLog

	redisDB, err := connectRedisWithRetry()
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis: %v", err)
		log.Println("Running with in-process call store; calls only reach agents in this process")
		metrics.RecordRedisAvailable(false)
		mem := memoryStore.New()
		records, signals = mem, mem
	} else {
		log.Println("✅ Connected to Redis")
		metrics.RecordRedisAvailable(true)
		defer redisDB.Close()
		rs := redisStore.New(redisDB.Client, zlog)
		records, signals = rs, rs
	}

	// 4. Connect to CockroachDB for call history and the roster, with
	// exponential backoff retry
	var history *cockroach.CallHistoryRepository
	var roster *cockroach.RosterRepository

	db, err := connectCockroachWithRetry(ctx)
	if err != nil {
		log.Printf("Warning: Failed to connect to CockroachDB: %v", err)
		log.Println("Running in limited mode without call history or roster checks")
	} else {
		log.Println("✅ Connected to CockroachDB")
		defer db.Close()
		history = cockroach.NewCallHistoryRepository(db.Pool)
		roster = cockroach.NewRosterRepository(db.Pool)
	}

	// 5. Connect to Cassandra for the chat timeline
	var chat *cassandra.ChatEventRepository

	cdb, err := database.NewCassandraDBFromEnv()
	if err != nil {
		log.Printf("Warning: Failed to connect to Cassandra: %v", err)
		log.Println("Running in limited mode without chat call events")
	} else {
		log.Println("✅ Connected to Cassandra")
		defer cdb.Close()
		chat = cassandra.NewChatEventRepository(cdb.Session)
	}

	// 6. Assemble the call core
	channel := signaling.NewChannel(records, signals, zlog)

	clk := clock.New()
	registry := session.NewRegistry(channel, nilableArchiver(history), nilableNotifier(chat), clk, cfg.RecordGraceDelay, zlog)

	source := media.NewSyntheticSource()
	peerCfg := peer.Config{ICEServers: []webrtc.ICEServer{{URLs: cfg.StunURLs}}}
	newPeer := func(cb peer.Callbacks) orchestrator.PeerManager {
		return peer.NewManager(peerCfg, channel, source, cb, zlog)
	}

	orch := orchestrator.New(orchestrator.Config{
		Self:        domain.User{UserID: cfg.UserID, DisplayName: cfg.DisplayName},
		Registry:    registry,
		Roster:      nilableRoster(roster),
		Source:      source,
		NewPeer:     newPeer,
		Clock:       clk,
		RingTimeout: cfg.RingTimeout,
		Logger:      zlog,
	})

	orchDone := make(chan struct{})
	go func() {
		defer close(orchDone)
		if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Orchestrator stopped: %v", err)
		}
	}()

	// 7. Initialize handlers
	callHdlr := callHandler.NewHandler(orch, nilableHistory(history), cfg.UserID)
	stateHdlr := wsHandler.NewStateHandler(orch)

	// 8. Setup Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	// Health probes answer before logging and metrics so they stay out of both.
	router.Use(middleware.HealthCheck("call-agent"))
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.Prometheus())

	router.GET("/metrics", middleware.MetricsHandler())

	v1 := router.Group("/v1")
	callHdlr.RegisterRoutes(v1)
	v1.GET("/calls/stream", stateHdlr.ServeWS)

	// 9. Start server with graceful shutdown
	srv := &http.Server{Addr: cfg.Addr(), Handler: router}

	go func() {
		log.Printf("🚀 Call agent for %s starting on %s\n", cfg.UserID, cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
	<-orchDone
}

// connectRedisWithRetry dials Redis with exponential backoff
func connectRedisWithRetry() (*database.RedisDB, error) {
	var redisDB *database.RedisDB
	var err error

	maxRetries := 3
	for attempt := 1; attempt <= maxRetries; attempt++ {
		redisDB, err = database.NewRedisDBFromEnv()
		if err == nil {
			return redisDB, nil
		}
		if attempt < maxRetries {
			delay := time.Duration(float64(time.Second) * math.Pow(2, float64(attempt-1)))
			log.Printf("⚠️  Redis connection attempt %d failed: %v. Retrying in %v...", attempt, err, delay)
			time.Sleep(delay)
		}
	}
	return nil, err
}

// connectCockroachWithRetry dials CockroachDB with exponential backoff
func connectCockroachWithRetry(ctx context.Context) (*database.CockroachDB, error) {
	var db *database.CockroachDB
	var err error

	maxRetries := 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err = database.NewCockroachDBFromEnv(ctx)
		if err == nil {
			return db, nil
		}
		if attempt < maxRetries {
			delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
			if delay > maxDelay {
				delay = maxDelay
			}
			log.Printf("⚠️  CockroachDB connection attempt %d failed: %v. Retrying in %v...", attempt, err, delay)
			time.Sleep(delay)
		}
	}
	return nil, err
}

// A nil *T stored in a non-nil interface still dispatches methods on the
// nil receiver; these helpers keep degraded dependencies as true nils.

func nilableArchiver(h *cockroach.CallHistoryRepository) session.HistoryArchiver {
	if h == nil {
		return nil
	}
	return h
}

func nilableNotifier(c *cassandra.ChatEventRepository) session.ChatNotifier {
	if c == nil {
		return nil
	}
	return c
}

func nilableRoster(r *cockroach.RosterRepository) orchestrator.Roster {
	if r == nil {
		return nil
	}
	return r
}

func nilableHistory(h *cockroach.CallHistoryRepository) callHandler.HistoryReader {
	if h == nil {
		return nil
	}
	return h
}
