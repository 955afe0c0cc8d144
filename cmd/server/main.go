package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"match-server/internal/api"
	"match-server/internal/auth"
	"match-server/internal/chat"
	"match-server/internal/config"
	"match-server/internal/events"
	"match-server/internal/games"
	"match-server/internal/janitor"
	"match-server/internal/lobby"
	"match-server/internal/pending"
	"match-server/internal/profile"
	"match-server/internal/ratelimit"
	"match-server/internal/stream"
	"match-server/internal/tournament"
	"match-server/internal/worker"
)

func main() {
	// Load .env file from parent directory
	if err := godotenv.Load("../.env"); err != nil {
		// Try current directory as fallback
		if err := godotenv.Load(".env"); err != nil {
			log.Println("💡 No .env file found, using environment variables only")
		}
	} else {
		log.Println("✅ Loaded environment from ../.env")
	}

	log.Println("🎮 ================================")
	log.Println("🎮  MATCH SERVER")
	log.Println("🎮 ================================")

	// Load centralized configuration (SSOT - Single Source of Truth)
	cfg := config.Load()
	log.Printf("🎮 Config: %d workers at %d TPS, %d players per game, token TTL %s",
		cfg.Workers.Count, cfg.Workers.TickRate, cfg.Workers.MaxParticipants, cfg.Tokens.TTL)

	if cfg.Debug.Enabled {
		debugCfg := api.DefaultObservabilityConfig()
		debugCfg.ListenAddr = cfg.Debug.Addr
		if err := api.StartDebugServer(debugCfg); err != nil {
			log.Printf("⚠️ Debug server disabled: %v", err)
		}
	}

	limits := buildLimiters(cfg.RateLimits)

	// Optional collaborators
	var publisher events.Publisher = events.Noop{}
	if cfg.External.NATSURL != "" {
		nc, err := events.Connect(cfg.External.NATSURL)
		if err != nil {
			log.Printf("⚠️ NATS unavailable, lifecycle events disabled: %v", err)
		} else {
			publisher = nc
		}
	}

	var profiles profile.Resolver = profile.Static{}
	if cfg.External.DatabaseURL != "" {
		db, err := profile.OpenPostgres(cfg.External.DatabaseURL)
		if err != nil {
			log.Printf("⚠️ Profile database unavailable, using user ids as names: %v", err)
		} else {
			profiles = profile.NewCache(profile.NewGormStore(db), profile.DefaultMaxProfiles, profile.ProfileTTL, nil)
			log.Println("✅ Profile store connected")
		}
	}

	// Core registries
	registry := games.NewRegistry(cfg.Workers.MaxParticipants, nil)
	tokens := pending.NewRegistry(cfg.Tokens.TTL, nil)
	streams := stream.NewManager(stream.Config{
		MaxPerUser: cfg.Streams.MaxPerUser,
		MaxTotal:   cfg.Streams.MaxTotal,
		Policy:     stream.Policy(cfg.Streams.DuplicatePolicy),
	}, nil)

	pool := worker.NewPool(worker.Config{
		Workers:      cfg.Workers.Count,
		TickRate:     cfg.Workers.TickRate,
		InboxSize:    cfg.Workers.InboxSize,
		StartTimeout: cfg.Workers.StartTimeout,
	}, worker.NewArenaSimulator(cfg.Workers.MatchTicks), registry, nil)

	coordinator := lobby.New(lobby.Deps{
		Games:    registry,
		Pool:     pool,
		Tokens:   tokens,
		Streams:  streams,
		Events:   publisher,
		Profiles: profiles,
	})

	tournaments := tournament.NewManager(cfg.Tournaments.MinPlayers, tournament.SeederFor(cfg.Tournaments.Seed), nil)
	tournaments.SetListener(coordinator)

	chatQueue := chat.NewDeliveryQueue(streams, chat.DefaultQueueConfig())
	chatHandler := chat.NewHandler(registry, tournaments, limits, profiles, chatQueue, nil)
	streams.SetObserver(chat.NewPresenceNotifier(streams, registry, tournaments))

	sweeper, err := janitor.New(janitor.Config{
		TokenSweepInterval: cfg.Tokens.SweepInterval,
		LobbyIdleTTL:       cfg.Tokens.LobbyIdleTTL,
	}, tokens, registry, coordinator)
	if err != nil {
		log.Fatalf("Failed to create janitor: %v", err)
	}

	server := api.NewServer(":"+strconv.Itoa(cfg.Server.Port), api.RouterConfig{
		Lobby:       coordinator,
		Tournaments: tournaments,
		Chat:        chatHandler,
		Streams:     streams,
		Pool:        pool,
		ChatQueue:   chatQueue,
		Auth:        auth.New(cfg.Auth.Mode, cfg.Auth.JWTSecret),
		Limits:      limits,
		CORSOrigins: cfg.Server.CORSOrigins,
		SendBuffer:  cfg.Streams.SendBuffer,
	})

	// Background work starts here, never in constructors
	pool.Start()
	chatQueue.Start()
	sweeper.Start()

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	log.Println("✅ Server ready! Press Ctrl+C to stop.")
	<-quit

	log.Println("🛑 Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Printf("⚠️ HTTP shutdown: %v", err)
	}
	streams.Close()
	coordinator.Shutdown()
	if err := sweeper.Stop(); err != nil {
		log.Printf("⚠️ Janitor shutdown: %v", err)
	}
	pool.Stop()
	chatQueue.Stop()
	limits.Stop()
	publisher.Close()
	log.Println("👋 Goodbye!")
}

// buildLimiters registers the named limiters. With the redis backend the
// per-user limiters are shared across instances; the per-IP HTTP limiter
// always stays in memory.
func buildLimiters(cfg config.RateLimitConfig) *ratelimit.Registry {
	limits := ratelimit.NewRegistry()
	limits.Register(ratelimit.HTTP, ratelimit.NewTokenBucket(ratelimit.TokenBucketConfig{
		PerSecond: cfg.RequestsPerSecond,
		Burst:     cfg.Burst,
	}, nil))

	if cfg.Backend == "redis" && cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := ratelimit.NewRedisClient(ctx, cfg.RedisURL)
		cancel()
		if err == nil {
			limits.Register(ratelimit.Streaming, ratelimit.NewRedisFixedWindow(client, "match:rl:stream", cfg.StreamAttachPerMin, time.Minute))
			limits.Register(ratelimit.Join, ratelimit.NewRedisFixedWindow(client, "match:rl:join", cfg.JoinPerMin, time.Minute))
			limits.Register(ratelimit.Chat, ratelimit.NewRedisFixedWindow(client, "match:rl:chat", cfg.ChatPerWindow, cfg.ChatWindow))
			log.Println("🚫 Rate limits backed by Redis")
			return limits
		}
		log.Printf("⚠️ Redis unavailable, using in-memory rate limits: %v", err)
	}

	limits.Register(ratelimit.Streaming, ratelimit.NewTokenBucket(ratelimit.PerMinute(cfg.StreamAttachPerMin), nil))
	limits.Register(ratelimit.Join, ratelimit.NewTokenBucket(ratelimit.PerMinute(cfg.JoinPerMin), nil))
	limits.Register(ratelimit.Chat, ratelimit.NewFixedWindow(ratelimit.FixedWindowConfig{
		MaxPerWindow: cfg.ChatPerWindow,
		Window:       cfg.ChatWindow,
		Cooldown:     cfg.ChatCooldown,
	}, nil))
	return limits
}
