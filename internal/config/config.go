// Package config provides centralized configuration management.
// This is the SINGLE SOURCE OF TRUTH for server, worker, connection and
// limiter settings.
//
// Every section has a Default* constructor and a *FromEnv variant where
// environment variables take precedence over defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port        int
	CORSOrigins []string // nil means the router defaults
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Port: 3000,
	}
}

// ServerFromEnv returns server configuration with environment variable overrides.
func ServerFromEnv() ServerConfig {
	cfg := DefaultServer()

	if p := getEnvInt("PORT", 0); p > 0 {
		cfg.Port = p
	}
	if origins := getEnvList("CORS_ORIGINS"); len(origins) > 0 {
		cfg.CORSOrigins = origins
	}

	return cfg
}

// =============================================================================
// WORKER POOL CONFIGURATION
// =============================================================================

// WorkerConfig controls the simulation worker pool.
type WorkerConfig struct {
	Count           int           // Fixed number of workers (not elastic)
	TickRate        int           // Simulation ticks per second per worker
	InboxSize       int           // Buffered control messages per worker
	StartTimeout    time.Duration // Bound on waiting for a start acknowledgment
	MatchTicks      int           // Ticks until a match finishes on its own
	MaxParticipants int           // Players per game
}

// DefaultWorkers returns the default worker pool configuration.
func DefaultWorkers() WorkerConfig {
	return WorkerConfig{
		Count:           4,
		TickRate:        20,
		InboxSize:       256,
		StartTimeout:    3 * time.Second,
		MatchTicks:      20 * 180, // 3 minutes at 20 TPS
		MaxParticipants: 8,
	}
}

// WorkersFromEnv returns worker configuration with environment variable overrides.
func WorkersFromEnv() WorkerConfig {
	cfg := DefaultWorkers()

	if n := getEnvInt("WORKER_COUNT", 0); n > 0 {
		cfg.Count = n
	}
	if n := getEnvInt("WORKER_TICK_RATE", 0); n > 0 {
		cfg.TickRate = n
	}
	if n := getEnvInt("WORKER_INBOX_SIZE", 0); n > 0 {
		cfg.InboxSize = n
	}
	if d := getEnvDuration("START_ACK_TIMEOUT", 0); d > 0 {
		cfg.StartTimeout = d
	}
	if n := getEnvInt("MATCH_TICKS", 0); n > 0 {
		cfg.MatchTicks = n
	}
	if n := getEnvInt("GAME_MAX_PARTICIPANTS", 0); n > 1 {
		cfg.MaxParticipants = n
	}

	return cfg
}

// =============================================================================
// PENDING CONNECTION TOKENS
// =============================================================================

// TokenConfig controls single-use join tokens.
type TokenConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
	LobbyIdleTTL  time.Duration // Waiting games with nobody connected are ended after this
}

// DefaultTokens returns the default token configuration.
func DefaultTokens() TokenConfig {
	return TokenConfig{
		TTL:           5 * time.Minute,
		SweepInterval: 30 * time.Second,
		LobbyIdleTTL:  15 * time.Minute,
	}
}

// TokensFromEnv returns token configuration with environment variable overrides.
func TokensFromEnv() TokenConfig {
	cfg := DefaultTokens()

	if d := getEnvDuration("PENDING_TOKEN_TTL", 0); d > 0 {
		cfg.TTL = d
	}
	if d := getEnvDuration("PENDING_SWEEP_INTERVAL", 0); d > 0 {
		cfg.SweepInterval = d
	}
	if d := getEnvDuration("LOBBY_IDLE_TTL", 0); d > 0 {
		cfg.LobbyIdleTTL = d
	}

	return cfg
}

// =============================================================================
// STREAMING CONNECTION LIMITS
// =============================================================================

// StreamConfig holds connection caps for event streams.
type StreamConfig struct {
	MaxPerUser      int
	MaxTotal        int
	DuplicatePolicy string // "reject" or "replace"
	SendBuffer      int    // Outbound events buffered per connection
}

// DefaultStreams returns the default stream limits.
func DefaultStreams() StreamConfig {
	return StreamConfig{
		MaxPerUser:      3,
		MaxTotal:        500,
		DuplicatePolicy: "reject",
		SendBuffer:      64,
	}
}

// StreamsFromEnv returns stream limits with environment variable overrides.
func StreamsFromEnv() StreamConfig {
	cfg := DefaultStreams()

	if n := getEnvInt("STREAM_MAX_PER_USER", 0); n > 0 {
		cfg.MaxPerUser = n
	}
	if n := getEnvInt("STREAM_MAX_TOTAL", 0); n > 0 {
		cfg.MaxTotal = n
	}
	if p := os.Getenv("STREAM_DUPLICATE_POLICY"); p == "reject" || p == "replace" {
		cfg.DuplicatePolicy = p
	}
	if n := getEnvInt("STREAM_SEND_BUFFER", 0); n > 0 {
		cfg.SendBuffer = n
	}

	return cfg
}

// =============================================================================
// RATE LIMITING
// =============================================================================

// RateLimitConfig holds settings for every named limiter.
type RateLimitConfig struct {
	RequestsPerSecond  float64 // "http" limiter, per IP
	Burst              int
	StreamAttachPerMin int // "streaming" limiter, per user
	JoinPerMin         int // "join" limiter, per user
	ChatPerWindow      int // "chat" limiter, per user
	ChatWindow         time.Duration
	ChatCooldown       time.Duration
	Backend            string // "memory" or "redis"
	RedisURL           string
}

// DefaultRateLimits returns production-safe defaults.
func DefaultRateLimits() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond:  10,
		Burst:              20,
		StreamAttachPerMin: 10,
		JoinPerMin:         30,
		ChatPerWindow:      5,
		ChatWindow:         5 * time.Second,
		ChatCooldown:       300 * time.Millisecond,
		Backend:            "memory",
	}
}

// RateLimitsFromEnv returns limiter configuration with environment variable overrides.
func RateLimitsFromEnv() RateLimitConfig {
	cfg := DefaultRateLimits()

	if v := getEnvFloat("RATE_LIMIT_RPS", 0); v > 0 {
		cfg.RequestsPerSecond = v
	}
	if n := getEnvInt("RATE_LIMIT_BURST", 0); n > 0 {
		cfg.Burst = n
	}
	if n := getEnvInt("STREAM_ATTACH_PER_MIN", 0); n > 0 {
		cfg.StreamAttachPerMin = n
	}
	if n := getEnvInt("JOIN_PER_MIN", 0); n > 0 {
		cfg.JoinPerMin = n
	}
	if n := getEnvInt("CHAT_PER_WINDOW", 0); n > 0 {
		cfg.ChatPerWindow = n
	}
	if b := os.Getenv("RATE_LIMIT_BACKEND"); b == "redis" {
		cfg.Backend = b
	}
	cfg.RedisURL = os.Getenv("REDIS_URL")

	return cfg
}

// =============================================================================
// TOURNAMENTS
// =============================================================================

// TournamentConfig holds bracket policy settings.
type TournamentConfig struct {
	MinPlayers int
	Seed       int64 // 0 keeps registration order; non-zero shuffles with this seed
}

// DefaultTournaments returns the default tournament configuration.
func DefaultTournaments() TournamentConfig {
	return TournamentConfig{MinPlayers: 2}
}

// TournamentsFromEnv returns tournament configuration with environment variable overrides.
func TournamentsFromEnv() TournamentConfig {
	cfg := DefaultTournaments()

	if n := getEnvInt("TOURNAMENT_MIN_PLAYERS", 0); n >= 2 {
		cfg.MinPlayers = n
	}
	if v := os.Getenv("TOURNAMENT_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Seed = seed
		}
	}

	return cfg
}

// =============================================================================
// EXTERNAL COLLABORATORS
// =============================================================================

// AuthConfig selects how sessions are verified.
type AuthConfig struct {
	Mode      string // "jwt" or "header"
	JWTSecret string
}

// ExternalConfig holds optional collaborator endpoints. Empty disables them.
type ExternalConfig struct {
	DatabaseURL string // profile display info
	NATSURL     string // lifecycle event bus
}

// DebugConfig controls the localhost observability server.
type DebugConfig struct {
	Enabled bool
	Addr    string
}

// AuthFromEnv returns auth configuration. Without a secret the header mode is used.
func AuthFromEnv() AuthConfig {
	cfg := AuthConfig{
		Mode:      "jwt",
		JWTSecret: os.Getenv("AUTH_JWT_SECRET"),
	}
	if os.Getenv("AUTH_MODE") == "header" || cfg.JWTSecret == "" {
		cfg.Mode = "header"
	}
	return cfg
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Server      ServerConfig
	Workers     WorkerConfig
	Tokens      TokenConfig
	Streams     StreamConfig
	RateLimits  RateLimitConfig
	Tournaments TournamentConfig
	Auth        AuthConfig
	External    ExternalConfig
	Debug       DebugConfig
}

// Load returns the complete configuration with environment overrides.
func Load() AppConfig {
	return AppConfig{
		Server:      ServerFromEnv(),
		Workers:     WorkersFromEnv(),
		Tokens:      TokensFromEnv(),
		Streams:     StreamsFromEnv(),
		RateLimits:  RateLimitsFromEnv(),
		Tournaments: TournamentsFromEnv(),
		Auth:        AuthFromEnv(),
		External: ExternalConfig{
			DatabaseURL: os.Getenv("DATABASE_URL"),
			NATSURL:     os.Getenv("NATS_URL"),
		},
		Debug: DebugConfig{
			Enabled: os.Getenv("DISABLE_DEBUG_SERVER") != "true",
			Addr:    getEnvString("DEBUG_ADDR", "127.0.0.1:6060"),
		},
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
