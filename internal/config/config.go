package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenPort      string        // ex: ":8080"
	ShutdownTimeout time.Duration // ex: 5s

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	// Instances
	MessageLimit     int           // max entries kept in an instance message log
	StaleInstanceTTL time.Duration // 0 disables the sweeper
	SweepInterval    time.Duration // how often the sweeper runs when enabled

	// WebSocket
	WSReadBuffer     int           // upgrader read buffer (bytes)
	WSWriteBuffer    int           // upgrader write buffer (bytes)
	WSMaxMessageSize int64         // max inbound frame (bytes)
	WSSendQueue      int           // per-connection outbound queue length
	WSPongWait       time.Duration // read deadline refreshed by each pong
	WSWriteWait      time.Duration // deadline for a single frame write
	WSRatePerSecond  float64       // inbound frames per second per connection
	WSRateBurst      int           // inbound burst per connection
	AllowedOrigins   []string      // empty => any origin

	// Register endpoint rate limit
	RegisterBurst        int // tokens per IP bucket
	RegisterRefillPerMin int // refill per IP per minute

	// Redis mirror (disabled when RedisAddr is empty)
	RedisAddr           string        // ex: "localhost:6379"
	RedisUser           string        // optional
	RedisPassword       string        // optional
	RedisDB             int           // Redis DB number
	RedisDT             time.Duration // Redis dial timeout (ex: 5s)
	RedisRT             time.Duration // Redis read timeout (ex: 3s)
	RedisWT             time.Duration // Redis write timeout (ex: 3s)
	RedisMaxWait        time.Duration // max wait between retries (ex: 10s)
	RedisPingTimeout    time.Duration // timeout for each ping attempt (ex: 5s)
	RedisPoolSize       int           // Redis connection pool size
	RedisConnectTimeout time.Duration // Total time to retry connecting (ex: 30s)
	RedisRetryInterval  time.Duration // Initial wait between retries (ex: 2s, grows exponentially)
	RedisWarnThreshold  int           // warn after this many attempts
	RedisMirrorTTL      time.Duration // expiry of mirrored instance keys

	AllowedHosts []string // optional, restrict access to specific Host headers
	AllowedCIDRS []string // optional, restrict /readyz and /infra to specific IPs/CIDRs
	TrustProxy   bool     // true => trust X-Forwarded-For headers (e.g. cloudflared)
}

// Load reads the optional YAML file named by ALLY_CONFIG_FILE, then lets
// environment variables override it. Invalid values fall back to defaults.
func Load() *Config {
	f, err := loadFile(os.Getenv("ALLY_CONFIG_FILE"))
	if err != nil {
		panic(fmt.Sprintf("❌ FATAL: %v", err))
	}

	cfg := &Config{
		// Server settings
		ListenPort:      getenv("ALLY_LISTEN_PORT", f.str("listen_port", ":8080")),
		ShutdownTimeout: mustDuration("ALLY_SHUTDOWN_TIMEOUT", f.dur("shutdown_timeout", 5*time.Second)),

		// Logging
		LogLevel:  getenv("ALLY_LOG_LEVEL", f.str("log_level", "info")),
		PrettyLog: mustBool("ALLY_PRETTY_LOG", f.boolean("pretty_log", true)),

		// Instances
		MessageLimit:     getenvInt("ALLY_MESSAGE_LIMIT", f.integer("message_limit", 100)),
		StaleInstanceTTL: mustDuration("ALLY_STALE_INSTANCE_TTL", f.dur("stale_instance_ttl", 0)),
		SweepInterval:    mustDuration("ALLY_SWEEP_INTERVAL", f.dur("sweep_interval", 10*time.Minute)),

		// WebSocket
		WSReadBuffer:     getenvInt("ALLY_WS_READ_BUFFER", f.integer("ws_read_buffer", 4096)),
		WSWriteBuffer:    getenvInt("ALLY_WS_WRITE_BUFFER", f.integer("ws_write_buffer", 4096)),
		WSMaxMessageSize: int64(getenvInt("ALLY_WS_MAX_MESSAGE_SIZE", f.integer("ws_max_message_size", 1<<20))),
		WSSendQueue:      getenvInt("ALLY_WS_SEND_QUEUE", f.integer("ws_send_queue", 256)),
		WSPongWait:       mustDuration("ALLY_WS_PONG_WAIT", f.dur("ws_pong_wait", 60*time.Second)),
		WSWriteWait:      mustDuration("ALLY_WS_WRITE_WAIT", f.dur("ws_write_wait", 10*time.Second)),
		WSRatePerSecond:  getenvFloat("ALLY_WS_RATE", f.float("ws_rate", 50)),
		WSRateBurst:      getenvInt("ALLY_WS_RATE_BURST", f.integer("ws_rate_burst", 100)),
		AllowedOrigins:   splitAndTrim(getenv("ALLY_ALLOWED_ORIGINS", f.list("allowed_origins"))),

		// Register rate limit
		RegisterBurst:        getenvInt("ALLY_REGISTER_BURST", f.integer("register_burst", 10)),
		RegisterRefillPerMin: getenvInt("ALLY_REGISTER_REFILL_PER_MIN", f.integer("register_refill_per_min", 30)),

		// Redis settings
		RedisAddr:           getenv("ALLY_REDIS_ADDR", f.str("redis_addr", "")),
		RedisUser:           getenv("ALLY_REDIS_USERNAME", f.str("redis_username", "")),
		RedisPassword:       getenv("ALLY_REDIS_PASSWORD", f.str("redis_password", "")),
		RedisDB:             getenvInt("ALLY_REDIS_DB", f.integer("redis_db", 0)),
		RedisDT:             mustDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisRT:             mustDuration("REDIS_READ_TIMEOUT", 3*time.Second),
		RedisWT:             mustDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		RedisMaxWait:        mustDuration("REDIS_MAX_WAIT", 10*time.Second),
		RedisPingTimeout:    mustDuration("REDIS_PING_TIMEOUT", 5*time.Second),
		RedisPoolSize:       getenvInt("REDIS_POOL_SIZE", 10),
		RedisConnectTimeout: mustDuration("REDIS_CONNECT_TIMEOUT", 30*time.Second),
		RedisRetryInterval:  mustDuration("REDIS_RETRY_INTERVAL", 2*time.Second),
		RedisWarnThreshold:  getenvInt("REDIS_WARN_THRESHOLD", 3),
		RedisMirrorTTL:      mustDuration("ALLY_REDIS_MIRROR_TTL", f.dur("redis_mirror_ttl", 24*time.Hour)),

		// Access restrictions
		AllowedHosts: splitAndTrim(getenv("ALLY_ALLOWED_HOSTS", f.list("allowed_hosts"))),
		AllowedCIDRS: parseAllowedIPs(getenv("ALLY_ALLOWED_CIDRS", f.list("allowed_cidrs"))),
		TrustProxy:   mustBool("ALLY_TRUST_PROXY", f.boolean("trust_proxy", false)),
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("❌ FATAL: %v", err))
	}

	// Log config only in debug mode with redacted sensitive fields
	if cfg.LogLevel == "debug" {
		cfgCopy := *cfg
		if cfgCopy.RedisPassword != "" {
			cfgCopy.RedisPassword = "***REDACTED***"
		}
		log.Printf("[DEBUG] cfg: %+v\n", cfgCopy)
	}

	return cfg
}

// Validate rejects settings the broker cannot run with.
func (c *Config) Validate() error {
	if c.MessageLimit < 1 {
		return fmt.Errorf("ALLY_MESSAGE_LIMIT must be >= 1, got %d", c.MessageLimit)
	}
	if c.WSSendQueue < 1 {
		return fmt.Errorf("ALLY_WS_SEND_QUEUE must be >= 1, got %d", c.WSSendQueue)
	}
	if c.WSPongWait <= 0 {
		return fmt.Errorf("ALLY_WS_PONG_WAIT must be > 0, got %v", c.WSPongWait)
	}
	if c.WSWriteWait <= 0 {
		return fmt.Errorf("ALLY_WS_WRITE_WAIT must be > 0, got %v", c.WSWriteWait)
	}
	if c.WSRatePerSecond <= 0 || c.WSRateBurst < 1 {
		return fmt.Errorf("ALLY_WS_RATE and ALLY_WS_RATE_BURST must be positive")
	}
	if c.StaleInstanceTTL < 0 {
		return fmt.Errorf("ALLY_STALE_INSTANCE_TTL must be >= 0, got %v", c.StaleInstanceTTL)
	}
	if c.StaleInstanceTTL > 0 && c.SweepInterval <= 0 {
		return fmt.Errorf("ALLY_SWEEP_INTERVAL must be > 0 when the sweeper is enabled")
	}
	return nil
}

// PingPeriod is how often the server pings each WebSocket peer.
// It must stay below WSPongWait.
func (c *Config) PingPeriod() time.Duration {
	return c.WSPongWait * 9 / 10
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseAllowedIPs(allowed string) []string {
	if allowed == "" {
		return nil
	}
	ips := make([]string, 0, 4)
	for _, ip := range splitAndTrim(allowed) {
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		// Remove surrounding quotes if present
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
