package deps

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/ally-relay/internal/broker"
	"github.com/MrSnakeDoc/ally-relay/internal/logger"
	"github.com/MrSnakeDoc/ally-relay/internal/registry"
)

type Deps struct {
	Logger         logger.Logger
	StartTime      time.Time
	Version        string
	Commit         string
	BuildDate      string
	GoVersion      string
	TimeNow        func() time.Time   // for testing, defaults to time.Now
	AllowedHosts   []string           // Host headers allowed to access the server
	AllowedCIDRS   []string           // IPs allowed to access readyz/infra endpoints
	AllowedOrigins []string           // browser origins allowed by CORS
	TrustProxy     bool               // true if running behind a trusted reverse proxy (e.g., cloudflared)
	Registry       *registry.Registry // instance records
	Broker         *broker.Broker     // live connections, fan-out
	RedisClient    *redis.Client      // nil when the mirror is disabled
	RegisterLimit  RegisterLimit      // per-IP limit on POST /register
}

// RegisterLimit is the token bucket applied to POST /register.
type RegisterLimit struct {
	Burst        int
	RefillPerMin int
}
