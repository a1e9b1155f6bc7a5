package config

import (
	"os"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	PublicURL string
	LogLevel  string

	// State persistence: "memory" for a single replica, "sql" to share the
	// state table across replicas.
	StateBackend string
	DBDriver     string
	DBDSN        string

	// PlatformsFile is the registry JSON document; PlatformsJSON (inline)
	// wins when both are set.
	PlatformsFile string
	PlatformsJSON string

	// ToolKeyFile is a PEM-encoded RSA private key. When empty a throwaway
	// key is generated at startup (dev only; the published JWKS changes on
	// every restart).
	ToolKeyFile string

	// RedirectURI is the callback endpoint registered with every platform;
	// LaunchURL is the tool surface the browser lands on after a launch.
	// Both default from PublicURL.
	RedirectURI string
	LaunchURL   string

	StateTTL     time.Duration
	SessionTTL   time.Duration
	JWKSCacheTTL time.Duration

	AdminUser     string
	AdminPassHash string // bcrypt

	CORSOrigins []string
}

func FromEnv() Config {
	addr := envOr("HTTP_ADDR", ":8080")
	pub := strings.TrimSuffix(os.Getenv("PUBLIC_URL"), "/")

	defRedirect := ""
	defLaunch := ""
	if pub != "" {
		defRedirect = pub + "/lti/callback"
		defLaunch = pub + "/launch"
	}

	return Config{
		HTTPAddr:  addr,
		PublicURL: pub,
		LogLevel:  envOr("LOG_LEVEL", "info"),

		StateBackend: envOr("STATE_BACKEND", "memory"),
		DBDriver:     envOr("DB_DRIVER", "sqlite"),
		DBDSN:        os.Getenv("DB_DSN"),

		PlatformsFile: envOr("PLATFORMS_FILE", "./platforms.json"),
		PlatformsJSON: os.Getenv("PLATFORMS_JSON"),

		ToolKeyFile: os.Getenv("TOOL_KEY_FILE"),

		RedirectURI: envOr("LTI_REDIRECT_URI", defRedirect),
		LaunchURL:   envOr("LAUNCH_URL", defLaunch),

		StateTTL:     envDur("STATE_TTL", 10*time.Minute),
		SessionTTL:   envDur("SESSION_TTL", 5*time.Minute),
		JWKSCacheTTL: envDur("JWKS_CACHE_TTL", time.Hour),

		AdminUser:     envOr("ADMIN_USER", "admin"),
		AdminPassHash: os.Getenv("ADMIN_PASS_HASH"),

		CORSOrigins: csvOr("CORS_ORIGINS", ""),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envDur(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
