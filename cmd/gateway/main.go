package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/classware/launchgate/internal/admin"
	"github.com/classware/launchgate/internal/config"
	"github.com/classware/launchgate/internal/db"
	"github.com/classware/launchgate/internal/lti"
	"github.com/classware/launchgate/internal/observe"
)

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	logger := observe.NewLogger(cfg.LogLevel)

	if cfg.RedirectURI == "" || cfg.LaunchURL == "" {
		logger.Error("PUBLIC_URL (or LTI_REDIRECT_URI/LAUNCH_URL) must be set")
		os.Exit(1)
	}

	// --- Platform registry ---
	var platforms []lti.PlatformConfig
	var err error
	switch {
	case cfg.PlatformsJSON != "":
		platforms, err = lti.ParsePlatformsJSON([]byte(cfg.PlatformsJSON))
	case cfg.PlatformsFile != "":
		platforms, err = lti.LoadPlatformsFile(cfg.PlatformsFile)
		if err != nil && errors.Is(err, os.ErrNotExist) {
			logger.Warn("platforms file missing, starting with empty registry", "path", cfg.PlatformsFile)
			platforms, err = nil, nil
		}
	}
	if err != nil {
		logger.Error("load platform registry", "error", err)
		os.Exit(1)
	}
	registry, err := lti.NewRegistry(platforms...)
	if err != nil {
		logger.Error("build platform registry", "error", err)
		os.Exit(1)
	}

	// --- Tool signing key ---
	toolKey, err := loadToolKey(cfg.ToolKeyFile)
	if err != nil {
		logger.Error("load tool key", "error", err)
		os.Exit(1)
	}
	if cfg.ToolKeyFile == "" {
		logger.Warn("TOOL_KEY_FILE not set; generated an ephemeral signing key")
	}
	keys := lti.NewKeyStore(toolKey)
	keys.CacheTTL = cfg.JWKSCacheTTL

	// --- State store ---
	var states lti.StateStore
	switch cfg.StateBackend {
	case "sql":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
		cancel()
		if err != nil {
			logger.Error("db open failed", "error", err)
			os.Exit(1)
		}
		states = lti.NewSQLStateStore(dbh, cfg.StateTTL)
	default:
		states = lti.NewMemoryStateStore(cfg.StateTTL)
	}

	flow := &lti.Flow{
		Registry:    registry,
		States:      states,
		Verifier:    &lti.Verifier{Keys: keys},
		Sessions:    lti.NewSessionStore(cfg.SessionTTL),
		RedirectURI: cfg.RedirectURI,
	}
	handlers := &lti.Handlers{Flow: flow, LaunchURL: cfg.LaunchURL}
	jwksHandler := &lti.JWKSHandler{Keys: keys}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(observe.RequestLogger(logger))

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Route("/lti", handlers.Mount)
	r.Get("/.well-known/jwks.json", jwksHandler.ServeHTTP)
	r.Head("/.well-known/jwks.json", jwksHandler.ServeHTTP)
	r.Mount("/admin", admin.Routes(registry, cfg.PlatformsFile, cfg.AdminUser, cfg.AdminPassHash))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	logger.Info("listening",
		"addr", cfg.HTTPAddr,
		"state_backend", cfg.StateBackend,
		"platforms", len(registry.All()))
	if err := http.ListenAndServe(cfg.HTTPAddr, r); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func loadToolKey(path string) (*rsa.PrivateKey, error) {
	if path == "" {
		return lti.GenerateToolKey()
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return lti.ParseToolKeyPEM(buf)
}
