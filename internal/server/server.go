// Package server exposes the orchestrator over HTTP: query dispatch and
// progress, session management, auth, and the prometheus scrape surface.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quorumhq/quorum/config"
	"github.com/quorumhq/quorum/internal/orchestrate"
	"github.com/quorumhq/quorum/internal/session"
	"github.com/quorumhq/quorum/internal/store"
	"github.com/quorumhq/quorum/internal/synthesis"
	"github.com/quorumhq/quorum/internal/telemetry"
)

// Run starts the HTTP API and blocks until the listener fails.
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("migrate: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	tele := telemetry.New(cfg.Telemetry)
	profiles, err := session.NewFileStore(cfg.Session.ProfileDir)
	if err != nil {
		return err
	}
	sessions, err := session.NewStore(cfg.Session, cfg.Storage)
	if err != nil {
		return err
	}
	locks := session.NewLockRegistry()

	adapters, err := BuildAdapters(cfg, profiles, sessions)
	if err != nil {
		return err
	}
	orchLogger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	orch := orchestrate.New(cfg.Orchestrator, orchLogger, tele, adapters, sessions, locks)
	synth := synthesis.New(nil)

	secret := cfg.Server.JWTSecret
	if secret == "" {
		secret = os.Getenv("QUORUM_JWT_SECRET")
	}
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}
	auth := &AuthHandler{Store: st, Secret: []byte(secret)}

	api := e.Group("/api")
	auth.Register(api.Group("/auth"))

	qh := &QueriesHandler{
		Store:  st,
		Orch:   orch,
		Synth:  synth,
		Cfg:    cfg,
		Logger: log.New(log.Writer(), "[QUERIES] ", log.LstdFlags),
	}
	qh.Register(api.Group("/queries"), auth.Secret)

	var reval *session.Revalidator
	if cfg.Session.Revalidate.Enabled {
		revalLogger := log.New(log.Writer(), "[REVALIDATE] ", log.LstdFlags)
		reval = session.NewRevalidator(sessions, locks, adapterProber{adapters: adapters}, cfg.Session.Revalidate.Cron, revalLogger)
		go reval.Run(ctx)
	}

	sh := &SessionsHandler{Sessions: sessions, Reval: reval}
	sh.Register(api.Group("/sessions"), auth.Secret)

	tg := api.Group("/telemetry")
	tg.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, auth.Secret) })
	tg.GET("", func(c echo.Context) error { return c.JSON(200, tele.GetMetrics()) })

	if addr == "" {
		addr = cfg.Server.Addr
	}
	if addr == "" {
		addr = ":10002"
	}
	return e.Start(addr)
}
