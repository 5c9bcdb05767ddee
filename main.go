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

	"github.com/gin-gonic/gin"
	apirest "github.com/kasuganosora/guildserver/api/rest"
	"github.com/kasuganosora/guildserver/audit"
	"github.com/kasuganosora/guildserver/cache"
	"github.com/kasuganosora/guildserver/config"
	dbadapter "github.com/kasuganosora/guildserver/db"
	"github.com/kasuganosora/guildserver/events"
	"github.com/kasuganosora/guildserver/game/guild"
	"github.com/kasuganosora/guildserver/logging"
	"github.com/kasuganosora/guildserver/metrics"
	mw "github.com/kasuganosora/guildserver/middleware"
	"github.com/kasuganosora/guildserver/model"
	"github.com/kasuganosora/guildserver/plugin/hook"
	"github.com/kasuganosora/guildserver/scheduler"
	"github.com/kasuganosora/guildserver/store"
	"github.com/kasuganosora/guildserver/wallet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "config/config.yaml",
		Usage:   "path to the YAML config file",
		EnvVars: []string{"GUILD_CONFIG"},
	}

	app := &cli.App{
		Name:  "guildserver",
		Usage: "guild coordination service",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API",
				Flags:  []cli.Flag{configFlag},
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "create or update the SQL schema and exit",
				Flags:  []cli.Flag{configFlag},
				Action: migrate,
			},
			{
				Name:  "token",
				Usage: "issue a player JWT for local testing",
				Flags: []cli.Flag{
					configFlag,
					&cli.Int64Flag{Name: "player", Required: true, Usage: "player id to embed"},
				},
				Action: issueToken,
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func migrate(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Database.Mode == dbadapter.ModeMemory {
		return errors.New("migrate: memory mode has no schema")
	}
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}
	fmt.Printf("schema up to date (%s)\n", cfg.Database.Mode)
	return nil
}

func issueToken(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	tok, err := mw.GenerateToken(c.Int64("player"), cfg.Security.JWTSecret, cfg.Security.JWTTTLH)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

// openStore picks the persistence backend. The character wallet shares the
// SQL connection; memory mode gets an in-process purse.
func openStore(cfg config.DatabaseConfig, logger *zap.Logger) (store.Store, guild.Wallet, error) {
	if cfg.Mode == dbadapter.ModeMemory {
		logger.Warn("database.mode is memory; guild state is lost on restart")
		return store.NewMemoryStore(), wallet.NewMemory(), nil
	}
	db, err := dbadapter.Open(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db: %w", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		return nil, nil, fmt.Errorf("db migrate: %w", err)
	}
	return store.NewGormStore(db), wallet.NewCharacterWallet(db), nil
}

func serve(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// ---- Logger ----
	logger, err := logging.New(cfg.Log, cfg.Server.Debug)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}
	if cfg.Security.JWTSecret == "" {
		return errors.New("security.jwt_secret must be set")
	}

	// ---- Storage ----
	st, purse, err := openStore(cfg.Database, logger)
	if err != nil {
		return err
	}
	logger.Info("storage initialized", zap.String("mode", cfg.Database.Mode))

	// ---- Cache / PubSub ----
	cacheConfig := cache.CacheConfig{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	}
	kv, err := cache.NewCache(cacheConfig)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	pubsub, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	// ---- Events ----
	bus, err := events.New(cfg.Events, pubsub, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Server.Debug {
		evCh, unsubscribe, err := bus.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("events subscribe: %w", err)
		}
		defer unsubscribe()
		go func() {
			for ev := range evCh {
				logger.Debug("guild event",
					zap.String("type", string(ev.Type)),
					zap.Int64("guild_id", ev.GuildID),
					zap.String("event_id", ev.ID))
			}
		}()
	}

	// ---- Audit ----
	auditSvc := audit.New(st, logger)
	defer auditSvc.Stop(context.Background())

	// ---- Hooks ----
	hooks := hook.NewHookCenter()
	hooks.OnError(func(event, name string, err error) {
		logger.Warn("hook failed", zap.String("event", event), zap.String("hook", name), zap.Error(err))
	})

	// ---- Metrics ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// ---- Guild service ----
	svc, err := guild.NewService(guild.Options{
		Store:      st,
		Cache:      kv,
		Wallet:     purse,
		Authorizer: guild.NewAdminList(cfg.Server.AdminPlayers),
		Hooks:      hooks,
		Audit:      auditSvc,
		Bus:        bus,
		Config:     cfg.Guild,
		Logger:     logger,
		Metrics:    m,
		Tracer:     otel.Tracer("guildserver/guild"),
	})
	if err != nil {
		return fmt.Errorf("guild: %w", err)
	}
	metrics.TrackActiveKeys(reg, svc.Serializer().ActiveKeys)

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	defer sched.Stop()
	sched.AddTicker("audit.flush", 30*time.Second, auditSvc.Flush)
	if svc.ScheduleSweep(sched) {
		logger.Info("relation sweep scheduled", zap.Duration("interval", cfg.Guild.RelationSweep))
	}

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	{
		adminG := api.Group("/admin",
			mw.IPWhitelist(cfg.Security.AdminIPs),
			apirest.AdminAuth(cfg.Server.AdminKey))
		apirest.NewAdminHandler(svc, sched, logger).Register(adminG)

		// Tokens are issued by the game's login service; no session
		// store is shared with it, so only the signature is checked.
		playerG := api.Group("",
			mw.Auth(cfg.Security, nil),
			mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))
		apirest.NewGuildHandler(svc).Register(playerG)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
		auditSvc.Flush(shutCtx)
	}
	return nil
}
