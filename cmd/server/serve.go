package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"recordapi/internal/auth"
	"recordapi/internal/config"
	"recordapi/internal/engine"
	"recordapi/internal/logutil"
	"recordapi/internal/metadata"
	"recordapi/internal/realtime"
	"recordapi/internal/store"
)

func NewServeCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, root.ConfigPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	log, err := logutil.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	if err := store.SetJSONSchemas(cfg.JSONSchemas); err != nil {
		return err
	}
	db, err := store.New(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("database opened", zap.String("path", cfg.Database.Path))

	tables, err := db.LoadSchemas(ctx)
	if err != nil {
		return err
	}

	reg := metadata.NewRegistry()
	bus := realtime.NewBus(realtime.Options{
		QueueSize:  cfg.Realtime.QueueSize,
		InboxLimit: cfg.Realtime.InboxLimit,
	}, log)
	defer bus.Close()

	eng := engine.New(db, reg, bus, log, engine.Options{
		DefaultLimit:    cfg.Records.DefaultLimit,
		RevealForbidden: cfg.Records.RevealForbidden,
		UserTable:       cfg.Records.UserTable,
	})

	snap, err := reg.Load(cfg.RecordAPIs, tables)
	if err != nil {
		return fmt.Errorf("record apis: %w", err)
	}
	log.Info("record apis loaded", zap.Int("count", len(snap.APIs())), zap.Uint64("version", snap.Version))
	if cfg.Records.ValidateRules {
		if err := eng.ValidateAccessRules(ctx); err != nil {
			log.Warn("some access rules failed validation", zap.Error(err))
		}
	}

	loader.Watch(func(next *config.Config, err error) {
		if err != nil {
			log.Error("config reload failed", zap.Error(err))
			return
		}
		if err := store.SetJSONSchemas(next.JSONSchemas); err != nil {
			log.Error("json schemas rejected, keeping previous set", zap.Error(err))
			return
		}
		tables, err := db.LoadSchemas(context.Background())
		if err != nil {
			log.Error("schema reload failed", zap.Error(err))
			return
		}
		snap, err := reg.Load(next.RecordAPIs, tables)
		if err != nil {
			log.Error("record apis rejected, keeping previous version", zap.Error(err))
			return
		}
		log.Info("record apis reloaded", zap.Int("count", len(snap.APIs())), zap.Uint64("version", snap.Version))
		if next.Records.ValidateRules {
			_ = eng.ValidateAccessRules(context.Background())
		}
	})

	app := fiber.New(fiber.Config{
		ErrorHandler:          engine.NewErrorHandler(log),
		DisableStartupMessage: true,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logutil.RequestLogger(log))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "version": reg.Snapshot().Version})
	})

	authMW := auth.Middleware(cfg.Auth.JWTSecret, cfg.Auth.UserIDFormat)
	engine.RegisterRecordRoutes(app, engine.NewHandler(eng, log, cfg.Realtime.Heartbeat), authMW)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server", zap.String("addr", addr))
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		// Subscription streams only end once the bus is closed.
		bus.Close()
		return app.ShutdownWithTimeout(cfg.Server.ShutdownTimeout)
	})
	return g.Wait()
}
