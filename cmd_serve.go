package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsprackett/agent-relay/internal/bus"
	"github.com/zsprackett/agent-relay/internal/config"
	"github.com/zsprackett/agent-relay/internal/lock"
	"github.com/zsprackett/agent-relay/internal/presence"
	"github.com/zsprackett/agent-relay/internal/registry"
	"github.com/zsprackett/agent-relay/internal/router"
	"github.com/zsprackett/agent-relay/internal/session"
	"github.com/zsprackett/agent-relay/internal/txn"
	"github.com/zsprackett/agent-relay/internal/webserver"
)

var serveStderr bool

func init() {
	serveCmd.Flags().BoolVar(&serveStderr, "stderr", false, "also write logs to stderr")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

// clusterDeps returns the bus and lock store. With redis configured both are
// shared across processes; otherwise they are in-process.
func clusterDeps(ctx context.Context, cfg config.Config, logger *slog.Logger) (bus.Bus, lock.Store, func(), error) {
	if cfg.Redis.Addr == "" {
		logger.Warn("redis not configured, running single-node")
		return bus.NewLocalBus(), lock.NewMemoryStore(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
	}
	b := bus.NewRedisBus(rdb, cfg.Redis.Channel, logger)
	return b, lock.NewRedisStore(rdb, ""), func() { rdb.Close() }, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwtSecret is not set")
	}
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	logger, closeLog, err := setupLogging(cfg, instanceID, serveStderr)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	b, lockStore, closeRedis, err := clusterDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRedis()
	defer b.Close()

	txm := txn.NewManager(store, logger)
	reg := registry.New()
	r := router.New(store, txm, b, reg, instanceID, logger)
	locker := lock.NewLocker(lockStore, lock.RetryPolicy{
		MaxAttempts:  cfg.Lock.MaxAttempts,
		InitialDelay: cfg.Lock.InitialDelay.Std(),
		Multiplier:   cfg.Lock.Multiplier,
		MaxDelay:     cfg.Lock.MaxDelay.Std(),
	}, logger)
	sessions := session.NewManager(store, txm, locker, r)
	tracker := presence.New(store, txm, r, cfg.Presence.Timeout.Std(), cfg.Presence.SweepInterval.Std(), logger)
	srv := webserver.New(store, sessions, r, reg, tracker, webserver.Config{
		Listen:       cfg.Listen,
		JWTSecret:    cfg.Auth.JWTSecret,
		SendBuffer:   cfg.Websocket.SendBuffer,
		PingInterval: cfg.Websocket.PingInterval.Std(),
		WriteTimeout: cfg.Websocket.WriteTimeout.Std(),
	}, logger)

	logger.Info("agent-relay starting",
		"listen", cfg.Listen,
		"driver", cfg.Database.Driver,
		"redis", cfg.Redis.Addr != "",
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Start(gctx)
	})
	g.Go(func() error {
		tracker.Start()
		<-gctx.Done()
		tracker.Stop()
		return nil
	})

	// Accept connections only once the bus subscription is live; a client
	// registered earlier would miss envelopes published in between.
	select {
	case <-r.Ready():
		g.Go(func() error {
			return srv.Run(gctx)
		})
	case <-gctx.Done():
	}
	err = g.Wait()
	logger.Info("agent-relay stopped", "err", err)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
