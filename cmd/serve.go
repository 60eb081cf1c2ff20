package cmd

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentmesh/internal/bus"
	"github.com/nextlevelbuilder/agentmesh/internal/config"
	"github.com/nextlevelbuilder/agentmesh/internal/directory"
	"github.com/nextlevelbuilder/agentmesh/internal/gateway"
	"github.com/nextlevelbuilder/agentmesh/internal/guard"
	"github.com/nextlevelbuilder/agentmesh/internal/mesh"
	"github.com/nextlevelbuilder/agentmesh/internal/metrics"
	"github.com/nextlevelbuilder/agentmesh/internal/peer"
	"github.com/nextlevelbuilder/agentmesh/internal/process"
	"github.com/nextlevelbuilder/agentmesh/internal/scheduler"
	"github.com/nextlevelbuilder/agentmesh/internal/store"
	"github.com/nextlevelbuilder/agentmesh/internal/store/pg"
	"github.com/nextlevelbuilder/agentmesh/internal/store/sqlite"
	"github.com/nextlevelbuilder/agentmesh/internal/telemetry"
	"github.com/nextlevelbuilder/agentmesh/internal/webhook"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the mesh node (gateway, peer node, scheduler)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, "agentmesh")
	if err != nil {
		slog.Error("setting up telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTelemetry(shutdownCtx)
	}()

	met := metrics.New()

	stores, closeStores, err := openStores(cfg, met)
	if err != nil {
		slog.Error("opening stores", "error", err)
		os.Exit(1)
	}
	defer closeStores()

	b, err := openBus(cfg)
	if err != nil {
		slog.Error("opening bus", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	dir := &directory.Static{
		Agents: []directory.AgentInfo{{ID: cfg.Node.AgentID, Name: cfg.Node.Name}},
		Status: directory.Health{TotalNodes: 1},
	}

	g := guard.New(guard.Options{
		FailureThreshold:   cfg.Circuit.FailureThreshold,
		ResetTimeout:       cfg.Circuit.ResetTimeout,
		SuccessThreshold:   cfg.Circuit.SuccessThreshold,
		RateLimitPerWindow: cfg.RateLimit.PerMinute,
	}, met)
	defer g.Close()

	node := peer.NewNode(cfg.Node.AgentID, b, dir, peer.NodeOptions{
		Channel: peer.ChannelOptions{
			MaxTokens:      cfg.Channel.MaxTokens,
			RefillRate:     cfg.Channel.RefillRate,
			MaxHistorySize: cfg.Channel.MaxHistorySize,
			AckTimeout:     cfg.Channel.AckTimeout,
		},
	}, nil)
	defer node.Close()

	manager := process.NewLocalManager(nil)
	localReply := func(ctx context.Context, to string, content json.RawMessage, threadID string) error {
		if to == cfg.Node.AgentID {
			// A local sender reads the session record directly.
			return nil
		}
		return node.SendTo(ctx, to, content, threadID)
	}
	router := mesh.NewRouter(
		node,
		mesh.NewBusMessenger(b),
		mesh.NewProcessDispatcher(stores.Sessions, manager, localReply, met),
		dir,
		stores.Messages,
		g,
		met,
	)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		dispatch := func(ctx context.Context, agentID, prompt string) error {
			content, err := json.Marshal(map[string]string{"prompt": prompt})
			if err != nil {
				return err
			}
			_, err = router.Send(ctx, mesh.Request{
				From:    cfg.Node.AgentID,
				To:      agentID,
				Content: content,
				Pref:    mesh.PrefAuto,
			})
			return err
		}
		sched = scheduler.New(stores.Schedules, dispatch, scheduler.Options{
			TickInterval: time.Duration(cfg.Scheduler.TickIntervalSec) * time.Second,
		})
		sched.Start()
		defer sched.Close()
	}

	dispatcher := webhook.NewDispatcher(stores, manager, nil, b, met, webhook.DispatcherOptions{
		MinTriggerInterval: cfg.Webhook.MinTriggerInterval,
	})
	webhookHandler := webhook.NewHandler(cfg.Webhook.Secret, dispatcher, slog.Default())

	server := gateway.NewServer(cfg, webhookHandler, met)
	if err := server.Start(ctx); err != nil {
		slog.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func openStores(cfg *config.Config, met *metrics.Metrics) (*store.Stores, func(), error) {
	if cfg.IsManagedMode() {
		stores, err := pg.NewPGStores(cfg.Database.PostgresDSN, met)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("store backend", "mode", "managed", "backend", "postgres")
		return stores, func() {}, nil
	}
	handle, stores, err := sqlite.NewSQLiteStores(cfg.Database.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("store backend", "mode", "standalone", "backend", "sqlite", "path", cfg.Database.SQLitePath)
	return stores, func() { handle.Close() }, nil
}

func openBus(cfg *config.Config) (bus.Bus, error) {
	if cfg.Bus.RedisURL == "" {
		slog.Info("bus backend", "backend", "memory")
		return bus.NewMemoryBus(), nil
	}
	opts, err := redis.ParseURL(cfg.Bus.RedisURL)
	if err != nil {
		return nil, err
	}
	slog.Info("bus backend", "backend", "redis", "addr", opts.Addr)
	return bus.NewRedisBus(redis.NewClient(opts)), nil
}
