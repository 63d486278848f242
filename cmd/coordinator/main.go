package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/AltairaLabs/chatrelay/internal/config"
	"github.com/AltairaLabs/chatrelay/internal/coordinator"
	"github.com/AltairaLabs/chatrelay/internal/fanout"
	"github.com/AltairaLabs/chatrelay/internal/logging"
	"github.com/AltairaLabs/chatrelay/internal/storage/redisstore"
	"github.com/AltairaLabs/chatrelay/internal/taskqueue"
	"github.com/AltairaLabs/chatrelay/internal/worker"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 5 * time.Second
	readHeaderLimit = 10 * time.Second
)

// options are the command line flags; set flags override the loaded config
type options struct {
	configPath     string
	debug          bool
	version        bool
	httpPort       string
	embeddedWorker bool
	enableMCP      bool

	fs *pflag.FlagSet
}

func parseFlags(args []string) (*options, error) {
	o := &options{}
	fs := pflag.NewFlagSet("coordinator", pflag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", os.Getenv(config.EnvConfigPath), "Path to a YAML config file")
	fs.BoolVar(&o.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&o.version, "version", false, "Print version and exit")
	fs.StringVar(&o.httpPort, "http-port", "", "HTTP listen port")
	fs.BoolVar(&o.embeddedWorker, "embedded-worker", false, "Run a worker pool inside the coordinator")
	fs.BoolVar(&o.enableMCP, "enable-mcp", true, "Serve MCP tools under /mcp")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	o.fs = fs
	return o, nil
}

func (o *options) apply(cfg *config.Config) {
	if o.fs.Changed("http-port") {
		cfg.Server.HTTPPort = o.httpPort
	}
	if o.fs.Changed("embedded-worker") {
		cfg.Server.EmbeddedWorker = o.embeddedWorker
	}
	if o.fs.Changed("enable-mcp") {
		cfg.Server.EnableMCP = o.enableMCP
	}
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if opts.version {
		fmt.Println("chatrelay coordinator v" + version)
		os.Exit(0)
	}

	logger := logging.New(os.Stderr, logging.Level(opts.debug, os.Getenv("LOG_LEVEL")))
	slog.SetDefault(logger)

	cfg, err := config.LoadFile(opts.configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	opts.apply(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Coordinator failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting chatrelay coordinator",
		"version", version,
		"http_port", cfg.Server.HTTPPort,
		"enable_mcp", cfg.Server.EnableMCP,
		"embedded_worker", cfg.Server.EmbeddedWorker,
		"provider", cfg.Provider,
	)

	rdb, err := redisstore.NewClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Submissions answer 503 until Redis is reachable
		logger.Warn("Redis unreachable at startup", "error", err)
	}

	store := redisstore.New(rdb, redisstore.Options{
		TTL:         cfg.Session.TTL,
		RecentLimit: cfg.Session.RecentLimit,
		FactLimit:   cfg.Session.FactLimit,
	})
	queue := taskqueue.NewTaskQueue(rdb, taskqueue.TaskQueueConfig{
		Group:  cfg.Queue.Group,
		MaxLen: cfg.Queue.MaxLen,
	}, logger)
	publisher := fanout.NewPublisher(rdb, cfg.Fanout.EventLogMaxLen, cfg.Session.TTL)
	hub := fanout.NewHub(rdb, logger, cfg.Fanout.SubscriberBuffer)
	audit := coordinator.NewAuditLogger(logger)

	svc := coordinator.NewService(cfg, store, queue, publisher, hub.Log(), audit, logger)
	api := coordinator.NewHTTPServer(svc, hub, logger, coordinator.HTTPConfig{PingInterval: cfg.Server.PingInterval})

	var mcpServer *coordinator.MCPServer
	if cfg.Server.EnableMCP {
		mcpServer, err = coordinator.NewMCPServer(coordinator.MCPConfig{Name: "chatrelay", Version: version}, svc, audit)
		if err != nil {
			return err
		}
		api.Mount(coordinator.MCPBasePath+"/", mcpServer.Handler())
		logger.Info("MCP tools enabled", "path", coordinator.MCPBasePath, "tools", mcpServer.Tools())
	}

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	var workers sync.WaitGroup
	if cfg.Server.EmbeddedWorker {
		invoker, err := worker.NewInvoker(cfg.Provider)
		if err != nil {
			return err
		}
		srv := worker.NewFromConfig(cfg, rdb, invoker, logger)
		workers.Add(1)
		go func() {
			defer workers.Done()
			srv.Run(workerCtx)
		}()
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.HTTPPort,
		Handler:           api.Handler(),
		ReadHeaderTimeout: readHeaderLimit,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}

	logger.Info("Shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	svc.Streams().CloseAll()
	if mcpServer != nil {
		if err := mcpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("MCP shutdown failed", "error", err)
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown timed out, forcing close", "error", err)
		_ = httpServer.Close()
	}
	if err := hub.Close(); err != nil {
		logger.Warn("Fan-out hub close failed", "error", err)
	}

	stopWorker()
	workers.Wait()

	logger.Info("Coordinator shutdown complete")
	return nil
}
