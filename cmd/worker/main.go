package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"github.com/AltairaLabs/chatrelay/internal/config"
	"github.com/AltairaLabs/chatrelay/internal/logging"
	"github.com/AltairaLabs/chatrelay/internal/storage/redisstore"
	"github.com/AltairaLabs/chatrelay/internal/worker"
)

const version = "0.1.0"

// options are the command line flags; set flags override the loaded config
type options struct {
	configPath  string
	debug       bool
	version     bool
	workerID    string
	grpcPort    string
	concurrency int
	provider    string

	fs *pflag.FlagSet
}

func parseFlags(args []string) (*options, error) {
	o := &options{}
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", os.Getenv(config.EnvConfigPath), "Path to a YAML config file")
	fs.BoolVar(&o.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&o.version, "version", false, "Print version and exit")
	fs.StringVar(&o.workerID, "worker-id", "", "Consumer name prefix; defaults to host-pid-random")
	fs.StringVar(&o.grpcPort, "grpc-port", "", "gRPC health listen port")
	fs.IntVarP(&o.concurrency, "concurrency", "c", 0, "Number of consumers")
	fs.StringVar(&o.provider, "provider", "", "LLM provider: openai or mock")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	o.fs = fs
	return o, nil
}

func (o *options) apply(cfg *config.Config) error {
	if o.fs.Changed("worker-id") {
		cfg.Worker.ID = o.workerID
	}
	if o.fs.Changed("grpc-port") {
		cfg.Worker.GRPCPort = o.grpcPort
	}
	if o.fs.Changed("concurrency") {
		cfg.Worker.Concurrency = o.concurrency
	}
	if o.fs.Changed("provider") {
		cfg.Provider = config.Provider(o.provider)
	}
	return cfg.Validate()
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
		fmt.Println("chatrelay worker v" + version)
		os.Exit(0)
	}

	logger := logging.New(os.Stderr, logging.Level(opts.debug, os.Getenv("LOG_LEVEL")))
	slog.SetDefault(logger)

	cfg, err := config.LoadFile(opts.configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := opts.apply(cfg); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	invoker, err := worker.NewInvoker(cfg.Provider)
	if err != nil {
		return err
	}

	rdb, err := redisstore.NewClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	srv := worker.NewFromConfig(cfg, rdb, invoker, logger)

	grpcServer := grpc.NewServer()
	srv.Register(grpcServer)

	listenConfig := net.ListenConfig{}
	lis, err := listenConfig.Listen(ctx, "tcp", ":"+cfg.Worker.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen on port %s: %w", cfg.Worker.GRPCPort, err)
	}

	go func() {
		logger.Info("Worker health listening", "port", cfg.Worker.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", "error", err)
		}
	}()

	logger.Info("Starting chatrelay worker",
		"version", version,
		"provider", cfg.Provider,
		"concurrency", cfg.Worker.Concurrency,
	)

	// Blocks until ctx is canceled and in-flight turns have settled
	srv.Run(ctx)

	logger.Info("Shutting down worker")
	grpcServer.GracefulStop()
	logger.Info("Worker shutdown complete")
	return nil
}
