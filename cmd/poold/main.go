// Package main implements poold: the stratum server, job manager, template
// watcher and event publisher in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/kawpool/internal/api"
	"github.com/bardlex/kawpool/internal/config"
	"github.com/bardlex/kawpool/internal/events"
	"github.com/bardlex/kawpool/internal/job"
	"github.com/bardlex/kawpool/internal/manager"
	"github.com/bardlex/kawpool/internal/messaging"
	"github.com/bardlex/kawpool/internal/node"
	"github.com/bardlex/kawpool/internal/pow"
	"github.com/bardlex/kawpool/internal/stratum"
	"github.com/bardlex/kawpool/pkg/log"
)

const (
	pruneInterval   = 10 * time.Second
	hasherTimeout   = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidatePool(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pool config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting poold",
		"version", cfg.Version,
		"network", cfg.Network,
		"stratum_addr", cfg.StratumAddr(),
		"node_rpc", cfg.NodeRPCAddr(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("poold failed")
		os.Exit(1)
	}
	logger.Info("poold stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	rpc, err := node.NewRPCClient(cfg.NodeRPCAddr(), cfg.NodeRPCUser, cfg.NodeRPCPassword)
	if err != nil {
		return fmt.Errorf("failed to create node RPC client: %w", err)
	}
	defer rpc.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = rpc.Ping(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("failed to connect to node: %w", err)
	}
	logger.Info("connected to node")

	hashRPC, err := node.NewHashClient(cfg.NodeRPCAddr(), cfg.NodeRPCUser, cfg.NodeRPCPassword)
	if err != nil {
		return fmt.Errorf("failed to create node hash client: %w", err)
	}
	defer hashRPC.Close()

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Error("failed to close Kafka client")
		}
	}()

	p, err := newPool(cfg, logger, rpc, node.NewKawpowHasher(hashRPC, hasherTimeout), kafkaClient)
	if err != nil {
		return err
	}

	// The dispatcher stops only after the stratum server has shut down.
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()
	dispatchDone := make(chan error, 1)
	go func() { dispatchDone <- p.dispatcher.Run(dispatchCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.watcher.Run(gctx) })
	g.Go(func() error {
		err := p.server.Start(gctx)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := p.server.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
		return err
	})
	if cfg.NodeZMQAddr != "" {
		g.Go(func() error { return listenZMQ(gctx, cfg.NodeZMQAddr, p.watcher, logger) })
	}
	if cfg.APIAddr != "" {
		srv := api.NewServer(cfg.APIAddr, p.router(logger), logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	err = g.Wait()
	stopDispatch()
	if dispatchErr := <-dispatchDone; err == nil {
		err = dispatchErr
	}
	return err
}

// pool holds the wired components of a poold process.
type pool struct {
	manager    *manager.Manager
	server     *stratum.Server
	dispatcher *events.Dispatcher
	watcher    *node.Watcher
}

// newPool wires the manager, the stratum server and the dispatcher. The
// server needs the manager and the manager's notifier needs the server, so
// the broadcast closure reads the server after construction.
func newPool(cfg *config.Config, logger *log.Logger, rpc node.RPC, hasher pow.Hasher, publisher messaging.Publisher) (*pool, error) {
	p := &pool{}
	p.dispatcher = events.NewDispatcher(dispatcherConfig(cfg), logger, events.NewKafkaSink(publisher))

	notifier := newNotifier(func(j *job.Job) { p.server.Broadcast(j) }, p.dispatcher)
	mgr, err := manager.New(cfg, logger, hasher, notifier)
	if err != nil {
		return nil, fmt.Errorf("failed to create job manager: %w", err)
	}
	p.manager = mgr

	serverCfg, err := serverConfig(cfg)
	if err != nil {
		return nil, err
	}
	p.server = stratum.NewServer(serverCfg, mgr, logger)
	p.watcher = node.NewWatcher(rpc, mgr, watcherConfig(cfg), logger)
	return p, nil
}

func (p *pool) router(logger *log.Logger) *gin.Engine {
	return api.NewRouter(api.Deps{
		Jobs:     p.manager,
		Sessions: p.server,
		Events:   p.dispatcher,
	}, logger)
}

// newNotifier broadcasts new jobs to miners before queueing any event for
// Kafka.
func newNotifier(broadcast func(*job.Job), async manager.Notifier) manager.Notifier {
	return events.Fanout{
		events.Broadcaster{Broadcast: broadcast},
		async,
	}
}

func serverConfig(cfg *config.Config) (stratum.ServerConfig, error) {
	params, err := job.NetworkParams(cfg.Network)
	if err != nil {
		return stratum.ServerConfig{}, err
	}
	return stratum.ServerConfig{
		Addr:           cfg.StratumAddr(),
		MaxConnections: cfg.MaxConnections,
		Params:         params,
		Session: stratum.SessionConfig{
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			InitialDifficulty: cfg.InitialDifficulty,
			Vardiff: stratum.VardiffConfig{
				Target:   cfg.VardiffTarget,
				Retarget: cfg.VardiffRetarget,
				Min:      cfg.MinDifficulty,
				Max:      cfg.MaxDifficulty,
			},
		},
	}, nil
}

func watcherConfig(cfg *config.Config) node.WatcherConfig {
	return node.WatcherConfig{
		PollInterval:    cfg.TemplatePollInterval,
		RefreshInterval: cfg.TemplateRefreshInterval,
		PruneInterval:   pruneInterval,
	}
}

func dispatcherConfig(cfg *config.Config) events.Config {
	return events.Config{
		QueueSize: cfg.EventQueueSize,
		Workers:   cfg.WorkerPoolSize,
	}
}

// listenZMQ turns hashblock notifications into immediate template fetches.
// A ZMQ failure is logged and left to polling.
func listenZMQ(ctx context.Context, endpoint string, watcher *node.Watcher, logger *log.Logger) error {
	zmqNotifier, err := node.NewZMQNotifier(endpoint, logger)
	if err != nil {
		logger.WithError(err).Warn("ZMQ unavailable, relying on polling")
		return nil
	}
	defer func() { _ = zmqNotifier.Close() }()

	if err := zmqNotifier.Subscribe(node.TopicHashBlock); err != nil {
		logger.WithError(err).Warn("ZMQ subscribe failed, relying on polling")
		return nil
	}
	if err := zmqNotifier.Connect(); err != nil {
		logger.WithError(err).Warn("ZMQ connect failed, relying on polling")
		return nil
	}

	handler := node.NewBlockHandler(logger, watcher.Notify)
	if err := zmqNotifier.Listen(ctx, handler.HandleMessage); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
