package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	txnservice "github.com/sushant-115/gojotxn/api/txn_service"
	"github.com/sushant-115/gojotxn/config"
	"github.com/sushant-115/gojotxn/config/certs"
	"github.com/sushant-115/gojotxn/core/cluster"
	"github.com/sushant-115/gojotxn/core/storage_engine/memory"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/pkg/connection"
	"github.com/sushant-115/gojotxn/pkg/logger"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
)

const (
	registerTimeout = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	nodeID     = flag.String("node_id", "", "Overrides node_id of the configuration file")
	genCerts   = flag.String("gen_certs", "", "Write a CA and server/client certificates into this directory and exit")
)

func main() {
	flag.Parse()

	if *genCerts != "" {
		if err := certs.Generate(*genCerts, "127.0.0.1"); err != nil {
			log.Fatalf("failed to generate certificates: %v", err)
		}
		fmt.Printf("certificates written to %s\n", *genCerts)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *nodeID != "" {
		cfg.NodeID = *nodeID
		cfg.Transaction.ServerID = *nodeID
	}

	zlogger, err := logger.New(cfg.Logger, cfg.NodeID)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zlogger.Sync()

	if err := run(cfg, zlogger); err != nil {
		zlogger.Error("server exited with error", zap.Error(err))
		zlogger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, zlogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			zlogger.Warn("failed to shut down telemetry", zap.Error(err))
		}
	}()
	if tel.MetricsAddr != "" {
		zlogger.Info("metrics endpoint ready", zap.String("address", "http://"+tel.MetricsAddr+"/metrics"))
	}

	// Membership: the FSM pushes every health change into the tracker, which
	// aborts transactions whose owner rebooted or failed.
	tracker := cluster.NewRebootTracker(zlogger)
	defer tracker.Close()
	fsm := cluster.NewMembershipFSM(tracker, zlogger)
	raftCfg := cfg.Raft
	raftCfg.Bootstrap = raftCfg.Bootstrap || len(cfg.Join) == 0
	node, err := cluster.NewRaftNode(cfg.NodeID, raftCfg, fsm, zlogger)
	if err != nil {
		return fmt.Errorf("failed to start raft: %w", err)
	}
	defer func() {
		if err := node.Shutdown(); err != nil {
			zlogger.Warn("failed to shut down raft", zap.Error(err))
		}
	}()

	engine := memory.New(zlogger)
	for _, name := range cfg.Collections {
		if err := engine.CreateCollection(name); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", name, err)
		}
	}

	clientCreds := insecure.NewCredentials()
	var serverCreds credentials.TransportCredentials
	if cfg.TLS.Enabled {
		if clientCreds, err = cfg.TLS.ClientCredentials(); err != nil {
			return fmt.Errorf("failed to load client TLS credentials: %w", err)
		}
		if serverCreds, err = cfg.TLS.ServerCredentials(); err != nil {
			return fmt.Errorf("failed to load server TLS credentials: %w", err)
		}
	}
	pool := connection.NewConnectionPoolManager(cfg.MaxConnsPerPeer, grpc.WithTransportCredentials(clientCreds))
	defer pool.Close()
	client := txnservice.NewClient(pool, 0, zlogger)

	mgr, err := transaction.NewManager(cfg.Transaction, engine,
		transaction.WithLogger(zlogger),
		transaction.WithMeter(tel.Meter),
		transaction.WithTracer(tel.Tracer),
		transaction.WithRebootTracker(tracker),
		transaction.WithCluster(fsm, client),
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction manager: %w", err)
	}
	mgr.Start(ctx)

	srvOpts := []txnservice.ServerOption{
		txnservice.WithServerLogger(zlogger),
		txnservice.WithServerMeter(tel.Meter),
		txnservice.WithMembership(node, fsm),
	}
	if serverCreds != nil {
		srvOpts = append(srvOpts, txnservice.WithGRPCOptions(grpc.Creds(serverCreds)))
	}
	server, err := txnservice.NewServer(mgr, srvOpts...)
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(lis) }()

	if err := registerSelf(ctx, cfg, node, client, zlogger); err != nil {
		server.Stop()
		mgr.Shutdown(context.Background())
		return err
	}

	select {
	case <-ctx.Done():
		zlogger.Info("received shutdown signal, stopping")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			zlogger.Error("transaction service failed", zap.Error(err))
		}
	}

	mgr.DisallowInserts()
	server.Stop()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	mgr.Shutdown(sctx)
	return nil
}

// registerSelf records a new incarnation of this server in the membership
// registry, either directly when this node leads the raft group or through
// the transaction service of a member.
func registerSelf(ctx context.Context, cfg config.Config, node *cluster.RaftNode, client *txnservice.Client, zlogger *zap.Logger) error {
	self := cluster.ServerInfo{
		ID:          cfg.NodeID,
		Address:     cfg.AdvertiseAddr,
		RaftAddress: cfg.Raft.BindAddr,
		Role:        cfg.Transaction.Role,
	}
	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	seeds := cfg.Join
	if len(seeds) == 0 {
		if err := node.WaitForLeader(ctx); err != nil {
			return fmt.Errorf("no membership leader elected: %w", err)
		}
		if node.IsLeader() {
			info, err := node.Register(self)
			if err != nil {
				return fmt.Errorf("failed to register in membership: %w", err)
			}
			zlogger.Info("registered in membership", zap.Uint64("reboot_id", info.RebootID))
			return nil
		}
		leader, ok := node.FSM().Server(node.LeaderID())
		if !ok {
			return fmt.Errorf("membership leader %s is not registered", node.LeaderID())
		}
		seeds = []string{leader.Address}
	}

	info, err := client.Join(ctx, seeds, self)
	if err != nil {
		return fmt.Errorf("failed to join membership: %w", err)
	}
	zlogger.Info("joined membership", zap.Strings("seeds", seeds), zap.Uint64("reboot_id", info.RebootID))
	return nil
}
