// Command bftlog runs one member of a Byzantine fault tolerant ordering
// cluster. The replicated state machine is a text-command key-value store;
// operations arrive over Kafka when ingest is enabled.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"bftlog/pkg/config"
	ingest "bftlog/pkg/ingest/kafka"
	"bftlog/pkg/kvstore"
	"bftlog/pkg/messages"
	"bftlog/pkg/node"
	"bftlog/pkg/transport/p2p"
	"bftlog/pkg/utils"
)

const statsInterval = 30 * time.Second

func main() {
	// Load doesn't overwrite variables already set in the environment.
	for _, path := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.ListenAddr == "" {
		log.Fatal("config: BFTLOG_LISTEN_ADDR is required")
	}

	logCfg := utils.DefaultLogConfig()
	logCfg.NodeID = cfg.NodeID
	logger, err := utils.NewLogger(logCfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Shutdown() }()

	runID := uuid.NewString()
	logger = logger.With(utils.ZapString("run_id", runID))
	logger.Info("starting",
		utils.ZapString("node", cfg.NodeID),
		utils.ZapInt("cluster_size", len(cfg.Peers)),
		utils.ZapInt("max_faults", cfg.MaxFaults),
		utils.ZapString("listen", cfg.ListenAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peerAddrs := make([]string, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if p.ID == cfg.NodeID || p.Address == "" {
			continue
		}
		peerAddrs = append(peerAddrs, p.Address)
	}
	tr, err := p2p.New(ctx, cfg.NodeID, cfg.PrivateKey, p2p.Config{
		ListenAddr: cfg.ListenAddr,
		PeerAddrs:  peerAddrs,
	}, logger)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}
	defer tr.Close()

	store := kvstore.New()
	n, err := node.New(cfg, store, tr, logger)
	if err != nil {
		log.Fatalf("node: %v", err)
	}

	n.OnCommit(func(sequence uint64, request *messages.Request, result []byte) {
		logger.Debug("committed",
			utils.ZapUint64("sequence", sequence),
			utils.ZapString("client", request.ClientID),
			utils.ZapInt("result_bytes", len(result)))
	})
	if err := n.Initialize(); err != nil {
		log.Fatalf("node start: %v", err)
	}

	var consumer *ingest.Consumer
	if cfg.Kafka.Enabled {
		consumer, err = ingest.NewConsumer(ctx, cfg.Kafka, n, logger)
		if err != nil {
			log.Fatalf("kafka ingest: %v", err)
		}
		if err := consumer.Start(); err != nil {
			log.Fatalf("kafka ingest start: %v", err)
		}
	}

	statsDone := make(chan struct{})
	go reportStats(n, consumer, logger, statsDone)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown requested", utils.ZapString("signal", sig.String()))

	close(statsDone)
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Warn("kafka ingest stop", utils.ZapError(err))
		}
	}
	if err := n.Shutdown(); err != nil {
		logger.Warn("node shutdown", utils.ZapError(err))
	}
	cancel()

	logger.Info("shutdown complete",
		utils.ZapUint64("last_executed", n.Stats().LastExecuted))
}

// reportStats logs a protocol and throughput snapshot periodically.
func reportStats(n *node.Node, consumer *ingest.Consumer, logger *utils.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			st := n.Stats()
			m := n.Metrics()
			logger.Info("node status",
				utils.ZapUint64("view", st.View),
				utils.ZapString("primary", st.Primary),
				utils.ZapBool("is_primary", st.IsPrimary),
				utils.ZapUint64("last_executed", st.LastExecuted),
				utils.ZapUint64("stable_checkpoint", st.StableCheckpoint),
				utils.ZapBool("halted", st.Halted),
				utils.ZapUint64("committed", m.CommittedTotal),
				utils.ZapUint64("view_changes", m.ViewChanges),
				utils.ZapFloat64("latency_p95_ms", m.LatencyP95Ms),
				utils.ZapUint64("frames_sent", m.Transport.Sent),
				utils.ZapUint64("frames_received", m.Transport.Received))
			if consumer != nil {
				is := consumer.Snapshot()
				logger.Info("ingest status",
					utils.ZapUint64("consumed", is.Consumed),
					utils.ZapUint64("ordered", is.Ordered),
					utils.ZapUint64("relayed", is.Relayed),
					utils.ZapUint64("failed", is.Failed))
			}
		}
	}
}
