package main

// operator is the per-node runtime process: it runs the chain event
// producer, job router, aggregation coordinator, and result consumer
// under a single Supervisor. The Supervisor is also handed a
// BlueprintManager and reconciles it on service and blueprint events;
// cmd/blueprint-manager runs the same reconciliation as a standalone process.

import (
	"context"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/restakeops/operator/core"
	"github.com/restakeops/operator/pkg/config"
)

const submitResultSignature = "submitResult(uint64,uint64,bytes,bytes,bytes,uint256,uint32[])"

func main() {
	rootCmd := &cobra.Command{
		Use:   "operator",
		Short: "run the restaking operator runtime",
		Run: func(cmd *cobra.Command, args []string) {
			runOperator()
		},
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runOperator() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logrus.WithError(err).Fatal("load operator config")
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	log := logrus.NewEntry(logrus.StandardLogger())

	if err := config.RequireContractAddress(cfg); err != nil {
		log.WithError(err).Fatal("invalid operator config")
	}

	keys, err := core.NewKeyStoreFromRandom()
	if err != nil {
		log.WithError(err).Fatal("generate operator keys")
	}

	pm := core.NewPeerManager(log)
	transport, err := core.NewTransport(core.TransportConfig{
		ListenAddr:     cfg.Transport.ListenAddr,
		BootstrapPeers: cfg.Transport.BootstrapPeers,
	}, pm, log)
	if err != nil {
		log.WithError(err).Fatal("start transport")
	}
	if err := transport.Start(); err != nil {
		log.WithError(err).Fatal("start transport handlers")
	}
	defer transport.Close()

	client, err := ethclient.DialContext(context.Background(), cfg.Chain.RPCURL)
	if err != nil {
		log.WithError(err).Fatal("dial chain RPC")
	}

	producer := core.NewChainEventProducer(client, core.ChainEventProducerConfig{
		PollInterval:     cfg.Chain.PollInterval,
		Confirmations:    cfg.Chain.Confirmations,
		MaxBlocksPerStep: cfg.Chain.MaxBlocksPerStep,
		ContractAddress:  common.HexToAddress(cfg.Chain.ContractAddress),
	}, 0, log)

	fetcher := core.NewSourceFetcher(core.FetcherConfig{
		IpfsGatewayURL:  cfg.Fetcher.IpfsGatewayURL,
		MaxArchiveBytes: cfg.Fetcher.MaxArchiveBytes,
		CacheDir:        cfg.Fetcher.CacheDir,
	}, log)
	procSupervisor := core.NewProcessSupervisor(log)
	manager := core.NewBlueprintManager(fetcher, procSupervisor, cfg.Fetcher.CacheDir, log)

	router := core.NewJobRouter(log)

	mode := core.ModeCoordinatorHTTP
	if cfg.Aggregation.Mode == "gossip" {
		mode = core.ModeGossip
	}
	aggregator := core.NewAggregationCoordinator(core.AggregationCoordinatorConfig{
		Mode:           mode,
		CoordinatorURL: cfg.Aggregation.CoordinatorURL,
		PollInterval:   cfg.Aggregation.PollInterval,
		ThresholdWait:  cfg.Aggregation.ThresholdWait,
		NumAggregators: cfg.Aggregation.NumAggregators,
	}, keys, pm, transport, log)

	selector := [4]byte{}
	copy(selector[:], crypto.Keccak256([]byte(submitResultSignature))[:4])
	consumer := core.NewResultConsumer(
		client,
		common.HexToAddress(cfg.Chain.ContractAddress),
		selector,
		keys,
		big.NewInt(cfg.Chain.ChainID),
		log,
	)

	supervisor := core.NewSupervisor(core.SupervisorConfig{
		Producer:   producer,
		Manager:    manager,
		Router:     router,
		Aggregator: aggregator,
		Consumer:   consumer,
		Dispatch:   core.JobDispatchTable{},
		Peers:      pm,
		SelfKey: core.VerificationIdentifierKey{
			Kind:    core.VerificationEvmAddress,
			EvmAddr: keys.Address(),
		},
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("operator runtime starting")
	supervisor.Run(ctx)
	log.Info("operator runtime stopped")
}
