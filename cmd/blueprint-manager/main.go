package main

// blueprint-manager runs the reconciliation loop (core.BlueprintManager) as
// its own process, separate from the operator runtime, so that fetching,
// spawning, and terminating blueprint services proceeds independently of
// job routing and aggregation.

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/restakeops/operator/core"
	"github.com/restakeops/operator/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "blueprint-manager",
		Short: "run the blueprint reconciliation loop",
		Run: func(cmd *cobra.Command, args []string) {
			runManager()
		},
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runManager() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logrus.WithError(err).Fatal("load blueprint manager config")
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	log := logrus.NewEntry(logrus.StandardLogger())

	if err := config.RequireContractAddress(cfg); err != nil {
		log.WithError(err).Fatal("invalid blueprint manager config")
	}

	client, err := ethclient.DialContext(context.Background(), cfg.Chain.RPCURL)
	if err != nil {
		log.WithError(err).Fatal("dial chain RPC")
	}

	fetcher := core.NewSourceFetcher(core.FetcherConfig{
		IpfsGatewayURL:  cfg.Fetcher.IpfsGatewayURL,
		MaxArchiveBytes: cfg.Fetcher.MaxArchiveBytes,
		CacheDir:        cfg.Fetcher.CacheDir,
	}, log)
	procSupervisor := core.NewProcessSupervisor(log)
	manager := core.NewBlueprintManager(fetcher, procSupervisor, cfg.Fetcher.CacheDir, log)

	producer := core.NewChainEventProducer(client, core.ChainEventProducerConfig{
		PollInterval:     cfg.Chain.PollInterval,
		Confirmations:    cfg.Chain.Confirmations,
		MaxBlocksPerStep: cfg.Chain.MaxBlocksPerStep,
		ContractAddress:  common.HexToAddress(cfg.Chain.ContractAddress),
	}, 0, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := make(chan core.ChainEvent, 256)
	errOut := make(chan error, 16)

	go producer.Run(ctx, events, errOut)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errOut:
				if !ok {
					return
				}
				log.WithError(err).Warn("chain event producer error")
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	log.Info("blueprint manager starting")
	for {
		select {
		case <-ctx.Done():
			log.Info("blueprint manager stopping")
			manager.Shutdown()
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			applyEvent(manager, ev)
			manager.Reconcile(ctx)
		case <-ticker.C:
			manager.Reconcile(ctx)
		}
	}
}

func applyEvent(manager *core.BlueprintManager, ev core.ChainEvent) {
	switch ev.Kind {
	case core.EventServiceInitiated:
		manager.ObserveServiceInitiated(ev.BlueprintId, ev.ServiceId)
	case core.EventServiceTerminated:
		manager.ObserveServiceTerminated(ev.BlueprintId, ev.ServiceId)
	}
}
