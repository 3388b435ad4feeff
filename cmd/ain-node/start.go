package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cshcomcom/ain-blockchain/blockpool"
	"github.com/cshcomcom/ain-blockchain/chain"
	"github.com/cshcomcom/ain-blockchain/consensus"
	"github.com/cshcomcom/ain-blockchain/evidence"
	"github.com/cshcomcom/ain-blockchain/nodecfg"
	"github.com/cshcomcom/ain-blockchain/p2p"
	"github.com/cshcomcom/ain-blockchain/privval"
	"github.com/cshcomcom/ain-blockchain/state"
	"github.com/cshcomcom/ain-blockchain/txpool"
	"github.com/cshcomcom/ain-blockchain/types"
	"github.com/cshcomcom/ain-blockchain/wal"
)

func startCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Starts the node's consensus and p2p event loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile)
		},
	}
}

func runStart(configFile string) error {
	cfg, err := nodecfg.Load(configFile)
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("moniker", cfg.Moniker))

	genesisPath := cfg.GenesisFile
	if !filepath.IsAbs(genesisPath) {
		genesisPath = filepath.Join(cfg.DataDir, filepath.Base(genesisPath))
	}
	genesisDoc, err := nodecfg.LoadGenesisDoc(genesisPath)
	if err != nil {
		return err
	}
	if cfg.Consensus.ChainID == "" {
		cfg.Consensus.ChainID = genesisDoc.ChainID
	}

	signer, err := privval.LoadOrGenFilePV(
		filepath.Join(cfg.DataDir, "priv_validator_key.json"),
		filepath.Join(cfg.DataDir, "priv_validator_state.json"),
	)
	if err != nil {
		return fmt.Errorf("loading validator key: %w", err)
	}

	genesisBlock := genesisDoc.GenesisBlock()
	validators, err := types.NewValidatorSet(genesisDoc.Validators)
	if err != nil {
		return fmt.Errorf("building genesis validator set: %w", err)
	}

	chainStore := chain.NewChain(genesisBlock, logger)
	stateMgr := state.NewManager(logger)
	if _, err := stateMgr.Clone("", "final-0"); err != nil {
		return fmt.Errorf("cloning genesis state version: %w", err)
	}
	if err := stateMgr.Finalize("final-0"); err != nil {
		return fmt.Errorf("finalizing genesis state version: %w", err)
	}

	engineCfg := cfg.Consensus.ToEngineConfig()
	if err := engineCfg.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid consensus config: %w", err)
	}

	nodeWAL, err := wal.NewFileWAL(filepath.Join(cfg.DataDir, "wal"))
	if err != nil {
		return fmt.Errorf("opening WAL: %w", err)
	}
	if err := nodeWAL.Start(); err != nil {
		return fmt.Errorf("starting WAL: %w", err)
	}
	defer nodeWAL.Stop()

	clock := consensus.NewEpochClock(time.Now(), engineCfg.EpochMS, engineCfg.MaxTimeAdjustment, nil)
	blockPool := blockpool.NewPool(logger.Named("blockpool"))

	engine := consensus.NewEngine(
		engineCfg,
		logger.Named("consensus"),
		stateMgr,
		txpool.NewPool(txpool.DefaultConfig(), logger.Named("txpool")),
		blockPool,
		chainStore,
		nil,
		signer,
		evidence.NewPool(evidence.DefaultConfig()),
		clock,
		validators,
		consensus.NopBroadcaster{},
		consensus.NopReporter{},
		nodeWAL,
	)
	engine.SetNodeStatus(consensus.NodeServing)

	dispatcher := p2p.NewDispatcher(
		logger.Named("p2p"),
		signer,
		engine,
		chainStore,
		blockPool,
		engineCfg.MessageAcceptanceWindow,
	)
	engine.SetBroadcaster(dispatcher)

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: dispatcher}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("p2p listener stopped", zap.Error(err))
		}
	}()

	for i, peer := range cfg.Peers {
		peerID := fmt.Sprintf("peer-%d", i)
		if err := dispatcher.Dial(peerID, peer); err != nil {
			logger.Warn("failed to dial peer", zap.String("peer", peer), zap.Error(err))
		}
	}

	if err := engine.Init(chainStore.Head()); err != nil {
		return fmt.Errorf("starting consensus engine: %w", err)
	}

	logger.Info("node started", zap.String("listen_addr", cfg.ListenAddr), zap.String("chain_id", engineCfg.ChainID))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	if err := engine.Stop(); err != nil {
		logger.Warn("engine stop returned an error", zap.Error(err))
	}
	return httpServer.Close()
}
