// Package main provides the veild daemon - a privacy-coin node with a
// built-in exchange.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veilcash/veild/internal/config"
	"github.com/veilcash/veild/internal/ledger"
	"github.com/veilcash/veild/internal/rpc"
	"github.com/veilcash/veild/internal/storage"
	"github.com/veilcash/veild/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir       = flag.String("data-dir", "~/.veild", "Data directory")
		testnet       = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		logLevel      = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		createGenesis = flag.Bool("create-genesis", false, "Create genesis data files and exit")
		nwitnesses    = flag.Uint("genesis-witnesses", 4, "Witness count for -create-genesis")
		maxmal        = flag.Uint("genesis-maxmal", 1, "Tolerated malicious witnesses for -create-genesis")
		blockInterval = flag.Duration("block-interval", 10*time.Second, "Witness block production interval")
		showVersion   = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("veild %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = effectiveDataDir + "/testnet"
	}

	cfg, err := config.Load(effectiveDataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	if *testnet {
		cfg.NetworkType = config.Testnet
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	log.SetLevel(logging.ParseLevel(cfg.Logging.Level))

	if *createGenesis {
		dir := config.ExpandPath(effectiveDataDir)
		if err := ledger.CreateGenesisFiles(dir, cfg.Blockchain(), uint32(*nwitnesses), uint32(*maxmal)); err != nil {
			log.Fatal("Failed to create genesis files", "error", err)
		}
		log.Info("Genesis data files created", "dir", dir, "nwitnesses", *nwitnesses, "maxmal", *maxmal)
		os.Exit(0)
	}

	log.Info("Starting veild", "version", version, "network", cfg.NetworkType)

	store, err := storage.New(&storage.Config{
		DataDir: cfg.Storage.DataDir,
		Logger:  log.Component("storage"),
	})
	if err != nil {
		log.Fatal("Failed to open storage", "error", err)
	}

	chain := ledger.NewChain(cfg, store, log.Component("chain"))
	if err := chain.Init(); err != nil {
		log.Fatal("Failed to initialize blockchain", "error", err)
	}

	var witness *ledger.Witness
	if cfg.Witness.IsWitness() {
		key, err := ledger.LoadWitnessKey(config.ExpandPath(effectiveDataDir), cfg.Witness.Index)
		if err != nil {
			log.Fatal("Failed to load witness key", "error", err)
		}

		witness = ledger.NewWitness(chain, cfg.Witness.Index, key, *blockInterval, log.Component("witness"))
		witness.Start()

		log.Info("Witness started", "index", cfg.Witness.Index)
	}

	var server *rpc.Server
	if cfg.RPC.Addr != "" {
		server = rpc.NewServer(chain, store)
		if err := server.Start(cfg.RPC.Addr); err != nil {
			log.Fatal("Failed to start rpc server", "error", err)
		}
		chain.OnIndelible = server.NotifyBlock
	}

	log.Info("Node running", "last_indelible_level", chain.GetStatus().LastIndelibleLevel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down")

	if witness != nil {
		witness.Stop()
	}
	if server != nil {
		server.Stop()
	}

	chain.Stop()

	if err := store.Close(); err != nil {
		log.Error("Failed to close storage", "error", err)
	}

	log.Info("Shutdown complete")
}
