package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/elear-solutions/meshlink-tiny/config"
	"github.com/elear-solutions/meshlink-tiny/internal/logger"
	"github.com/elear-solutions/meshlink-tiny/internal/metrics"
	"github.com/elear-solutions/meshlink-tiny/keys"
	"github.com/elear-solutions/meshlink-tiny/meshlink"
)

var runConfigFile string

var runCmd = &cobra.Command{
	Use:     "run",
	Short:   "Run a MeshLink node against a YAML configuration file",
	Example: `  meshlinkd run --config meshlink.yaml`,
	RunE:    runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runConfigFile, "config", "c", "", "Path to the node's YAML configuration file")
	_ = runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(runConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.NewDefault()
	log = log.WithFields(logger.String("node", cfg.Name))

	selfKey, err := loadOrGenerateKey(cfg.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("load signature key: %w", err)
	}

	m := meshlink.New(cfg.Name, selfKey)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			log.Info("starting metrics server", logger.String("addr", addr), logger.String("path", cfg.Metrics.Path))
			if err := metrics.StartServer(addr, cfg.Metrics.Path); err != nil {
				log.Error("metrics server stopped", logger.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		m.Stop()
		cancel()
	}()

	log.Info("node starting", logger.String("listen", fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)))
	m.Run(ctx)
	log.Info("node stopped")
	return nil
}

func loadOrGenerateKey(path string) (*keys.SignatureKey, error) {
	if path == "" {
		return keys.Generate()
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		k, genErr := keys.Generate()
		if genErr != nil {
			return nil, genErr
		}
		if writeErr := os.WriteFile(path, k.StorePrivateRaw(), 0600); writeErr != nil {
			return nil, writeErr
		}
		return k, nil
	}
	if err != nil {
		return nil, err
	}
	return keys.LoadPrivateRaw(raw)
}
