// Command ingestctl is the operator tool for the claims ingestion service:
// schema migrations, facility provisioning and synthetic file drops.
//
// Usage:
//
//	go run ./cmd/ingestctl migrate up
//	go run ./cmd/ingestctl facility put --code MF123 --name "Clinic" --login u --password p
//	go run ./cmd/ingestctl drop --files 50 --claims 20
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/logger"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "ingestctl",
		Short:         "Operator tool for the claims ingestion service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "configs/development.yaml", "path to config file")

	root.AddCommand(migrateCmd())
	root.AddCommand(facilityCmd())
	root.AddCommand(dropCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.Setup(cfg.Logging.Level, "text")
	return cfg, nil
}
