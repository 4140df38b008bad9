package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mahaj/commlayer/pkg/config"
	"github.com/mahaj/commlayer/pkg/db"
	"github.com/mahaj/commlayer/pkg/logging"
)

func main() {
	var (
		configPath string
		drop       bool
	)
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Create (or with --drop, recreate) the ScyllaDB keyspace and tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFrom(configPath)
			if err != nil {
				return err
			}
			log, err := logging.New(true)
			if err != nil {
				return err
			}
			defer log.Sync()
			return run(cfg.Persistence, drop, log)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file (default $COMMLAYER_CONFIG)")
	cmd.Flags().BoolVar(&drop, "drop", false, "drop every table before creating it")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Persistence, drop bool, log *zap.Logger) error {
	if err := db.EnsureKeyspace(cfg.ScyllaHosts, cfg.ScyllaKeyspace); err != nil {
		return err
	}
	session, err := db.NewSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace, log)
	if err != nil {
		return err
	}
	defer session.Close()

	if drop {
		log.Info("dropping_tables", zap.String("keyspace", cfg.ScyllaKeyspace))
		if err := session.DropSchema(); err != nil {
			return err
		}
	}
	if err := session.EnsureSchema(); err != nil {
		return err
	}
	log.Info("schema_ready", zap.String("keyspace", cfg.ScyllaKeyspace), zap.Int("tables", len(db.Schema)))
	return nil
}
