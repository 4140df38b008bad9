package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mahaj/commlayer/pkg/config"
	"github.com/mahaj/commlayer/pkg/db"
	"github.com/mahaj/commlayer/pkg/logging"
	"github.com/mahaj/commlayer/pkg/persist"
)

func main() {
	var (
		configPath string
		groupID    string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "messaging",
		Short: "Persist the gateway envelope stream into ScyllaDB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFrom(configPath)
			if err != nil {
				return err
			}
			log, err := logging.New(debug)
			if err != nil {
				return err
			}
			defer log.Sync()
			return run(cmd.Context(), cfg, groupID, log)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file (default $COMMLAYER_CONFIG)")
	cmd.Flags().StringVar(&groupID, "group", "messaging-service-group", "kafka consumer group")
	cmd.Flags().BoolVar(&debug, "debug", false, "debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, groupID string, log *zap.Logger) error {
	hosts := cfg.Persistence.ScyllaHosts
	keyspace := cfg.Persistence.ScyllaKeyspace

	// Schema creation belongs to scripts/schema; the keyspace is created here
	// too so a fresh cluster works without it.
	if err := db.EnsureKeyspace(hosts, keyspace); err != nil {
		return err
	}
	session, err := db.NewSession(hosts, keyspace, log)
	if err != nil {
		return err
	}
	defer session.Close()
	if err := session.EnsureSchema(); err != nil {
		return err
	}

	reader := NewKafkaReader(cfg.Gateway.KafkaBrokers, cfg.Gateway.KafkaTopic, groupID)
	consumer := NewConsumer(reader, persist.NewScyllaRepository(session), session, log)
	defer consumer.Close()

	log.Info("starting kafka consumer",
		zap.Strings("brokers", cfg.Gateway.KafkaBrokers),
		zap.String("topic", cfg.Gateway.KafkaTopic),
		zap.String("group", groupID))
	return consumer.Consume(ctx)
}
