package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mahaj/commlayer/pkg/auth"
	"github.com/mahaj/commlayer/pkg/config"
	"github.com/mahaj/commlayer/pkg/db"
	"github.com/mahaj/commlayer/pkg/gateway"
	"github.com/mahaj/commlayer/pkg/logging"
	"github.com/mahaj/commlayer/pkg/persist"
)

func main() {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Serve login, history, channel and presence queries over HTTP",
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
			return run(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file (default $COMMLAYER_CONFIG)")
	cmd.Flags().BoolVar(&debug, "debug", false, "debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	signer, err := auth.NewSigner(cfg.Gateway.JWTSecret, cfg.API.TokenTTL)
	if err != nil {
		return err
	}

	session, err := db.NewSession(cfg.Persistence.ScyllaHosts, cfg.Persistence.ScyllaKeyspace, log)
	if err != nil {
		return err
	}
	defer session.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Gateway.RedisAddr})
	defer rdb.Close()

	srv := NewServer(signer, persist.NewScyllaRepository(session), session, gateway.NewRedisPresence(rdb), log)
	httpSrv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("api_listening", zap.String("addr", cfg.API.Addr))
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "api server")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
