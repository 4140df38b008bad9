package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mahaj/commlayer/pkg/auth"
	"github.com/mahaj/commlayer/pkg/config"
	"github.com/mahaj/commlayer/pkg/gateway"
	"github.com/mahaj/commlayer/pkg/logging"
	"github.com/mahaj/commlayer/pkg/snowflake"
)

type options struct {
	configPath string
	node       int64
	standalone bool
	debug      bool
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the websocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFrom(opts.configPath)
			if err != nil {
				return err
			}
			log, err := logging.New(opts.debug)
			if err != nil {
				return err
			}
			defer log.Sync()
			return run(cmd.Context(), cfg, opts, log)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "YAML config file (default $COMMLAYER_CONFIG)")
	cmd.Flags().Int64Var(&opts.node, "node", 1, "instance number, also the snowflake node id")
	cmd.Flags().BoolVar(&opts.standalone, "standalone", false, "use the in-memory broker and presence instead of kafka and redis")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, log *zap.Logger) error {
	signer, err := auth.NewSigner(cfg.Gateway.JWTSecret, 0)
	if err != nil {
		return err
	}
	node, err := snowflake.NewNode(opts.node)
	if err != nil {
		return err
	}

	var (
		broker   gateway.Broker
		presence gateway.Presence
	)
	if opts.standalone {
		broker = gateway.NewMemoryBroker(1024)
		presence = gateway.NewMemoryPresence()
		log.Info("standalone_mode")
	} else {
		broker = gateway.NewKafkaBroker(cfg.Gateway.KafkaBrokers, cfg.Gateway.KafkaTopic, strconv.FormatInt(opts.node, 10), log)
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Gateway.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return errors.Wrapf(err, "redis %s", cfg.Gateway.RedisAddr)
		}
		presence = gateway.NewRedisPresence(rdb)
	}
	defer broker.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub, err := gateway.NewHub(gateway.Options{
		Signer:     signer,
		Broker:     broker,
		Presence:   presence,
		Node:       node,
		Logger:     log,
		Registerer: reg,
		RateLimit:  rate.Limit(cfg.Gateway.RateLimitRPS),
		RateBurst:  cfg.Gateway.RateLimitBurst,
	})
	if err != nil {
		return err
	}
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", hub.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.Gateway.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("gateway_listening",
			zap.String("addr", cfg.Gateway.Addr),
			zap.Int64("node", opts.node),
			zap.Strings("kafka_brokers", cfg.Gateway.KafkaBrokers))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "gateway server")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
