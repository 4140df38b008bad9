package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mahaj/commlayer/pkg/commstore"
	"github.com/mahaj/commlayer/pkg/config"
	"github.com/mahaj/commlayer/pkg/logging"
	"github.com/mahaj/commlayer/pkg/model"
	"github.com/mahaj/commlayer/pkg/persist"
	"github.com/mahaj/commlayer/pkg/realtime"
)

type LoginResponse struct {
	Token string `json:"token"`
}

func login(ctx context.Context, apiAddr, userID string) (string, error) {
	reqBody, err := json.Marshal(map[string]string{"user_id": userID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiAddr+"/login", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "login")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", errors.Errorf("login failed: %s", bytes.TrimSpace(body))
	}

	var loginResp LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return "", errors.Wrap(err, "decode login response")
	}
	return loginResp.Token, nil
}

type options struct {
	configPath string
	apiAddr    string
	userID     string
	channel    string
	dmUser     string
	notify     bool
	debug      bool
}

func main() {
	var opts options
	root := &cobra.Command{
		Use:   "client",
		Short: "Interactive chat client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), opts, os.Stdin, cmd.OutOrStdout())
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (default $COMMLAYER_CONFIG)")
	root.PersistentFlags().StringVar(&opts.apiAddr, "api", "http://localhost:8081", "api service address")
	root.PersistentFlags().StringVar(&opts.userID, "user", "", "user id (default connection.user_id)")
	root.Flags().StringVar(&opts.channel, "channel", "general", "channel to open")
	root.Flags().StringVar(&opts.dmUser, "dm", "", "user to open a direct channel with (overrides --channel)")
	root.Flags().BoolVar(&opts.notify, "notify", true, "print notifications inline")
	root.Flags().BoolVar(&opts.debug, "debug", false, "debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "login",
		Short: "Print a development token for --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.userID == "" {
				return errors.New("--user is required")
			}
			token, err := login(cmd.Context(), opts.apiAddr, opts.userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func runChat(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	cfg, err := config.LoadFrom(opts.configPath)
	if err != nil {
		return err
	}
	conn := cfg.Connection
	if opts.userID != "" {
		conn.UserID = opts.userID
	}
	if conn.UserID == "" {
		return errors.New("--user is required")
	}
	log, err := logging.New(opts.debug || conn.Debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	if conn.Token == "" {
		if conn.Token, err = login(ctx, opts.apiAddr, conn.UserID); err != nil {
			return err
		}
	}

	manager, err := realtime.NewManager(conn, realtime.WithLogger(log))
	if err != nil {
		return err
	}
	defer manager.Disconnect()

	sess := newSession(out)
	storeOpts := []commstore.Option{
		commstore.WithConnection(manager),
		commstore.WithLogger(log),
		commstore.WithNotifier(terminalNotifier{s: sess, enabled: opts.notify}),
	}
	repo, err := persist.Open(cfg.Persistence, log)
	if err != nil {
		return err
	}
	var writer *persist.Writer
	if repo != nil {
		defer repo.Close()
		writer = persist.NewWriter(repo, log)
		defer writer.Close()
		storeOpts = append(storeOpts, commstore.WithWriter(writer))
	}

	store, err := commstore.NewStore(model.User{ID: conn.UserID, Name: conn.UserID}, cfg.Store, storeOpts...)
	if err != nil {
		return err
	}
	defer store.Close()
	sess.store = store
	if writer != nil {
		if err := store.Hydrate(ctx); err != nil {
			return err
		}
	}

	unwatch := sess.watch()
	defer unwatch()
	unstatus := manager.Statuses().Subscribe(func(c realtime.StatusChange) {
		sess.printf("* %s\n", c.To)
	})
	defer unstatus()
	ungiveup := manager.GiveUps().Subscribe(func(g realtime.GiveUpEvent) {
		sess.printf("* gave up after %d attempts, /quit and restart to retry\n", g.Attempts)
	})
	defer ungiveup()

	if err := manager.Connect(ctx); err != nil {
		// Messages typed now are queued and go out once a reconnect lands.
		log.Warn("connect_failed", zap.Error(err))
	}

	if opts.dmUser != "" {
		err = sess.direct(opts.dmUser)
	} else {
		err = sess.join(opts.channel)
	}
	if err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := sess.exec(line)
			if err != nil {
				sess.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}
