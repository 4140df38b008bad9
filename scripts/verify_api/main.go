package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mahaj/commlayer/pkg/logging"
	"github.com/mahaj/commlayer/pkg/model"
)

type LoginResponse struct {
	Token string `json:"token"`
}

// verify_api logs in against a running api and prints what the read
// endpoints return for one direct channel.
func main() {
	var apiAddr, userID, other string
	cmd := &cobra.Command{
		Use:   "verify_api",
		Short: "Smoke test a running api service",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(true)
			if err != nil {
				return err
			}
			defer log.Sync()
			return verify(apiAddr, userID, other, log)
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "http://localhost:8081", "api service address")
	cmd.Flags().StringVar(&userID, "user", "userA", "user to log in as")
	cmd.Flags().StringVar(&other, "other", "userB", "other side of the direct channel to read")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func verify(apiAddr, userID, other string, log *zap.Logger) error {
	reqBody, err := json.Marshal(map[string]string{"user_id": userID})
	if err != nil {
		return err
	}
	resp, err := http.Post(apiAddr+"/login", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return errors.Wrap(err, "login")
	}
	defer resp.Body.Close()

	var loginResp LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return errors.Wrap(err, "decode login response")
	}
	log.Info("logged_in", zap.String("user_id", userID))

	dm := model.DirectChannelID(userID, other)
	for _, path := range []string{
		"/history?channel_id=" + dm,
		"/channels",
		"/channels/" + dm + "/users",
	} {
		body, status, err := get(apiAddr+path, loginResp.Token)
		if err != nil {
			return err
		}
		log.Info("response", zap.String("path", path), zap.Int("status", status))
		fmt.Printf("%s\n%s\n", path, body)
	}
	return nil
}

func get(url, token string) ([]byte, int, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Add("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "GET %s", url)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return body, resp.StatusCode, err
}
