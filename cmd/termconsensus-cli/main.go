// cmd/termconsensus-cli/main.go
//
// termconsensus-cli is the operator and miner client for a termconsensus
// validator. It manages keys, signs submissions and reviews, and reads
// assignments and weight vectors from the validator API.
package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ssd-technologies/termconsensus/internal/identity"
)

var rootCmd = &cobra.Command{
	Use:   "termconsensus-cli",
	Short: "Client for termconsensus validators",
	Long: `termconsensus-cli talks to a termconsensus validator.

Miners sign and submit agents. Validators sign reviews and declines.
Operators finalize epochs, advance the epoch and manage validator stake.

Every flag can also be set through TERMCONSENSUS_<FLAG>, for example
TERMCONSENSUS_SERVER=http://validator:8080.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TERMCONSENSUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "validator API base URL")
	rootCmd.PersistentFlags().String("key", "termconsensus.key", "path to the Ed25519 key file")
	rootCmd.PersistentFlags().String("secret", "", "admin secret for operator commands")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "request timeout")
	for _, name := range []string{"server", "key", "secret", "json", "timeout"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(
		newKeygenCmd(),
		newWhoamiCmd(),
		newSignCmd(),
		newSubmitCmd(),
		newStatusCmd(),
		newScoreCmd(),
		newAssignCmd(),
		newReviewCmd(),
		newDeclineCmd(),
		newAttestCmd(),
		newLogsCmd(),
		newWeightsCmd(),
		newFinalizeCmd(),
		newAdvanceCmd(),
		newValidatorsCmd(),
	)
}

func loadKey() (ed25519.PrivateKey, error) {
	_, priv, err := identity.LoadOrGenerateKeypair(viper.GetString("key"))
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}
	return priv, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// apiError is a non-2xx answer from the validator.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// call sends body as JSON and decodes a JSON answer into out. Statuses the
// caller lists in accept are decoded into out instead of failing.
func call(ctx context.Context, method, path string, body, out any, admin bool, accept ...int) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, viper.GetDuration("timeout"))
	defer cancel()
	url := strings.TrimRight(viper.GetString("server"), "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("X-Admin-Secret", viper.GetString("secret"))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, s := range accept {
		if resp.StatusCode == s {
			ok = true
		}
	}
	if !ok {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return resp.StatusCode, &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
}
