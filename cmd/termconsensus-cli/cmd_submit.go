package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/sha3"

	"github.com/ssd-technologies/termconsensus/internal/config"
	"github.com/ssd-technologies/termconsensus/internal/scoring"
	"github.com/ssd-technologies/termconsensus/internal/storage"
	"github.com/ssd-technologies/termconsensus/internal/submission"
)

func readResults(path string) ([]submission.TaskResult, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	var results []submission.TaskResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("parse results: %w", err)
	}
	return results, nil
}

type submissionFlags struct {
	Payload  string
	Results  string
	Name     string
	Epoch    uint64
	Endpoint string
	Token    string
}

func (f *submissionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Payload, "payload", "", "agent source file")
	cmd.Flags().StringVar(&f.Results, "results", "", "JSON file of task results")
	cmd.Flags().StringVar(&f.Name, "name", "", "agent name")
	cmd.Flags().Uint64Var(&f.Epoch, "epoch", 0, "epoch the submission targets")
	cmd.Flags().StringVar(&f.Endpoint, "executor-endpoint", "", "execution backend URL")
	cmd.Flags().StringVar(&f.Token, "executor-token", "", "execution backend token")
	_ = cmd.MarkFlagRequired("payload")
	_ = cmd.MarkFlagRequired("executor-endpoint")
	_ = cmd.MarkFlagRequired("executor-token")
}

// build reads the payload and results and signs the submission with the
// configured key. The agent hash is the sha3-256 of the payload.
func (f *submissionFlags) build() (*submission.Submission, error) {
	priv, err := loadKey()
	if err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if len(payload) > submission.MaxPayloadBytes {
		return nil, fmt.Errorf("payload is %d bytes, max %d", len(payload), submission.MaxPayloadBytes)
	}
	results, err := readResults(f.Results)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].OutputPreview = submission.TruncatePreview(results[i].OutputPreview, submission.MaxOutputPreview)
	}

	sum := sha3.Sum256(payload)
	s := &submission.Submission{
		AgentHash:        hex.EncodeToString(sum[:]),
		Epoch:            f.Epoch,
		Name:             f.Name,
		SubmittedAt:      time.Now().UnixMilli(),
		Payload:          payload,
		TaskResults:      results,
		ExecutorEndpoint: f.Endpoint,
		ExecutorToken:    f.Token,
	}
	submission.Sign(s, priv)
	return s, nil
}

func newSignCmd() *cobra.Command {
	var f submissionFlags
	var out string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a submission and write it as JSON without sending it",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := f.build()
			if err != nil {
				return err
			}
			if out == "" {
				return printJSON(s)
			}
			data, err := json.MarshalIndent(s, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0600); err != nil {
				return fmt.Errorf("write submission: %w", err)
			}
			fmt.Printf("Signed submission %s written to %s\n", s.AgentHash, out)
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func newSubmitCmd() *cobra.Command {
	var f submissionFlags
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Sign and submit an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := f.build()
			if err != nil {
				return err
			}
			var resp struct {
				ID      string             `json:"id"`
				Verdict submission.Verdict `json:"verdict"`
			}
			_, err = call(cmd.Context(), http.MethodPost, "/api/submissions", s, &resp, false,
				http.StatusTooManyRequests, http.StatusConflict, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			fmt.Printf("Submission: %s\n", resp.ID)
			fmt.Printf("Verdict:    %s\n", resp.Verdict.Status)
			if !resp.Verdict.Admitted() {
				return fmt.Errorf("submission rejected: %s (%s)", resp.Verdict.Reason, resp.Verdict.Detail)
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <submission-id>",
		Short: "Show a submission's pipeline status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec storage.SubmissionRecord
			if _, err := call(cmd.Context(), http.MethodGet, "/api/submissions/"+args[0], nil, &rec, false); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(rec)
			}
			fmt.Printf("Submission: %s\n", rec.Submission.AgentHash)
			fmt.Printf("Miner:      %s\n", rec.Submission.Miner)
			fmt.Printf("Epoch:      %d\n", rec.Submission.Epoch)
			fmt.Printf("Status:     %s\n", rec.Status)
			fmt.Printf("Score:      %.6f\n", rec.Score)
			return nil
		},
	}
}

func newScoreCmd() *cobra.Command {
	var tasksPath string
	cmd := &cobra.Command{
		Use:   "score <results.json>",
		Short: "Score task results locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(tasksPath)
			if err != nil {
				return err
			}
			results, err := readResults(args[0])
			if err != nil {
				return err
			}
			catalog := cfg.Catalog()
			results = submission.NormalizeResults(results)
			b := scoring.BenchmarkScore(catalog, results)
			if viper.GetBool("json") {
				return printJSON(b)
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Task", "Difficulty", "Passed", "Time (ms)", "Reward"})
			for _, r := range results {
				task := catalog.Lookup(r.TaskID)
				tw.AppendRow(table.Row{r.TaskID, task.Difficulty, r.Passed, r.ExecutionTimeMs,
					fmt.Sprintf("%.4f", scoring.TaskScore(task, r))})
			}
			tw.AppendFooter(table.Row{"", "", fmt.Sprintf("%d/%d", b.TasksPassed, b.TasksTotal), "",
				fmt.Sprintf("%.4f", b.Score)})
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&tasksPath, "tasks", "", "validator config file holding the task catalog")
	return cmd
}
