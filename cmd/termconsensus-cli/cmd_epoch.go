package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ssd-technologies/termconsensus/internal/mesh"
	"github.com/ssd-technologies/termconsensus/internal/storage"
	"github.com/ssd-technologies/termconsensus/internal/weights"
)

type epochState struct {
	Epoch  uint64            `json:"epoch"`
	Stakes map[string]uint64 `json:"stakes"`
}

// epochArg returns the epoch named in args, or the validator's current epoch.
func epochArg(cmd *cobra.Command, args []string) (uint64, error) {
	if len(args) == 1 {
		return strconv.ParseUint(args[0], 10, 64)
	}
	var st epochState
	if _, err := call(cmd.Context(), http.MethodGet, "/api/epochs/current", nil, &st, false); err != nil {
		return 0, err
	}
	return st.Epoch, nil
}

func renderVector(v weights.Vector) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Identity", "Weight", "Share"})
	total := float64(v.Sum())
	for _, e := range v.Entries {
		share := 0.0
		if total > 0 {
			share = float64(e.Weight) * 100 / total
		}
		tw.AppendRow(table.Row{shortID(e.Identity), e.Weight, fmt.Sprintf("%.2f%%", share)})
	}
	tw.AppendFooter(table.Row{"", v.Sum(), ""})
	tw.Render()
}

func newWeightsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "weights [epoch]",
		Short: "Show the finalized weight vector of an epoch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			epoch, err := epochArg(cmd, args)
			if err != nil {
				return err
			}
			var resp struct {
				Epoch        uint64         `json:"epoch"`
				Vector       weights.Vector `json:"vector"`
				VectorDigest string         `json:"vector_digest"`
				BurnPercent  float64        `json:"burn_percent"`
				FinalizedAt  int64          `json:"finalized_at"`
			}
			path := fmt.Sprintf("/api/epochs/%d/weights", epoch)
			if _, err := call(cmd.Context(), http.MethodGet, path, nil, &resp, false); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			fmt.Printf("Epoch:     %d\n", resp.Epoch)
			fmt.Printf("Digest:    %s\n", resp.VectorDigest)
			fmt.Printf("Burn:      %.2f%%\n", resp.BurnPercent)
			fmt.Printf("Finalized: %s\n", time.UnixMilli(resp.FinalizedAt).Format(time.RFC3339))
			renderVector(resp.Vector)
			return nil
		},
	}
}

func newFinalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finalize [epoch]",
		Short: "Finalize an epoch on the validator (operator)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			epoch, err := epochArg(cmd, args)
			if err != nil {
				return err
			}
			var f storage.FinalizedEpoch
			path := fmt.Sprintf("/api/epochs/%d/finalize", epoch)
			if _, err := call(cmd.Context(), http.MethodPost, path, nil, &f, true); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(f)
			}
			fmt.Printf("Epoch %d finalized (%s)\n", f.Epoch, f.ID)
			for _, ev := range f.Events {
				fmt.Printf("decay: %s %s %.2f%%\n", ev.Kind, shortID(ev.Identity), ev.BurnPercent)
			}
			renderVector(f.Vector)
			return nil
		},
	}
}

func newAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance",
		Short: "Start the next epoch (operator)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st epochState
			if _, err := call(cmd.Context(), http.MethodPost, "/api/epochs/advance", nil, &st, true); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			fmt.Printf("Epoch %d started with %d validators\n", st.Epoch, len(st.Stakes))
			return nil
		},
	}
}

func newValidatorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validators",
		Short: "List and manage the validator set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Validators []mesh.ValidatorInfo `json:"validators"`
				Stats      mesh.RegistryStats   `json:"stats"`
			}
			if _, err := call(cmd.Context(), http.MethodGet, "/api/validators", nil, &resp, false); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Identity", "Address", "Stake", "Online", "Last seen"})
			for _, v := range resp.Validators {
				tw.AppendRow(table.Row{shortID(v.Identity), v.Address, v.Stake, v.Online,
					v.LastSeen.Local().Format(time.DateTime)})
			}
			tw.AppendFooter(table.Row{
				fmt.Sprintf("%d/%d online", resp.Stats.ValidatorsOnline, resp.Stats.ValidatorsTotal), "",
				fmt.Sprintf("%d/%d", resp.Stats.StakeOnline, resp.Stats.StakeTotal), "", "",
			})
			tw.Render()
			return nil
		},
	}

	var address string
	var stake uint64
	set := &cobra.Command{
		Use:   "set <identity>",
		Short: "Register a validator or update its stake (operator)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"identity": args[0], "address": address, "stake": stake}
			var info mesh.ValidatorInfo
			if _, err := call(cmd.Context(), http.MethodPut, "/api/validators", body, &info, true); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(info)
			}
			fmt.Printf("Validator %s stake %d\n", shortID(info.Identity), info.Stake)
			return nil
		},
	}
	set.Flags().StringVar(&address, "address", "", "validator address")
	set.Flags().Uint64Var(&stake, "stake", 0, "validator stake")

	remove := &cobra.Command{
		Use:   "remove <identity>",
		Short: "Remove a validator (operator)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := call(cmd.Context(), http.MethodDelete, "/api/validators/"+args[0], nil, nil, true); err != nil {
				return err
			}
			fmt.Printf("Validator %s removed\n", shortID(args[0]))
			return nil
		},
	}
	cmd.AddCommand(set, remove)
	return cmd
}
