package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vnmchuo/inference-orchestrator/config"
	"github.com/vnmchuo/inference-orchestrator/internal/bandit"
	"github.com/vnmchuo/inference-orchestrator/internal/registry"
)

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the routing status of a running orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetchStatus(cmd.Context(), addr, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "orchestrator base URL")
	return cmd
}

func fetchStatus(ctx context.Context, addr string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+"/v1/status", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch status: %s", resp.Status)
	}

	var body any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(body)
}

func newArmsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "arms",
		Short: "Dump the persisted model-selection statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := cmd.Context()
			log := zap.NewNop()
			in, err := connect(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer in.Close()
			store, err := openStore(ctx, cfg, in, log)
			if err != nil {
				return err
			}
			defer store.Close()

			arms, err := store.LoadArms(ctx)
			if err != nil {
				return err
			}
			bandit.SortArms(arms)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODEL\tCATEGORY\tPULLS\tSUCCESS\tAVG LATENCY\tAVG COST\tLAST USED")
			for _, a := range arms {
				st := a.Stats
				var rate float64
				var lat time.Duration
				var cost float64
				if st.Pulls > 0 {
					rate = float64(st.Successes) / float64(st.Pulls)
					lat = st.TotalLatency / time.Duration(st.Pulls)
					cost = st.TotalCost / float64(st.Pulls)
				}
				last := "-"
				if !st.LastUsed.IsZero() {
					last = st.LastUsed.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%s\t$%.5f\t%s\n",
					a.Key.Provider, a.Key.Model, a.Key.Category, st.Pulls, rate, lat.Round(time.Millisecond), cost, last)
			}
			return w.Flush()
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <providers-file>",
		Short: "Parse and validate a providers file without starting the service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := config.LoadProviders(args[0])
			if err != nil {
				return err
			}
			profiles, err := p.Profiles(config.NewBackend)
			if err != nil {
				return err
			}
			if _, err := registry.New(profiles...); err != nil {
				return err
			}
			enabled := 0
			for _, prof := range profiles {
				if prof.Enabled {
					enabled++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d providers (%d enabled)\n", len(profiles), enabled)
			return nil
		},
	}
}
