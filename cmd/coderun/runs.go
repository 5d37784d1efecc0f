package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"coderun/internal/memory"
)

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run history",
	}
	cmd.AddCommand(runsListCmd())
	cmd.AddCommand(runsShowCmd())
	return cmd
}

func openHistory() (*memory.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Memory.Enabled {
		return nil, fmt.Errorf("run history is disabled (memory.enabled=false)")
	}
	return memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
}

func runsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory()
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(context.Background(), limit)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			if len(runs) == 0 {
				fmt.Println("No runs yet.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tWHEN\tCHANNEL\tMODEL\tSTATUS\tQUERY")
			for _, r := range runs {
				status := "ok"
				if r.Error != "" {
					status = "error"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID,
					r.CreatedAt.Local().Format(time.DateTime),
					r.Channel,
					r.Model,
					status,
					oneLine(r.Query, 60),
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func runsShowCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one run in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory()
			if err != nil {
				return err
			}
			defer store.Close()

			r, err := store.GetRun(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}
			if r == nil {
				return fmt.Errorf("run %s not found", args[0])
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			}

			fmt.Printf("Run:       %s\n", r.ID)
			fmt.Printf("When:      %s\n", r.CreatedAt.Local().Format(time.DateTime))
			fmt.Printf("Channel:   %s\n", r.Channel)
			fmt.Printf("Model:     %s\n", r.Model)
			fmt.Printf("Tools:     %d call(s)\n", r.ToolCalls)
			fmt.Printf("Tokens:    %d in / %d out\n", r.TokensIn, r.TokensOut)
			fmt.Printf("Latency:   %dms\n", r.LatencyMs)
			fmt.Printf("Query:     %s\n", r.Query)
			if r.Error != "" {
				fmt.Printf("\nAn error occurred: %s\n", r.Error)
				return nil
			}
			fmt.Printf("\nResponse:\n%s\n", r.Generated)
			fmt.Printf("\nCode:\n%s\n", r.Code)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the run as JSON")
	return cmd
}

// oneLine collapses whitespace and cuts s to max runes.
func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
