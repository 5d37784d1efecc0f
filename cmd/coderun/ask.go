package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"coderun/internal/agent"
	"coderun/internal/channel"
	"coderun/internal/domain"
)

func askCmd() *cobra.Command {
	var (
		model   string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Answer one query and print the response and the code",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			query := strings.Join(args, " ")
			res, err := a.loop.ProcessDirect(ctx, query, model, "cli", "ask")
			if errors.Is(err, agent.ErrEmptyQuery) {
				fmt.Println(agent.EmptyQueryWarning)
				return nil
			}

			out := domain.OutboundMessage{Channel: "cli", Query: query, Model: model}
			if err != nil {
				out.Error = err.Error()
				out.Kind = agent.FailureKind(err)
			} else {
				out.RunID = res.RunID
				out.Model = res.Model
				out.Generated = res.Generated
				out.Code = res.Code
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(out); err != nil {
					return err
				}
			} else {
				fmt.Println(channel.FormatResult(out))
			}
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model to use (default: models.default)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the result as JSON")
	return cmd
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive terminal session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go a.loop.Run(ctx)

			cli := channel.NewCLI(channel.CLIConfig{
				Logger:   logger,
				Commands: a.commands,
				Spinner:  true,
			})
			return cli.Start(ctx, a.bus)
		},
	}
}
