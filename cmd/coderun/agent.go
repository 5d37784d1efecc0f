package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"coderun/internal/mailbox"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run or talk to the mailbox agent",
	}
	cmd.AddCommand(agentRunCmd())
	cmd.AddCommand(agentAskCmd())
	cmd.AddCommand(agentAddressCmd())
	cmd.AddCommand(agentManifestCmd())
	return cmd
}

func agentRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Serve queries over the mailbox relay only",
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

			ag, relay, err := a.newMailboxAgent()
			if err != nil {
				return err
			}
			defer relay.Close()

			go a.purgeLoop(ctx)
			return ag.Run(ctx)
		},
	}
}

func agentAskCmd() *cobra.Command {
	var (
		timeout time.Duration
		seed    string
	)
	cmd := &cobra.Command{
		Use:   "ask <address> <query>",
		Short: "Send a query to an agent and print its reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			target := args[0]
			if !mailbox.ValidAddress(target) {
				return fmt.Errorf("%w: %s", mailbox.ErrInvalidAddress, target)
			}
			if t := strings.ToLower(cfg.Mailbox.Transport); t == "" || t == "memory" {
				return fmt.Errorf("mailbox.transport is memory; set it to nats or redis to reach another process")
			}

			relay, err := mailbox.NewRelay(mailbox.RelayConfig{
				Transport: cfg.Mailbox.Transport,
				URL:       cfg.Mailbox.URL,
				Key:       cfg.Mailbox.Key,
				Name:      "coderun-client",
				Logger:    logger,
			})
			if err != nil {
				return fmt.Errorf("mailbox relay: %w", err)
			}
			defer relay.Close()

			if seed == "" {
				seed = uuid.NewString()
			}
			client, err := mailbox.New(mailbox.Config{
				Name:   "coderun-client",
				Seed:   seed,
				Relay:  relay,
				Logger: logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				if err := client.Run(ctx); err != nil {
					logger.Warn("client listener stopped", "err", err)
				}
			}()

			query := strings.Join(args[1:], " ")
			reply, err := mailbox.AskFor[mailbox.QueryResponse](ctx, client, target, mailbox.QueryRequest{Query: query}, timeout)
			if err != nil {
				return fmt.Errorf("ask %s: %w", target, err)
			}
			if reply.Error != "" {
				fmt.Println("An error occurred: " + reply.Error)
				return fmt.Errorf("agent reported an error")
			}
			fmt.Println(reply.Result)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", defaultAskWait, "how long to wait for the reply")
	cmd.Flags().StringVar(&seed, "seed", "", "client identity seed (default: random)")
	return cmd
}

func agentAddressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print the agent address derived from mailbox.seed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Mailbox.Seed == "" {
				return fmt.Errorf("mailbox.seed is not set")
			}
			fmt.Println(mailbox.NewIdentity(cfg.Mailbox.Seed).Address())
			return nil
		},
	}
}

func agentManifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manifest",
		Short: "Print the manifest of the query protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := mailbox.NewQueryProtocol(nil)
			data, err := json.MarshalIndent(p.Manifest(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}
