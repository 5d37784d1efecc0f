package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"coderun/internal/channel"
	"coderun/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the web UI, Telegram bot and mailbox agent",
		Long:  "Starts every enabled channel (Web, Telegram), the mailbox agent and the query loop. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
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

	var wg sync.WaitGroup
	start := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				logger.Error("component stopped", "component", name, "err", err)
			}
		}()
	}

	start("loop", func() error {
		a.loop.Run(ctx)
		return nil
	})
	start("purge", func() error {
		a.purgeLoop(ctx)
		return nil
	})

	if cfg.Channels.Web.Enabled {
		webCfg := channel.WebConfig{
			Host:           cfg.Channels.Web.Host,
			Port:           cfg.Channels.Web.Port,
			Logger:         logger,
			Config:         cfg,
			Catalog:        a.answerer,
			Store:          a.runStore(),
			Events:         a.events,
			Version:        version,
			RequestTimeout: time.Duration(cfg.General.QueryTimeoutSeconds)*time.Second + 5*time.Second,
		}
		if cfg.Metrics.Enabled {
			webCfg.Metrics = metricsHandler()
			webCfg.MetricsPath = cfg.Metrics.Endpoint
		}
		webCh := channel.NewWeb(webCfg)
		start("web", func() error { return webCh.Start(ctx, a.bus) })
	} else {
		logger.Info("web channel disabled")
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg := channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			Commands:  a.commands,
			Logger:    logger,
		})
		start("telegram", func() error { return tg.Start(ctx, a.bus) })
	} else {
		logger.Info("telegram channel disabled")
	}

	if cfg.Mailbox.Enabled {
		ag, relay, err := a.newMailboxAgent()
		if err != nil {
			stop()
			wg.Wait()
			return err
		}
		defer relay.Close()
		start("mailbox", func() error { return ag.Run(ctx) })
	} else {
		logger.Info("mailbox agent disabled")
	}

	logger.Info("coderun started. Press Ctrl+C to stop.", "version", version)

	<-ctx.Done()
	logger.Info("shutting down...")

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

func metricsHandler() http.Handler {
	return metrics.Collector.Handler()
}
