package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/iotpulse/internal/apiclient"
	"github.com/iotpulse/internal/config"
	"github.com/iotpulse/internal/logger"
	"github.com/iotpulse/internal/reconcile"
	"github.com/iotpulse/internal/watch"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (env overrides apply on top)")
	apiURL := flag.String("api", "", "read API base URL, overrides watch.api_url")
	liveURL := flag.String("live", "", "live relay websocket URL, overrides watch.live_url")
	noLive := flag.Bool("no-live", false, "poll only, without the live relay")
	logFile := flag.String("log-file", "iotpulse-watch.log", "log destination while the dashboard owns the terminal")
	flag.Parse()

	if err := run(*configPath, *apiURL, *liveURL, *logFile, *noLive); err != nil {
		fmt.Fprintf(os.Stderr, "iotpulse-watch: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, apiURL, liveURL, logFile string, noLive bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if apiURL != "" {
		cfg.Watch.APIURL = apiURL
		if liveURL == "" {
			cfg.Watch.LiveURL = ""
			config.ApplyDefaults(&cfg)
		}
	}
	if liveURL != "" {
		cfg.Watch.LiveURL = liveURL
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	log, err := logger.NewWithWriter(cfg.Logging, f)
	if err != nil {
		return err
	}

	sel, err := watch.OpenSelection(cfg.Watch.StateFile)
	if err != nil {
		return err
	}
	defer sel.Close()

	state, err := reconcile.New(sel, cfg.Watch.DisplayLimit)
	if err != nil {
		log.Warn().Err(err).Msg("could not restore selection")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var feed *watch.Feed
	if !noLive {
		feed = watch.NewFeed(cfg.Watch.LiveURL, watch.DefaultRedialDelay, log)
		go feed.Run(ctx)
	}

	model := watch.NewModel(ctx, apiclient.NewClient(cfg.Watch.APIURL), feed, state, log, watch.Options{
		PollInterval: reconcile.PollInterval(cfg.Watch.RefreshSec),
		TelLimit:     cfg.Watch.TelLimit,
		EvtLimit:     cfg.Watch.EvtLimit,
	})

	log.Info().Str("api", cfg.Watch.APIURL).Str("live", cfg.Watch.LiveURL).Msg("dashboard starting")
	_, err = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
