package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/hostui"
)

func main() {
	var (
		configPath string
		busURL     string
		hostID     string
		name       string
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (.yaml or .toml)")
	flag.StringVar(&busURL, "bus", "", "NATS URL; defaults to the configured bus servers")
	flag.StringVar(&hostID, "id", "", "Host id; random when empty")
	flag.StringVar(&name, "name", "", "Display name for this host")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	// The terminal belongs to the UI, so logs go to a file or nowhere.
	var logOut io.Writer = io.Discard
	if cfg.Injector.LogPath != "" {
		f, err := os.OpenFile(cfg.Injector.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to open log file:", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if hostID == "" {
		hostID = uuid.NewString()
	}
	if name == "" {
		name, _ = os.Hostname()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var client *bus.Client
	if busURL != "" {
		client, err = bus.Dial(ctx, busURL, "dictate-host", logger)
	} else {
		client, err = bus.Connect(ctx, cfg.Bus, "dictate-host", logger)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot reach dictation bus:", err)
		os.Exit(1)
	}
	defer client.Close()

	err = hostui.Run(ctx, hostui.Options{
		HostID:   hostID,
		Name:     name,
		Bus:      client,
		Hosts:    cfg.Hosts,
		Injector: cfg.Injector,
	}, logger)
	if err != nil {
		logger.Error("host surface exited with error", slog.String("error", err.Error()))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
