package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/larry-lines/justIRC/config"
	"github.com/larry-lines/justIRC/server"
)

func main() {
	configPath := flag.String("config", "", "Path or URL of the configuration file (YAML, TOML or JSON)")
	listen := flag.String("listen", "", "Override the listen address (host:port)")
	status := flag.Bool("status", false, "Enable the HTTP status portal")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *listen != "" {
		host, port, err := splitHostPort(*listen)
		if err != nil {
			slog.Error("invalid listen address", "addr", *listen, "error", err)
			os.Exit(1)
		}
		cfg.Server.Host = host
		cfg.Server.Port = port
	}
	if *status {
		cfg.Status.Enabled = true
	}

	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutdown signal received, stopping")
	if err := srv.Stop(); err != nil {
		slog.Error("error stopping server", "error", err)
	}
}
