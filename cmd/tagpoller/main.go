package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"modbus-tagpoller/internal/tasks"
)

func main() {
	var opts tasks.Options
	flag.StringVar(&opts.ConfigPath, "config", "config/config.yaml", "path to YAML config")
	flag.StringVar(&opts.Listen, "listen", "", "HTTP API address, overrides http.listen")
	flag.StringVar(&opts.StorageDir, "storage-dir", "", "enable file storage in this directory")
	flag.StringVar(&opts.LogLevel, "log-level", "", "debug, info, warn or error")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tasks.InitAndRunPoller(ctx, opts); err != nil {
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		log.Error().Err(err).Msg("tagpoller exited")
		os.Exit(1)
	}
}
