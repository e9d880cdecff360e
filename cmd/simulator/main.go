// Command simulator serves the configured tags from an in-process Modbus TCP
// slave so the poller can run without hardware.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"modbus-tagpoller/internal/config"
	"modbus-tagpoller/internal/logging"
	"modbus-tagpoller/internal/simulator"
)

func main() {
	var cfgPath, listen, csvPath string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "path to YAML config")
	flag.StringVar(&listen, "listen", "", "listen address, overrides simulator.listen")
	flag.StringVar(&csvPath, "csv", "", "replay rows from this CSV, overrides simulator.csv")
	flag.Parse()

	if err := run(cfgPath, listen, csvPath); err != nil {
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		log.Error().Err(err).Msg("simulator exited")
		os.Exit(1)
	}
}

func run(cfgPath, listen, csvPath string) error {
	cfg, err := config.LoadYAML(cfgPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Simulator.Listen = listen
	}
	if csvPath != "" {
		cfg.Simulator.CSV = csvPath
	}
	log, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	tags, err := cfg.BuildTags()
	if err != nil {
		return err
	}
	sim, err := simulator.New(cfg.Simulator, tags, log)
	if err != nil {
		return err
	}
	defer sim.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err = sim.Run(ctx)
	log.Info().Msg("shutting down simulator")
	return err
}
