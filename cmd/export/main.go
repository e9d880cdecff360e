// Command export writes recorded tag values from the history database as
// JSON or CSV.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"modbus-tagpoller/internal/config"
	"modbus-tagpoller/internal/db"
	"modbus-tagpoller/internal/output"
)

func main() {
	var cfgPath, dbPath, tagName, format, out string
	var limit int
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "path to YAML config, used for sinks.history.path")
	flag.StringVar(&dbPath, "db", "", "history database, overrides the config")
	flag.StringVar(&tagName, "tag", "", "export this tag's history instead of the latest values")
	flag.IntVar(&limit, "limit", 0, "maximum history rows, 0 for all")
	flag.StringVar(&format, "format", "json", "json or csv")
	flag.StringVar(&out, "out", "-", "output file, - for stdout")
	flag.Parse()

	if err := run(cfgPath, dbPath, tagName, format, out, limit); err != nil {
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		log.Error().Err(err).Msg("export failed")
		os.Exit(1)
	}
}

func run(cfgPath, dbPath, tagName, format, out string, limit int) error {
	if format != "json" && format != "csv" {
		return fmt.Errorf("unsupported format %q", format)
	}
	if dbPath == "" {
		cfg, err := config.LoadYAML(cfgPath)
		if err != nil {
			return err
		}
		dbPath = cfg.Sinks.History.Path
	}
	if _, err := os.Stat(dbPath); err != nil {
		return err
	}
	d, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := context.Background()
	if tagName != "" {
		rows, err := d.History(ctx, tagName, limit)
		if err != nil {
			return err
		}
		return output.Write(out, format, rows)
	}
	rows, err := d.Latest(ctx)
	if err != nil {
		return err
	}
	return output.Write(out, format, rows)
}
