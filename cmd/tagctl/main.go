// Command tagctl reads every configured tag once or writes a single tag.
//
//	tagctl -config config/config.yaml read
//	tagctl -config config/config.yaml write -tag setpoint -value 42.5
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"modbus-tagpoller/internal/config"
	"modbus-tagpoller/internal/logging"
	"modbus-tagpoller/internal/master"
	"modbus-tagpoller/internal/model"
	"modbus-tagpoller/internal/output"
	"modbus-tagpoller/internal/transport"
)

func main() {
	var cfgPath string
	var timeout time.Duration
	var asJSON bool
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "path to YAML config")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "overall deadline")
	flag.BoolVar(&asJSON, "json", false, "print read results as JSON")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] read | write -tag NAME -value V\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if err := run(cfgPath, timeout, asJSON, flag.Args()); err != nil {
		log.Error().Err(err).Msg("tagctl failed")
		os.Exit(1)
	}
}

func run(cfgPath string, timeout time.Duration, asJSON bool, args []string) error {
	if len(args) == 0 {
		flag.Usage()
		return fmt.Errorf("missing command")
	}
	cfg, err := config.LoadYAML(cfgPath)
	if err != nil {
		return err
	}
	log, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	m, err := open(cfg, log)
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch args[0] {
	case "read":
		return read(ctx, m, asJSON)
	case "write":
		fs := flag.NewFlagSet("write", flag.ContinueOnError)
		name := fs.String("tag", "", "tag name")
		value := fs.String("value", "", "value to write")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *name == "" || *value == "" {
			return fmt.Errorf("write needs -tag and -value")
		}
		return write(ctx, m, *name, *value)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// open builds a master with every configured tag but without starting the
// poll loop.
func open(cfg config.Config, log zerolog.Logger) (*master.Master, error) {
	engine, err := cfg.Master.Engine()
	if err != nil {
		return nil, err
	}
	tr, err := transport.New(cfg.Master.Transport(), log)
	if err != nil {
		return nil, err
	}
	m, err := master.New(tr, engine, master.WithLogger(log))
	if err != nil {
		return nil, err
	}
	tags, err := cfg.BuildTags()
	if err != nil {
		return nil, err
	}
	for _, h := range tags {
		if err := m.Register(h); err != nil {
			return nil, err
		}
	}
	if err := m.Open(context.Background()); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func read(ctx context.Context, m *master.Master, asJSON bool) error {
	if err := m.PollOnce(ctx); err != nil {
		return err
	}
	snaps := model.Snapshots(m.Tags())
	if asJSON {
		return output.JSON(os.Stdout, snaps)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tTYPE\tVALUE")
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%s:%d\t%s\t%v\n", s.Name, s.Table, s.Index, s.Type, s.Value)
	}
	return w.Flush()
}

func write(ctx context.Context, m *master.Master, name, value string) error {
	if err := m.SetByName(ctx, name, value); err != nil {
		return err
	}
	// Read back so the printed value is what the controller holds.
	if err := m.PollOnce(ctx); err != nil {
		return err
	}
	h, _ := m.Lookup(name)
	fmt.Printf("%s = %v\n", name, h.ValueAny())
	return nil
}
