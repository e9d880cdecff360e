// Package tasks assembles the poll engine, its sinks and the HTTP API from a
// configuration file and runs them until shutdown.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"modbus-tagpoller/internal/api"
	"modbus-tagpoller/internal/config"
	"modbus-tagpoller/internal/db"
	"modbus-tagpoller/internal/logging"
	"modbus-tagpoller/internal/master"
	"modbus-tagpoller/internal/metrics"
	"modbus-tagpoller/internal/publish"
	"modbus-tagpoller/internal/storage"
	"modbus-tagpoller/internal/transport"
)

// Options overrides parts of the YAML configuration. They mirror the flags
// of cmd/tagpoller.
type Options struct {
	ConfigPath string
	Listen     string
	StorageDir string
	LogLevel   string
	LogOutput  io.Writer
}

// InitAndRunPoller loads the configuration, applies overrides and runs the
// poller until ctx is done.
func InitAndRunPoller(ctx context.Context, opts Options) error {
	cfg, err := config.LoadYAML(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.HTTP.Listen = opts.Listen
	}
	if opts.StorageDir != "" {
		cfg.Sinks.Storage.Dir = opts.StorageDir
		cfg.Sinks.Storage.Enabled = true
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	log, err := logging.New(out, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	app, err := Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

// App is a fully wired poller.
type App struct {
	Cfg        config.Config
	Log        zerolog.Logger
	Master     *master.Master
	Registry   *prometheus.Registry
	Metrics    *metrics.Collector
	History    *db.DB
	Dispatcher *publish.Dispatcher

	ln net.Listener
}

// Build creates the transport, master, sinks and API listener. Nothing is
// connected yet; on error everything opened so far is closed.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (app *App, err error) {
	a := &App{Cfg: cfg, Log: log, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	engine, err := cfg.Master.Engine()
	if err != nil {
		return nil, err
	}
	tr, err := transport.New(cfg.Master.Transport(), log)
	if err != nil {
		return nil, err
	}
	a.Master, err = master.New(tr, engine, master.WithLogger(log), master.WithObserver(a.Metrics))
	if err != nil {
		return nil, err
	}
	tags, err := cfg.BuildTags()
	if err != nil {
		return nil, err
	}
	for _, h := range tags {
		if err := a.Master.Register(h); err != nil {
			return nil, err
		}
	}

	pubs, err := a.openSinks(ctx)
	if err != nil {
		return nil, err
	}
	a.Dispatcher = publish.NewDispatcher(pubs,
		publish.WithLogger(log),
		publish.WithReporter(a.Metrics.Published),
		publish.WithDeadband(publish.NewDeadband(cfg.Sinks.Deadband, cfg.Sinks.DeadbandTTL)),
	)

	if cfg.HTTP.Listen != "" {
		a.ln, err = net.Listen("tcp", cfg.HTTP.Listen)
		if err != nil {
			return nil, fmt.Errorf("http listen: %w", err)
		}
	}
	return a, nil
}

func (a *App) openSinks(ctx context.Context) (pubs []publish.Publisher, err error) {
	s := a.Cfg.Sinks
	defer func() {
		if err != nil {
			for _, p := range pubs {
				_ = p.Close()
			}
		}
	}()
	if s.Storage.Enabled {
		f, err := storage.Open(s.Storage.Dir, s.Storage.FileType, s.Storage.Queue, a.Log)
		if err != nil {
			return pubs, err
		}
		pubs = append(pubs, f)
	}
	if s.History.Enabled {
		d, err := db.Open(s.History.Path)
		if err != nil {
			return pubs, err
		}
		a.History = d
		pubs = append(pubs, db.NewHistory(d))
	}
	if s.MQTT.Enabled {
		p, err := publish.NewMQTT(s.MQTT, a.Master.SetByName, a.Log)
		if err != nil {
			return pubs, err
		}
		pubs = append(pubs, p)
	}
	if s.Valkey.Enabled {
		p, err := publish.NewValkey(ctx, s.Valkey)
		if err != nil {
			return pubs, err
		}
		pubs = append(pubs, p)
	}
	if s.Kafka.Enabled {
		pubs = append(pubs, publish.NewKafka(s.Kafka))
	}
	return pubs, nil
}

// Addr returns the API listen address, or "" when the API is disabled.
func (a *App) Addr() string {
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// Run connects the master and serves until ctx is done. Under the stop
// fault policy it returns the fault that ended the poll loop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.close()

	var wg sync.WaitGroup
	changes, unsubscribe := a.Master.Changes(a.Cfg.Sinks.Buffer)
	defer unsubscribe()
	if len(a.Dispatcher.Publishers()) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Dispatcher.Run(ctx, changes)
		}()
	}

	var apiErr chan error
	if a.ln != nil {
		apiErr = make(chan error, 1)
		opts := api.Options{Engine: a.Master, Gatherer: a.Registry, Logger: a.Log}
		if a.History != nil {
			opts.History = a.History
		}
		ln := a.ln
		a.ln = nil
		go func() { apiErr <- api.Serve(ctx, ln, api.NewRouter(opts), a.Log) }()
	}

	states, unwatch := a.Master.States(16)
	defer unwatch()

	runErr := a.connect(ctx)
	if runErr == nil {
		var apiDone bool
		apiDone, runErr = a.watch(ctx, states, apiErr)
		if apiDone {
			apiErr = nil
		}
	}

	cancel()
	if err := a.Master.Close(); err != nil {
		a.Log.Debug().Err(err).Msg("close master")
	}
	wg.Wait()
	if apiErr != nil {
		if err := <-apiErr; err != nil && runErr == nil {
			runErr = fmt.Errorf("http api: %w", err)
		}
	}
	return runErr
}

// connect retries the first connection under the retry policy; the master
// only reconnects on its own once the loop is running.
func (a *App) connect(ctx context.Context) error {
	cfg := a.Master.Config()
	for {
		err := a.Master.Connect(ctx)
		if err == nil {
			return nil
		}
		if cfg.FaultPolicy == master.FaultStop {
			return err
		}
		a.Log.Warn().Err(err).Dur("backoff", cfg.Backoff).Msg("connect failed")
		t := time.NewTimer(cfg.Backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// watch blocks until shutdown. apiDone reports whether the API result was
// consumed.
func (a *App) watch(ctx context.Context, states <-chan master.StateEvent, apiErr <-chan error) (apiDone bool, err error) {
	stop := a.Master.Config().FaultPolicy == master.FaultStop
	for {
		select {
		case <-ctx.Done():
			return false, nil
		case err := <-apiErr:
			if err != nil {
				return true, fmt.Errorf("http api: %w", err)
			}
			return true, nil
		case ev, ok := <-states:
			if !ok {
				return false, nil
			}
			a.Log.Info().Str("state", ev.State.String()).AnErr("cause", ev.Err).Msg("state changed")
			if stop && ev.State == master.Disconnected && ev.Err != nil {
				return false, ev.Err
			}
		}
	}
}

func (a *App) close() {
	var errs []error
	if a.Dispatcher != nil {
		errs = append(errs, a.Dispatcher.Close())
	}
	if a.History != nil {
		errs = append(errs, a.History.Close())
		a.History = nil
	}
	if a.ln != nil {
		errs = append(errs, a.ln.Close())
		a.ln = nil
	}
	if err := errors.Join(errs...); err != nil {
		a.Log.Warn().Err(err).Msg("shutdown")
	}
}
