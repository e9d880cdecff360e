// Package simulator drives an in-process Modbus slave with values for a tag
// list, either replayed from a CSV file or generated.
package simulator

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modbus-tagpoller/internal/codec"
	"modbus-tagpoller/internal/config"
	"modbus-tagpoller/internal/modbus"
	"modbus-tagpoller/internal/tag"
)

// Simulator owns the slave and a tag list. Generated values only overwrite
// read-only tables after the first step, so coils and holding registers keep
// whatever a master writes.
type Simulator struct {
	server *modbus.Server
	tags   []tag.Handle
	rows   []map[string]float64
	period time.Duration
	log    zerolog.Logger

	mu   sync.Mutex
	step int
}

// New starts listening on cfg.Listen and seeds every tag.
func New(cfg config.SimulatorConfig, tags []tag.Handle, log zerolog.Logger) (*Simulator, error) {
	var rows []map[string]float64
	if cfg.CSV != "" {
		var err error
		if rows, err = LoadCSV(cfg.CSV); err != nil {
			return nil, fmt.Errorf("load csv: %w", err)
		}
	}
	period := cfg.UpdateInterval
	if period <= 0 {
		period = time.Second
	}

	server := modbus.NewServer()
	if err := server.Listen(cfg.Listen); err != nil {
		return nil, fmt.Errorf("start modbus server: %w", err)
	}
	s := &Simulator{
		server: server,
		tags:   tags,
		rows:   rows,
		period: period,
		log:    log.With().Str("component", "simulator").Logger(),
	}
	s.Step()
	return s, nil
}

// Addr returns the bound listen address.
func (s *Simulator) Addr() string { return s.server.Addr() }

// Server exposes the underlying slave.
func (s *Simulator) Server() *modbus.Server { return s.server }

// Run advances one step per period until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	s.log.Info().Str("addr", s.Addr()).Int("tags", len(s.tags)).Msg("simulator listening")
	for {
		select {
		case <-ticker.C:
			s.Step()
		case <-ctx.Done():
			return nil
		}
	}
}

// Step applies the next row or generated sample.
func (s *Simulator) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.step
	s.step++
	for i, h := range s.tags {
		a := h.Address()
		var v float64
		if len(s.rows) > 0 {
			row := s.rows[n%len(s.rows)]
			x, ok := row[h.Name()]
			if !ok {
				continue
			}
			v = x
		} else {
			if n > 0 && a.Table.Writable() {
				continue
			}
			v = Sample(h.Kind(), n, i)
		}
		if err := s.set(h, v); err != nil {
			s.log.Warn().Err(err).Str("tag", h.Name()).Msg("set value")
		}
	}
}

func (s *Simulator) set(h tag.Handle, v float64) error {
	if k := h.Kind(); k != codec.Float32 && k != codec.Float64 {
		v = math.Round(v)
	}
	data, err := codec.EncodeAs(h.Kind(), v)
	if err != nil {
		return err
	}
	return s.server.SetValue(h.Address(), data)
}

func (s *Simulator) Close() { s.server.Close() }

// Sample generates the value of the i-th tag at step n: a sine wave for
// floats, a counter for integers and a square wave for bits.
func Sample(k codec.Kind, n, i int) float64 {
	switch k {
	case codec.Bool:
		if (n/(i+1))%2 == 1 {
			return 1
		}
		return 0
	case codec.Float32, codec.Float64:
		return 50 + 25*math.Sin(float64(n)/10+float64(i))
	case codec.Int16, codec.Int32, codec.Int64:
		return float64((n+i*100)%1000 - 500)
	default:
		return float64((n + i*100) % 1000)
	}
}

// LoadCSV reads a header row of tag names followed by numeric rows.
func LoadCSV(path string) ([]map[string]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, errors.New("csv must contain header and at least one data row")
	}
	header := records[0]
	rows := make([]map[string]float64, 0, len(records)-1)
	for line, record := range records[1:] {
		row := make(map[string]float64, len(header))
		for i, key := range header {
			field := strings.TrimSpace(record[i])
			if field == "" {
				continue
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line+2, key, err)
			}
			row[strings.TrimSpace(key)] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}
