// Package storage appends change events to local JSONL and CSV files.
package storage

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modbus-tagpoller/internal/publish"
)

// ErrQueueFull is returned by Publish when the writer has fallen behind.
var ErrQueueFull = errors.New("storage queue full")

const (
	JSONFile = "changes.jsonl"
	CSVFile  = "changes.csv"
)

var csvHeader = []string{"timestamp", "tag", "table", "index", "type", "previous", "value"}

// Files writes events from a bounded queue on a single goroutine.
type Files struct {
	dir string
	q   chan publish.Event
	log zerolog.Logger

	jsonFile *os.File
	jsonw    *bufio.Writer
	csvFile  *os.File
	csvw     *csv.Writer

	closeOnce sync.Once
	done      chan struct{}
}

// Open creates dir if needed and opens the outputs selected by fileType:
// jsonl, csv, or both (the default).
func Open(dir, fileType string, queue int, log zerolog.Logger) (*Files, error) {
	if dir == "" {
		dir = "data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	var useJSON, useCSV bool
	switch strings.ToLower(strings.TrimSpace(fileType)) {
	case "json", "jsonl":
		useJSON = true
	case "csv":
		useCSV = true
	case "both", "json+csv", "csv+json", "":
		useJSON, useCSV = true, true
	default:
		return nil, fmt.Errorf("unsupported storage file_type %q", fileType)
	}
	if queue <= 0 {
		queue = 1000
	}

	f := &Files{
		dir:  dir,
		q:    make(chan publish.Event, queue),
		log:  log.With().Str("component", "storage").Logger(),
		done: make(chan struct{}),
	}
	if useJSON {
		jf, err := os.OpenFile(filepath.Join(dir, JSONFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open json output: %w", err)
		}
		f.jsonFile = jf
		f.jsonw = bufio.NewWriterSize(jf, 64*1024)
	}
	if useCSV {
		if err := f.openCSV(); err != nil {
			f.closeFiles()
			return nil, err
		}
	}
	go f.loop()
	return f, nil
}

func (f *Files) openCSV() error {
	cf, err := os.OpenFile(filepath.Join(f.dir, CSVFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open csv output: %w", err)
	}
	f.csvFile = cf
	f.csvw = csv.NewWriter(cf)
	off, err := cf.Seek(0, io.SeekEnd)
	if err != nil || off > 0 {
		return err
	}
	if err := f.csvw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	f.csvw.Flush()
	return f.csvw.Error()
}

func (f *Files) Name() string { return "storage" }

// Dir returns the output directory.
func (f *Files) Dir() string { return f.dir }

// Publish queues e without blocking.
func (f *Files) Publish(_ context.Context, e publish.Event) error {
	select {
	case f.q <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close drains the queue, flushes and closes the files.
func (f *Files) Close() error {
	f.closeOnce.Do(func() { close(f.q) })
	<-f.done
	return f.closeFiles()
}

func (f *Files) loop() {
	defer close(f.done)
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case e, ok := <-f.q:
			if !ok {
				f.flush()
				return
			}
			if err := f.write(e); err != nil {
				f.log.Warn().Err(err).Str("tag", e.Tag).Msg("write event")
			}
		case <-tick.C:
			f.flush()
		}
	}
}

func (f *Files) write(e publish.Event) error {
	var errs []error
	if f.jsonw != nil {
		b, err := json.Marshal(e)
		if err == nil {
			_, err = f.jsonw.Write(append(b, '\n'))
		}
		errs = append(errs, err)
	}
	if f.csvw != nil {
		errs = append(errs, f.csvw.Write(record(e)))
	}
	return errors.Join(errs...)
}

func record(e publish.Event) []string {
	return []string{
		e.Timestamp.Format(time.RFC3339Nano),
		e.Tag,
		e.Table,
		strconv.Itoa(int(e.Index)),
		e.Type,
		format(e.Previous),
		format(e.Value),
	}
}

func format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case bool:
		if x {
			return "1"
		}
		return "0"
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func (f *Files) flush() {
	if f.jsonw != nil {
		if err := f.jsonw.Flush(); err != nil {
			f.log.Warn().Err(err).Msg("flush json")
		}
	}
	if f.csvw != nil {
		f.csvw.Flush()
		if err := f.csvw.Error(); err != nil {
			f.log.Warn().Err(err).Msg("flush csv")
		}
	}
}

func (f *Files) closeFiles() error {
	var errs []error
	if f.jsonFile != nil {
		errs = append(errs, f.jsonFile.Close())
	}
	if f.csvFile != nil {
		errs = append(errs, f.csvFile.Close())
	}
	return errors.Join(errs...)
}
