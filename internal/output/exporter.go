// Package output writes exported rows as JSON or CSV.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Record is a row that knows its CSV layout.
type Record interface {
	CSVHeader() []string
	CSVRecord() []string
}

// Write encodes rows to path in format ("json" or "csv"). Path "-" is stdout.
func Write[R Record](path, format string, rows []R) error {
	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		defer f.Close()
		w = f
	}
	switch format {
	case "json":
		return JSON(w, rows)
	case "csv":
		return CSV(w, rows)
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

// JSON writes v with indentation.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// CSV writes a header followed by one line per row. An empty slice writes
// nothing.
func CSV[R Record](w io.Writer, rows []R) error {
	if len(rows) == 0 {
		return nil
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(rows[0].CSVHeader()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range rows {
		if err := cw.Write(r.CSVRecord()); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
