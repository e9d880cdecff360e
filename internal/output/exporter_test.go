package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"modbus-tagpoller/internal/model"
)

func latest() []model.TagLatest {
	at := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	return []model.TagLatest{
		{Name: "flow", Table: "input", Index: 2, Type: "uint16", Value: 41, Raw: "41", Timestamp: at},
		{Name: "run", Table: "coils", Index: 0, Type: "bool", Value: 1, Raw: "true", Timestamp: at},
	}
}

func TestCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := CSV(&buf, latest()); err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[0][0] != "name" || rows[1][0] != "flow" || rows[1][4] != "41" || rows[2][5] != "true" {
		t.Fatalf("rows = %v", rows)
	}

	buf.Reset()
	if err := CSV[model.TagValue](&buf, nil); err != nil || buf.Len() != 0 {
		t.Fatalf("empty export wrote %q, %v", buf.String(), err)
	}
}

func TestWriteJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.json")
	if err := Write(path, "json", latest()); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var back []model.TagLatest
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if len(back) != 2 || back[1].Name != "run" || back[1].Raw != "true" {
		t.Fatalf("decoded = %+v", back)
	}
	if err := Write(path, "xml", latest()); err == nil {
		t.Fatal("unknown format must fail")
	}
}
