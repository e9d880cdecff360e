package simulator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"modbus-tagpoller/internal/address"
	"modbus-tagpoller/internal/codec"
	"modbus-tagpoller/internal/config"
	"modbus-tagpoller/internal/tag"
)

func handles(t *testing.T) []tag.Handle {
	t.Helper()
	return []tag.Handle{
		tag.Coil("run", 0),
		tag.DiscreteInput("alarm", 1),
		tag.Holding[float32]("setpoint", 10),
		tag.Input[int16]("temp", 2),
		tag.Input[uint32]("count", 6),
	}
}

func value(t *testing.T, s *Simulator, h tag.Handle) []byte {
	t.Helper()
	b, err := s.Server().Value(h.Address(), h.Kind())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestGeneratedValuesLeaveWritableTablesAlone(t *testing.T) {
	hs := handles(t)
	s, err := New(config.SimulatorConfig{Listen: "127.0.0.1:0"}, hs, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	sp := hs[2]
	if got := codec.Decode[float32](value(t, s, sp), 0); got != float32(Sample(codec.Float32, 0, 2)) {
		t.Fatalf("seeded setpoint = %v", got)
	}
	if got := codec.Decode[int16](value(t, s, hs[3]), 0); got != int16(Sample(codec.Int16, 0, 3)) {
		t.Fatalf("seeded temp = %v", got)
	}

	// A master writes the setpoint; generated steps must not overwrite it.
	if err := s.Server().SetValue(sp.Address(), codec.Encode(float32(99))); err != nil {
		t.Fatal(err)
	}
	before := codec.Decode[uint32](value(t, s, hs[4]), 0)
	s.Step()
	if got := codec.Decode[float32](value(t, s, sp), 0); got != 99 {
		t.Fatalf("setpoint overwritten: %v", got)
	}
	if after := codec.Decode[uint32](value(t, s, hs[4]), 0); after != before+1 {
		t.Fatalf("counter %d -> %d", before, after)
	}
}

func TestSample(t *testing.T) {
	if Sample(codec.Bool, 0, 0) != 0 || Sample(codec.Bool, 1, 0) != 1 || Sample(codec.Bool, 2, 1) != 1 {
		t.Fatal("bit square wave")
	}
	if v := Sample(codec.Int16, 0, 0); v != -500 {
		t.Fatalf("signed counter = %v", v)
	}
	if v := Sample(codec.Uint16, 1005, 0); v != 5 {
		t.Fatalf("unsigned counter = %v", v)
	}
	if v := Sample(codec.Float64, 0, 0); v != 50 {
		t.Fatalf("sine start = %v", v)
	}
}

func TestCSVReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.csv")
	data := "run,temp,setpoint\n1,-3.6,10.5\n0,4,\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	hs := handles(t)
	s, err := New(config.SimulatorConfig{Listen: "127.0.0.1:0", CSV: path}, hs, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	run, _ := s.Server().Bit(address.New(address.Coils, 0))
	if !run {
		t.Fatal("run should be set from row 1")
	}
	if got := codec.Decode[int16](value(t, s, hs[3]), 0); got != -4 {
		t.Fatalf("temp = %d, want rounded -4", got)
	}
	s.Step()
	run, _ = s.Server().Bit(address.New(address.Coils, 0))
	if run {
		t.Fatal("run should be cleared by row 2")
	}
	if got := codec.Decode[float32](value(t, s, hs[2]), 0); got != 10.5 {
		t.Fatalf("empty field must keep previous value, got %v", got)
	}
	s.Step()
	if got := codec.Decode[int16](value(t, s, hs[3]), 0); got != -4 {
		t.Fatalf("rows must wrap around, temp = %d", got)
	}
}

func TestLoadCSVErrors(t *testing.T) {
	dir := t.TempDir()
	header := filepath.Join(dir, "header.csv")
	_ = os.WriteFile(header, []byte("a,b\n"), 0o644)
	if _, err := LoadCSV(header); err == nil {
		t.Fatal("header-only file must fail")
	}
	bad := filepath.Join(dir, "bad.csv")
	_ = os.WriteFile(bad, []byte("a\nx\n"), 0o644)
	if _, err := LoadCSV(bad); err == nil {
		t.Fatal("non-numeric field must fail")
	}
}
