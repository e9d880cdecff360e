// Package config loads the YAML file that drives the poller, its sinks and
// the simulator.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"modbus-tagpoller/internal/address"
	"modbus-tagpoller/internal/codec"
	"modbus-tagpoller/internal/master"
	"modbus-tagpoller/internal/tag"
	"modbus-tagpoller/internal/transport"
)

// Config mirrors config/config.yaml.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Master    MasterConfig    `yaml:"master"`
	Tags      []TagConfig     `yaml:"tags"`
	Sinks     SinksConfig     `yaml:"sinks"`
	HTTP      HTTPConfig      `yaml:"http"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

type MasterConfig struct {
	Protocol    string        `yaml:"protocol"` // tcp | rtu
	Address     string        `yaml:"address"`
	Serial      SerialConfig  `yaml:"serial"`
	Timeout     time.Duration `yaml:"timeout"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	Trace       bool          `yaml:"trace"`

	UnitID           uint8         `yaml:"unit_id"`
	PollPeriod       time.Duration `yaml:"poll_period"`
	MaxCoils         uint16        `yaml:"max_coils"`
	MaxRegisters     uint16        `yaml:"max_registers"`
	AllowGaps        *bool         `yaml:"allow_gaps"`
	FaultPolicy      string        `yaml:"fault_policy"` // retry | stop
	Backoff          time.Duration `yaml:"backoff"`
	RejectAliases    bool          `yaml:"reject_aliases"`
	OptimisticWrites bool          `yaml:"optimistic_writes"`
}

type SerialConfig struct {
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
}

type TagConfig struct {
	Name  string `yaml:"name"`
	Table string `yaml:"table"` // coils | discrete | input | holding
	Index uint16 `yaml:"index"`
	Type  string `yaml:"type"`
}

type SinksConfig struct {
	// Buffer is the change subscription depth shared by all sinks.
	Buffer      int           `yaml:"buffer"`
	Deadband    float64       `yaml:"deadband"`
	DeadbandTTL time.Duration `yaml:"deadband_ttl"`

	Storage StorageConfig `yaml:"storage"`
	History HistoryConfig `yaml:"history"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Valkey  ValkeyConfig  `yaml:"valkey"`
	Kafka   KafkaConfig   `yaml:"kafka"`
}

type StorageConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	FileType string `yaml:"file_type"` // jsonl | csv | both
	Queue    int    `yaml:"queue"`
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
	Retain   bool   `yaml:"retain"`
	// Writes subscribes to <topic>/<tag>/set and writes received values.
	Writes bool `yaml:"writes"`
}

type ValkeyConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
	Publish   bool          `yaml:"publish"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type HTTPConfig struct {
	// Listen is the API address; empty disables the API.
	Listen string `yaml:"listen"`
}

type SimulatorConfig struct {
	Listen         string        `yaml:"listen"`
	UpdateInterval time.Duration `yaml:"update_interval"`
	// CSV replays rows whose columns are tag names instead of synthetic values.
	CSV string `yaml:"csv"`
}

// LoadYAML reads, defaults and validates a configuration file.
func LoadYAML(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, rejecting unknown keys.
func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	m := &c.Master
	if m.Protocol == "" {
		m.Protocol = "tcp"
	}
	if m.Timeout <= 0 {
		m.Timeout = time.Second
	}
	if m.UnitID == 0 {
		m.UnitID = master.DefaultUnitID
	}
	if m.PollPeriod <= 0 {
		m.PollPeriod = master.DefaultPollPeriod
	}
	if m.Backoff <= 0 {
		m.Backoff = master.DefaultBackoff
	}
	if m.AllowGaps == nil {
		gaps := true
		m.AllowGaps = &gaps
	}

	s := &c.Sinks
	if s.Buffer <= 0 {
		s.Buffer = 1024
	}
	if s.DeadbandTTL <= 0 {
		s.DeadbandTTL = time.Minute
	}
	if s.Storage.Dir == "" {
		s.Storage.Dir = "data"
	}
	if s.Storage.Queue <= 0 {
		s.Storage.Queue = 1000
	}
	if s.History.Path == "" {
		s.History.Path = "data/history.db"
	}
	if s.MQTT.Port == 0 {
		s.MQTT.Port = 1883
	}
	if s.MQTT.Topic == "" {
		s.MQTT.Topic = "tagpoller"
	}
	if s.Valkey.Address == "" {
		s.Valkey.Address = "127.0.0.1:6379"
	}
	if s.Valkey.KeyPrefix == "" {
		s.Valkey.KeyPrefix = "tagpoller"
	}
	if s.Kafka.Topic == "" {
		s.Kafka.Topic = "tagpoller"
	}

	if c.Simulator.Listen == "" {
		c.Simulator.Listen = "127.0.0.1:1502"
	}
	if c.Simulator.UpdateInterval <= 0 {
		c.Simulator.UpdateInterval = time.Second
	}
}

// Validate checks everything that can be checked without a controller.
func (c Config) Validate() error {
	if _, err := c.Master.Engine(); err != nil {
		return err
	}
	if len(c.Tags) == 0 {
		return fmt.Errorf("no tags configured")
	}
	seen := make(map[string]bool, len(c.Tags))
	for i, t := range c.Tags {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("tags[%d]: name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("tags[%d]: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = true
		if _, err := t.Build(); err != nil {
			return fmt.Errorf("tags[%d]: %w", i, err)
		}
	}
	if c.Sinks.MQTT.Enabled && c.Sinks.MQTT.Broker == "" {
		return fmt.Errorf("sinks.mqtt: broker is required")
	}
	if c.Sinks.MQTT.QoS > 2 {
		return fmt.Errorf("sinks.mqtt: qos must be 0, 1 or 2")
	}
	if c.Sinks.Kafka.Enabled && len(c.Sinks.Kafka.Brokers) == 0 {
		return fmt.Errorf("sinks.kafka: at least one broker is required")
	}
	if c.Sinks.Deadband < 0 {
		return fmt.Errorf("sinks.deadband must not be negative")
	}
	return nil
}

// Engine converts the master section into the engine configuration.
func (m MasterConfig) Engine() (master.Config, error) {
	policy, err := master.ParseFaultPolicy(m.FaultPolicy)
	if err != nil {
		return master.Config{}, err
	}
	cfg := master.DefaultConfig()
	cfg.PollPeriod = m.PollPeriod
	cfg.UnitID = m.UnitID
	cfg.FaultPolicy = policy
	cfg.Backoff = m.Backoff
	cfg.RejectAliases = m.RejectAliases
	cfg.OptimisticWrites = m.OptimisticWrites
	if m.MaxCoils > 0 {
		cfg.MaxCoils = m.MaxCoils
	}
	if m.MaxRegisters > 0 {
		cfg.MaxRegisters = m.MaxRegisters
	}
	if m.AllowGaps != nil {
		cfg.AllowGaps = *m.AllowGaps
	}
	if err := cfg.Validate(); err != nil {
		return master.Config{}, err
	}
	return cfg, nil
}

// Transport converts the master section into the transport configuration.
func (m MasterConfig) Transport() transport.Config {
	return transport.Config{
		Protocol:    m.Protocol,
		Address:     m.Address,
		Timeout:     m.Timeout,
		IdleTimeout: m.IdleTimeout,
		Trace:       m.Trace,
		Serial: transport.SerialParams{
			BaudRate: m.Serial.BaudRate,
			DataBits: m.Serial.DataBits,
			StopBits: m.Serial.StopBits,
			Parity:   m.Serial.Parity,
		},
	}
}

// Build creates the tag described by t.
func (t TagConfig) Build() (tag.Handle, error) {
	table, err := address.ParseTable(t.Table)
	if err != nil {
		return nil, err
	}
	kind, err := codec.ParseKind(t.Type)
	if err != nil {
		return nil, err
	}
	if table.IsBit() && t.Type == "" {
		kind = codec.Bool
	}
	if (kind == codec.Bool) != table.IsBit() {
		return nil, fmt.Errorf("type %s cannot live in %s", kind, table)
	}
	return tag.NewHandle(t.Name, address.New(table, t.Index), kind)
}

// BuildTags creates every configured tag in file order.
func (c Config) BuildTags() ([]tag.Handle, error) {
	out := make([]tag.Handle, 0, len(c.Tags))
	for i, tc := range c.Tags {
		h, err := tc.Build()
		if err != nil {
			return nil, fmt.Errorf("tags[%d]: %w", i, err)
		}
		out = append(out, h)
	}
	return out, nil
}
