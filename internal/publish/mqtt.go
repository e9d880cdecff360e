package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"modbus-tagpoller/internal/config"
)

// WriteFunc applies a value received from a sink to the named tag.
type WriteFunc func(ctx context.Context, name string, value any) error

// MQTT publishes each event as a JSON document on <topic>/<tag>.
type MQTT struct {
	cfg    config.MQTTConfig
	client pahomqtt.Client
	write  WriteFunc
	log    zerolog.Logger
}

// NewMQTT connects to the broker. When cfg.Writes is set and write is not
// nil, messages on <topic>/<tag>/set are written through write.
func NewMQTT(cfg config.MQTTConfig, write WriteFunc, log zerolog.Logger) (*MQTT, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "tagpoller-" + uuid.NewString()[:8]
	}
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	p := &MQTT{cfg: cfg, write: write, log: log.With().Str("component", "mqtt").Logger()}
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		p.log.Info().Str("broker", cfg.Broker).Msg("mqtt connected")
		p.subscribe(c)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		client.Disconnect(100)
		return nil, fmt.Errorf("mqtt connect %s:%d: timeout", cfg.Broker, cfg.Port)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s:%d: %w", cfg.Broker, cfg.Port, err)
	}
	p.client = client
	return p, nil
}

func (p *MQTT) Name() string { return "mqtt" }

// Topic returns the state topic for a tag.
func (p *MQTT) Topic(name string) string {
	return p.cfg.Topic + "/" + name
}

func (p *MQTT) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return wait(ctx, p.client.Publish(p.Topic(e.Tag), p.cfg.QoS, p.cfg.Retain, payload))
}

func (p *MQTT) Close() error {
	p.client.Disconnect(250)
	return nil
}

func (p *MQTT) subscribe(c pahomqtt.Client) {
	if !p.cfg.Writes || p.write == nil {
		return
	}
	filter := p.cfg.Topic + "/+/set"
	token := c.Subscribe(filter, 1, p.onSet)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		p.log.Warn().Err(token.Error()).Str("topic", filter).Msg("subscribe failed")
	}
}

// setResult is published on <topic>/<tag>/set/result after each write.
type setResult struct {
	Tag     string `json:"tag"`
	Value   any    `json:"value"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (p *MQTT) onSet(c pahomqtt.Client, msg pahomqtt.Message) {
	name, ok := p.setTarget(msg.Topic())
	if !ok {
		return
	}
	value, err := decodeSetPayload(msg.Payload())
	// The paho router goroutine must not block on a controller round trip.
	go func() {
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
			err = p.write(ctx, name, value)
			cancel()
		}
		res := setResult{Tag: name, Value: value, Success: err == nil}
		if err != nil {
			res.Error = err.Error()
			p.log.Warn().Err(err).Str("tag", name).Msg("mqtt write failed")
		}
		b, _ := json.Marshal(res)
		c.Publish(msg.Topic()+"/result", 1, false, b)
	}()
}

func (p *MQTT) setTarget(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, p.cfg.Topic+"/")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, "/set")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// decodeSetPayload accepts {"value": v} or a bare JSON value.
func decodeSetPayload(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if m, ok := v.(map[string]any); ok {
		inner, ok := m["value"]
		if !ok {
			return nil, fmt.Errorf("payload has no value field")
		}
		return inner, nil
	}
	return v, nil
}

func wait(ctx context.Context, t pahomqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
