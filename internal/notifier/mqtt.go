package notifier

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/alertai/alertai/internal/conf"
	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/logger"
)

const (
	mqttConnectTimeout    = 10 * time.Second
	mqttDisconnectQuiesce = 250
)

// MQTTProvider publishes payloads to the configured broker. The channel URL
// names the topic: mqtt://alerts/user-1 publishes to "alerts/user-1".
type MQTTProvider struct {
	cfg conf.MQTTSettings

	mu     sync.Mutex
	client mqtt.Client
}

// NewMQTTProvider creates a provider for the broker in cfg. The connection is
// made on first use.
func NewMQTTProvider(cfg conf.MQTTSettings) *MQTTProvider {
	return &MQTTProvider{cfg: cfg}
}

// Name implements Provider.
func (p *MQTTProvider) Name() string { return "mqtt" }

// Topic returns the topic a channel URL publishes to.
func Topic(target *url.URL) string {
	return strings.Trim(target.Host+target.Path, "/")
}

func (p *MQTTProvider) connect(ctx context.Context) (mqtt.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.client.IsConnected() {
		return p.client, nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetUsername(p.cfg.Username)
	opts.SetPassword(p.cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		GetLogger().Info("connected to mqtt broker", logger.String("broker", logger.RedactURL(p.cfg.Broker)))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		GetLogger().Warn("mqtt connection lost", logger.Error(err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if err := waitToken(ctx, token, mqttConnectTimeout); err != nil {
		return nil, err
	}
	if err := token.Error(); err != nil {
		return nil, WithClass(errors.New(err).
			Component("notifier").
			Category(errors.CategoryNetwork).
			Context("operation", "mqtt_connect").
			Build(), ClassConnection)
	}
	p.client = client
	return client, nil
}

// Send implements Provider.
func (p *MQTTProvider) Send(ctx context.Context, target *url.URL, payload Payload) error {
	topic := Topic(target)
	if topic == "" {
		return WithClass(errors.Newf("mqtt channel has no topic").
			Component("notifier").
			Category(errors.CategoryValidation).
			Build(), ClassOther)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return WithClass(err, ClassOther)
	}

	client, err := p.connect(ctx)
	if err != nil {
		return err
	}

	token := client.Publish(topic, p.cfg.QoS, false, body)
	if err := waitToken(ctx, token, 0); err != nil {
		return err
	}
	if err := token.Error(); err != nil {
		return WithClass(errors.New(err).
			Component("notifier").
			Category(errors.CategoryNetwork).
			Context("topic", topic).
			Build(), ClassConnection)
	}
	return nil
}

// waitToken waits for token until ctx ends or limit passes (0 means ctx only).
func waitToken(ctx context.Context, token mqtt.Token, limit time.Duration) error {
	var timeout <-chan time.Time
	if limit > 0 {
		t := time.NewTimer(limit)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-token.Done():
		return nil
	case <-ctx.Done():
		return WithClass(ctx.Err(), ClassTimeout)
	case <-timeout:
		return WithClass(errors.NewStd("mqtt operation timed out"), ClassTimeout)
	}
}

// Close disconnects from the broker.
func (p *MQTTProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(mqttDisconnectQuiesce)
	}
	p.client = nil
}
