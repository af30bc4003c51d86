package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/opnmodem/hilinkd/pkg"
	"github.com/opnmodem/hilinkd/pkg/config"
	"github.com/opnmodem/hilinkd/pkg/logx"
)

// Publisher publishes modem telemetry to an MQTT broker. All publish
// methods are no-ops while disabled or disconnected so callers never have
// to guard for broker availability.
type Publisher struct {
	client MQTT.Client
	cfg    config.MQTTConfig
	logger *logx.Logger
}

// NewPublisher creates an MQTT publisher from the daemon configuration
func NewPublisher(cfg config.MQTTConfig, logger *logx.Logger) *Publisher {
	if cfg.ClientID == "" {
		cfg.ClientID = "hilinkd"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "hilink"
	}
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	return &Publisher{cfg: cfg, logger: logger}
}

// Connect establishes the broker connection. The paho client keeps
// reconnecting in the background after the first successful connect.
func (p *Publisher) Connect() error {
	if !p.cfg.Enabled {
		p.logger.Debug("MQTT publisher disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", p.cfg.Broker, p.cfg.Port))
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOnConnectHandler(func(MQTT.Client) {
		p.logger.Info("MQTT connection established", "broker", p.cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		p.logger.Warn("MQTT connection lost", "error", err)
	})

	p.client = MQTT.NewClient(opts)
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return nil
}

// Disconnect closes the broker connection
func (p *Publisher) Disconnect() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Info("MQTT publisher disconnected")
	}
}

// PublishSample publishes one poll sample under <prefix>/<modem>/sample
func (p *Publisher) PublishSample(modemName string, sample *pkg.Sample) {
	p.publishJSON(fmt.Sprintf("%s/%s/sample", p.cfg.TopicPrefix, modemName), sample)
}

// PublishState publishes a connection state change under
// <prefix>/<modem>/state
func (p *Publisher) PublishState(modemName string, state pkg.ConnState) {
	p.publishJSON(fmt.Sprintf("%s/%s/state", p.cfg.TopicPrefix, modemName), map[string]interface{}{
		"timestamp": time.Now(),
		"state":     state,
	})
}

// PublishEvent publishes an observable event under <prefix>/events
func (p *Publisher) PublishEvent(event pkg.Event) {
	p.publishJSON(p.cfg.TopicPrefix+"/events", event)
}

// PublishAlert publishes an alert change under <prefix>/alerts
func (p *Publisher) PublishAlert(alert pkg.Alert) {
	p.publishJSON(p.cfg.TopicPrefix+"/alerts", alert)
}

func (p *Publisher) publishJSON(topic string, payload interface{}) {
	if !p.cfg.Enabled || p.client == nil || !p.client.IsConnected() {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal MQTT payload", "topic", topic, "error", err)
		return
	}
	token := p.client.Publish(topic, byte(p.cfg.QoS), p.cfg.Retain, data)
	if token.Wait() && token.Error() != nil {
		p.logger.Warn("MQTT publish failed", "topic", topic, "error", token.Error())
		return
	}
	p.logger.Trace("MQTT message published", "topic", topic, "size", len(data))
}
