package source

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chazwilder/iqx-dockmonitor/errors"
)

// MQTTConfig configures a broker subscription.
type MQTTConfig struct {
	Broker         string        `json:"broker" yaml:"broker"`
	ClientID       string        `json:"client_id" yaml:"client_id"`
	Topic          string        `json:"topic" yaml:"topic"`
	QoS            byte          `json:"qos" yaml:"qos"`
	Username       string        `json:"username" yaml:"username"`
	Password       string        `json:"password" yaml:"password"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
}

// Validate checks required fields.
func (c MQTTConfig) Validate() error {
	switch {
	case c.Broker == "" || c.Topic == "":
		return errors.WrapInvalid(fmt.Errorf("%w: mqtt source needs broker and topic", errors.ErrInvalidConfig),
			"MQTTConfig", "Validate", "check fields")
	case c.QoS > 2:
		return errors.WrapInvalid(fmt.Errorf("%w: qos %d", errors.ErrInvalidConfig, c.QoS),
			"MQTTConfig", "Validate", "check qos")
	}
	return nil
}

// MQTT subscribes to a topic. The client reconnects on its own and
// resubscribes because the subscription is made in the connect handler.
type MQTT struct {
	decoder
	cfg       MQTTConfig
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// NewMQTT creates an MQTT source.
func NewMQTT(cfg MQTTConfig, opts ...Option) *MQTT {
	if cfg.ClientID == "" {
		cfg.ClientID = "dockwatch"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &MQTT{decoder: newDecoder("mqtt", opts), cfg: cfg, newClient: mqtt.NewClient}
}

func (m *MQTT) clientOptions(ctx context.Context, emit EmitFunc) *mqtt.ClientOptions {
	onMessage := func(_ mqtt.Client, msg mqtt.Message) {
		m.logEmitError(ctx, m.handle(ctx, msg.Payload(), emit))
	}
	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.Broker).
		SetClientID(m.cfg.ClientID).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetConnectTimeout(m.cfg.ConnectTimeout).
		SetOnConnectHandler(func(c mqtt.Client) {
			token := c.Subscribe(m.cfg.Topic, m.cfg.QoS, onMessage)
			if token.WaitTimeout(m.cfg.ConnectTimeout) && token.Error() != nil {
				m.logger.Error("subscribe failed", "topic", m.cfg.Topic, "error", token.Error())
				return
			}
			m.logger.Info("subscribed", "topic", m.cfg.Topic)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.logger.Warn("connection lost", "error", err)
		})
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	return opts
}

// Run implements Source.
func (m *MQTT) Run(ctx context.Context, emit EmitFunc) error {
	if err := m.cfg.Validate(); err != nil {
		return err
	}
	client := m.newClient(m.clientOptions(ctx, emit))

	token := client.Connect()
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return errors.WrapTransient(fmt.Errorf("connect timeout after %v", m.cfg.ConnectTimeout),
			"MQTT", "Run", "connect "+m.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "MQTT", "Run", "connect "+m.cfg.Broker)
	}

	<-ctx.Done()
	client.Unsubscribe(m.cfg.Topic).WaitTimeout(time.Second)
	client.Disconnect(250)
	return nil
}
