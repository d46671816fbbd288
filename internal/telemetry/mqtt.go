// Package telemetry publishes rcond security, audit and connection events to
// an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/energizer-project/rcond/internal/config"
	"github.com/energizer-project/rcond/internal/events"
	"github.com/energizer-project/rcond/internal/util"
)

// Topic suffixes appended to the configured prefix.
const (
	TopicSecurity    = "security"
	TopicAudit       = "audit"
	TopicConnections = "connections"
	TopicStatus      = "status"
)

var topicByEvent = map[events.EventType]string{
	events.EventAuthSucceeded:     TopicSecurity,
	events.EventAuthFailed:        TopicSecurity,
	events.EventProtocolViolation: TopicSecurity,
	events.EventAddressBanned:     TopicSecurity,
	events.EventAddressUnbanned:   TopicSecurity,

	events.EventCommandExecuted: TopicAudit,
	events.EventValueChanged:    TopicAudit,

	events.EventConnectionOpened:  TopicConnections,
	events.EventConnectionClosed:  TopicConnections,
	events.EventConnectionRefused: TopicConnections,
	events.EventRelayConnected:    TopicConnections,

	events.EventConfigChanged: TopicStatus,
	events.EventShutdown:      TopicStatus,
}

// TopicFor returns the topic suffix an event is published under, or "" for
// events that are not published.
func TopicFor(t events.EventType) string {
	return topicByEvent[t]
}

// publisher is the part of mqtt.Client the handler uses.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler forwards event bus traffic to the broker.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	pub      publisher

	// Metadata included in every message
	metadata map[string]interface{}
	logger   zerolog.Logger
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus, version string) (*MQTTHandler, error) {
	mqttCfg := cfg.GetApplicationData().MQTT
	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}
	if mqttCfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker_url is empty")
	}

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		cfg:      mqttCfg,
		eventBus: eventBus,
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"platform":    sysInfo.Platform,
			"app_version": version,
			"rcon_port":   cfg.GetRcon().Port,
		},
		logger: util.ComponentLogger("mqtt"),
	}

	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("rcond-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if mqttCfg.UseTLS {
		tlsConfig, err := tlsConfig(mqttCfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	h.pub = h.client
	return h, nil
}

func tlsConfig(mqttCfg config.MQTTConfig) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	// mTLS: load client certificate
	if mqttCfg.CertFile != "" && mqttCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(mqttCfg.CertFile, mqttCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if mqttCfg.CAFile != "" {
		pem, err := os.ReadFile(mqttCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", mqttCfg.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// Start connects to the broker, forwards events until ctx is cancelled and
// then disconnects.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.eventBus.Subscribe(events.AllEvents, "mqtt.forward", h.onEvent)
	defer h.eventBus.Unsubscribe(events.AllEvents, "mqtt.forward")

	<-ctx.Done()

	h.publish(TopicStatus, map[string]interface{}{"event": string(events.EventShutdown)})
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

func (h *MQTTHandler) onEvent(_ context.Context, event events.Event) error {
	topic := TopicFor(event.Type)
	if topic == "" {
		return nil
	}
	h.publish(topic, map[string]interface{}{
		"event":   string(event.Type),
		"source":  event.Source,
		"payload": event.Payload,
	})
	return nil
}

// publish sends a JSON message under prefix/topic.
func (h *MQTTHandler) publish(topic string, body map[string]interface{}) {
	if h.pub == nil || !h.pub.IsConnected() {
		return
	}

	full := topic
	if h.cfg.TopicPrefix != "" {
		full = h.cfg.TopicPrefix + "/" + topic
	}

	data, err := json.Marshal(h.buildMessage(body))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", full).Msg("failed to marshal MQTT message")
		return
	}

	token := h.pub.Publish(full, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", full).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event body.
func (h *MQTTHandler) buildMessage(body map[string]interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+len(body)+1)
	for k, v := range h.metadata {
		msg[k] = v
	}
	for k, v := range body {
		msg[k] = v
	}
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}
