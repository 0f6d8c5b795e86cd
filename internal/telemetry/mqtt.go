// Package telemetry publishes lobby events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/flagrun/internal/config"
	"github.com/energizer-project/flagrun/internal/events"
	"github.com/energizer-project/flagrun/internal/util"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicStatus = "status"
	TopicLobby  = "lobby"
	TopicGames  = "games"
)

// forwarded lists the events published to the broker. Heartbeats and
// health alerts go to the status topic.
var forwarded = append([]events.EventType{events.EventHeartbeat, events.EventHealthAlert}, events.AllGameEvents...)

// Publisher is the part of an MQTT client the handler uses.
type Publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler forwards lobby events to MQTT as JSON messages.
type MQTTHandler struct {
	prefix   string
	eventBus *events.EventBus
	client   mqtt.Client
	pub      Publisher

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus) (*MQTTHandler, error) {
	mqttCfg := cfg.GetMQTT()

	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	handler := newHandler(mqttCfg.TopicPrefix, eventBus, sysInfo)

	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("flagrun-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if mqttCfg.UseTLS {
		tlsConfig, err := buildTLSConfig(mqttCfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)
	handler.pub = handler.client

	return handler, nil
}

func newHandler(prefix string, eventBus *events.EventBus, sysInfo util.SystemInfo) *MQTTHandler {
	return &MQTTHandler{
		prefix:   strings.TrimSuffix(prefix, "/"),
		eventBus: eventBus,
		metadata: map[string]interface{}{
			"hostname":  sysInfo.Hostname,
			"platform":  sysInfo.Platform,
			"cpu_model": sysInfo.CPUModel,
			"cpu_cores": sysInfo.CPUCores,
			"memory_mb": sysInfo.TotalMemory,
		},
	}
}

func buildTLSConfig(mqttCfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	// mTLS: load client certificate
	if mqttCfg.CertFile != "" && mqttCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(mqttCfg.CertFile, mqttCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if mqttCfg.CAFile != "" {
		pem, err := os.ReadFile(mqttCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in MQTT CA file %s", mqttCfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// Start connects to the MQTT broker and forwards events until ctx ends.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().Str("prefix", h.prefix).Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	h.publish(h.topic(TopicStatus), map[string]interface{}{"event": "online"})

	<-ctx.Done()

	for _, t := range forwarded {
		h.eventBus.Unsubscribe(t, "mqtt")
	}
	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.SubscribeAll(forwarded, "mqtt", h.onEvent)
}

// topicFor maps an event to the topic it is published on.
func (h *MQTTHandler) topicFor(event events.Event) string {
	switch p := event.Payload.(type) {
	case events.LobbyJoinedPayload:
		return h.topic(TopicLobby)
	case events.GameCreatedPayload:
		return h.topic(TopicGames, p.GameID)
	case events.PlayerPayload:
		return h.topic(TopicGames, p.GameID)
	case events.FlagCapturedPayload:
		return h.topic(TopicGames, p.GameID)
	case events.GameEndingPayload:
		return h.topic(TopicGames, p.GameID)
	case events.GameRemovedPayload:
		return h.topic(TopicGames, p.GameID)
	}
	return h.topic(TopicStatus)
}

func (h *MQTTHandler) topic(suffix string, gameID ...uint32) string {
	t := h.prefix + "/" + suffix
	for _, id := range gameID {
		t = fmt.Sprintf("%s/%d", t, id)
	}
	return t
}

func (h *MQTTHandler) onEvent(ctx context.Context, event events.Event) error {
	h.publish(h.topicFor(event), map[string]interface{}{
		"event":   string(event.Type),
		"payload": event.Payload,
	})
	return nil
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	pub := h.pub
	if pub == nil || !pub.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := pub.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown sends a shutdown message to the MQTT broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.topic(TopicStatus), map[string]interface{}{"event": "shutdown"})
}
