// Package mqtt publishes orchestrator state telemetry to a broker once the
// device has a network. Connection handling is fully lazy: at boot there is
// usually no uplink at all, so the client retries in the background and the
// bridge simply drops publishes until it is connected.
package mqtt

import (
	"encoding/json"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"provisiond/internal/orchestrator"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Bridge mirrors orchestrator transitions onto MQTT topics.
type Bridge struct {
	client pahomqtt.Client
	orch   *orchestrator.Orchestrator
	prefix string
	logger *slog.Logger
	unsub  func()
}

// NewBridge creates the bridge and starts the background connect loop.
// It never blocks waiting for the broker.
func NewBridge(orch *orchestrator.Orchestrator, cfg Config, logger *slog.Logger) *Bridge {
	b := &Bridge{
		orch:   orch,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "provisiond"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/availability", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publish(b.prefix+"/availability", []byte("online"), true)
			b.publishStatus()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = pahomqtt.NewClient(opts)
	b.client.Connect() // retried in the background; token intentionally not awaited
	return b
}

// Start subscribes to orchestrator events.
func (b *Bridge) Start() {
	b.unsub = b.orch.Events().On(orchestrator.EventStateTransition, func(orchestrator.Event) {
		b.publishStatus()
	})
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline availability, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	if b.client.IsConnectionOpen() {
		b.publish(b.prefix+"/availability", []byte("offline"), true)
	}
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// publishStatus publishes the current status snapshot, retained so a late
// subscriber sees the device's mode immediately. Credentials never appear
// in the status projection.
func (b *Bridge) publishStatus() {
	if !b.client.IsConnectionOpen() {
		return
	}
	status := b.orch.GetState()
	data, err := json.Marshal(status)
	if err != nil {
		b.logger.Error("marshal status", "err", err)
		return
	}
	b.publish(b.prefix+"/state", data, true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
