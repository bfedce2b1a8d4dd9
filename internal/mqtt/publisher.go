package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/glitchcube/glitchcube/internal/config"
	"github.com/glitchcube/glitchcube/internal/health"
)

// StatusSource provides the health snapshot the publisher turns into
// sensor states. The health reporter satisfies this; the indirection
// keeps this package testable without a full reporter.
type StatusSource interface {
	Check(ctx context.Context) health.Status
}

// Publisher manages the MQTT connection, publishes HA discovery configs
// on (re-)connect, and pushes sensor state updates on an interval.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	status     StatusSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect; call [Publisher.Start].
func New(cfg config.MQTTConfig, instanceID string, status StatusSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		status:     status,
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and runs the publish loop until ctx is
// cancelled. It blocks. Every (re-)connect republishes discovery configs
// and an "online" birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("connected to broker", "broker", p.cfg.BrokerURL)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "glitchcube-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" || brokerURL.Scheme == "tls" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("initial connection timed out, retrying in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return p.cfg.TopicPrefix + "/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	component    string // "sensor" or "binary_sensor"
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	return []sensorDef{
		{
			component:    "sensor",
			entitySuffix: "status",
			config: SensorConfig{
				Name:              p.device.Name + " Status",
				UniqueID:          p.instanceID + "_status",
				StateTopic:        p.stateTopic("status"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:cube-outline",
			},
		},
		{
			component:    "sensor",
			entitySuffix: "uptime",
			config: SensorConfig{
				Name:              p.device.Name + " Uptime",
				UniqueID:          p.instanceID + "_uptime",
				StateTopic:        p.stateTopic("uptime"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:clock-outline",
				EntityCategory:    "diagnostic",
			},
		},
		{
			component:    "sensor",
			entitySuffix: "persistence",
			config: SensorConfig{
				Name:              p.device.Name + " Persistence",
				UniqueID:          p.instanceID + "_persistence",
				StateTopic:        p.stateTopic("persistence"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:database",
				EntityCategory:    "diagnostic",
			},
		},
		{
			component:    "binary_sensor",
			entitySuffix: "occupied",
			config: SensorConfig{
				Name:              p.device.Name + " Occupied",
				UniqueID:          p.instanceID + "_occupied",
				StateTopic:        p.stateTopic("occupied"),
				AvailabilityTopic: avail,
				Device:            p.device,
				DeviceClass:       "occupancy",
				PayloadOn:         "on",
				PayloadOff:        "off",
			},
		},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic(s.component, s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("marshal discovery payload", "entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("discovery published", "entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("availability published", "status", status)
	}
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	states := stateValues(p.status.Check(ctx))
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("state publish failed", "entity", entity, "error", err)
		}
	}

	p.logger.Debug("sensor states published", "entities", len(states))
}

// stateValues maps a health snapshot onto sensor state payloads. The
// occupied entity is only published when a presence watcher is wired.
func stateValues(st health.Status) map[string]string {
	states := map[string]string{
		"status":      st.Status,
		"uptime":      st.Uptime,
		"persistence": st.Persistence,
	}
	if st.Occupied != nil {
		if *st.Occupied {
			states["occupied"] = "on"
		} else {
			states["occupied"] = "off"
		}
	}
	return states
}
