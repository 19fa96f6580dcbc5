package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/norsk-tutor/internal/config"
	"github.com/nugget/norsk-tutor/internal/scheduler"
)

// StatsSource supplies the tutor figures behind the sensors. main
// adapts the profile and scheduler stores to it.
type StatsSource interface {
	Learners() int
	// LastSweep returns the most recent lesson sweep, or nil.
	LastSweep() *scheduler.Sweep
	Uptime() time.Duration
	Version() string
}

// Publisher announces the tutor to Home Assistant over MQTT and keeps
// its sensor states fresh. Discovery and availability are republished
// on every reconnect.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	turns      *TurnCounter
	stats      StatsSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher without connecting. turns and stats may be
// nil; their sensors then report zero values.
func New(cfg config.MQTTConfig, instanceID string, turns *TurnCounter, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		turns:      turns,
		stats:      stats,
		logger:     logger,
	}
}

// Start connects to the broker and publishes sensor states until ctx
// is cancelled. A broker that is down at startup is not an error;
// autopaho keeps dialing in the background.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	cm, err := autopaho.NewConnection(ctx, p.clientConfig(ctx, brokerURL))
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = cm.AwaitConnection(waitCtx)
	cancel()
	if err != nil {
		p.logger.Warn("mqtt broker not reachable yet, retrying in background",
			"broker", p.cfg.Broker, "error", err)
	}

	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.publishStates(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Publisher) clientConfig(ctx context.Context, brokerURL *url.URL) autopaho.ClientConfig {
	cc := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		// The broker marks us offline if we vanish without Stop.
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.setAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "norsk-" + p.cfg.DeviceName,
		},
	}
	switch brokerURL.Scheme {
	case "mqtts", "ssl":
		cc.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cc
}

// Stop marks the device offline and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.setAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

func (p *Publisher) baseTopic() string {
	return "norsk/" + p.cfg.DeviceName
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

func publish(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload []byte, qos byte) error {
	_, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  true,
	})
	return err
}

// sensorDef is one Home Assistant sensor: its discovery payload and
// the function rendering its current state.
type sensorDef struct {
	entity string
	config SensorConfig
	value  func() string
}

func (p *Publisher) sensor(entity, label, icon string, value func() string, opts ...func(*SensorConfig)) sensorDef {
	c := SensorConfig{
		Name:              p.device.Name + " " + label,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return sensorDef{entity: entity, config: c, value: value}
}

func diagnostic(c *SensorConfig)  { c.EntityCategory = "diagnostic" }
func measurement(c *SensorConfig) { c.StateClass = "measurement" }
func turnsUnit(c *SensorConfig)   { c.UnitOfMeasurement = "turns" }

func (p *Publisher) lastSweep() *scheduler.Sweep {
	if p.stats == nil {
		return nil
	}
	return p.stats.LastSweep()
}

func (p *Publisher) turnCounts() (total, today int64) {
	if p.turns == nil {
		return 0, 0
	}
	return p.turns.Snapshot()
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	sweepInt := func(field func(*scheduler.Sweep) int) func() string {
		return func() string {
			sw := p.lastSweep()
			if sw == nil {
				return "0"
			}
			return strconv.Itoa(field(sw))
		}
	}

	return []sensorDef{
		p.sensor("learners", "Learners", "mdi:account-school", func() string {
			if p.stats == nil {
				return "0"
			}
			return strconv.Itoa(p.stats.Learners())
		}, measurement),
		p.sensor("last_sweep", "Last Sweep", "mdi:calendar-clock", func() string {
			sw := p.lastSweep()
			if sw == nil {
				return "unknown"
			}
			return sw.ScheduledAt.Format(time.RFC3339)
		}, func(c *SensorConfig) { c.DeviceClass = "timestamp" }),
		p.sensor("last_sweep_delivered", "Last Sweep Delivered", "mdi:email-check",
			sweepInt(func(sw *scheduler.Sweep) int { return sw.Delivered }), measurement),
		p.sensor("last_sweep_failed", "Last Sweep Failed", "mdi:email-alert",
			sweepInt(func(sw *scheduler.Sweep) int { return sw.Failed }), measurement),
		p.sensor("turns_total", "Turns", "mdi:chat-processing", func() string {
			total, _ := p.turnCounts()
			return strconv.FormatInt(total, 10)
		}, turnsUnit, func(c *SensorConfig) { c.StateClass = "total_increasing" }),
		p.sensor("turns_today", "Turns Today", "mdi:counter", func() string {
			_, today := p.turnCounts()
			return strconv.FormatInt(today, 10)
		}, turnsUnit, measurement),
		p.sensor("uptime", "Uptime", "mdi:clock-outline", func() string {
			if p.stats == nil {
				return "0s"
			}
			return p.stats.Uptime().Truncate(time.Second).String()
		}, diagnostic),
		p.sensor("version", "Version", "mdi:tag", func() string {
			if p.stats == nil {
				return "unknown"
			}
			return p.stats.Version()
		}, diagnostic),
	}
}

// states renders every sensor's current value by entity.
func (p *Publisher) states() map[string]string {
	defs := p.sensorDefinitions()
	out := make(map[string]string, len(defs))
	for _, s := range defs {
		out[s.entity] = s.value()
	}
	return out
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt discovery marshal failed", "entity", s.entity, "error", err)
			continue
		}
		topic := p.discoveryTopic("sensor", s.entity)
		if err := publish(ctx, cm, topic, payload, 1); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "topic", topic, "error", err)
			continue
		}
		p.logger.Debug("mqtt discovery published", "entity", s.entity, "topic", topic)
	}
}

func (p *Publisher) setAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if err := publish(ctx, cm, p.availabilityTopic(), []byte(status), 1); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}
	states := p.states()
	for entity, value := range states {
		if err := publish(ctx, p.cm, p.stateTopic(entity), []byte(value), 0); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
