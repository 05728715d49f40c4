package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"solarpi/internal/config"
	"solarpi/internal/supervisor"
)

const publishTimeout = 5 * time.Second

var ErrNotConnected = errors.New("mqtt client not connected")

// Client publishes retained health snapshots so a dashboard that connects
// late still sees the current state of every device.
type Client struct {
	client    mqtt.Client
	prefix    string
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// DeviceHealthMessage is the payload on <prefix>/<device_kind>/health.
type DeviceHealthMessage struct {
	supervisor.DeviceHealth
	Time         time.Time `json:"time"`
	SinkDegraded bool      `json:"sink_degraded"`
}

func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	c := &Client{
		prefix: cfg.MQTTTopicPrefix,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// The broker flips the retained status to offline if we vanish.
	opts.SetWill(c.statusTopic(), "offline", 1, true)

	opts.SetOnConnectHandler(func(cl mqtt.Client) {
		c.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
		cl.Publish(c.statusTopic(), 1, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect waits for the first connection, respecting ctx and Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return fmt.Errorf("client stopped")
	default:
	}
	if c.IsConnected() {
		return nil
	}

	token := c.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return fmt.Errorf("client stopped")
		default:
		}
	}
}

func (c *Client) statusTopic() string { return c.prefix + "/status" }

// HealthTopic is where the snapshot for kind is retained.
func HealthTopic(prefix, kind string) string {
	return fmt.Sprintf("%s/%s/health", prefix, kind)
}

// PublishHealth publishes one retained message per device. It keeps going
// after a failed publish and returns the joined errors.
func (c *Client) PublishHealth(h supervisor.Health) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	var errs []error
	for _, d := range h.Devices {
		topic := HealthTopic(c.prefix, d.Identity.Kind.String())
		data, err := json.Marshal(DeviceHealthMessage{DeviceHealth: d, Time: h.Time, SinkDegraded: h.SinkDegraded})
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal health: %w", err))
			continue
		}

		token := c.client.Publish(topic, 1, true, data)
		if !token.WaitTimeout(publishTimeout) {
			errs = append(errs, fmt.Errorf("publish timeout for topic %s", topic))
			continue
		}
		if err := token.Error(); err != nil {
			c.logger.Error("failed to publish device health", "topic", topic, "error", err)
			errs = append(errs, fmt.Errorf("publish health: %w", err))
			continue
		}
		c.logger.Debug("published device health",
			"topic", topic,
			"state", d.State.String(),
			"samples_written", d.SamplesWritten,
		)
	}
	return errors.Join(errs...)
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Disconnect stops the client. It is safe to call more than once; after
// it Connect fails.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if c.client != nil {
		if c.IsConnected() {
			c.client.Publish(c.statusTopic(), 1, true, "offline").WaitTimeout(time.Second)
		}
		c.client.Disconnect(250)
	}
	c.setConnected(false)
	c.logger.Info("mqtt disconnected")
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
