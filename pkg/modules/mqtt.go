package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labdaq/labdaq/pkg/telemetry"
)

// MQTTConfig configures the broker connection for the MQTT module bridge.
type MQTTConfig struct {
	// BrokerURL is the broker address, e.g. "tcp://localhost:1883".
	BrokerURL string `yaml:"broker_url"`

	// ClientID identifies this client to the broker.
	ClientID string `yaml:"client_id"`

	// Username and Password are optional broker credentials.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// QoS is the quality of service for commands and acks.
	QoS byte `yaml:"qos" validate:"lte=2"`

	// TopicPrefix roots all module topics, default "labdaq".
	TopicPrefix string `yaml:"topic_prefix"`

	// CommandTimeout bounds the wait for a module acknowledgement.
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultCommandTimeout = 10 * time.Second
	disconnectQuiesceMs   = 250
)

// moduleCommand is the wire format published to a module's command topic.
type moduleCommand struct {
	RequestID string `json:"request_id"`
	Command   string `json:"command"`
	Param     string `json:"param,omitempty"`
	Value     string `json:"value,omitempty"`
}

// moduleAck is the wire format instrument adapters publish on the ack topic.
type moduleAck struct {
	RequestID string  `json:"request_id"`
	OK        bool    `json:"ok"`
	Error     string  `json:"error,omitempty"`
	Value     float64 `json:"value,omitempty"`
}

// MQTTController implements engine.ModuleController over an MQTT broker.
// Commands are published to <prefix>/modules/<id>/cmd; the instrument
// adapter answers on <prefix>/modules/<id>/ack with the request ID echoed
// back. Every engine-facing call blocks until the matching ack arrives or
// the command timeout elapses.
//
// The ack subscription is taken once at connect and restored by paho's
// auto-reconnect, so in-flight commands survive short broker outages up to
// their timeout.
type MQTTController struct {
	client pahomqtt.Client
	cfg    MQTTConfig

	mu      sync.Mutex
	pending map[string]chan moduleAck

	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// MQTTOption configures an MQTTController.
type MQTTOption func(*MQTTController)

// WithMQTTLogger sets the controller logger.
func WithMQTTLogger(logger zerolog.Logger) MQTTOption {
	return func(c *MQTTController) {
		c.logger = logger.With().Str("component", "mqtt-controller").Logger()
	}
}

// WithMQTTMetrics attaches controller metrics.
func WithMQTTMetrics(m *telemetry.Metrics) MQTTOption {
	return func(c *MQTTController) { c.metrics = m }
}

// NewMQTTController connects to the broker and subscribes to the module ack
// topics.
func NewMQTTController(cfg MQTTConfig, opts ...MQTTOption) (*MQTTController, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "labdaq"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "labdaq-" + uuid.New().String()[:8]
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}

	c := &MQTTController{
		cfg:     cfg,
		pending: make(map[string]chan moduleAck),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	clientOpts := pahomqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectTimeout(defaultConnectTimeout)
	if cfg.Username != "" {
		clientOpts.SetUsername(cfg.Username)
		clientOpts.SetPassword(cfg.Password)
	}
	clientOpts.SetOnConnectHandler(func(client pahomqtt.Client) {
		// Also runs on reconnect, restoring the ack subscription.
		topic := ackTopic(c.cfg.TopicPrefix)
		token := client.Subscribe(topic, c.cfg.QoS, c.handleAck)
		if token.WaitTimeout(defaultConnectTimeout) && token.Error() != nil {
			c.logger.Error().Err(token.Error()).Str("topic", topic).Msg("Ack subscription failed")
		}
	})
	clientOpts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.logger.Warn().Err(err).Msg("Broker connection lost, reconnecting")
	})

	c.client = pahomqtt.NewClient(clientOpts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect: timeout after %v", defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	c.logger.Info().Str("broker", cfg.BrokerURL).Msg("Connected to broker")
	return c, nil
}

// Trigger starts an acquisition and waits for the module's ack.
func (c *MQTTController) Trigger(ctx context.Context, moduleID string) error {
	_, err := c.request(ctx, moduleID, moduleCommand{Command: "trigger"})
	c.record(moduleID, "trigger", err)
	return err
}

// SetParameter sets a parameter and waits for the module's ack.
func (c *MQTTController) SetParameter(ctx context.Context, target, param, value string) error {
	_, err := c.request(ctx, target, moduleCommand{Command: "set", Param: param, Value: value})
	c.record(target, "set", err)
	return err
}

// Read requests a reading and returns the value carried on the ack.
func (c *MQTTController) Read(ctx context.Context, moduleID string) (float64, error) {
	ack, err := c.request(ctx, moduleID, moduleCommand{Command: "read"})
	c.record(moduleID, "read", err)
	if err != nil {
		return 0, err
	}
	return ack.Value, nil
}

// Close disconnects from the broker.
func (c *MQTTController) Close() {
	c.client.Disconnect(disconnectQuiesceMs)
}

func (c *MQTTController) record(moduleID, command string, err error) {
	if err != nil {
		c.metrics.ModuleError(moduleID, command)
		return
	}
	c.metrics.ModuleCommand(moduleID, command)
}

// request publishes one command and blocks until its ack, the command
// timeout, or context cancellation.
func (c *MQTTController) request(ctx context.Context, moduleID string, cmd moduleCommand) (moduleAck, error) {
	cmd.RequestID = uuid.New().String()

	ch := make(chan moduleAck, 1)
	c.mu.Lock()
	c.pending[cmd.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, cmd.RequestID)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(cmd)
	if err != nil {
		return moduleAck{}, fmt.Errorf("marshal command: %w", err)
	}

	topic := commandTopic(c.cfg.TopicPrefix, moduleID)
	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return moduleAck{}, fmt.Errorf("publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return moduleAck{}, fmt.Errorf("publish to %s: %w", topic, err)
	}

	timer := time.NewTimer(c.cfg.CommandTimeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		if !ack.OK {
			return ack, fmt.Errorf("module %s rejected %s: %s", moduleID, cmd.Command, ack.Error)
		}
		return ack, nil
	case <-timer.C:
		return moduleAck{}, fmt.Errorf("module %s did not ack %s within %v", moduleID, cmd.Command, c.cfg.CommandTimeout)
	case <-ctx.Done():
		return moduleAck{}, fmt.Errorf("command %s to %s cancelled: %w", cmd.Command, moduleID, ctx.Err())
	}
}

// handleAck routes an ack to the in-flight request waiting on it.
func (c *MQTTController) handleAck(_ pahomqtt.Client, msg pahomqtt.Message) {
	var ack moduleAck
	if err := json.Unmarshal(msg.Payload(), &ack); err != nil {
		c.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Malformed ack payload")
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[ack.RequestID]
	c.mu.Unlock()
	if !ok {
		// Late ack for a request that already timed out.
		c.logger.Debug().Str("request_id", ack.RequestID).Msg("Ack for unknown request")
		return
	}

	select {
	case ch <- ack:
	default:
	}
}

// commandTopic is where commands for one module are published.
func commandTopic(prefix, moduleID string) string {
	return fmt.Sprintf("%s/modules/%s/cmd", prefix, moduleID)
}

// ackTopic is the wildcard subscription covering all module acks.
func ackTopic(prefix string) string {
	return fmt.Sprintf("%s/modules/+/ack", prefix)
}
