package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/pointreg/register"
)

// DefaultPrefix is the topic prefix used when none is configured.
const DefaultPrefix = "pointreg"

// Request asks the service to register one cloud pair.
type Request struct {
	Source     string `json:"source"`
	Target     string `json:"target"`
	SkipGlobal bool   `json:"skipGlobal,omitempty"`
	// Initial, when set, skips the global stage and refines this pose.
	Initial *Pose `json:"initial,omitempty"`
}

// RequestHandler is called for every registration request received on
// {prefix}/requests. err is set when the payload could not be decoded.
type RequestHandler func(req Request, err error)

// Client manages the MQTT connection used to publish reports and receive
// registration requests.
type Client struct {
	client      mqtt.Client
	prefix      string
	handler     RequestHandler
	isConnected bool
	mu          sync.RWMutex
}

// Settings resolves the broker settings, letting MQTT_* environment
// variables override the configuration file.
func Settings(cfg register.MQTTConfig) register.MQTTConfig {
	override := func(env string, value *string) {
		if v := os.Getenv(env); v != "" {
			*value = v
		}
	}
	override("MQTT_BROKER", &cfg.Broker)
	override("MQTT_CLIENT_ID", &cfg.ClientID)
	override("MQTT_USERNAME", &cfg.Username)
	override("MQTT_PASSWORD", &cfg.Password)
	override("MQTT_PUBLISH_PREFIX", &cfg.PublishPrefix)
	if cfg.ClientID == "" {
		cfg.ClientID = "pointreg"
	}
	if cfg.PublishPrefix == "" {
		cfg.PublishPrefix = DefaultPrefix
	}
	return cfg
}

// Connect opens a connection to the configured broker and blocks until it
// succeeds or ctx is done. When no broker is configured MQTT is disabled and
// Connect returns nil, nil. handler may be nil.
func Connect(ctx context.Context, cfg register.MQTTConfig, handler RequestHandler) (*Client, error) {
	cfg = Settings(cfg)
	if cfg.Broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	c := &Client{prefix: cfg.PublishPrefix, handler: handler}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)
	if err := c.connectWithRetry(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// newClientWithMock wraps an existing mqtt.Client.
func newClientWithMock(client mqtt.Client, prefix string, handler RequestHandler) *Client {
	return &Client{client: client, prefix: prefix, handler: handler}
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *Client) connectWithRetry(ctx context.Context) error {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("Connecting to MQTT broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("Successfully connected to MQTT broker")
				c.setConnected(true)
				return nil
			}
			log.Printf("MQTT connection failed: %v", token.Error())
		} else {
			log.Println("MQTT connection timeout")
		}

		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("connecting to MQTT broker: %w", ctx.Err())
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// RequestTopic is the topic registration requests arrive on.
func (c *Client) RequestTopic() string {
	return c.prefix + "/requests"
}

// onConnect subscribes to the request topic when a handler is set.
func (c *Client) onConnect(client mqtt.Client) {
	c.setConnected(true)
	if c.handler == nil {
		return
	}
	topic := c.RequestTopic()
	token := client.Subscribe(topic, 1, c.handleRequest)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("Error subscribing to %s: %v", topic, token.Error())
		return
	}
	log.Printf("Subscribed to %s", topic)
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

// handleRequest decodes a request payload. A bare "source target" string is
// accepted besides the JSON object.
func (c *Client) handleRequest(client mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	log.Printf("Received registration request (topic: %s, size: %d bytes)", msg.Topic(), len(payload))

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		fields := strings.Fields(string(payload))
		if len(fields) != 2 {
			c.handler(Request{}, fmt.Errorf("decoding request: %w", err))
			return
		}
		req = Request{Source: fields[0], Target: fields[1]}
	}
	if req.Source == "" || req.Target == "" {
		c.handler(req, fmt.Errorf("request needs both source and target"))
		return
	}
	c.handler(req, nil)
}

// IsConnected returns true if the MQTT client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *Client) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// Prefix returns the topic prefix.
func (c *Client) Prefix() string {
	return c.prefix
}

// MQTT returns the underlying MQTT client for publishing
func (c *Client) MQTT() mqtt.Client {
	return c.client
}
