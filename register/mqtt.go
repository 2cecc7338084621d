package register

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultPublishPrefix is the topic prefix used when none is configured
const DefaultPublishPrefix = "boneregister"

// StopHandler is called when a stop request arrives on the control topic
type StopHandler func()

// MQTTClient manages the broker connection used to publish progress and to
// receive control commands.
type MQTTClient struct {
	client      mqtt.Client
	prefix      string
	stopHandler StopHandler
	isConnected bool
	mu          sync.RWMutex
}

// NewMQTTClient builds a client from config, letting MQTT_* environment
// variables override it. It returns nil, nil when no broker is configured.
// The connection is established in the background.
func NewMQTTClient(config MQTTConfig) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" {
		broker = config.Broker
	}
	if broker == "" {
		log.Println("[MQTT] disabled: MQTT_BROKER not set")
		return nil, nil
	}

	c := &MQTTClient{prefix: publishPrefix(config)}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" {
		clientID = config.ClientID
	}
	if clientID == "" {
		clientID = "boneregister"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" {
		username = config.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" {
			password = config.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	go c.connectWithRetry()
	return c, nil
}

// publishPrefix resolves the topic prefix: environment, config, default.
func publishPrefix(config MQTTConfig) string {
	if prefix := os.Getenv("MQTT_PUBLISH_PREFIX"); prefix != "" {
		return prefix
	}
	if config.PublishPrefix != "" {
		return config.PublishPrefix
	}
	return DefaultPublishPrefix
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[MQTT] connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] connected")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] connection timeout")
		}

		log.Printf("[MQTT] retrying in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// ControlTopic is where stop requests are received
func (c *MQTTClient) ControlTopic() string {
	return fmt.Sprintf("%s/control", c.prefix)
}

// onConnect subscribes to the control topic
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)

	topic := c.ControlTopic()
	token := client.Subscribe(topic, 0, c.handleControl)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("[MQTT] error subscribing to %s: %v", topic, token.Error())
		return
	}
	log.Printf("[MQTT] subscribed to %s", topic)
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] reconnecting...")
}

// handleControl accepts "stop" as a raw string or as {"command":"stop"}.
func (c *MQTTClient) handleControl(client mqtt.Client, msg mqtt.Message) {
	command := strings.ToLower(strings.TrimSpace(string(msg.Payload())))
	command = strings.Trim(command, `"`)
	if strings.HasPrefix(command, "{") {
		command = strings.ToLower(parseCommand(msg.Payload()))
	}
	log.Printf("[MQTT] control command: %q", command)

	if command != "stop" {
		return
	}
	if handler := c.getStopHandler(); handler != nil {
		handler()
	}
}

// SetStopHandler registers the callback for stop requests
func (c *MQTTClient) SetStopHandler(handler StopHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopHandler = handler
}

func (c *MQTTClient) getStopHandler() StopHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopHandler
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] disconnecting...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// Prefix returns the topic prefix
func (c *MQTTClient) Prefix() string { return c.prefix }

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock wraps a provided mqtt.Client, for tests
func newMQTTClientWithMock(client mqtt.Client, prefix string) *MQTTClient {
	return &MQTTClient{
		client: client,
		prefix: prefix,
	}
}

type controlPayload struct {
	Command string `json:"command"`
}

func parseCommand(payload []byte) string {
	var p controlPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.Command
}
