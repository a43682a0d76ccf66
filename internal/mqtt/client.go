package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	DefaultBrokerURL   = "tcp://localhost:1883"
	DefaultClientID    = "nodeflow"
	DefaultTopicPrefix = "nodeflow"

	defaultWait = 10 * time.Second
	qos         = byte(1)
)

// Conn is the part of a broker connection the bridge needs.
type Conn interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler paho.MessageHandler) error
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BrokerURL string
	ClientID  string
	// OnConnect runs after every (re)connection, e.g. to restore subscriptions.
	OnConnect func()
}

// Client wraps the paho client with bounded waits on every token.
type Client struct {
	client paho.Client
	url    string
	mu     sync.Mutex
}

// NewClient creates a client but does not connect.
func NewClient(opts ClientOptions) *Client {
	if opts.BrokerURL == "" {
		opts.BrokerURL = DefaultBrokerURL
	}
	if opts.ClientID == "" {
		opts.ClientID = DefaultClientID
	}
	po := paho.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(false)
	if opts.OnConnect != nil {
		po.SetOnConnectHandler(func(paho.Client) { opts.OnConnect() })
	}
	return &Client{client: paho.NewClient(po), url: opts.BrokerURL}
}

// Connect attempts to connect to the broker without blocking indefinitely.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wait(c.client.Connect(), "connect to "+c.url)
}

func (c *Client) Publish(topic string, payload []byte) error {
	return wait(c.client.Publish(topic, qos, false, payload), "publish to "+topic)
}

func (c *Client) Subscribe(topic string, handler paho.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wait(c.client.Subscribe(topic, qos, handler), "subscribe to "+topic)
}

func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Disconnect waits up to one second for in-flight work.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client.Disconnect(1000)
}

// TimeoutError reports a broker operation that did not complete in time.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return "mqtt " + e.Op + ": timed out"
}

func wait(token paho.Token, op string) error {
	if !token.WaitTimeout(defaultWait) {
		return &TimeoutError{Op: op}
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt %s: %w", op, err)
	}
	return nil
}

var _ Conn = (*Client)(nil)
