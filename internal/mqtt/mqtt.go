package mqtt

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Client struct {
	client mqtt.Client
}

type Message struct {
	mqtt.Message
}

func (m Message) Retained() bool { return m.Message.Retained() }

// Connect dials the broker and keeps the connection alive indefinitely:
// the initial connect retries on a fixed interval and lost connections
// auto-reconnect. onConnect fires on every (re)connect, so subscriptions
// registered there survive broker restarts.
func Connect(brokerURL, clientID string, onConnect func(*Client)) (*Client, error) {
	opts := mqtt.NewClientOptions()
	url := strings.TrimSpace(brokerURL)
	if url == "" {
		url = "mqtt://mosquitto:1883"
	}
	if strings.HasPrefix(url, "mqtt://") {
		url = strings.TrimPrefix(url, "mqtt://")
		url = "tcp://" + url
	}
	opts.AddBroker(url)
	if strings.TrimSpace(clientID) == "" {
		clientID = "tray-tracking-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	// If a TLS broker is used in the future, tighten this.
	opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})

	c := &Client{}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	}
	opts.OnConnect = func(_ mqtt.Client) {
		slog.Info("mqtt connected")
		if onConnect != nil {
			onConnect(c)
		}
	}

	c.client = mqtt.NewClient(opts)
	tok := c.client.Connect()
	if ok := tok.WaitTimeout(15 * time.Second); !ok {
		return nil, tok.Error()
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return c, nil
}

// Dial opens a short-lived connection for one-shot publishing. Unlike
// Connect it does not retry: the caller owns failure handling, and the
// connection is expected to be closed right after use.
func Dial(brokerURL, clientID string) (*Client, error) {
	opts := mqtt.NewClientOptions()
	url := strings.TrimSpace(brokerURL)
	if url == "" {
		url = "mqtt://mosquitto:1883"
	}
	if strings.HasPrefix(url, "mqtt://") {
		url = strings.TrimPrefix(url, "mqtt://")
		url = "tcp://" + url
	}
	opts.AddBroker(url)
	if strings.TrimSpace(clientID) == "" {
		clientID = "tray-config-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})

	c := &Client{client: mqtt.NewClient(opts)}
	tok := c.client.Connect()
	if ok := tok.WaitTimeout(10 * time.Second); !ok {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("connect to %s: timed out", url)
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) Subscribe(topic string, handler func(Message)) error {
	tok := c.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(Message{Message: msg})
	})
	tok.Wait()
	return tok.Error()
}

// PublishRetained sends the payload at QoS 1 with the retain flag set,
// waiting at most ackTimeout for broker acknowledgment.
func (c *Client) PublishRetained(topic string, payload []byte, ackTimeout time.Duration) error {
	tok := c.client.Publish(topic, 1, true, payload)
	if ok := tok.WaitTimeout(ackTimeout); !ok {
		return fmt.Errorf("publish to %s: no ack within %s", topic, ackTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(1000)
}
