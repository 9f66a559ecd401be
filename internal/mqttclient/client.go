package mqttclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

var ErrNotConnected = errors.New("mqtt: not connected")

// Will is published by the broker when the client drops without a clean
// disconnect.
type Will struct {
	Topic    string
	Payload  string
	QoS      byte
	Retained bool
}

type Options struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	CleanSession   bool
	ConnectTimeout time.Duration
	// AutoReconnect lets paho restore the session itself. Supervised callers
	// such as the ingestion worker leave it off and redial on Lost.
	AutoReconnect bool
	Will          *Will
	OnConnect     func()
}

// Message is a received publish.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

type Handler func(Message)

type Client struct {
	raw  mqtt.Client
	lost chan error
}

// UniqueClientID appends a random suffix so several instances can share a
// broker without kicking each other off.
func UniqueClientID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// Dial makes one connection attempt bounded by ctx.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	c := &Client{lost: make(chan error, 1)}

	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	o.SetClientID(opts.ClientID)
	o.SetUsername(opts.Username)
	o.SetPassword(opts.Password)
	o.SetCleanSession(opts.CleanSession)
	o.SetAutoReconnect(opts.AutoReconnect)
	o.SetConnectRetry(false)
	// Handlers run one at a time and a QoS 1 message is acked when its
	// handler returns.
	o.SetOrderMatters(true)
	if opts.KeepAlive > 0 {
		o.SetKeepAlive(opts.KeepAlive)
	}
	if opts.ConnectTimeout > 0 {
		o.SetConnectTimeout(opts.ConnectTimeout)
	}
	if opts.Will != nil {
		o.SetWill(opts.Will.Topic, opts.Will.Payload, opts.Will.QoS, opts.Will.Retained)
	}
	if opts.OnConnect != nil {
		o.SetOnConnectHandler(func(mqtt.Client) { opts.OnConnect() })
	}
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if err == nil {
			err = errors.New("connection lost")
		}
		select {
		case c.lost <- err:
		default:
		}
	})

	c.raw = mqtt.NewClient(o)
	if err := wait(ctx, c.raw.Connect()); err != nil {
		c.raw.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connect %s: %w", opts.BrokerURL, err)
	}
	return c, nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lost delivers the error that ended the connection. Only the first loss is
// reported.
func (c *Client) Lost() <-chan error {
	return c.lost
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	if !c.raw.IsConnectionOpen() {
		return ErrNotConnected
	}
	return wait(ctx, c.raw.Publish(topic, qos, retained, payload))
}

func (c *Client) Subscribe(ctx context.Context, topic string, qos byte, handler Handler) error {
	token := c.raw.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(Message{Topic: msg.Topic(), Payload: msg.Payload(), Retained: msg.Retained()})
	})
	if err := wait(ctx, token); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *Client) Close() {
	c.raw.Disconnect(250)
}
