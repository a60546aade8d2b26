// Package mqttclient subscribes to the broker that voice agents publish
// finished calls and heartbeats to.
package mqttclient

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/snarg/callscope/internal/metrics"
)

type MessageHandler func(topic string, payload []byte)

type Client struct {
	conn      mqtt.Client
	topics    []string
	qos       byte
	connected atomic.Bool
	log       zerolog.Logger
	handler   atomic.Pointer[MessageHandler]
}

type Options struct {
	BrokerURL string
	ClientID  string
	Topics    string // comma separated
	Username  string
	Password  string

	// QoS for subscriptions; values above 2 fall back to 1.
	QoS byte

	// Handler receives every message. It may also be set later with
	// SetMessageHandler.
	Handler MessageHandler

	ConnectTimeout time.Duration
	Log            zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	if opts.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt broker url is required")
	}
	qos := opts.QoS
	if qos > 2 {
		qos = 1
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}

	c := &Client{
		topics: parseTopics(opts.Topics),
		qos:    qos,
		log:    opts.Log,
	}
	if opts.Handler != nil {
		c.SetMessageHandler(opts.Handler)
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetKeepAlive(30 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onMessage)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		// With ConnectRetry the client keeps trying in the background.
		c.log.Warn().
			Str("broker", opts.BrokerURL).
			Dur("timeout", opts.ConnectTimeout).
			Msg("mqtt broker not reachable yet, retrying in background")
		return c, nil
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) SetMessageHandler(h MessageHandler) {
	c.handler.Store(&h)
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Strs("topics", c.topics).Uint8("qos", c.qos).Msg("mqtt connected, subscribing")

	token := client.SubscribeMultiple(subscriptionFilters(c.topics, c.qos), nil)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Msg("mqtt subscribe failed")
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.dispatch(msg.Topic(), msg.Payload())
}

func (c *Client) dispatch(topic string, payload []byte) {
	metrics.MQTTMessagesTotal.Inc()
	if h := c.handler.Load(); h != nil && *h != nil {
		(*h)(topic, payload)
		return
	}
	c.log.Debug().
		Str("topic", topic).
		Int("payload_size", len(payload)).
		Msg("mqtt message received without handler")
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.connected.Store(false)
	c.conn.Disconnect(1000)
}

func subscriptionFilters(topics []string, qos byte) map[string]byte {
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = qos
	}
	return filters
}

func parseTopics(raw string) []string {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return []string{"callscope/#"}
	}
	return topics
}
