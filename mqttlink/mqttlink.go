// Package mqttlink relays per-user sensor topics from the broker into
// the core. Topics follow the wire contract sensorData/{userId} at
// QoS 1; the paho client handles reconnection with backoff, and while
// disconnected nothing is emitted.
package mqttlink

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	topicPrefix = "sensorData/"

	connectTimeout       = 10 * time.Second
	maxReconnectInterval = 30 * time.Second
)

type Config struct {
	Broker   string `toml:"broker"`
	ClientID string `toml:"client_id"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	QoS      byte   `toml:"qos"`
}

// Message is one raw broker payload, still unparsed.
type Message struct {
	Topic   string
	Payload []byte
}

// TopicForUser returns the per-user sensor topic.
func TopicForUser(userID string) string {
	return topicPrefix + userID
}

// UserFromTopic extracts the user id from a sensor topic, or "" when
// the topic does not match the contract.
func UserFromTopic(topic string) string {
	if !strings.HasPrefix(topic, topicPrefix) {
		return ""
	}
	return strings.TrimPrefix(topic, topicPrefix)
}

// test injection point
var newPahoClient = func(opts *mqtt.ClientOptions) mqtt.Client {
	return mqtt.NewClient(opts)
}

// Client wraps the paho client with idempotent per-user watches. A
// second WatchUser for the same user is a no-op rather than a duplicate
// listener, and watches survive reconnects: every (re)connect
// resubscribes the watched set.
type Client struct {
	cfg      Config
	messages chan<- Message
	onError  func(error)

	mu      sync.Mutex
	cli     mqtt.Client
	watched map[string]bool

	drops atomic.Int64
}

func New(cfg Config, messages chan<- Message, onError func(error)) *Client {
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "ridecore-" + uuid.NewString()
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Client{
		cfg:      cfg,
		messages: messages,
		onError:  onError,
		watched:  make(map[string]bool),
	}
}

func (c *Client) Name() string {
	return "pubsub"
}

// Open connects to the broker. After the first successful connect the
// paho client reconnects on its own with backoff; the connection-lost
// hook fires the error callback once per transition to disconnected.
func (c *Client) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cli != nil && c.cli.IsConnected() {
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.Broker)
	opts.SetClientID(c.cfg.ClientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
	}
	if c.cfg.Password != "" {
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("broker connection lost")
		c.onError(errors.Wrap(err, "broker connection lost"))
	})
	opts.SetOnConnectHandler(func(cli mqtt.Client) {
		log.Info("broker connected")
		c.resubscribe(cli)
	})

	cli := newPahoClient(opts)
	if token := cli.Connect(); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "unable to connect to broker %s", c.cfg.Broker)
	}
	c.cli = cli
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	cli := c.cli
	c.cli = nil
	c.mu.Unlock()
	if cli != nil {
		cli.Disconnect(250)
	}
	return nil
}

// Start blocks until the context ends; message delivery is entirely
// callback-driven.
func (c *Client) Start(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// WatchUser subscribes to the user's sensor topic. Idempotent.
func (c *Client) WatchUser(userID string) error {
	c.mu.Lock()
	if c.watched[userID] {
		c.mu.Unlock()
		return nil
	}
	c.watched[userID] = true
	cli := c.cli
	c.mu.Unlock()

	if cli == nil || !cli.IsConnected() {
		// picked up by the on-connect resubscription
		return nil
	}
	return c.subscribe(cli, TopicForUser(userID))
}

// UnwatchUser removes the subscription for the user's topic.
func (c *Client) UnwatchUser(userID string) error {
	c.mu.Lock()
	if !c.watched[userID] {
		c.mu.Unlock()
		return nil
	}
	delete(c.watched, userID)
	cli := c.cli
	c.mu.Unlock()

	if cli == nil || !cli.IsConnected() {
		return nil
	}
	topic := TopicForUser(userID)
	if token := cli.Unsubscribe(topic); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "unable to unsubscribe from %s", topic)
	}
	return nil
}

func (c *Client) resubscribe(cli mqtt.Client) {
	c.mu.Lock()
	users := make([]string, 0, len(c.watched))
	for id := range c.watched {
		users = append(users, id)
	}
	c.mu.Unlock()
	for _, id := range users {
		if err := c.subscribe(cli, TopicForUser(id)); err != nil {
			log.WithError(err).WithField("userId", id).Error("resubscribe failed")
		}
	}
}

func (c *Client) subscribe(cli mqtt.Client, topic string) error {
	token := cli.Subscribe(topic, c.cfg.QoS, c.handleMessage)
	if token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "unable to subscribe to %s", topic)
	}
	return nil
}

func (c *Client) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	select {
	case c.messages <- Message{Topic: msg.Topic(), Payload: payload}:
	default:
		c.drops.Add(1)
		log.Debug("broker message dropped, ingest channel full")
	}
}

// DroppedMessages reports broker messages discarded because the ingest
// channel was full.
func (c *Client) DroppedMessages() int64 {
	return c.drops.Load()
}
