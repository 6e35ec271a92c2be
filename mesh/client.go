package mesh

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	kafkago "github.com/segmentio/kafka-go"
)

// publishTimeout bounds a single send. Sends run on the node tick, so a
// half-open broker connection must surface as an error, never a hang.
const publishTimeout = 5 * time.Second

// Config selects and parameterizes the messaging backend.
type Config struct {
	Backend  string // "mqtt" or "kafka"
	Prefix   string // topic prefix, e.g. "hivemesh"
	NodeID   uint32 // 0 = derive from ClientID
	ClientID string

	MQTT  MQTTConfig
	Kafka KafkaConfig
}

// MQTTConfig defines MQTT broker settings.
type MQTTConfig struct {
	Broker string
	Port   int
}

// KafkaConfig defines Kafka broker settings.
type KafkaConfig struct {
	Brokers []string
	GroupID string
}

// Client is the unified mesh transport over MQTT or Kafka.
//
// Topic layout under the configured prefix:
//
//	<prefix>/broadcast        all-nodes traffic
//	<prefix>/node/<id>        unicast inbox for one node
//	<prefix>/presence/<id>    MQTT only: retained "1" while connected,
//	                          LWT publishes "0" on ungraceful disconnect
type Client struct {
	mu      sync.RWMutex
	cfg     *Config
	backend string
	self    NodeID

	mqttConn mqtt.Client
	kafkaW   *kafkago.Writer
	kafkaRs  []*kafkago.Reader

	recv   func(payload []byte)
	peerUp func(NodeID)
	peerDn func(NodeID)
}

// NewClient creates a mesh client based on config. Call Connect before use.
func NewClient(cfg *Config) *Client {
	id := NodeID(cfg.NodeID)
	if id == 0 {
		id = deriveID(cfg.ClientID)
	}
	return &Client{
		cfg:     cfg,
		backend: cfg.Backend,
		self:    id,
	}
}

// deriveID hashes a client ID into a node ID.
func deriveID(clientID string) NodeID {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return clampID(NodeID(h.Sum32()))
}

// clampID keeps a derived ID off the broadcast address, which would turn
// every unicast to that node into a broadcast.
func clampID(id NodeID) NodeID {
	if id == Broadcast {
		return NodeID(1)
	}
	return id
}

// SelfID returns the local node identifier.
func (c *Client) SelfID() NodeID { return c.self }

// SetReceiveHandler registers the inbound payload callback.
func (c *Client) SetReceiveHandler(fn func(payload []byte)) {
	c.mu.Lock()
	c.recv = fn
	c.mu.Unlock()
}

// SetPeerHandlers registers peer up/down callbacks. Only the MQTT backend
// produces them (from retained presence + LWT); Kafka liveness is
// heartbeat-only.
func (c *Client) SetPeerHandlers(up, down func(NodeID)) {
	c.mu.Lock()
	c.peerUp = up
	c.peerDn = down
	c.mu.Unlock()
}

// Connect establishes the messaging connection and subscribes the broadcast
// and unicast inboxes.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.backend {
	case "mqtt":
		return c.connectMQTT()
	case "kafka":
		return c.connectKafka()
	default:
		return fmt.Errorf("unknown mesh backend: %s", c.backend)
	}
}

func (c *Client) topicBroadcast() string { return c.cfg.Prefix + "/broadcast" }
func (c *Client) topicNode(id NodeID) string {
	return fmt.Sprintf("%s/node/%d", c.cfg.Prefix, uint32(id))
}
func (c *Client) topicPresence(id NodeID) string {
	return fmt.Sprintf("%s/presence/%d", c.cfg.Prefix, uint32(id))
}

func (c *Client) connectMQTT() error {
	broker := fmt.Sprintf("tcp://%s:%d", c.cfg.MQTT.Broker, c.cfg.MQTT.Port)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(c.topicPresence(c.self), "0", 1, true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.mqttConn = client

	inbound := func(_ mqtt.Client, msg mqtt.Message) {
		c.mu.RLock()
		fn := c.recv
		c.mu.RUnlock()
		if fn != nil {
			fn(msg.Payload())
		}
	}
	for _, topic := range []string{c.topicBroadcast(), c.topicNode(c.self)} {
		token := client.Subscribe(topic, 1, inbound)
		token.Wait()
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
		}
	}

	// Presence: watch everyone, announce ourselves retained.
	presence := c.cfg.Prefix + "/presence/+"
	token = client.Subscribe(presence, 1, func(_ mqtt.Client, msg mqtt.Message) {
		c.handlePresence(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", presence, err)
	}
	client.Publish(c.topicPresence(c.self), 1, true, "1")

	return nil
}

func (c *Client) handlePresence(topic string, payload []byte) {
	idx := strings.LastIndexByte(topic, '/')
	if idx < 0 {
		return
	}
	raw, err := strconv.ParseUint(topic[idx+1:], 10, 32)
	if err != nil {
		return
	}
	id := NodeID(raw)
	if id == c.self {
		return
	}
	c.mu.RLock()
	up, dn := c.peerUp, c.peerDn
	c.mu.RUnlock()
	if string(payload) == "1" {
		if up != nil {
			up(id)
		}
	} else if dn != nil {
		dn(id)
	}
}

func (c *Client) connectKafka() error {
	c.kafkaW = &kafkago.Writer{
		Addr:         kafkago.TCP(c.cfg.Kafka.Brokers...),
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireOne,
	}

	group := c.cfg.Kafka.GroupID
	if group == "" {
		group = c.cfg.ClientID
	}
	for _, topic := range []string{c.topicBroadcast(), c.topicNode(c.self)} {
		r := kafkago.NewReader(kafkago.ReaderConfig{
			Brokers: c.cfg.Kafka.Brokers,
			Topic:   topic,
			GroupID: group,
		})
		c.kafkaRs = append(c.kafkaRs, r)
		go c.kafkaReadLoop(r)
	}
	return nil
}

func (c *Client) kafkaReadLoop(r *kafkago.Reader) {
	for {
		msg, err := r.ReadMessage(context.Background())
		if err != nil {
			log.Printf("mesh: kafka read: %v", err)
			return
		}
		c.mu.RLock()
		fn := c.recv
		c.mu.RUnlock()
		if fn != nil {
			fn(msg.Value)
		}
	}
}

// Broadcast delivers payload to every node on the mesh.
func (c *Client) Broadcast(payload []byte) error {
	return c.publish(c.topicBroadcast(), payload)
}

// Unicast delivers payload to a single node's inbox topic.
func (c *Client) Unicast(to NodeID, payload []byte) error {
	return c.publish(c.topicNode(to), payload)
}

func (c *Client) publish(topic string, payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.backend {
	case "mqtt":
		if c.mqttConn == nil || !c.mqttConn.IsConnected() {
			return fmt.Errorf("mqtt not connected")
		}
		token := c.mqttConn.Publish(topic, 1, false, payload)
		if !token.WaitTimeout(publishTimeout) {
			return fmt.Errorf("mqtt publish %s: no ack within %s", topic, publishTimeout)
		}
		return token.Error()
	case "kafka":
		if c.kafkaW == nil {
			return fmt.Errorf("kafka writer not initialized")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return c.kafkaW.WriteMessages(ctx, kafkago.Message{
			Topic: topic,
			Value: payload,
		})
	default:
		return fmt.Errorf("unknown backend: %s", c.backend)
	}
}

// IsConnected returns whether the mesh client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.backend {
	case "mqtt":
		return c.mqttConn != nil && c.mqttConn.IsConnected()
	case "kafka":
		return c.kafkaW != nil
	default:
		return false
	}
}

// Close shuts down the mesh connection, clearing retained presence first so
// peers observe a clean departure.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mqttConn != nil {
		if c.mqttConn.IsConnected() {
			c.mqttConn.Publish(c.topicPresence(c.self), 1, true, "0").WaitTimeout(publishTimeout)
		}
		c.mqttConn.Disconnect(1000)
		c.mqttConn = nil
	}
	if c.kafkaW != nil {
		c.kafkaW.Close()
		c.kafkaW = nil
	}
	for _, r := range c.kafkaRs {
		r.Close()
	}
	c.kafkaRs = nil
}
