package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fisaks/labduino/internal/logging"
)

type BrokerConfig struct {
	BrokerURL        string
	ClientName       string
	TopicPrefix      string // e.g. labduino/<edge>
	ConnectTimeout   time.Duration
	PublishTimeout   time.Duration
	SubscribeTimeout time.Duration
	// StatusTopic, relative to the prefix, carries a retained EdgeStatus.
	// The broker publishes offline on our behalf through the last will.
	StatusTopic string
}

// route is a subscription kept across reconnects.
type route struct {
	qos     QoS
	handler mqtt.MessageHandler
}

type MsgBroker struct {
	config         BrokerConfig
	client         mqtt.Client
	mu             sync.RWMutex
	routes         map[string]route
	onConnectFuncs map[string]OnConnectPublisher
	now            func() time.Time
}

type OnConnectPublisher func(ctx context.Context) (*ConnectMessage, error)

func NewBroker(cfg BrokerConfig) Broker {
	return NewMsgBroker(cfg)
}

func NewMsgBroker(cfg BrokerConfig) *MsgBroker {
	return &MsgBroker{
		config:         cfg,
		routes:         make(map[string]route),
		onConnectFuncs: make(map[string]OnConnectPublisher),
		now:            time.Now,
	}
}

// Connect dials the broker. When the first attempt fails the client keeps
// retrying in the background and routes are subscribed once it succeeds.
func (b *MsgBroker) Connect(ctx context.Context) error {
	if b.client == nil {
		b.client = mqtt.NewClient(b.optionsFromConfig())
	}
	if b.client.IsConnected() {
		return nil
	}

	ctx, cancel := b.connectContext(ctx)
	defer cancel()

	t := b.client.Connect()
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MsgBroker) connectContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.config.ConnectTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.config.ConnectTimeout)
}

func (b *MsgBroker) statusPayload(online bool) []byte {
	data, _ := json.Marshal(EdgeStatus{Edge: b.config.ClientName, Online: online, Timestamp: b.now()})
	return data
}

func (b *MsgBroker) optionsFromConfig() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().AddBroker(b.config.BrokerURL)
	opts.SetClientID("labduino-" + b.config.ClientName)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetCleanSession(true)
	if b.config.StatusTopic != "" {
		opts.SetBinaryWill(b.Topic(b.config.StatusTopic), b.statusPayload(false), byte(AtLeastOnce), true)
	}
	opts.OnConnect = func(c mqtt.Client) {
		logging.Info("mqtt connected", "clientName", b.config.ClientName, "broker", b.config.BrokerURL)
		go b.afterConnect()
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logging.Warn("mqtt connection lost", "clientName", b.config.ClientName, "error", err)
	}
	opts.OnReconnecting = func(c mqtt.Client, _ *mqtt.ClientOptions) {
		logging.Debug("mqtt reconnecting", "clientName", b.config.ClientName)
	}
	return opts
}

// afterConnect restores the routes lost with the clean session, then runs
// the on-connect publishers.
func (b *MsgBroker) afterConnect() {
	ctx := context.Background()

	b.mu.RLock()
	routes := maps.Clone(b.routes)
	b.mu.RUnlock()
	for topic, r := range routes {
		if err := b.subscribeRoute(ctx, topic, r); err != nil {
			logging.Error("mqtt resubscribe failed", "clientName", b.config.ClientName, "topic", topic, "error", err)
		}
	}

	if b.config.StatusTopic != "" {
		if err := b.Publish(ctx, b.Topic(b.config.StatusTopic), AtLeastOnce, true, b.statusPayload(true)); err != nil {
			logging.Warn("online status publish failed", "clientName", b.config.ClientName, "error", err)
		}
	}
	b.onConnectPublisher(ctx)
}

// Topic joins parts below the configured prefix.
func (b *MsgBroker) Topic(parts ...string) string {
	all := make([]string, 0, len(parts)+1)
	if b.config.TopicPrefix != "" {
		all = append(all, strings.TrimSuffix(b.config.TopicPrefix, "/"))
	}
	all = append(all, parts...)
	return strings.Join(all, "/")
}

func (b *MsgBroker) AddOnConnectPublisher(id string, fn OnConnectPublisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnectFuncs[id] = fn
}

func (b *MsgBroker) RemoveOnConnectPublisher(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.onConnectFuncs, id)
}

func (b *MsgBroker) onConnectPublisher(ctx context.Context) {
	b.mu.RLock()
	funcsCopy := maps.Clone(b.onConnectFuncs)
	b.mu.RUnlock()

	for id, fn := range funcsCopy {
		msg, err := fn(ctx)
		if err != nil {
			logging.Error("onConnectPublisher failed", "clientName", b.config.ClientName, "id", id, "error", err)
			continue
		}
		if msg == nil {
			continue
		}
		topic := b.Topic(msg.Topic)
		var pubErr error
		if raw, ok := msg.Payload.([]byte); ok {
			pubErr = b.Publish(ctx, topic, msg.Qos, msg.Retain, raw)
		} else {
			pubErr = b.PublishJSON(ctx, topic, msg.Qos, msg.Retain, msg.Payload)
		}
		if pubErr != nil {
			logging.Error("onConnect publish failed", "clientName", b.config.ClientName, "id", id, "topic", topic, "error", pubErr)
		}
	}
}

func (b *MsgBroker) IsConnected() bool {
	if b.client == nil {
		return false
	}
	return b.client.IsConnected()
}

// Close publishes the offline status and disconnects.
func (b *MsgBroker) Close(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	if b.config.StatusTopic != "" && b.client.IsConnected() {
		if err := b.Publish(ctx, b.Topic(b.config.StatusTopic), AtLeastOnce, true, b.statusPayload(false)); err != nil {
			logging.Warn("offline status publish failed", "clientName", b.config.ClientName, "error", err)
		}
	}
	done := make(chan struct{})
	go func() {
		b.client.Disconnect(250) // ms quiesce
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MsgBroker) Publish(ctx context.Context, topic string, qos QoS, retain bool, payload []byte) error {
	if b.client == nil {
		return errors.New("client not initialized")
	}
	qosByte, wait := qosToByte(qos)
	token := b.client.Publish(topic, qosByte, retain, payload)
	if !wait {
		return nil
	}
	return b.await(ctx, token, b.config.PublishTimeout, "publish "+topic)
}

func (b *MsgBroker) await(ctx context.Context, token mqtt.Token, timeout time.Duration, what string) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-token.Done():
		return token.Error()
	case <-time.After(timeout):
		return fmt.Errorf("%s: timeout after %v", what, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func qosToByte(qos QoS) (byte, bool) {
	if qos > 2 {
		return 0, false
	}
	return byte(qos), true
}

func (b *MsgBroker) PublishJSON(ctx context.Context, topic string, qos QoS, retain bool, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, topic, qos, retain, data)
}

// Subscribe records the route and subscribes when connected. While
// disconnected the route is only recorded and subscribed on the next connect.
func (b *MsgBroker) Subscribe(ctx context.Context, topic string, qos QoS, handler MessageHandler) (Subscription, error) {
	if b.client == nil {
		return nil, errors.New("client not initialized")
	}
	// handlers run on their own goroutine; a panic is logged, not fatal
	r := route{qos: qos, handler: func(_ mqtt.Client, msg mqtt.Message) {
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					logging.Error("mqtt handler panic", "clientName", b.config.ClientName, "topic", msg.Topic(), "err", rec)
				}
			}()
			handler(context.Background(), msg.Topic(), msg.Payload())
		}()
	}}

	b.mu.Lock()
	b.routes[topic] = r
	b.mu.Unlock()

	if !b.client.IsConnected() {
		logging.Info("mqtt subscribe deferred until connected", "clientName", b.config.ClientName, "topic", topic)
		return &msgSubscription{broker: b, topic: topic}, nil
	}
	if err := b.subscribeRoute(ctx, topic, r); err != nil {
		return nil, err
	}
	return &msgSubscription{broker: b, topic: topic}, nil
}

func (b *MsgBroker) subscribeRoute(ctx context.Context, topic string, r route) error {
	token := b.client.Subscribe(topic, byte(r.qos), r.handler)
	return b.await(ctx, token, b.config.SubscribeTimeout, "subscribe "+topic)
}

type msgSubscription struct {
	broker *MsgBroker
	topic  string
}

func (s *msgSubscription) Unsubscribe(ctx context.Context) error {
	b := s.broker
	b.mu.Lock()
	delete(b.routes, s.topic)
	b.mu.Unlock()
	if !b.client.IsConnected() {
		return nil
	}
	return b.await(ctx, b.client.Unsubscribe(s.topic), 3*time.Second, "unsubscribe "+s.topic)
}
