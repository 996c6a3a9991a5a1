package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/steploop/internal/config"
	"github.com/nugget/steploop/internal/events"
	"github.com/nugget/steploop/internal/stopsignal"
)

const (
	// eventBuffer is the bus subscription depth. Events beyond it are
	// dropped by the bus rather than stalling the loop.
	eventBuffer = 256

	// inboundLimit caps stop messages handled per inboundInterval.
	inboundLimit    = 100
	inboundInterval = time.Minute
)

// publisher is the part of [autopaho.ConnectionManager] the bridge
// publishes through.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Bridge forwards bus events to the broker and applies remote stop
// requests to the registry.
type Bridge struct {
	cfg     config.MQTTConfig
	info    Info
	topics  topics
	bus     *events.Bus
	stops   *stopsignal.Registry
	limiter *messageRateLimiter
	logger  *slog.Logger

	mu  sync.Mutex
	cm  *autopaho.ConnectionManager
	pub publisher
}

// New creates a Bridge but does not connect. Call [Bridge.Start] to
// connect and begin forwarding. Either bus or stops may be nil to
// disable that direction.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, stops *stopsignal.Registry, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	return &Bridge{
		cfg:     cfg,
		info:    NewInfo(instanceID, cfg.DeviceName),
		topics:  newTopics(cfg.DeviceName),
		bus:     bus,
		stops:   stops,
		limiter: newMessageRateLimiter(inboundLimit, inboundInterval, logger),
		logger:  logger,
	}
}

// Start connects to the broker and forwards bus events until ctx is
// cancelled. On every (re-)connect it publishes the info payload and a
// birth message and subscribes to the stop topic.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.topics.availability(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			b.publishInfo(ctx, cm)
			b.publishAvailability(ctx, cm, "online")
			b.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "steploop-" + b.info.InstanceID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.mu.Lock()
	b.cm = cm
	b.pub = cm
	b.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go b.limiter.start(ctx)

	if b.bus == nil {
		<-ctx.Done()
		return nil
	}
	ch := b.bus.Subscribe(eventBuffer)
	defer b.bus.Unsubscribe(ch)
	b.forward(ctx, ch)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (b *Bridge) Stop(ctx context.Context) error {
	cm := b.connection()
	if cm == nil {
		return nil
	}
	b.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (b *Bridge) AwaitConnection(ctx context.Context) error {
	cm := b.connection()
	if cm == nil {
		return errors.New("mqtt bridge not started")
	}
	return cm.AwaitConnection(ctx)
}

func (b *Bridge) connection() *autopaho.ConnectionManager {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cm
}

// forward publishes events from ch until ctx ends or ch closes.
func (b *Bridge) forward(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			b.publishEvent(ctx, e)
		}
	}
}

func (b *Bridge) publishEvent(ctx context.Context, e events.Event) {
	b.mu.Lock()
	pub := b.pub
	b.mu.Unlock()
	if pub == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		b.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	topic := b.topics.events(e.Kind)
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		b.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
	}
}

func (b *Bridge) publishInfo(ctx context.Context, cm *autopaho.ConnectionManager) {
	payload, err := json.Marshal(b.info)
	if err != nil {
		b.logger.Error("mqtt marshal info payload", "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.topics.info(),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt info publish failed", "error", err)
	}
}

func (b *Bridge) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.topics.availability(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		b.logger.Info("mqtt availability published", "status", status)
	}
}

func (b *Bridge) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if b.stops == nil {
		return
	}
	filter := b.topics.stopFilter()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		b.logger.Warn("mqtt subscribe failed", "topic", filter, "error", err)
		return
	}
	b.logger.Info("mqtt subscribed", "topic", filter)
}
