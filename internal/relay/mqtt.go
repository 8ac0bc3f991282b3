// Package relay mirrors job snapshots to an MQTT broker.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/jnyjxn/angiogen-render/internal/model"
)

type Options struct {
	Broker   string // host:port or a full URL
	ClientID string
	Topic    string // snapshots go to <Topic>/<jobID>
	Buffer   int
}

// publisher is the part of mqtt.Client the relay uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes snapshots from a background goroutine. Publish never blocks;
// when the queue is full the snapshot is dropped and counted.
type MQTT struct {
	opts   Options
	client mqtt.Client
	pub    publisher

	queue     chan model.JobSnapshot
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

func newMQTT(opts Options, pub publisher) *MQTT {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	opts.Topic = strings.TrimRight(opts.Topic, "/")
	m := &MQTT{
		opts:  opts,
		pub:   pub,
		queue: make(chan model.JobSnapshot, opts.Buffer),
		stop:  make(chan struct{}),
	}
	m.wg.Add(1)
	go m.loop()
	return m
}

// Dial connects to the broker and starts the relay.
func Dial(ctx context.Context, opts Options) (*MQTT, error) {
	broker := opts.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	co := mqtt.NewClientOptions()
	co.AddBroker(broker)
	co.SetClientID(opts.ClientID)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.OnConnect = func(mqtt.Client) {
		slog.Info("relay: mqtt connected", "broker", broker, "client_id", opts.ClientID)
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("relay: mqtt connection lost, reconnecting", "broker", broker, "error", err)
	}

	client := mqtt.NewClient(co)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("mqtt connect %s: timeout", broker)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, err)
	}

	m := newMQTT(opts, client)
	m.client = client
	return m, nil
}

// Publish enqueues snap for delivery.
func (m *MQTT) Publish(snap model.JobSnapshot) {
	select {
	case m.queue <- snap:
	default:
		if m.dropped.Add(1)%100 == 1 {
			slog.Warn("relay: queue full, dropping snapshots", "job", snap.ID, "dropped", m.dropped.Load())
		}
	}
}

func (m *MQTT) loop() {
	defer m.wg.Done()
	for {
		select {
		case snap := <-m.queue:
			m.send(snap)
		case <-m.stop:
			for {
				select {
				case snap := <-m.queue:
					m.send(snap)
				default:
					return
				}
			}
		}
	}
}

func (m *MQTT) send(snap model.JobSnapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		m.errors.Add(1)
		return
	}
	topic := m.opts.Topic + "/" + snap.ID
	// retained so a late subscriber sees the latest state of the job
	token := m.pub.Publish(topic, 0, true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		m.errors.Add(1)
		slog.Warn("relay: publish timeout", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		m.errors.Add(1)
		slog.Warn("relay: publish failed", "topic", topic, "error", err)
		return
	}
	m.published.Add(1)
}

// Close drains queued snapshots and disconnects.
func (m *MQTT) Close() {
	m.closeOnce.Do(func() {
		close(m.stop)
		m.wg.Wait()
		if m.client != nil && m.client.IsConnected() {
			m.client.Disconnect(250)
			slog.Info("relay: mqtt disconnected")
		}
	})
}

func (m *MQTT) Stats() Stats {
	return Stats{
		Published: m.published.Load(),
		Dropped:   m.dropped.Load(),
		Errors:    m.errors.Load(),
	}
}
