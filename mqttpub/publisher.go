// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package mqttpub publishes gateway messages to an MQTT broker.
//
// The publisher drains the shared publish channel and forwards each envelope
// as a JSON payload. On (re)connection the pending queue is cleared so stale
// device state is never replayed to the broker; live meters repopulate it
// within one read cycle anyway.
package mqttpub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/soothill/energy-meter-gateway/pkg/bus"
	"github.com/soothill/energy-meter-gateway/pkg/logger"
	"github.com/soothill/energy-meter-gateway/pkg/metrics"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	reconnectDelay = 3 * time.Second
)

// Options configure the MQTT publisher.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	QueueSize int
}

// Publisher owns the MQTT client and the shared publish queue.
type Publisher struct {
	options Options
	queue   chan bus.Message

	cancel context.CancelFunc
	tasks  sync.WaitGroup

	clientMu sync.Mutex
	client   mqtt.Client
}

// New creates a publisher with a bounded queue. Start must be called before
// messages are drained.
func New(options Options) *Publisher {
	if options.QueueSize <= 0 {
		options.QueueSize = 1000
	}
	return &Publisher{
		options: options,
		queue:   make(chan bus.Message, options.QueueSize),
	}
}

// Queue returns the write side of the publish queue for meters.
func (p *Publisher) Queue() chan<- bus.Message {
	return p.queue
}

// Start spawns the publisher task.
func (p *Publisher) Start(ctx context.Context) {
	taskCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.tasks.Add(1)
	go p.run(taskCtx)
}

// Stop disconnects from the broker and stops the publisher task.
func (p *Publisher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.tasks.Wait()

	p.clientMu.Lock()
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(uint(publishTimeout.Milliseconds()))
	}
	p.client = nil
	p.clientMu.Unlock()
}

// run connects to the broker with constant backoff and drains the queue
// until the context is cancelled. A failed connection or publish loops back
// into reconnection.
func (p *Publisher) run(ctx context.Context) {
	defer p.tasks.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		client, err := p.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Str("broker", p.options.BrokerURL).Msg("MQTT connection failed")
			continue
		}

		logger.Info().Str("broker", p.options.BrokerURL).Msg("Connected to the MQTT broker")
		p.clearQueue()

		if err := p.drain(ctx, client); err != nil {
			logger.Error().Err(err).Msg("MQTT publish task error")
		}
		client.Disconnect(uint(publishTimeout.Milliseconds()))
		if ctx.Err() != nil {
			return
		}
	}
}

// connect dials the broker, retrying with a constant 3-second backoff until
// the context is cancelled.
func (p *Publisher) connect(ctx context.Context) (mqtt.Client, error) {
	clientOptions := mqtt.NewClientOptions().
		AddBroker(p.options.BrokerURL).
		SetClientID(p.options.ClientID).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(false)
	if p.options.Username != "" {
		clientOptions.SetUsername(p.options.Username)
		clientOptions.SetPassword(p.options.Password)
	}

	var client mqtt.Client
	operation := func() error {
		client = mqtt.NewClient(clientOptions)
		token := client.Connect()
		if !token.WaitTimeout(connectTimeout) {
			return fmt.Errorf("connection to %s timed out", p.options.BrokerURL)
		}
		return token.Error()
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(reconnectDelay), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	p.clientMu.Lock()
	p.client = client
	p.clientMu.Unlock()
	return client, nil
}

// drain forwards queued messages until the context ends or a publish fails.
func (p *Publisher) drain(ctx context.Context, client mqtt.Client) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case message := <-p.queue:
			payload, err := json.Marshal(message.Payload)
			if err != nil {
				logger.Error().Err(err).Str("topic", message.Topic).Msg("Failed to marshal MQTT payload")
				continue
			}

			token := client.Publish(message.Topic, message.QoS, false, payload)
			if !token.WaitTimeout(publishTimeout) {
				return fmt.Errorf("publish to %s timed out", message.Topic)
			}
			if err := token.Error(); err != nil {
				return err
			}
			metrics.PublishesTotal.Inc()
			logger.Debug().Str("topic", message.Topic).Msg("Published MQTT message")
		}
	}
}

// clearQueue drops all pending messages. Called right after a (re)connection
// so outdated device state is not replayed.
func (p *Publisher) clearQueue() {
	for {
		select {
		case <-p.queue:
		default:
			return
		}
	}
}
