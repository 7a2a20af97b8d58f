package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"agentfleet.manager/internal/core/domain"
	"agentfleet.manager/internal/core/logger"
	"agentfleet.manager/internal/core/ports"
)

// Publisher republishes fleet events to MQTT topics.
type Publisher struct {
	client mqtt.Client
	events ports.EventSubscriber
	prefix string
	log    *slog.Logger
}

// NewPublisher connects to brokerURL. events may be nil when the caller feeds
// the publisher through Publish.
func NewPublisher(events ports.EventSubscriber, brokerURL, prefix string) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("fleetd-%d", time.Now().UnixNano()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	log := logger.For("mqtt")
	log.Info("Connected to MQTT Broker", "broker", brokerURL)
	return newPublisher(client, events, prefix, log), nil
}

func newPublisher(client mqtt.Client, events ports.EventSubscriber, prefix string, log *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = "fleet"
	}
	return &Publisher{client: client, events: events, prefix: prefix, log: log}
}

// Start relays events from the shared bus until ctx is done.
func (p *Publisher) Start(ctx context.Context) {
	if p.events == nil {
		return
	}
	go p.consumeEvents(ctx)
}

func (p *Publisher) consumeEvents(ctx context.Context) {
	ch, err := p.events.SubscribeEvents(ctx)
	if err != nil {
		p.log.Error("Failed to subscribe to fleet events", "error", err)
		return
	}

	p.log.Info("MQTT: Started event consumer")

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.Publish(e)
		}
	}
}

// Publish sends one event to its entity topic and to the global events topic.
// Delivery is QoS 0; the call does not wait for the broker.
func (p *Publisher) Publish(e domain.Event) {
	data, err := json.Marshal(map[string]any{
		"type":    e.Type,
		"payload": e,
	})
	if err != nil {
		p.log.Warn("Failed to encode event", "error", err)
		return
	}
	for _, topic := range Topics(p.prefix, e) {
		p.client.Publish(topic, 0, false, data)
	}
}

// Close disconnects from the broker, waiting up to 250ms for in-flight work.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

// Topics lists where an event is published: {prefix}/agents/{id} or
// {prefix}/pools/{id}, plus {prefix}/events.
func Topics(prefix string, e domain.Event) []string {
	topics := make([]string, 0, 2)
	switch {
	case e.AgentID != "":
		topics = append(topics, fmt.Sprintf("%s/agents/%s", prefix, e.AgentID))
	case e.PoolID != "":
		topics = append(topics, fmt.Sprintf("%s/pools/%s", prefix, e.PoolID))
	}
	return append(topics, prefix+"/events")
}
