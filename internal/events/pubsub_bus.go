package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the in-memory Bus and mirrors every envelope to a Google
// Cloud Pub/Sub topic for durable, at-least-once delivery to downstream
// consumers (billing collectors, SIEM export). In-memory delivery stays on
// the hot path; publish results are checked off-thread.
type PubSubBus struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubBus creates a Pub/Sub-backed bus. The topic is created if it does
// not exist.
func NewPubSubBus(projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}

	// Order events per tenant so downstream consumers see a consistent
	// per-tenant history.
	topic.EnableMessageOrdering = true

	bus := &PubSubBus{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	bus.AddHandler(bus.mirror)

	bus.logger.Printf("connected to Pub/Sub topic %s", topic.String())
	return bus, nil
}

// mirror publishes an envelope to the topic. Attributes carry the event kind
// and component for server-side filtering.
func (pb *PubSubBus) mirror(env *Envelope) {
	payload, err := env.JSON()
	if err != nil {
		pb.logger.Printf("marshal event %s: %v", env.ID, err)
		return
	}

	tenantID := env.TenantID
	if tenantID == "" {
		if details, ok := env.Data["details"].(map[string]interface{}); ok {
			if tid, ok := details["tenant_id"].(string); ok {
				tenantID = tid
			}
		}
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event-kind":      env.Kind,
			"event-id":        env.ID,
			"event-time":      env.Time.Format(time.RFC3339Nano),
			"event-component": env.Component,
			"tenant-id":       tenantID,
		},
		OrderingKey: tenantID,
	}

	result := pb.topic.Publish(context.Background(), msg)
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.logger.Printf("publish failed: %s: %v", env.ID, err)
		}
	}()
}

// HealthCheck verifies the topic is reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

// Close stops the topic publisher and shuts down the client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

var _ Emitter = (*PubSubBus)(nil)
