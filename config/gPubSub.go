package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// RewardSyncEnvelope is what goes over Pub/Sub for one outbox row.
type RewardSyncEnvelope struct {
	OutboxId      int             `json:"outbox_id"`
	Kind          string          `json:"kind"`
	DedupeKey     string          `json:"dedupe_key"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationId string          `json:"correlation_id,omitempty"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

// GetClient returns a Pub/Sub client, initializing with retries if needed.
// It uses Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is provided.
func GetClient(ctx context.Context) (*pubsub.Client, error) {
	return getPubSubClient(ctx)
}

func getPubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return ""
}

func getPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	if pubsubClient != nil {
		c := pubsubClient
		pubsubClientMu.Unlock()
		return c, nil
	}
	pubsubClientMu.Unlock()

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON")

	var attempt int
	for {
		attempt++

		var (
			c   *pubsub.Client
			err error
		)
		if credJSON != "" {
			c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
		} else {
			c, err = pubsub.NewClient(ctx, projectID)
		}
		if err == nil {
			pubsubClientMu.Lock()
			if pubsubClient == nil {
				pubsubClient = c
			} else {
				// Another goroutine won the race; close ours.
				_ = c.Close()
			}
			c2 := pubsubClient
			pubsubClientMu.Unlock()

			log.Printf("pubsub client ready (project_id=%s attempt=%d)", projectID, attempt)
			return c2, nil
		}
		if attempt >= 3 {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}

		sleep := time.Second * time.Duration(1<<attempt)
		log.Printf("failed to init pubsub client (project_id=%s attempt=%d): %v; retrying in %s", projectID, attempt, err, sleep)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

// CreatePushSubscriptionIfNotExists wires the topic to the /pubsub/reward-sync endpoint.
func CreatePushSubscriptionIfNotExists(ctx context.Context, client *pubsub.Client, name string, topic *pubsub.Topic, endpoint string) (*pubsub.Subscription, error) {
	if client == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if name == "" {
		return nil, errors.New("subscription name is required")
	}
	if topic == nil {
		return nil, errors.New("topic is required")
	}

	sub := client.Subscription(name)
	subExists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription exists: %w", err)
	}
	if subExists {
		return sub, nil
	}
	cfg := pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 20 * time.Second,
	}
	if endpoint != "" {
		cfg.PushConfig = pubsub.PushConfig{Endpoint: endpoint}
	}
	sub, err = client.CreateSubscription(ctx, name, cfg)
	if err != nil {
		return nil, fmt.Errorf("create subscription %q: %w", name, err)
	}
	return sub, nil
}

// PublishRewardSync publishes and returns the Pub/Sub server-assigned message ID.
func PublishRewardSync(ctx context.Context, msg RewardSyncEnvelope) (string, error) {
	client, err := getPubSubClient(ctx)
	if err != nil {
		return "", err
	}

	topicName := os.Getenv("PUBSUB_REWARD_SYNC_TOPIC")
	if topicName == "" {
		return "", errors.New("PUBSUB_REWARD_SYNC_TOPIC is required")
	}

	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	result := client.Topic(topicName).Publish(ctx, &pubsub.Message{
		Data:       msgJSON,
		Attributes: map[string]string{"kind": msg.Kind, "dedupe_key": msg.DedupeKey},
	})
	return result.Get(ctx)
}
