// Package notify provisions the pub/sub channel risk jobs report
// completion on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultPrefix = "gauge"

// Channel is a topic and subscription pair owned by one analysis run. The
// subscription is armed before any job is submitted, so a completion
// published while the job is still being created cannot be missed.
type Channel struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
}

// Open provisions the pair under a short random suffix, reusing names that
// happen to exist already.
func Open(ctx context.Context, client *pubsub.Client, prefix string) (*Channel, error) {
	if prefix == "" {
		prefix = defaultPrefix
	}
	name := fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])

	topic, err := client.CreateTopic(ctx, name)
	switch {
	case err == nil:
	case status.Code(err) == codes.AlreadyExists:
		topic = client.Topic(name)
	default:
		return nil, fmt.Errorf("creating topic %s: %w", name, err)
	}

	sub, err := client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{Topic: topic})
	switch {
	case err == nil:
	case status.Code(err) == codes.AlreadyExists:
		sub = client.Subscription(name)
	default:
		topic.Stop()
		return nil, errors.Join(
			fmt.Errorf("creating subscription %s: %w", name, err),
			deleteErr(topic.Delete(ctx), "topic", topic.String()),
		)
	}

	slog.DebugContext(ctx, "notification channel open",
		"topic", topic.String(), "subscription", sub.String())
	return &Channel{topic: topic, sub: sub}, nil
}

// TopicName is the fully qualified name jobs publish their completion to.
func (c *Channel) TopicName() string {
	return c.topic.String()
}

// Subscription delivers the completion messages.
func (c *Channel) Subscription() *pubsub.Subscription {
	return c.sub
}

// Close stops the topic's publish goroutines and deletes the pair. A pair
// that is already gone does not count as a failure, so Close can run twice.
func (c *Channel) Close(ctx context.Context) error {
	c.topic.Stop()
	return errors.Join(
		deleteErr(c.sub.Delete(ctx), "subscription", c.sub.String()),
		deleteErr(c.topic.Delete(ctx), "topic", c.topic.String()),
	)
}

func deleteErr(err error, kind, name string) error {
	if err == nil || status.Code(err) == codes.NotFound {
		return nil
	}
	return fmt.Errorf("deleting %s %s: %w", kind, name, err)
}
