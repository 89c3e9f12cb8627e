package redis

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Channel and hash names used by the tracker state interface
const (
	TrackerHash     = "tracker"
	LocationHash    = "gps"
	ConfigHash      = "tracker:config"
	ConfigChannel   = "tracker:config"
	CommandChannel  = "tracker:commands"
	DiagnosticsHash = "tracker:diagnostics"
)

// Client wraps the Redis client with additional functionality
type Client struct {
	client *redis.Client
	logger *log.Logger
}

// New creates a new Redis client
func New(redisURL string, logger *log.Logger) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %v", err)
	}

	client := redis.NewClient(opt)
	return &Client{
		client: client,
		logger: logger,
	}, nil
}

// Ping checks if the Redis server is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// PublishTrackerState publishes scheduler state to Redis under the tracker hash
func (c *Client) PublishTrackerState(ctx context.Context, field, value string) error {
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, TrackerHash, field, value)
	pipe.Publish(ctx, TrackerHash, field)
	_, err := pipe.Exec(ctx)
	if err != nil {
		c.logger.Printf("Unable to set tracker.%s in redis: %v", field, err)
		return fmt.Errorf("cannot write to redis: %v", err)
	}
	return nil
}

// PublishLocationState mirrors the current fix into the gps hash
func (c *Client) PublishLocationState(ctx context.Context, data map[string]interface{}) error {
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, LocationHash, data)
	pipe.Publish(ctx, LocationHash, "timestamp") // Publish field name to trigger immediate UI refresh
	_, err := pipe.Exec(ctx)
	if err != nil {
		c.logger.Printf("Unable to set location in redis: %v", err)
		return fmt.Errorf("cannot write location to redis: %v", err)
	}
	return nil
}

// PublishDiagnostics writes delivery diagnostics without notifying subscribers
func (c *Client) PublishDiagnostics(ctx context.Context, data map[string]interface{}) error {
	if err := c.client.HSet(ctx, DiagnosticsHash, data).Err(); err != nil {
		c.logger.Printf("Unable to set diagnostics in redis: %v", err)
		return fmt.Errorf("cannot write diagnostics to redis: %v", err)
	}
	return nil
}

// LoadConfig reads the persisted scheduling parameters
func (c *Client) LoadConfig(ctx context.Context) (map[string]string, error) {
	values, err := c.client.HGetAll(ctx, ConfigHash).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot read config from redis: %v", err)
	}
	return values, nil
}

// MirrorConfig writes the live scheduling parameters back into the config hash
func (c *Client) MirrorConfig(ctx context.Context, values map[string]interface{}) error {
	if err := c.client.HSet(ctx, ConfigHash, values).Err(); err != nil {
		c.logger.Printf("Unable to mirror config in redis: %v", err)
		return fmt.Errorf("cannot write config to redis: %v", err)
	}
	return nil
}

// SubscribeCommands listens for tracker commands and hands each raw message
// to handler on a dedicated goroutine until ctx is cancelled
func (c *Client) SubscribeCommands(ctx context.Context, handler func(message string)) {
	pubsub := c.client.Subscribe(ctx, CommandChannel)
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Payload)
			}
		}
	}()
}

// SubscribeConfig listens for "field=value" parameter writes and hands each
// pair to handler on a dedicated goroutine until ctx is cancelled
func (c *Client) SubscribeConfig(ctx context.Context, handler func(field, value string)) {
	pubsub := c.client.Subscribe(ctx, ConfigChannel)
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				field, value, found := strings.Cut(msg.Payload, "=")
				if !found {
					c.logger.Printf("Ignoring malformed config message: %q", msg.Payload)
					continue
				}
				handler(strings.TrimSpace(field), strings.TrimSpace(value))
			}
		}
	}()
}

// Close closes the Redis client
func (c *Client) Close() error {
	return c.client.Close()
}
