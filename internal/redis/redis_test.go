package redis

import (
	"context"
	"log"
	"os"
	"testing"
	"time"
)

// getTestRedisURL returns the Redis URL for testing
func getTestRedisURL() string {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379"
	}
	return url
}

// setupTestClient creates a test client and cleans up test data
func setupTestClient(t *testing.T) (*Client, func()) {
	t.Helper()

	logger := log.New(os.Stdout, "test: ", log.LstdFlags)
	client, err := New(getTestRedisURL(), logger)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx := context.Background()
	if err := client.Ping(ctx); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	cleanup := func() {
		client.client.Del(ctx, TrackerHash, LocationHash, ConfigHash, DiagnosticsHash)
		client.Close()
	}

	return client, cleanup
}

func TestNew(t *testing.T) {
	logger := log.New(os.Stdout, "test: ", log.LstdFlags)

	tests := []struct {
		name     string
		redisURL string
		wantErr  bool
	}{
		{
			name:     "valid URL with port",
			redisURL: "redis://localhost:6379",
			wantErr:  false,
		},
		{
			name:     "valid URL without port",
			redisURL: "redis://localhost",
			wantErr:  false,
		},
		{
			name:     "invalid URL",
			redisURL: "not-a-url",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.redisURL, logger)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if client != nil {
				client.Close()
			}
		})
	}
}

func TestPublishTrackerState(t *testing.T) {
	client, cleanup := setupTestClient(t)
	defer cleanup()
	ctx := context.Background()

	if err := client.PublishTrackerState(ctx, "publish-state", "publishing"); err != nil {
		t.Fatalf("PublishTrackerState failed: %v", err)
	}

	value, err := client.client.HGet(ctx, TrackerHash, "publish-state").Result()
	if err != nil {
		t.Fatalf("HGet failed: %v", err)
	}
	if value != "publishing" {
		t.Errorf("Expected publishing, got %s", value)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	client, cleanup := setupTestClient(t)
	defer cleanup()
	ctx := context.Background()

	if err := client.MirrorConfig(ctx, map[string]interface{}{
		"interval_max": "600",
		"radius":       "50",
	}); err != nil {
		t.Fatalf("MirrorConfig failed: %v", err)
	}

	values, err := client.LoadConfig(ctx)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if values["interval_max"] != "600" || values["radius"] != "50" {
		t.Errorf("Unexpected config values: %v", values)
	}
}

func TestSubscribeConfig(t *testing.T) {
	client, cleanup := setupTestClient(t)
	defer cleanup()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type pair struct{ field, value string }
	received := make(chan pair, 1)
	client.SubscribeConfig(ctx, func(field, value string) {
		received <- pair{field, value}
	})

	// Give the subscription time to establish
	time.Sleep(100 * time.Millisecond)

	if err := client.client.Publish(ctx, ConfigChannel, "interval_min=120").Err(); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.field != "interval_min" || got.value != "120" {
			t.Errorf("Expected interval_min=120, got %s=%s", got.field, got.value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for config message")
	}
}

func TestSubscribeCommands(t *testing.T) {
	client, cleanup := setupTestClient(t)
	defer cleanup()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 1)
	client.SubscribeCommands(ctx, func(message string) {
		received <- message
	})

	time.Sleep(100 * time.Millisecond)

	if err := client.client.Publish(ctx, CommandChannel, "get-location").Err(); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got != "get-location" {
			t.Errorf("Expected get-location, got %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for command message")
	}
}
