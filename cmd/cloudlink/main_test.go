package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// testConfigYAML renders a minimal valid configuration pointing the
// daemon at the given database file, broker port and API port.
func testConfigYAML(dbPath string, mqttPort, apiPort int, clientID string) string {
	return fmt.Sprintf(`
instance:
  id: hub-test

cloud:
  relay_url: "wss://relay.example.test/ws"
  report_state_url: "wss://reportstate.example.test/v1"
  require_subscription: false
  ping_interval: 55
  pong_timeout: 15

auth:
  token_url: "https://accounts.example.test/oauth/token"
  refresh_ahead: 300

database:
  path: %q
  wal_mode: true
  busy_timeout: 5

mqtt:
  broker:
    host: "127.0.0.1"
    port: %d
    client_id: %q
    tls: false
  qos: 1
  reconnect:
    initial_delay: 1
    max_delay: 5

influxdb:
  enabled: false

logging:
  level: info
  format: text
  output: stdout

api:
  host: "127.0.0.1"
  port: %d
  timeouts:
    read: 30
    write: 30
    idle: 60
`, dbPath, mqttPort, clientID, apiPort)
}

// pointAtConfig writes the YAML into a temp file and routes
// getConfigPath at it for the duration of the test.
func pointAtConfig(t *testing.T, yaml string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	t.Setenv("GRAYLOGIC_CLOUD_CONFIG", path)
}

func TestRunMissingConfigFile(t *testing.T) {
	t.Setenv("GRAYLOGIC_CLOUD_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail when the config file does not exist")
	}
}

func TestRunInvalidConfig(t *testing.T) {
	// An empty database path fails validation before anything starts.
	pointAtConfig(t, testConfigYAML("", 1883, 18090, "test-client"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with an empty database path")
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("GRAYLOGIC_CLOUD_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("GRAYLOGIC_CLOUD_CONFIG", "/custom/path/config.yaml")
	if got := getConfigPath(); got != "/custom/path/config.yaml" {
		t.Errorf("getConfigPath() = %q, want the override", got)
	}
}

// TestRunStartupShutdown drives a full startup against the local
// broker at 127.0.0.1:1883, then lets the context deadline trigger the
// shutdown path.
func TestRunStartupShutdown(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	pointAtConfig(t, testConfigYAML(dbPath, 1883, 18091, "test-startup-shutdown"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Logf("run() returned %v (broker at 127.0.0.1:1883 not reachable?)", err)
	}
}

// TestRunCancelledDuringStartup points the daemon at a dead broker
// port so cancellation lands while startup is still in progress.
func TestRunCancelledDuringStartup(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	pointAtConfig(t, testConfigYAML(dbPath, 19999, 18092, "test-cancelled"))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Logf("run() returned error (expected with a dead broker): %v", err)
	}
}
