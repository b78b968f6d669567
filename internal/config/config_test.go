package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/outbox-relay/internal/config"
)

func validConfig() config.Config {
	return config.Config{
		BatchSize:         50,
		Concurrency:       1,
		LeaseDuration:     30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		ReaperEnabled:     true,
		ReaperInterval:    15 * time.Second,
		OnLimitExceeded:   config.LimitActionThrow,
	}
}

func TestValidate_OK(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_HeartbeatMustFitLease(t *testing.T) {
	cfg := validConfig()
	cfg.HeartbeatInterval = 11 * time.Second
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat")
}

func TestValidate_ReaperMustFitLease(t *testing.T) {
	cfg := validConfig()
	cfg.ReaperInterval = 16 * time.Second
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reaper")

	// A disabled reaper is exempt from the constraint
	cfg.ReaperEnabled = false
	require.NoError(t, cfg.Validate())
}

func TestValidate_RejectsUnknownLimitAction(t *testing.T) {
	cfg := validConfig()
	cfg.OnLimitExceeded = "explode"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveSizes(t *testing.T) {
	cfg := validConfig()
	cfg.BatchSize = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Concurrency = -1
	assert.Error(t, cfg.Validate())
}

func TestAdminEnabled(t *testing.T) {
	cfg := config.Config{}
	assert.False(t, cfg.AdminEnabled())
	cfg.AdminUsername = "admin"
	assert.False(t, cfg.AdminEnabled())
	cfg.AdminPassword = "secret"
	assert.True(t, cfg.AdminEnabled())
}

func TestTopicFor(t *testing.T) {
	routing := config.TopicRouting{
		DefaultTopic: "outbox-events",
		Routes:       map[string]string{"order.created": "orders"},
	}
	assert.Equal(t, "orders", routing.TopicFor("order.created"))
	assert.Equal(t, "outbox-events", routing.TopicFor("user.created"))
}

func TestLoadTopicRouting_EmptyPathUsesDefault(t *testing.T) {
	routing, err := config.LoadTopicRouting("", "outbox-events")
	require.NoError(t, err)
	assert.Equal(t, "outbox-events", routing.DefaultTopic)
	assert.Equal(t, "outbox-events", routing.TopicFor("anything"))
}

func TestLoadTopicRouting_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"default_topic: main\nroutes:\n  order.created: orders\n  payment.settled: payments\n"), 0o600))

	routing, err := config.LoadTopicRouting(path, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "main", routing.DefaultTopic)
	assert.Equal(t, "orders", routing.TopicFor("order.created"))
	assert.Equal(t, "payments", routing.TopicFor("payment.settled"))
	assert.Equal(t, "main", routing.TopicFor("other"))
}

func TestLoadTopicRouting_MissingFileErrors(t *testing.T) {
	_, err := config.LoadTopicRouting("/nonexistent/routing.yaml", "fallback")
	assert.Error(t, err)
}
