package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()

	assert.True(t, c.ReconnectEnabled)
	assert.Equal(t, 3, c.MaxRetries)
	assert.Equal(t, 5*time.Second, c.MessageReceiptsThrottle)
	assert.NoError(t, c.Validate())
	assert.Equal(t, "https://participant.connect.us-west-2.amazonaws.com", c.ParticipantEndpoint())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
region: eu-central-1
max_retries: 7
retry_interval: 250ms
feature_flags:
  messageReceipts: false
`), 0o600))
	t.Setenv("CHATSESSION_STAGE", "beta")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "eu-central-1", c.Region)
	assert.Equal(t, "beta", c.Stage)
	assert.Equal(t, 7, c.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, c.RetryInterval)
	assert.False(t, c.Flags().Enabled(FlagMessageReceipts))
	assert.Equal(t, 10*time.Second, c.HeartbeatInterval)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "us-west-2", c.Region)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	c := Default()
	c.Region = ""
	c.MaxRetries = -1
	c.Logging.Level = "loud"

	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint or region")
	assert.Contains(t, err.Error(), "max_retries")
	assert.Contains(t, err.Error(), "logging.level")
}

func TestFlags_ObserversDrainOnFirstFlip(t *testing.T) {
	f := newFlags(map[string]bool{"beta": false})

	calls := 0
	f.OnEnabled("beta", func() { calls++ })
	f.OnEnabled("beta", func() { calls++ })
	assert.Equal(t, 0, calls)

	f.Set("beta", true)
	assert.Equal(t, 2, calls)

	f.Set("beta", false)
	f.Set("beta", true)
	assert.Equal(t, 2, calls, "observers fire once")
}

func TestFlags_AlreadyEnabledFiresImmediately(t *testing.T) {
	f := newFlags(map[string]bool{"messageReceipts": true})

	fired := false
	f.OnEnabled("MESSAGERECEIPTS", func() { fired = true })
	assert.True(t, fired)
}

func TestConfig_FlagsIsStable(t *testing.T) {
	c := Default()
	assert.Same(t, c.Flags(), c.Flags())
}
