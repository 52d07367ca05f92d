package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
gateway:
  publisher_url: mem://local
  publish_timeout_seconds: 1.5
  publisher_options:
    buffer: 8
    sasl:
      user: bob
app:
  server:
    http:
      log_mask_headers: authorization, x-api-key
relay:
  routes:
    - name: orders
      topics: [a, b]
`

func TestViper(t *testing.T) {

	// Arrange
	cfg, err := NewViperFromBytes("yaml", []byte(testYAML))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cfg.Close() })

	t.Run("Scalars", func(t *testing.T) {

		// Act
		url := cfg.GetString("gateway.publisher_url")
		timeout := cfg.GetSecond("gateway.publish_timeout_seconds")

		// Assert
		assert.Equal(t, "mem://local", url)
		assert.Equal(t, 1500*time.Millisecond, timeout)
		assert.False(t, cfg.GetBool("missing"))
		assert.Zero(t, cfg.GetInt("missing"))
	})

	t.Run("ArrayFromCommaString", func(t *testing.T) {

		// Act
		got := cfg.GetArray("app.server.http.log_mask_headers")

		// Assert
		assert.Equal(t, []string{"authorization", "x-api-key"}, got)
	})

	t.Run("StringMapIsNested", func(t *testing.T) {

		// Act
		got := cfg.GetStringMap("gateway.publisher_options")

		// Assert
		assert.EqualValues(t, 8, got["buffer"])
		sasl, ok := got["sasl"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "bob", sasl["user"])
	})

	t.Run("UnmarshalKey", func(t *testing.T) {

		// Arrange
		var routes []struct {
			Name   string   `mapstructure:"name"`
			Topics []string `mapstructure:"topics"`
		}

		// Act
		err := cfg.UnmarshalKey("relay.routes", &routes)

		// Assert
		require.NoError(t, err)
		require.Len(t, routes, 1)
		assert.Equal(t, "orders", routes[0].Name)
		assert.Equal(t, []string{"a", "b"}, routes[0].Topics)
	})
}

func TestNewViperFromBytes_TypeRequired(t *testing.T) {

	// Act
	_, err := NewViperFromBytes(" ", nil)

	// Assert
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {

	// Arrange
	t.Setenv("BPS_GATEWAY_PUBLISHER_URL", "kafka://broker")
	cfg, err := NewViperFromBytes("yaml", []byte(testYAML))
	require.NoError(t, err)

	// Act
	got := cfg.GetString("gateway.publisher_url")

	// Assert
	assert.Equal(t, "kafka://broker", got)
}
