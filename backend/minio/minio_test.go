package minio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigRoundTrip(t *testing.T) {
	original, err := New(Config{
		Endpoint:  "localhost:9000",
		Bucket:    "artefacts",
		AccessKey: "minioadmin",
		SecretKey: "miniosecret",
		UseSSL:    true,
	})
	require.NoError(t, err)

	cfg := original.Config()
	assert.Equal(t, Scheme, cfg["scheme"])
	assert.Equal(t, "localhost:9000", cfg["endpoint"])
	assert.Equal(t, "artefacts", cfg["bucket"])
	assert.Equal(t, "minioadmin", cfg["access_key"])
	assert.Equal(t, "miniosecret", cfg["secret_key"])
	assert.Equal(t, "true", cfg["ssl"])

	// Reconstruction through the factory's parameter table yields the same
	// credentials, not an anonymous client.
	rebuilt, err := New(configFrom(cfg["endpoint"], cfg["bucket"], cfg))
	require.NoError(t, err)
	assert.Equal(t, original.cfg, rebuilt.cfg)
}

func TestConfigOmitsUnsetCredentials(t *testing.T) {
	backend, err := New(Config{Endpoint: "localhost:9000", Bucket: "artefacts"})
	require.NoError(t, err)

	cfg := backend.Config()
	assert.NotContains(t, cfg, "access_key")
	assert.NotContains(t, cfg, "secret_key")
	assert.NotContains(t, cfg, "ssl")
}
