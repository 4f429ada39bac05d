package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCreateRedisClientErrors(t *testing.T) {
	t.Setenv("REDIS_TLS", "")
	t.Setenv("REDIS_DIAL_TIMEOUT", "200ms")
	t.Setenv("REDIS_MAX_RETRIES", "-1")

	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"not a url", "invalid-url"},
		{"unreachable", "redis://127.0.0.1:1/0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := createRedisClient(context.Background(), tt.url, zap.NewNop())
			assert.Error(t, err)
			assert.Nil(t, client)
		})
	}
}

func TestRedisTLSConfig(t *testing.T) {
	t.Setenv("REDIS_TLS_CERT", "")
	t.Setenv("REDIS_TLS_CA", "")
	t.Setenv("REDIS_TLS_SERVER_NAME", "")

	cfg, err := redisTLSConfig("cache.internal:6380")
	require.NoError(t, err)
	assert.Equal(t, "cache.internal", cfg.ServerName)

	t.Setenv("REDIS_TLS_SERVER_NAME", "redis.example.com")
	cfg, err = redisTLSConfig("10.0.0.5:6380")
	require.NoError(t, err)
	assert.Equal(t, "redis.example.com", cfg.ServerName)

	t.Setenv("REDIS_TLS_CERT", "/nonexistent/cert.pem")
	t.Setenv("REDIS_TLS_KEY", "")
	_, err = redisTLSConfig("10.0.0.5:6380")
	assert.ErrorContains(t, err, "REDIS_TLS_KEY")

	t.Setenv("REDIS_TLS_CERT", "")
	t.Setenv("REDIS_TLS_CA", "/nonexistent/ca.pem")
	_, err = redisTLSConfig("10.0.0.5:6380")
	assert.Error(t, err)
}
