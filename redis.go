package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// createRedisClient creates a Redis client for the shared seen-set.
// REDIS_PASSWORD and the REDIS_TLS* variables refine the URL settings.
func createRedisClient(ctx context.Context, redisURL string, logger *zap.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		opt.Password = redisPassword
	}

	if redisTLS := os.Getenv("REDIS_TLS"); redisTLS == "true" || redisTLS == "1" || redisTLS == "enabled" {
		tlsConfig, err := redisTLSConfig(opt.Addr)
		if err != nil {
			return nil, err
		}
		opt.TLSConfig = tlsConfig
	}

	if maxRetries := os.Getenv("REDIS_MAX_RETRIES"); maxRetries != "" {
		if retries, err := strconv.Atoi(maxRetries); err == nil {
			opt.MaxRetries = retries
		}
	}
	if dialTimeout := os.Getenv("REDIS_DIAL_TIMEOUT"); dialTimeout != "" {
		if timeout, err := time.ParseDuration(dialTimeout); err == nil {
			opt.DialTimeout = timeout
		}
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("connected to redis",
		zap.String("addr", opt.Addr),
		zap.Bool("authenticated", opt.Password != ""),
		zap.Bool("tls", opt.TLSConfig != nil))

	return client, nil
}

// redisTLSConfig builds the client TLS settings from the environment
func redisTLSConfig(addr string) (*tls.Config, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	cfg := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}

	if certFile := os.Getenv("REDIS_TLS_CERT"); certFile != "" {
		keyFile := os.Getenv("REDIS_TLS_KEY")
		if keyFile == "" {
			return nil, fmt.Errorf("REDIS_TLS_KEY is required when REDIS_TLS_CERT is specified")
		}
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load Redis TLS certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if caFile := os.Getenv("REDIS_TLS_CA"); caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis TLS CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse Redis TLS CA certificate")
		}
		cfg.RootCAs = pool
	}

	if serverName := os.Getenv("REDIS_TLS_SERVER_NAME"); serverName != "" {
		cfg.ServerName = serverName
	}

	return cfg, nil
}
