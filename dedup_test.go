package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func loginEvent(host, user, ip, ts string) *RawEvent {
	return &RawEvent{Kind: KindSSHLogin, Host: host, Username: user, IP: ip, Timestamp: ts}
}

func TestDeduplicatorAccept(t *testing.T) {
	ctx := context.Background()
	d := NewDeduplicator(newMemorySeenSet(), zap.NewNop())

	e1 := loginEvent("local", "alice", "10.0.0.5", "May 18 17:36:28")
	e2 := loginEvent("local", "alice", "10.0.0.5", "May 18 17:36:28")
	e2.Line = "a different raw line"

	assert.True(t, d.Accept(ctx, e1))
	assert.False(t, d.Accept(ctx, e2))
	assert.Equal(t, int64(1), d.Size(ctx))
}

func TestDeduplicatorDistinguishesFields(t *testing.T) {
	ctx := context.Background()
	d := NewDeduplicator(newMemorySeenSet(), zap.NewNop())

	base := loginEvent("web1", "alice", "10.0.0.5", "May 18 17:36:28")
	require.True(t, d.Accept(ctx, base))

	variants := []*RawEvent{
		loginEvent("web2", "alice", "10.0.0.5", "May 18 17:36:28"),
		loginEvent("web1", "bob", "10.0.0.5", "May 18 17:36:28"),
		loginEvent("web1", "alice", "10.0.0.6", "May 18 17:36:28"),
		loginEvent("web1", "alice", "10.0.0.5", "May 18 17:36:29"),
		{Kind: KindFail2Ban, SubKind: SubKindBan, Host: "web1", Jail: "alice", IP: "10.0.0.5", Timestamp: "May 18 17:36:28"},
		{Kind: KindFail2Ban, SubKind: SubKindUnban, Host: "web1", Jail: "alice", IP: "10.0.0.5", Timestamp: "May 18 17:36:28"},
	}
	for i, v := range variants {
		assert.True(t, d.Accept(ctx, v), "variant %d should be novel", i)
	}
}

func TestFingerprintInjective(t *testing.T) {
	tests := []struct {
		name string
		a, b *RawEvent
	}{
		{
			name: "separator moved between host and ip",
			a:    loginEvent("a|b", "u", "c", "t"),
			b:    loginEvent("a", "u", "b|c", "t"),
		},
		{
			name: "quote characters inside fields",
			a:    loginEvent(`a"|"b`, "u", "c", "t"),
			b:    loginEvent("a", "u", `b"|"c`, "t"),
		},
		{
			name: "empty fields shifted",
			a:    loginEvent("", "x", "", "t"),
			b:    loginEvent("x", "", "", "t"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, Fingerprint(tt.a), Fingerprint(tt.b))
		})
	}
}

func TestFingerprintIgnoresRawLine(t *testing.T) {
	a := loginEvent("local", "alice", "10.0.0.5", "May 18 17:36:28")
	b := *a
	b.Line = "something else"
	b.Method = "password"
	assert.Equal(t, Fingerprint(a), Fingerprint(&b))
}

func TestDeduplicatorConcurrentAccept(t *testing.T) {
	ctx := context.Background()
	d := NewDeduplicator(newMemorySeenSet(), zap.NewNop())

	const workers = 16
	const events = 200

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < events; i++ {
				e := loginEvent("local", "alice", fmt.Sprintf("10.0.%d.%d", i/250, i%250), "May 18 17:36:28")
				if d.Accept(ctx, e) {
					accepted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(events), accepted.Load())
	assert.Equal(t, int64(events), d.Size(ctx))
}

func TestDeduplicatorRedisFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	d := NewDeduplicator(newRedisSeenSet(client, "securewatch:test"), zap.NewNop())
	e := loginEvent("local", "alice", "10.0.0.5", "May 18 17:36:28")

	assert.True(t, d.Accept(context.Background(), e))
	assert.True(t, d.Accept(context.Background(), e))
}

func TestRedisSeenSet(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}

	ctx := context.Background()
	client, err := createRedisClient(ctx, url, zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	key := fmt.Sprintf("securewatch:test:%d", time.Now().UnixNano())
	defer client.Del(ctx, key)

	d := NewDeduplicator(newRedisSeenSet(client, key), zap.NewNop())
	e := &RawEvent{Kind: KindFail2Ban, SubKind: SubKindBan, Host: "local", Jail: "sshd", IP: "10.0.0.9", Timestamp: "2025-05-18 17:36:28,767"}

	assert.True(t, d.Accept(ctx, e))
	assert.False(t, d.Accept(ctx, e))
	assert.Equal(t, int64(1), d.Size(ctx))
}
