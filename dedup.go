package main

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SeenSet stores event fingerprints. Add reports whether fp was newly inserted.
type SeenSet interface {
	Add(ctx context.Context, fp string) (bool, error)
	Len(ctx context.Context) (int64, error)
}

// memorySeenSet is a process-local SeenSet
type memorySeenSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newMemorySeenSet() *memorySeenSet {
	return &memorySeenSet{seen: make(map[string]struct{})}
}

func (s *memorySeenSet) Add(_ context.Context, fp string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[fp]; ok {
		return false, nil
	}
	s.seen[fp] = struct{}{}
	return true, nil
}

func (s *memorySeenSet) Len(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.seen)), nil
}

// redisSeenSet keeps fingerprints in one Redis set shared across restarts
type redisSeenSet struct {
	client *redis.Client
	key    string
}

func newRedisSeenSet(client *redis.Client, key string) *redisSeenSet {
	return &redisSeenSet{client: client, key: key}
}

func (s *redisSeenSet) Add(ctx context.Context, fp string) (bool, error) {
	added, err := s.client.SAdd(ctx, s.key, fp).Result()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

func (s *redisSeenSet) Len(ctx context.Context) (int64, error) {
	return s.client.SCard(ctx, s.key).Result()
}

// Fingerprint derives the identity of an event. Every field is quoted so
// separator characters inside a field cannot make two tuples collide.
func Fingerprint(e *RawEvent) string {
	id := e.Username
	if e.Kind == KindFail2Ban {
		id = e.Jail
	}
	fields := []string{string(e.Kind), string(e.SubKind), e.Host, e.IP, id, e.Timestamp}

	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(strconv.Quote(f))
	}
	return b.String()
}

// Deduplicator decides event novelty against a SeenSet
type Deduplicator struct {
	seen   SeenSet
	logger *zap.Logger
}

// NewDeduplicator returns a deduplicator backed by seen
func NewDeduplicator(seen SeenSet, logger *zap.Logger) *Deduplicator {
	return &Deduplicator{seen: seen, logger: logger}
}

// Accept reports whether the event has not been seen before and records it.
// A backend error counts as novel so events are delivered at least once.
func (d *Deduplicator) Accept(ctx context.Context, e *RawEvent) bool {
	added, err := d.seen.Add(ctx, Fingerprint(e))
	if err != nil {
		d.logger.Warn("seen-set unavailable, treating event as novel",
			zap.String("host", e.Host),
			zap.String("kind", string(e.Kind)),
			zap.String("ip", e.IP),
			zap.Error(err))
		return true
	}
	return added
}

// Size returns the number of stored fingerprints
func (d *Deduplicator) Size(ctx context.Context) int64 {
	n, err := d.seen.Len(ctx)
	if err != nil {
		return -1
	}
	return n
}
