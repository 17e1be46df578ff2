package cache

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

// Memory is the bounded in-process backend. It serves two roles: the
// last-resort fallback when the distributed cache is unreachable, and the
// backend of choice in tests. Eviction is LRU; TTL is enforced by the tier
// from the stored envelope.
type Memory struct {
	lru *lru.Cache[string, []byte]
}

func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		// Only reachable with a non-positive size, which is normalized above.
		cache, _ = lru.New[string, []byte](1024)
	}
	return &Memory{lru: cache}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	value, ok := m.lru.Get(key)
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	m.lru.Add(key, stored)
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	var out []string
	for _, key := range m.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}
