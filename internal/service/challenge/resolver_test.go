package challenge_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tiankong-lab/multichat/backend/internal/service/challenge"
	"github.com/tiankong-lab/multichat/backend/internal/upstream"
)

type fakeCache struct {
	mu        sync.Mutex
	artifacts map[string]upstream.Challenge
}

func newFakeCache() *fakeCache {
	return &fakeCache{artifacts: make(map[string]upstream.Challenge)}
}

func (f *fakeCache) Get(_ context.Context, key string) (*upstream.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	artifact, ok := f.artifacts[key]
	if !ok {
		return nil, nil
	}
	return &artifact, nil
}

func (f *fakeCache) Set(_ context.Context, key string, value upstream.Challenge, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts[key] = value
	return nil
}

func (f *fakeCache) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.artifacts, key)
	return nil
}

type noopLock struct{}

func (noopLock) Acquire(context.Context) error { return nil }
func (noopLock) Release(context.Context) error { return nil }

func noopLocks(string) challenge.Lock { return noopLock{} }

func resolverConfig(url string) challenge.Config {
	return challenge.Config{
		ResolverURL: url,
		TTLMin:      time.Minute,
		TTLMax:      2 * time.Minute,
		Timeout:     5 * time.Second,
		RetryBudget: 1,
	}
}

func TestResolveFetchesAndCaches(t *testing.T) {
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		var req struct {
			URL   string `json:"url"`
			Proxy string `json:"proxy"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode resolve request: %v", err)
		}
		if req.URL != "https://chat.example.com/conversation" || req.Proxy != "http://proxy:8080" {
			t.Errorf("unexpected resolve target: %+v", req)
		}
		json.NewEncoder(w).Encode(upstream.Challenge{
			Success:   true,
			UserAgent: "Mozilla/5.0 test",
			Cookies:   map[string]string{"cf_clearance": "cleared"},
		})
	}))
	defer srv.Close()

	resolver := challenge.NewResolver(newFakeCache(), noopLocks, resolverConfig(srv.URL))

	artifact, err := resolver.Resolve(context.Background(), "https://chat.example.com/conversation", "http://proxy:8080")
	if err != nil {
		t.Fatalf("Resolve err: %v", err)
	}
	if artifact.UserAgent != "Mozilla/5.0 test" || artifact.Cookies["cf_clearance"] != "cleared" {
		t.Fatalf("unexpected artifact: %+v", artifact)
	}

	// 第二次直接命中缓存，不再访问解析服务。
	if _, err := resolver.Resolve(context.Background(), "https://chat.example.com/conversation", "http://proxy:8080"); err != nil {
		t.Fatalf("Resolve err: %v", err)
	}
	if fetches.Load() != 1 {
		t.Fatalf("expected a single fetch, got %d", fetches.Load())
	}
}

func TestResolveRejectsMissingClearance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(upstream.Challenge{
			Success:   true,
			UserAgent: "Mozilla/5.0 test",
			Cookies:   map[string]string{"other": "cookie"},
		})
	}))
	defer srv.Close()

	cfg := resolverConfig(srv.URL)
	cfg.RetryBudget = 1
	resolver := challenge.NewResolver(newFakeCache(), noopLocks, cfg)

	if _, err := resolver.Resolve(context.Background(), "https://chat.example.com/conversation", ""); err == nil {
		t.Fatal("expected an error for an artifact without the clearance cookie")
	}
}

func TestResolveRejectsFailedChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(upstream.Challenge{Success: false, Msg: "challenge timed out"})
	}))
	defer srv.Close()

	resolver := challenge.NewResolver(newFakeCache(), noopLocks, resolverConfig(srv.URL))

	if _, err := resolver.Resolve(context.Background(), "https://chat.example.com/conversation", ""); err == nil {
		t.Fatal("expected an error for a failed challenge")
	}
}

func TestResolveDoubleCheckAfterLock(t *testing.T) {
	cache := newFakeCache()
	locks := func(string) challenge.Lock {
		return primedLock{cache: cache}
	}
	resolver := challenge.NewResolver(cache, locks, resolverConfig("http://resolver.invalid"))

	artifact, err := resolver.Resolve(context.Background(), "https://chat.example.com/conversation", "")
	if err != nil {
		t.Fatalf("Resolve err: %v", err)
	}
	if artifact.Cookies["cf_clearance"] != "from-previous-holder" {
		t.Fatalf("expected the artifact written by the previous lock holder, got %+v", artifact)
	}
}

// primedLock 在 Acquire 成功时模拟前一个持有者已经写好缓存的情形。
type primedLock struct {
	cache *fakeCache
}

func (l primedLock) Acquire(ctx context.Context) error {
	return l.cache.Set(ctx, "https://chat.example.com/conversation|", upstream.Challenge{
		Success:   true,
		UserAgent: "Mozilla/5.0 test",
		Cookies:   map[string]string{"cf_clearance": "from-previous-holder"},
	}, time.Minute)
}

func (l primedLock) Release(context.Context) error { return nil }

func TestEvictRemovesCachedArtifact(t *testing.T) {
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		json.NewEncoder(w).Encode(upstream.Challenge{
			Success: true,
			Cookies: map[string]string{"cf_clearance": "cleared"},
		})
	}))
	defer srv.Close()

	resolver := challenge.NewResolver(newFakeCache(), noopLocks, resolverConfig(srv.URL))
	ctx := context.Background()

	if _, err := resolver.Resolve(ctx, "https://chat.example.com/conversation", ""); err != nil {
		t.Fatalf("Resolve err: %v", err)
	}
	if err := resolver.Evict(ctx, "https://chat.example.com/conversation", ""); err != nil {
		t.Fatalf("Evict err: %v", err)
	}
	if _, err := resolver.Resolve(ctx, "https://chat.example.com/conversation", ""); err != nil {
		t.Fatalf("Resolve err: %v", err)
	}
	if fetches.Load() != 2 {
		t.Fatalf("expected a refetch after eviction, got %d fetches", fetches.Load())
	}
}
