package kv

import (
	"context"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// runID keeps keys unique across runs against a persistent postgres.
var runID = strconv.FormatInt(time.Now().UnixNano(), 36)

func testBackends(t *testing.T) map[string]Cache {
	t.Helper()

	mr := miniredis.RunT(t)
	rc, err := NewRedis("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	sc, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}

	backends := map[string]Cache{
		"memory":   NewMemory(0),
		"redis":    rc,
		"sqlite":   sc,
		"prefixed": WithPrefix(NewMemory(0), "test:"),
	}
	if dsn := os.Getenv("LUMACAST_TEST_POSTGRES_DSN"); dsn != "" {
		pc, err := NewPostgres(dsn)
		if err != nil {
			t.Fatalf("postgres: %v", err)
		}
		backends["postgres"] = pc
	}
	for _, c := range backends {
		c := c
		t.Cleanup(func() { _ = c.Close() })
	}
	return backends
}

func TestCacheSetGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, c := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			key := "sgd:" + name + runID

			got, err := c.Get(ctx, key)
			if err != nil || got != nil {
				t.Fatalf("Get missing: got %q, %v; want nil, nil", got, err)
			}

			if err := c.Set(ctx, key, []byte("hello"), time.Minute); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, err = c.Get(ctx, key)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != "hello" {
				t.Errorf("Get: got %q, want %q", got, "hello")
			}

			if err := c.Set(ctx, key, []byte("again"), 0); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, _ = c.Get(ctx, key)
			if string(got) != "again" {
				t.Errorf("overwrite: got %q, want %q", got, "again")
			}

			ok, err := c.Delete(ctx, key)
			if err != nil || !ok {
				t.Fatalf("Delete: got %v, %v; want true, nil", ok, err)
			}
			ok, err = c.Delete(ctx, key)
			if err != nil || ok {
				t.Fatalf("second Delete: got %v, %v; want false, nil", ok, err)
			}
			if got, _ := c.Get(ctx, key); got != nil {
				t.Errorf("Get after delete: got %q, want nil", got)
			}
		})
	}
}

func TestCacheDeleteIsExclusive(t *testing.T) {
	ctx := context.Background()
	for name, c := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			key := "exclusive:" + name + runID
			if err := c.Set(ctx, key, []byte("1"), time.Minute); err != nil {
				t.Fatal(err)
			}

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := c.Delete(ctx, key)
					if err != nil {
						t.Errorf("Delete: %v", err)
						return
					}
					if ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			if got := wins.Load(); got != 1 {
				t.Errorf("winners: got %d, want 1", got)
			}
		})
	}
}

func TestCacheIncrBy(t *testing.T) {
	ctx := context.Background()
	for name, c := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			key := "counter:" + name + runID

			total, err := c.IncrBy(ctx, key, 5, time.Hour)
			if err != nil {
				t.Fatalf("IncrBy: %v", err)
			}
			if total != 5 {
				t.Errorf("first: got %d, want 5", total)
			}
			total, _ = c.IncrBy(ctx, key, 7, time.Hour)
			if total != 12 {
				t.Errorf("second: got %d, want 12", total)
			}
			total, _ = c.IncrBy(ctx, key, 0, time.Hour)
			if total != 12 {
				t.Errorf("read: got %d, want 12", total)
			}
		})
	}
}

func TestCacheIncrByConcurrent(t *testing.T) {
	ctx := context.Background()
	for name, c := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			key := "concurrent:" + name + runID
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := c.IncrBy(ctx, key, 1, time.Hour); err != nil {
						t.Errorf("IncrBy: %v", err)
					}
				}()
			}
			wg.Wait()
			total, err := c.IncrBy(ctx, key, 0, time.Hour)
			if err != nil {
				t.Fatal(err)
			}
			if total != 20 {
				t.Errorf("total: got %d, want 20", total)
			}
		})
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(0)

	if err := c.Set(ctx, "k", []byte("v"), 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if got, _ := c.Get(ctx, "k"); got != nil {
		t.Errorf("expired value: got %q, want nil", got)
	}
	if ok, _ := c.Delete(ctx, "k"); ok {
		t.Error("Delete of expired key reported true")
	}
}

func TestRedisExpiry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c, err := NewRedis("redis://" + mr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := c.IncrBy(ctx, "n", 3, time.Minute); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Minute)

	if got, _ := c.Get(ctx, "k"); got != nil {
		t.Errorf("expired value: got %q, want nil", got)
	}
	total, err := c.IncrBy(ctx, "n", 1, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("counter after expiry: got %d, want 1", total)
	}
}

func TestSQLiteExpiryAndPurge(t *testing.T) {
	ctx := context.Background()
	c, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	base := time.Now()
	c.now = func() time.Time { return base }

	_ = c.Set(ctx, "short", []byte("x"), time.Second)
	_ = c.Set(ctx, "forever", []byte("y"), 0)
	if _, err := c.IncrBy(ctx, "n", 4, time.Second); err != nil {
		t.Fatal(err)
	}

	c.now = func() time.Time { return base.Add(2 * time.Second) }

	if got, _ := c.Get(ctx, "short"); got != nil {
		t.Errorf("expired value visible: %q", got)
	}
	if ok, _ := c.Delete(ctx, "short"); ok {
		t.Error("Delete of expired key reported true")
	}
	total, err := c.IncrBy(ctx, "n", 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("counter after expiry: got %d, want 1", total)
	}

	_ = c.Set(ctx, "short2", []byte("z"), time.Second)
	c.now = func() time.Time { return base.Add(10 * time.Second) }
	n, err := c.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n < 2 {
		t.Errorf("purged rows: got %d, want at least 2", n)
	}
	if got, _ := c.Get(ctx, "forever"); string(got) != "y" {
		t.Errorf("forever: got %q, want %q", got, "y")
	}
}

func TestOpen(t *testing.T) {
	tests := []struct {
		uri     string
		wantErr bool
	}{
		{"", false},
		{"memory://", false},
		{"sqlite://:memory:", false},
		{"sqlite://", true},
		{"mongodb://localhost", true},
	}
	for _, tt := range tests {
		c, err := Open(tt.uri)
		if (err != nil) != tt.wantErr {
			t.Errorf("Open(%q): err = %v, wantErr %v", tt.uri, err, tt.wantErr)
			continue
		}
		if c != nil {
			_ = c.Close()
		}
	}
}

func TestWithPrefixNamespaces(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory(0)
	c := WithPrefix(inner, "lumacast:")

	_ = c.Set(ctx, "k", []byte("v"), 0)
	if got, _ := inner.Get(ctx, "lumacast:k"); string(got) != "v" {
		t.Errorf("inner key: got %q, want %q", got, "v")
	}
	if got, _ := inner.Get(ctx, "k"); got != nil {
		t.Errorf("unprefixed key should be empty, got %q", got)
	}
	if WithPrefix(inner, "") != Cache(inner) {
		t.Error("empty prefix should return the cache unchanged")
	}
}
