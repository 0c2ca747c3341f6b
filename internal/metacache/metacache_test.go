package metacache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func ms(n int64) time.Time {
	return time.UnixMilli(n)
}

func TestCache_HitBeforeExpiry(t *testing.T) {
	c := New[string]()
	c.Set("v", 5000*time.Millisecond, ms(100))

	res := c.Get(ms(101))
	if !res.Hit() {
		t.Fatalf("status = %s, want hit", res.Cache.Status)
	}
	if res.Metadata == nil || *res.Metadata != "v" {
		t.Errorf("metadata = %v, want v", res.Metadata)
	}
	if res.Cache.ExpiresAt == nil || !res.Cache.ExpiresAt.Equal(ms(5100)) {
		t.Errorf("expiresAt = %v, want 5100ms", res.Cache.ExpiresAt)
	}
}

func TestCache_MissAfterExpiryReportsStaleExpiry(t *testing.T) {
	c := New[string]()
	c.Set("v", 10*time.Millisecond, ms(100))

	res := c.Get(ms(111))
	if res.Hit() {
		t.Fatal("want miss after expiry")
	}
	if res.Metadata != nil {
		t.Errorf("metadata = %v, want nil", *res.Metadata)
	}
	if res.Cache.ExpiresAt == nil || !res.Cache.ExpiresAt.Equal(ms(110)) {
		t.Errorf("expiresAt = %v, want 110ms", res.Cache.ExpiresAt)
	}
}

func TestCache_ExpiryBoundaryIsMiss(t *testing.T) {
	c := New[int]()
	c.Set(1, 10*time.Millisecond, ms(100))
	if !c.Get(ms(109)).Hit() {
		t.Error("want hit just before expiry")
	}
	if c.Get(ms(110)).Hit() {
		t.Error("want miss at now == expiresAt")
	}
}

func TestCache_EmptyAndClear(t *testing.T) {
	c := New[int]()
	res := c.Get(ms(0))
	if res.Hit() || res.Cache.ExpiresAt != nil {
		t.Errorf("empty cache: %+v", res.Cache)
	}

	c.Set(1, time.Hour, ms(0))
	c.Clear()
	res = c.Get(ms(1))
	if res.Hit() || res.Cache.ExpiresAt != nil {
		t.Errorf("after clear: %+v", res.Cache)
	}
}

func TestCache_SetReplaces(t *testing.T) {
	c := New[string]()
	c.Set("old", time.Second, ms(0))
	c.Set("new", 2*time.Second, ms(500))

	res := c.Get(ms(600))
	if *res.Metadata != "new" || !res.Cache.ExpiresAt.Equal(ms(2500)) {
		t.Errorf("got %q expiring %v", *res.Metadata, res.Cache.ExpiresAt)
	}
}

func TestLoader_FetchesOnMissThenHits(t *testing.T) {
	var calls atomic.Int32
	l := NewLoader(New[string](), func(context.Context) (string, error) {
		calls.Add(1)
		return "meta", nil
	}, time.Minute, nil)

	res, err := l.Get(context.Background(), ms(0))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Cache.Status != StatusMiss || *res.Metadata != "meta" {
		t.Errorf("first get: %+v", res)
	}
	if !res.Cache.ExpiresAt.Equal(ms(60_000)) {
		t.Errorf("expiresAt = %v", res.Cache.ExpiresAt)
	}

	res, err = l.Get(context.Background(), ms(1000))
	if err != nil || !res.Hit() {
		t.Fatalf("second get: %+v, %v", res, err)
	}
	if calls.Load() != 1 {
		t.Errorf("fetch called %d times, want 1", calls.Load())
	}

	if _, err := l.Get(context.Background(), ms(60_000)); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("fetch after expiry: calls = %d, want 2", calls.Load())
	}
}

func TestLoader_ErrorLeavesSlotEmpty(t *testing.T) {
	boom := errors.New("boom")
	l := NewLoader(New[string](), func(context.Context) (string, error) {
		return "", boom
	}, time.Minute, nil)

	res, err := l.Get(context.Background(), ms(0))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if res.Metadata != nil || l.Cache().Get(ms(0)).Hit() {
		t.Error("failed fetch must not populate the cache")
	}
}

func TestLoader_ConcurrentMissesShareFetch(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	l := NewLoader(New[int](), func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 7, nil
	}, time.Minute, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Get(context.Background(), ms(0))
			if err != nil || res.Metadata == nil || *res.Metadata != 7 {
				t.Errorf("Get = %+v, %v", res, err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n < 1 || n > 8 {
		t.Errorf("calls = %d", n)
	}
	if !l.Cache().Get(ms(1)).Hit() {
		t.Error("cache should be filled")
	}
}

func TestLoader_Invalidate(t *testing.T) {
	l := NewLoader(New[int](), func(context.Context) (int, error) { return 1, nil }, time.Minute, nil)
	if _, err := l.Get(context.Background(), ms(0)); err != nil {
		t.Fatal(err)
	}
	l.Invalidate()
	if l.Cache().Get(ms(1)).Hit() {
		t.Error("Invalidate should clear the slot")
	}
}
