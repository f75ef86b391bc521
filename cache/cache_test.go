package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	app "github.com/etitcombe/taskflow"
)

// exercise runs the behaviour every app.Cache must share.
func exercise(t *testing.T, c app.Cache) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "missing"); err != nil || ok {
		t.Errorf("Get missing: got ok=%v err=%v", ok, err)
	}
	if err := c.Set(ctx, "k", []byte("v1"), time.Minute); err != nil {
		t.Fatal(err)
	}
	v, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v1" {
		t.Errorf("Get: got %q ok=%v err=%v, want v1", v, ok, err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("Get after Delete: still present")
	}
	if err := c.Delete(ctx, "never-set"); err != nil {
		t.Errorf("Delete missing: %v", err)
	}
}

func TestMemory(t *testing.T) {
	exercise(t, NewMemory())
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	m.Set(ctx, "short", []byte("x"), time.Second)
	m.Set(ctx, "forever", []byte("y"), 0)

	now = now.Add(2 * time.Second)
	if _, ok, _ := m.Get(ctx, "short"); ok {
		t.Error("expired entry returned")
	}
	if _, ok, _ := m.Get(ctx, "forever"); !ok {
		t.Error("entry without ttl expired")
	}
}

func TestMemorySweep(t *testing.T) {
	m := NewMemory()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	m.Set(ctx, "a", []byte("1"), time.Second)
	m.Set(ctx, "b", []byte("2"), time.Hour)
	now = now.Add(time.Minute)
	m.Sweep()
	if m.Len() != 1 {
		t.Errorf("Len after sweep: got %d, want 1", m.Len())
	}
}

func TestMemoryCopiesValue(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	buf := []byte("abc")
	m.Set(ctx, "k", buf, 0)
	buf[0] = 'z'
	v, _, _ := m.Get(ctx, "k")
	if string(v) != "abc" {
		t.Errorf("stored value aliased caller buffer: %q", v)
	}
}

func TestRedis(t *testing.T) {
	s := miniredis.RunT(t)
	r := NewRedis(s.Addr(), "", 0)
	defer r.Close()

	if err := r.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	exercise(t, r)
}

func TestRedisExpiry(t *testing.T) {
	s := miniredis.RunT(t)
	r := NewRedis(s.Addr(), "", 0)
	defer r.Close()
	ctx := context.Background()

	if err := r.Set(ctx, "k", []byte("v"), 10*time.Second); err != nil {
		t.Fatal(err)
	}
	s.FastForward(11 * time.Second)
	if _, ok, err := r.Get(ctx, "k"); err != nil || ok {
		t.Errorf("after ttl: got ok=%v err=%v, want gone", ok, err)
	}
}
