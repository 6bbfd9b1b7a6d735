package idempotency

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
)

func TestMemoryGuardRoundTrip(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	g := NewMemoryGuard(5*time.Minute, clk)

	if _, ok, _ := g.Get(ctx, "k1"); ok {
		t.Fatal("unexpected hit on empty guard")
	}
	body := []byte(`{"status":"accepted"}`)
	if err := g.Set(ctx, Entry{Key: "k1", Status: 200, Body: body}); err != nil {
		t.Fatal(err)
	}
	e, ok, err := g.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("expected hit: ok=%v err=%v", ok, err)
	}
	if e.Status != 200 || !bytes.Equal(e.Body, body) {
		t.Fatalf("cached entry differs: %+v", e)
	}
}

func TestMemoryGuardExpiresOnRead(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	g := NewMemoryGuard(5*time.Minute, clk)

	_ = g.Set(ctx, Entry{Key: "k1", Status: 200, Body: []byte("x")})
	clk.Advance(5*time.Minute + time.Second)
	if _, ok, _ := g.Get(ctx, "k1"); ok {
		t.Fatal("entry past TTL must expire")
	}
}

func TestMemoryGuardKeepsFreshEntries(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	g := NewMemoryGuard(5*time.Minute, clk)

	_ = g.Set(ctx, Entry{Key: "old", Status: 200, Body: []byte("1")})
	clk.Advance(4 * time.Minute)
	_ = g.Set(ctx, Entry{Key: "new", Status: 200, Body: []byte("2")})
	clk.Advance(2 * time.Minute) // old is now 6m, new is 2m

	if _, ok, _ := g.Get(ctx, "old"); ok {
		t.Fatal("old entry should be gone")
	}
	if _, ok, _ := g.Get(ctx, "new"); !ok {
		t.Fatal("fresh entry should remain")
	}
}
