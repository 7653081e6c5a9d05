package jobcontrol

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewClient(rdb)
}

func TestClient_RequestCancel_IsCancelled(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	cancelled, err := c.IsCancelled(ctx, "task-1")
	if err != nil {
		t.Fatalf("IsCancelled: %v", err)
	}
	if cancelled {
		t.Fatal("expected not cancelled before any request")
	}

	if err := c.RequestCancel(ctx, "task-1"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}

	cancelled, err = c.IsCancelled(ctx, "task-1")
	if err != nil {
		t.Fatalf("IsCancelled: %v", err)
	}
	if !cancelled {
		t.Fatal("expected cancelled after request")
	}

	if err := c.ClearCancel(ctx, "task-1"); err != nil {
		t.Fatalf("ClearCancel: %v", err)
	}
	cancelled, _ = c.IsCancelled(ctx, "task-1")
	if cancelled {
		t.Fatal("expected not cancelled after clear")
	}
}

func TestClient_PublishProgress(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	if _, ok, err := c.Progress(ctx, "task-2"); err != nil || ok {
		t.Fatalf("expected no progress yet, got ok=%v err=%v", ok, err)
	}

	if err := c.PublishProgress(ctx, "task-2", 42.5); err != nil {
		t.Fatalf("PublishProgress: %v", err)
	}

	pct, ok, err := c.Progress(ctx, "task-2")
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if !ok || pct != 42.5 {
		t.Errorf("expected 42.5, got %v (ok=%v)", pct, ok)
	}
}
