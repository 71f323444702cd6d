package server

import (
	"context"
	"testing"
	"time"

	"github.com/ssd-technologies/termconsensus/internal/assignment"
)

func TestSweepReviews(t *testing.T) {
	env := setupTestServer(t, nil)
	env.submit(t)

	if n := env.srv.sweepReviews(context.Background()); n != 0 {
		t.Fatalf("sweep before deadline = %d, want 0", n)
	}
	env.clock.Advance(assignment.DefaultReviewTimeout + time.Second)
	if n := env.srv.sweepReviews(context.Background()); n == 0 {
		t.Fatal("expected slot changes after deadline")
	}
}

func TestPruneValidatorsKeepsLocal(t *testing.T) {
	env := setupTestServer(t, nil)
	env.clock.Advance(env.srv.cfg.Mesh.OfflineTimeout + time.Second)

	if n := env.srv.pruneValidators(); n != 6 {
		t.Fatalf("pruned = %d, want 6", n)
	}
	active := env.reg.Active()
	if len(active) != 1 || active[0].Identity != env.eng.Identity() {
		t.Fatalf("active = %+v, want only the local validator", active)
	}
}

func TestTickEpoch(t *testing.T) {
	env := setupTestServer(t, nil)
	if err := env.srv.tickEpoch(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if env.eng.Epoch() != 1 {
		t.Fatalf("epoch = %d, want 1", env.eng.Epoch())
	}
	w, err := env.eng.Weights(0)
	if err != nil {
		t.Fatalf("weights: %v", err)
	}
	if w.Vector.Get("0") != 65535 {
		t.Fatalf("burn weight = %d, want 65535", w.Vector.Get("0"))
	}
}

func TestLimiterCleanup(t *testing.T) {
	rl := newRateLimiter(5, 5)
	rl.allow("192.0.2.1")
	rl.allow("192.0.2.2")
	if n := rl.cleanup(time.Hour); n != 0 {
		t.Fatalf("cleanup of fresh visitors = %d, want 0", n)
	}
	if n := rl.cleanup(-time.Second); n != 2 {
		t.Fatalf("cleanup = %d, want 2", n)
	}
}
