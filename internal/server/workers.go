package server

import (
	"context"
	"time"
)

// limiterIdle is how long an IP's bucket is kept after its last request.
const limiterIdle = 10 * time.Minute

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context) {
	go s.every(ctx, s.cfg.Review.SweepInterval, func() { s.sweepReviews(ctx) })
	go s.every(ctx, s.cfg.Mesh.PruneInterval, func() { s.pruneValidators() })
	go s.every(ctx, time.Minute, func() { s.limiter.cleanup(limiterIdle) })
	if s.cfg.Epoch.Length > 0 {
		go s.every(ctx, s.cfg.Epoch.Length, func() { s.tickEpoch(ctx) })
	}
}

// every runs fn each interval until ctx is done.
func (s *Server) every(ctx context.Context, interval time.Duration, fn func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			fn()
		}
	}
}

// --- Review Deadline Sweeper ---

// sweepReviews replaces reviewers whose deadline passed. Returns the number
// of slot changes.
func (s *Server) sweepReviews(ctx context.Context) int {
	changes := s.engine.Sweep(ctx)
	if len(changes) > 0 {
		s.log.Info("swept review deadlines", "worker", "sweeper", "changes", len(changes))
	}
	return len(changes)
}

// --- Validator Liveness ---

// pruneValidators refreshes the local validator's own liveness and marks
// silent validators offline. Returns the number pruned.
func (s *Server) pruneValidators() int {
	if err := s.registry.Heartbeat(s.engine.Identity()); err != nil {
		s.log.Debug("local validator not registered", "worker", "prune", "err", err)
	}
	pruned, err := s.registry.PruneOffline(s.cfg.Mesh.OfflineTimeout)
	if err != nil {
		s.log.Error("prune validators", "worker", "prune", "err", err)
	}
	if len(pruned) > 0 {
		s.log.Info("validators offline", "worker", "prune", "count", len(pruned), "identities", pruned)
	}
	return len(pruned)
}

// --- Epoch Ticker ---

// tickEpoch finalizes the current epoch and advances to the next.
func (s *Server) tickEpoch(ctx context.Context) error {
	epoch := s.engine.Epoch()
	if _, err := s.engine.FinalizeEpoch(ctx, epoch); err != nil {
		s.log.Error("finalize epoch", "worker", "epoch", "epoch", epoch, "err", err)
		return err
	}
	if _, err := s.engine.AdvanceEpoch(ctx); err != nil {
		s.log.Error("advance epoch", "worker", "epoch", "epoch", epoch, "err", err)
		return err
	}
	return nil
}
