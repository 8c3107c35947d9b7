package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/hestia/internal/leadership"
)

// Runner is anything with a blocking Run loop, in practice the dispatcher.
type Runner interface {
	Run(ctx context.Context) error
}

// LeaderAwareDispatcher wraps the dispatch loop and only runs it while this
// instance holds leadership. Followers keep serving the API; exactly one
// instance materializes occurrences.
type LeaderAwareDispatcher struct {
	runner   Runner
	election *leadership.Election
	logger   zerolog.Logger

	ctx context.Context

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLeaderAware creates a leader-aware dispatcher wrapper.
func NewLeaderAware(runner Runner, election *leadership.Election, logger zerolog.Logger) *LeaderAwareDispatcher {
	return &LeaderAwareDispatcher{
		runner:   runner,
		election: election,
		logger:   logger.With().Str("component", "leader_aware_dispatcher").Logger(),
	}
}

// Start begins monitoring leadership status and manages the dispatch loop.
func (lad *LeaderAwareDispatcher) Start(ctx context.Context) error {
	lad.ctx = ctx

	lad.logger.Info().Msg("starting leader-aware dispatcher")

	if err := lad.election.Start(ctx); err != nil {
		return err
	}

	go lad.monitorLeadership()

	return nil
}

// Stop stops the dispatch loop, waits for it to drain, and releases
// leadership.
func (lad *LeaderAwareDispatcher) Stop() error {
	lad.logger.Info().Msg("stopping leader-aware dispatcher")

	lad.stopDispatcher()

	return lad.election.Stop()
}

// monitorLeadership watches for leadership changes and starts or stops the
// dispatch loop accordingly.
func (lad *LeaderAwareDispatcher) monitorLeadership() {
	leaderCh := lad.election.LeaderCh()

	if lad.election.IsLeader() {
		lad.startDispatcher()
	}

	for {
		select {
		case <-lad.ctx.Done():
			return
		case isLeader := <-leaderCh:
			if isLeader {
				lad.logger.Info().Msg("became leader, starting dispatcher")
				lad.startDispatcher()
			} else {
				lad.logger.Warn().Msg("lost leadership, stopping dispatcher")
				lad.stopDispatcher()
			}
		}
	}
}

func (lad *LeaderAwareDispatcher) startDispatcher() {
	lad.mu.Lock()
	defer lad.mu.Unlock()

	if lad.done != nil {
		select {
		case <-lad.done:
			// Previous run exited on its own; a new one may start.
		default:
			lad.logger.Warn().Msg("dispatcher already running")
			return
		}
	}

	ctx, cancel := context.WithCancel(lad.ctx)
	done := make(chan struct{})
	lad.cancel = cancel
	lad.done = done

	go func() {
		defer close(done)
		lad.logger.Info().Msg("dispatcher started")
		if err := lad.runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			lad.logger.Error().Err(err).Msg("dispatcher error")
		}
		lad.logger.Info().Msg("dispatcher stopped")
	}()
}

// stopDispatcher cancels the run loop and waits for it to drain. A
// leadership flap therefore cannot start a second loop while the first is
// still finishing.
func (lad *LeaderAwareDispatcher) stopDispatcher() {
	lad.mu.Lock()
	cancel, done := lad.cancel, lad.done
	lad.cancel, lad.done = nil, nil
	lad.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsLeader returns whether this instance is the leader.
func (lad *LeaderAwareDispatcher) IsLeader() bool {
	return lad.election.IsLeader()
}
