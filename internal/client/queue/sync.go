package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/mutations"
	"go.uber.org/zap"
)

const (
	defaultPendingLimit = 500
	defaultBatchSize    = 50
	defaultRetryLimit   = 10
	defaultInterval     = 30 * time.Second
)

var (
	errMissingStore      = errors.New("queue: store is required")
	errMissingSender     = errors.New("queue: sender is required")
	errMissingReconciler = errors.New("queue: reconciler is required")
	errIncompleteBatch   = errors.New("queue: server stopped before the end of the batch")
)

// Sender transmits a batch and returns the server's verdict per mutation id.
type Sender interface {
	Send(ctx context.Context, batch []mutations.Mutation) (mutations.SyncResponse, error)
}

// SyncerConfig describes the sync loop.
type SyncerConfig struct {
	Store        *Store
	Sender       Sender
	Reconciler   Reconciler
	Interval     time.Duration
	PendingLimit int
	BatchSize    int
	RetryLimit   int
	Logger       *zap.Logger
}

// Report summarises one sync pass.
type Report struct {
	Compacted int
	Accepted  int
	Rejected  int
	Discarded int
}

// Syncer drains the queue. Passes never overlap; wake-ups that arrive during a pass coalesce
// into a single follow-up pass.
type Syncer struct {
	store        *Store
	sender       Sender
	reconciler   Reconciler
	interval     time.Duration
	pendingLimit int
	batchSize    int
	retryLimit   int
	logger       *zap.Logger
	wake         chan struct{}
}

// NewSyncer validates the configuration and constructs the loop.
func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	switch {
	case cfg.Store == nil:
		return nil, errMissingStore
	case cfg.Sender == nil:
		return nil, errMissingSender
	case cfg.Reconciler == nil:
		return nil, errMissingReconciler
	}
	syncer := &Syncer{
		store:        cfg.Store,
		sender:       cfg.Sender,
		reconciler:   cfg.Reconciler,
		interval:     cfg.Interval,
		pendingLimit: cfg.PendingLimit,
		batchSize:    cfg.BatchSize,
		retryLimit:   cfg.RetryLimit,
		logger:       cfg.Logger,
		wake:         make(chan struct{}, 1),
	}
	if syncer.interval <= 0 {
		syncer.interval = defaultInterval
	}
	if syncer.pendingLimit <= 0 {
		syncer.pendingLimit = defaultPendingLimit
	}
	if syncer.batchSize <= 0 {
		syncer.batchSize = defaultBatchSize
	}
	if syncer.retryLimit <= 0 {
		syncer.retryLimit = defaultRetryLimit
	}
	if syncer.logger == nil {
		syncer.logger = zap.NewNop()
	}
	return syncer, nil
}

// Wake requests a pass as soon as the loop is free. It never blocks.
func (s *Syncer) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run performs a pass immediately, then on every tick or wake-up until ctx ends.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("sync pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// RunOnce compacts the queue and transmits up to the pending limit in batches. A transport
// failure counts as a failed attempt for the whole batch and ends the pass. When the server
// answers only a prefix of the batch, the first unanswered mutation counts as a failed attempt,
// the rest are resent on a later pass without counting, and the pass ends.
func (s *Syncer) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	compacted, err := s.store.Compact(ctx, s.reconciler)
	if err != nil {
		return report, fmt.Errorf("compact queue: %w", err)
	}
	report.Compacted = compacted

	pending, err := s.store.Pending(ctx, s.pendingLimit)
	if err != nil {
		return report, fmt.Errorf("load pending: %w", err)
	}

	for start := 0; start < len(pending); start += s.batchSize {
		end := min(start+s.batchSize, len(pending))
		batch := pending[start:end]
		ids := make([]string, 0, len(batch))
		wire := make([]mutations.Mutation, 0, len(batch))
		for _, row := range batch {
			ids = append(ids, row.ID)
			wire = append(wire, row.Mutation())
		}

		response, sendErr := s.sender.Send(ctx, wire)
		if sendErr != nil {
			discarded, err := s.store.Fail(ctx, ids, s.retryLimit, s.reconciler)
			if err != nil {
				return report, fmt.Errorf("record failed batch: %w", err)
			}
			report.Discarded += len(discarded)
			return report, fmt.Errorf("send batch: %w", sendErr)
		}

		accepted, rejected, unanswered := partition(ids, response)
		if err := s.store.Acknowledge(ctx, accepted, s.reconciler); err != nil {
			return report, fmt.Errorf("acknowledge batch: %w", err)
		}
		report.Accepted += len(accepted)
		report.Rejected += len(rejected)
		failed := rejected
		if len(unanswered) > 0 {
			failed = append(failed, unanswered[0])
		}
		discarded, err := s.store.Fail(ctx, failed, s.retryLimit, s.reconciler)
		if err != nil {
			return report, fmt.Errorf("record rejections: %w", err)
		}
		report.Discarded += len(discarded)
		for _, id := range discarded {
			s.logger.Info("mutation reverted after exhausting retries", zap.String("mutation_id", id))
		}
		if len(unanswered) > 0 {
			return report, fmt.Errorf("%w: %d of %d unanswered", errIncompleteBatch, len(unanswered), len(ids))
		}
	}
	return report, nil
}

// partition splits the batch by verdict, keeping batch order. Ids missing from the response, or
// carrying an unknown status, are unanswered.
func partition(ids []string, response mutations.SyncResponse) (accepted, rejected, unanswered []string) {
	statuses := make(map[string]mutations.Status, len(response.Results))
	for _, result := range response.Results {
		statuses[result.ID] = result.Status
	}
	for _, id := range ids {
		switch statuses[id] {
		case mutations.StatusSuccess:
			accepted = append(accepted, id)
		case mutations.StatusRejected:
			rejected = append(rejected, id)
		default:
			unanswered = append(unanswered, id)
		}
	}
	return accepted, rejected, unanswered
}
