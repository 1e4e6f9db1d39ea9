package core

import (
	"context"
	"fmt"
	"math"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// CategorizationDispatcher drains uncategorized transactions in batches
// and writes classifier verdicts back. Categorization is strictly
// best-effort: a failed batch is retried with capped backoff and never
// affects the sync commit that produced the transactions.
type CategorizationDispatcher struct {
	store       TransactionStore
	categorizer Categorizer
	logger      Logger
	config      CategorizeConfig
	now         func() time.Time
}

type CategorizationStats struct {
	Claimed     int
	Categorized int
	Failed      int
}

func NewCategorizationDispatcher(
	store TransactionStore,
	categorizer Categorizer,
	logger Logger,
	config CategorizeConfig,
) (*CategorizationDispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("core: transaction store is required")
	}
	defaults := DefaultConfig().Categorize
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = defaults.RetryInitial
	}
	logger = glog.Ensure(logger)
	return &CategorizationDispatcher{
		store:       store,
		categorizer: categorizer,
		logger:      logger,
		config:      config,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

// DispatchPending claims one batch and classifies it. Transactions whose
// classification fails stay uncategorized and are picked up again by a
// later batch.
func (d *CategorizationDispatcher) DispatchPending(ctx context.Context, batchSize int) (CategorizationStats, error) {
	if d == nil || d.store == nil {
		return CategorizationStats{}, fmt.Errorf("core: categorization dispatcher is not configured")
	}
	if d.categorizer == nil {
		return CategorizationStats{}, nil
	}
	limit := batchSize
	if limit <= 0 {
		limit = d.config.BatchSize
	}
	claimed, err := d.store.ClaimUncategorized(ctx, limit)
	if err != nil {
		return CategorizationStats{}, err
	}

	stats := CategorizationStats{Claimed: len(claimed)}
	for _, txn := range claimed {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := d.categorizeOne(ctx, txn); err != nil {
			stats.Failed++
			d.logger.Warn("transaction categorization failed",
				"transaction_id", txn.ID,
				"connection_id", txn.ConnectionID,
				"error", err.Error(),
			)
			continue
		}
		stats.Categorized++
	}
	return stats, nil
}

func (d *CategorizationDispatcher) categorizeOne(ctx context.Context, txn CanonicalTransaction) error {
	input := CategorizeInput{
		TransactionID: txn.ID,
		ConnectionID:  txn.ConnectionID,
		Description:   txn.Description,
		Amount:        txn.Amount,
		Type:          txn.Type,
		BookedAt:      txn.BookedAt,
	}

	var lastErr error
	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		result, err := d.categorizer.Categorize(ctx, input)
		if err == nil {
			return d.store.WriteCategory(ctx, txn.ID, result.Category, result.Confidence, d.now())
		}
		lastErr = err
		if attempt == d.config.MaxAttempts {
			break
		}
		if waitErr := waitWithContext(ctx, d.nextBackoffDelay(attempt)); waitErr != nil {
			return waitErr
		}
	}
	return fmt.Errorf("core: categorization exhausted %d attempts: %w", d.config.MaxAttempts, lastErr)
}

func (d *CategorizationDispatcher) nextBackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(d.config.RetryInitial)
	next := time.Duration(base * math.Pow(2, float64(attempt-1)))
	maxDelay := 5 * time.Minute
	if next <= 0 || next > maxDelay {
		return maxDelay
	}
	return next
}

// dispatchCategorization hands newly committed transactions to the
// classifier without blocking the sync result.
func (s *Service) dispatchCategorization(connectionID string) {
	if s == nil || s.categorizer == nil || s.transactionStore == nil {
		return
	}
	dispatcher, err := NewCategorizationDispatcher(s.transactionStore, s.categorizer, s.logger, s.config.Categorize)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		stats, err := dispatcher.DispatchPending(ctx, 0)
		if err != nil {
			s.logWarn(ctx, "categorization pass failed", map[string]any{
				"connection_id": connectionID,
				"error":         err.Error(),
			})
			return
		}
		if stats.Claimed > 0 {
			s.logInfo(ctx, "categorization pass finished", map[string]any{
				"connection_id": connectionID,
				"claimed":       stats.Claimed,
				"categorized":   stats.Categorized,
				"failed":        stats.Failed,
			})
		}
	}()
}
