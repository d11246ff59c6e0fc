package features

import (
	"context"
	"fmt"
	"time"

	"arc-sentinel/internal/storage"
)

// History is the read side of the event store used for rarity, frequency and
// byte-scale lookups.
type History interface {
	Count(ctx context.Context, f storage.Filter) (int64, error)
	MaxBytes(ctx context.Context, f storage.Filter) (int64, error)
}

// RarityEstimator answers the history-backed components. All lookups are
// restricted to events strictly before the given instant.
type RarityEstimator struct {
	history History
	cfg     Config
}

// NewRarityEstimator creates an estimator over the given history.
func NewRarityEstimator(history History, cfg Config) *RarityEstimator {
	return &RarityEstimator{history: history, cfg: cfg}
}

// Rarity returns 1 - matching/total over history before at, or the configured
// default when no history exists yet.
func (r *RarityEstimator) Rarity(ctx context.Context, at time.Time, match storage.Filter) (float64, error) {
	total, err := r.history.Count(ctx, storage.Before(at))
	if err != nil {
		return r.cfg.RarityDefault, fmt.Errorf("%w: total count: %v", ErrHistoryUnavailable, err)
	}
	if total == 0 {
		return r.cfg.RarityDefault, nil
	}

	match.Start = time.Time{}
	match.End = at
	n, err := r.history.Count(ctx, match)
	if err != nil {
		return r.cfg.RarityDefault, fmt.Errorf("%w: match count: %v", ErrHistoryUnavailable, err)
	}
	return clip01(1 - float64(n)/float64(total)), nil
}

// TypeRarity is the rarity of an event type.
func (r *RarityEstimator) TypeRarity(ctx context.Context, at time.Time, eventType string) (float64, error) {
	if eventType == "" {
		return r.cfg.RarityDefault, fmt.Errorf("%w: empty event type", ErrMalformedEvent)
	}
	return r.Rarity(ctx, at, storage.Filter{Type: eventType})
}

// SourceRarity is the rarity of a source identifier.
func (r *RarityEstimator) SourceRarity(ctx context.Context, at time.Time, source string) (float64, error) {
	if source == "" {
		return r.cfg.RarityDefault, fmt.Errorf("%w: empty source", ErrMalformedEvent)
	}
	return r.Rarity(ctx, at, storage.Filter{SourceIP: source})
}

// Frequency counts events from source in the trailing window ending at at,
// divided by the frequency cap and clipped.
func (r *RarityEstimator) Frequency(ctx context.Context, at time.Time, source string) (float64, error) {
	if source == "" {
		return 0, fmt.Errorf("%w: empty source", ErrMalformedEvent)
	}
	n, err := r.history.Count(ctx, storage.Filter{
		Start:    at.Add(-r.cfg.FrequencyWindow),
		End:      at,
		SourceIP: source,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: frequency count: %v", ErrHistoryUnavailable, err)
	}
	return clip01(float64(n) / r.cfg.FrequencyCap), nil
}

// MaxBytes returns the largest byte count observed before at.
func (r *RarityEstimator) MaxBytes(ctx context.Context, at time.Time) (int64, error) {
	n, err := r.history.MaxBytes(ctx, storage.Before(at))
	if err != nil {
		return 0, fmt.Errorf("%w: max bytes: %v", ErrHistoryUnavailable, err)
	}
	return n, nil
}
