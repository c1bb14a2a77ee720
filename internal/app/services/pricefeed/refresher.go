package pricefeed

import (
	"context"
	"sync"
	"time"

	"github.com/raisefi/offering_layer/internal/app/domain/pricefeed"
	"github.com/raisefi/offering_layer/internal/app/system"
	"github.com/raisefi/offering_layer/pkg/logger"
)

var _ system.Service = (*Refresher)(nil)

// Refresher keeps normalization quotes warm. Each cycle it pulls a fresh
// price for every active feed and records it as a snapshot, so Quote
// answers invest-time lookups from recent data rather than whatever the
// last manual snapshot left behind.
type Refresher struct {
	feeds *Service
	log   *logger.Logger
	every time.Duration

	mu      sync.Mutex
	fetcher Fetcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRefresher builds a quote refresher over the given feed service. Attach
// a fetcher before Start; cycles without one are no-ops.
func NewRefresher(feeds *Service, log *logger.Logger) *Refresher {
	if log == nil {
		log = logger.NewDefault("quote-refresher")
	}
	return &Refresher{feeds: feeds, log: log, every: 10 * time.Second}
}

// WithFetcher attaches the external price source.
func (r *Refresher) WithFetcher(fetcher Fetcher) {
	r.mu.Lock()
	r.fetcher = fetcher
	r.mu.Unlock()
}

func (r *Refresher) Name() string { return "pricefeed-refresher" }

// Start launches the refresh loop. Idempotent while running.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	go r.run(runCtx, done)

	r.log.WithField("interval", r.every.String()).Info("quote refresher started")
	return nil
}

// Stop cancels the loop and waits for any in-flight cycle to drain.
func (r *Refresher) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.log.Info("quote refresher stopped")
	return nil
}

func (r *Refresher) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshCycle(ctx)
		}
	}
}

// refreshCycle records one snapshot per active feed. Failures are per-feed;
// one dead source never blocks the other quotes.
func (r *Refresher) refreshCycle(ctx context.Context) {
	r.mu.Lock()
	fetcher := r.fetcher
	r.mu.Unlock()
	if fetcher == nil || r.feeds == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	feeds, err := r.feeds.ListFeeds(ctx)
	if err != nil {
		r.log.WithError(err).Warn("list feeds for quote refresh")
		return
	}
	for _, feed := range feeds {
		if !feed.Active {
			continue
		}
		r.refreshFeed(ctx, fetcher, feed)
	}
}

func (r *Refresher) refreshFeed(ctx context.Context, fetcher Fetcher, feed pricefeed.Feed) {
	price, source, err := fetcher.Fetch(ctx, feed)
	if err != nil {
		r.log.WithError(err).
			WithField("pair", feed.Pair).
			Warn("quote fetch failed")
		return
	}
	if _, err := r.feeds.RecordSnapshot(ctx, feed.ID, price, source, time.Now()); err != nil {
		r.log.WithError(err).
			WithField("pair", feed.Pair).
			Warn("record refreshed quote failed")
	}
}
