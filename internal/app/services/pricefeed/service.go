package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/raisefi/offering_layer/internal/app/domain/pricefeed"
	"github.com/raisefi/offering_layer/internal/app/storage"
	"github.com/raisefi/offering_layer/pkg/logger"
)

// ErrNoQuote is returned when a feed has no usable price for normalization.
var ErrNoQuote = errors.New("no quote available")

// Service manages price feed definitions and price snapshots, and answers
// quote lookups for investment normalization.
type Service struct {
	store storage.PriceFeedStore
	log   *logger.Logger
}

// New constructs a price feed service.
func New(store storage.PriceFeedStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("pricefeed")
	}
	return &Service{store: store, log: log}
}

// CreateFeed registers a new price feed definition.
func (s *Service) CreateFeed(ctx context.Context, baseAsset, quoteAsset, updateInterval, heartbeat string, deviation float64) (pricefeed.Feed, error) {
	baseAsset = strings.TrimSpace(baseAsset)
	quoteAsset = strings.TrimSpace(quoteAsset)
	updateInterval = strings.TrimSpace(updateInterval)
	heartbeat = strings.TrimSpace(heartbeat)

	if baseAsset == "" || quoteAsset == "" {
		return pricefeed.Feed{}, fmt.Errorf("base_asset and quote_asset are required")
	}
	if deviation <= 0 {
		return pricefeed.Feed{}, fmt.Errorf("deviation_percent must be positive")
	}
	if updateInterval == "" {
		updateInterval = "@every 1m"
	}
	if heartbeat == "" {
		heartbeat = "@every 10m"
	}

	pair := strings.ToUpper(baseAsset) + "/" + strings.ToUpper(quoteAsset)

	existing, err := s.store.ListPriceFeeds(ctx)
	if err != nil {
		return pricefeed.Feed{}, err
	}
	for _, feed := range existing {
		if strings.EqualFold(feed.Pair, pair) {
			return pricefeed.Feed{}, fmt.Errorf("price feed for pair %s already exists", pair)
		}
	}

	feed := pricefeed.Feed{
		BaseAsset:        strings.ToUpper(baseAsset),
		QuoteAsset:       strings.ToUpper(quoteAsset),
		Pair:             pair,
		UpdateInterval:   updateInterval,
		Heartbeat:        heartbeat,
		DeviationPercent: deviation,
		Active:           true,
	}
	feed, err = s.store.CreatePriceFeed(ctx, feed)
	if err != nil {
		return pricefeed.Feed{}, err
	}
	s.log.WithField("feed_id", feed.ID).
		WithField("pair", feed.Pair).
		Info("price feed created")
	return feed, nil
}

// SetActive toggles the active flag.
func (s *Service) SetActive(ctx context.Context, feedID string, active bool) (pricefeed.Feed, error) {
	feed, err := s.store.GetPriceFeed(ctx, feedID)
	if err != nil {
		return pricefeed.Feed{}, err
	}
	if feed.Active == active {
		return feed, nil
	}

	feed.Active = active
	feed, err = s.store.UpdatePriceFeed(ctx, feed)
	if err != nil {
		return pricefeed.Feed{}, err
	}

	s.log.WithField("feed_id", feed.ID).
		WithField("active", active).
		Info("price feed state changed")
	return feed, nil
}

// RecordSnapshot stores a price observation.
func (s *Service) RecordSnapshot(ctx context.Context, feedID string, price float64, source string, collectedAt time.Time) (pricefeed.Snapshot, error) {
	if price <= 0 {
		return pricefeed.Snapshot{}, fmt.Errorf("price must be positive")
	}
	source = strings.TrimSpace(source)
	if source == "" {
		source = "manual"
	}

	if _, err := s.store.GetPriceFeed(ctx, feedID); err != nil {
		return pricefeed.Snapshot{}, err
	}

	snap := pricefeed.Snapshot{
		FeedID:      feedID,
		Price:       price,
		Source:      source,
		CollectedAt: collectedAt.UTC(),
	}
	if snap.CollectedAt.IsZero() {
		snap.CollectedAt = time.Now().UTC()
	}
	return s.store.CreatePriceSnapshot(ctx, snap)
}

// Quote returns the latest recorded price for a feed. Inactive feeds and
// feeds without snapshots yield ErrNoQuote; callers treat that as a hard
// abort of the enclosing operation.
func (s *Service) Quote(ctx context.Context, feedID string) (float64, error) {
	feed, err := s.store.GetPriceFeed(ctx, feedID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoQuote, err)
	}
	if !feed.Active {
		return 0, fmt.Errorf("%w: feed %s is inactive", ErrNoQuote, feedID)
	}
	snap, err := s.store.LatestPriceSnapshot(ctx, feedID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoQuote, err)
	}
	if snap.Price <= 0 {
		return 0, fmt.Errorf("%w: feed %s recorded a non-positive price", ErrNoQuote, feedID)
	}
	return snap.Price, nil
}

// ListFeeds returns all configured feeds.
func (s *Service) ListFeeds(ctx context.Context) ([]pricefeed.Feed, error) {
	return s.store.ListPriceFeeds(ctx)
}

// ListSnapshots returns recorded prices for a feed.
func (s *Service) ListSnapshots(ctx context.Context, feedID string) ([]pricefeed.Snapshot, error) {
	return s.store.ListPriceSnapshots(ctx, feedID)
}

// GetFeed retrieves a single feed by identifier.
func (s *Service) GetFeed(ctx context.Context, feedID string) (pricefeed.Feed, error) {
	return s.store.GetPriceFeed(ctx, feedID)
}
