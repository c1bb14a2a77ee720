package pricefeed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/raisefi/offering_layer/internal/app/domain/pricefeed"
	"github.com/raisefi/offering_layer/pkg/logger"
)

// Fetcher retrieves prices for a feed.
type Fetcher interface {
	Fetch(ctx context.Context, feed pricefeed.Feed) (float64, string, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, feed pricefeed.Feed) (float64, string, error)

func (f FetcherFunc) Fetch(ctx context.Context, feed pricefeed.Feed) (float64, string, error) {
	if f == nil {
		return 0, "", nil
	}
	return f(ctx, feed)
}

// HTTPFetcher queries an external price endpoint. The endpoint receives
// base/quote query parameters and responds with JSON carrying "price" and
// optionally "source".
type HTTPFetcher struct {
	client   *http.Client
	endpoint string
	apiKey   string
	log      *logger.Logger
}

// NewHTTPFetcher configures an HTTP-backed fetcher.
func NewHTTPFetcher(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*HTTPFetcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logger.NewDefault("pricefeed-fetcher")
	}
	return &HTTPFetcher{
		client:   client,
		endpoint: endpoint,
		apiKey:   apiKey,
		log:      log,
	}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, feed pricefeed.Feed) (float64, string, error) {
	u, err := url.Parse(f.endpoint)
	if err != nil {
		return 0, "", err
	}
	q := u.Query()
	q.Set("base", feed.BaseAsset)
	q.Set("quote", feed.QuoteAsset)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, "", err
	}
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("price endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, "", err
	}

	price := gjson.GetBytes(body, "price")
	if !price.Exists() || price.Float() <= 0 {
		return 0, "", fmt.Errorf("price endpoint returned no usable price for %s", feed.Pair)
	}
	source := gjson.GetBytes(body, "source").String()
	if source == "" {
		source = "http"
	}
	return price.Float(), source, nil
}
