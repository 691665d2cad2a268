package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"predflow/config"
	"predflow/logger"
	"predflow/models"
)

const (
	marketsPath   = "/trade-api/v2/markets"
	orderbookPath = "/trade-api/v2/markets/%s/orderbook"
)

// RawMarket is the venue's own market representation from the discovery
// endpoint.
type RawMarket struct {
	Ticker   string `json:"ticker"`
	Title    string `json:"title"`
	Subtitle string `json:"subtitle"`
	Rules    string `json:"rules_primary"`
	Category string `json:"category"`
	Status   string `json:"status"`
	OpenTs   int64  `json:"open_ts"`
	CloseTs  int64  `json:"close_ts"`
}

// MarketsPage is one page of the paginated discovery result. An empty
// cursor signals the last page.
type MarketsPage struct {
	Markets []RawMarket `json:"markets"`
	Cursor  string      `json:"cursor"`
}

// RESTClient performs the signed discovery and orderbook-priming calls.
// Every call is a single attempt; retry policy belongs to the caller.
type RESTClient struct {
	cfg     *config.Config
	signer  *Signer
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
	log     *logger.Log
}

func NewRESTClient(cfg *config.Config, signer *Signer) *RESTClient {
	rps := cfg.Venue.RestRatePerSecond
	if rps <= 0 {
		rps = 10
	}
	return &RESTClient{
		cfg:     cfg,
		signer:  signer,
		client:  &http.Client{Timeout: cfg.Venue.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		baseURL: cfg.Venue.BaseURL(),
		log:     logger.GetLogger(),
	}
}

func (c *RESTClient) get(ctx context.Context, path, query string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	headers, err := c.signer.Headers(http.MethodGet, path)
	if err != nil {
		return err
	}

	reqURL := c.baseURL + path
	if query != "" {
		reqURL += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = headers

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	log := c.log.WithComponent("kalshi_rest")
	logger.LogPerformanceEntry(log, "kalshi_rest", "api_request", time.Since(start), logger.Fields{
		"path": path,
	})

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// GetMarkets fetches one discovery page.
func (c *RESTClient) GetMarkets(ctx context.Context, limit int, status, cursor string) (MarketsPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if status != "" {
		q.Set("status", status)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var page MarketsPage
	if err := c.get(ctx, marketsPath, q.Encode(), &page); err != nil {
		return MarketsPage{}, err
	}
	return page, nil
}

// GetAllMarkets walks the cursor until the venue reports the last page.
func (c *RESTClient) GetAllMarkets(ctx context.Context, status string) ([]RawMarket, error) {
	var all []RawMarket
	cursor := ""
	for {
		page, err := c.GetMarkets(ctx, 100, status, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Markets...)
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	return all, nil
}

type orderbookResponse struct {
	Orderbook struct {
		Yes [][]int `json:"yes"`
		No  [][]int `json:"no"`
	} `json:"orderbook"`
}

// GetOrderbook fetches one market's current two-sided book, returned in the
// same shape as a streamed snapshot so it can prime the synchronizer.
func (c *RESTClient) GetOrderbook(ctx context.Context, ticker string, depth int) (models.SnapshotMsg, error) {
	q := ""
	if depth > 0 {
		q = "depth=" + strconv.Itoa(depth)
	}

	var resp orderbookResponse
	if err := c.get(ctx, fmt.Sprintf(orderbookPath, ticker), q, &resp); err != nil {
		return models.SnapshotMsg{}, err
	}
	return models.SnapshotMsg{
		MarketTicker: ticker,
		Yes:          resp.Orderbook.Yes,
		No:           resp.Orderbook.No,
	}, nil
}
