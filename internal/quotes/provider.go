package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stockfolio/trading-service/internal/config"
	"github.com/stockfolio/trading-service/internal/models"
	"github.com/stockfolio/trading-service/lib/errs"
	storage "github.com/stockfolio/trading-service/storage/redis"
)

// Provider resolves a ticker symbol to a current name and price.
// Implementations return errs.ErrNotFound for an unknown symbol and
// errs.ErrQuoteUnavailable when the upstream cannot be reached.
type Provider interface {
	Lookup(ctx context.Context, symbol string) (*models.Quote, error)
}

// Channel returns the pub/sub channel carrying price updates for a symbol.
func Channel(symbol string) string {
	return "quotes:" + strings.ToUpper(symbol)
}

func cacheKey(symbol string) string {
	return "quote:" + strings.ToUpper(symbol)
}

type quoteResponse struct {
	Symbol      string  `json:"symbol"`
	CompanyName string  `json:"companyName"`
	LatestPrice float64 `json:"latestPrice"`
}

// HTTPProvider fetches quotes from an IEX-style HTTP endpoint with a redis
// read-through cache in front. Fresh prices are published to the symbol's
// pub/sub channel so live portfolio streams revalue without polling.
type HTTPProvider struct {
	cfg        config.QuotesConfig
	httpClient *http.Client
	cache      *storage.Client
	log        *slog.Logger
}

func NewHTTPProvider(cfg config.QuotesConfig, cache *storage.Client, log *slog.Logger) *HTTPProvider {
	return &HTTPProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      cache,
		log:        log,
	}
}

func (p *HTTPProvider) Lookup(ctx context.Context, symbol string) (*models.Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, errs.ErrValidation
	}

	if quote, ok := p.cached(ctx, symbol); ok {
		return quote, nil
	}

	quote, err := p.fetch(ctx, symbol)
	if err != nil {
		return nil, err
	}

	p.store(ctx, quote)
	p.publish(ctx, quote)

	return quote, nil
}

func (p *HTTPProvider) fetch(ctx context.Context, symbol string) (*models.Quote, error) {
	endpoint := fmt.Sprintf("%s/stock/%s/quote", strings.TrimRight(p.cfg.APIURL, "/"), url.PathEscape(symbol))
	if p.cfg.APIToken != "" {
		endpoint += "?token=" + url.QueryEscape(p.cfg.APIToken)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrQuoteUnavailable, err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrQuoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errs.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: upstream status %s", errs.ErrQuoteUnavailable, resp.Status)
	}

	var body quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrQuoteUnavailable, err)
	}

	price := decimal.NewFromFloat(body.LatestPrice)
	if !price.IsPositive() {
		return nil, errs.ErrNotFound
	}

	return &models.Quote{
		Symbol: strings.ToUpper(body.Symbol),
		Name:   body.CompanyName,
		Price:  price,
	}, nil
}

func (p *HTTPProvider) cached(ctx context.Context, symbol string) (*models.Quote, bool) {
	if p.cache == nil {
		return nil, false
	}

	raw, ok, err := p.cache.Get(ctx, cacheKey(symbol))
	if err != nil {
		p.log.Warn("quote cache read failed", "symbol", symbol, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var quote models.Quote
	if err := json.Unmarshal([]byte(raw), &quote); err != nil {
		p.log.Warn("dropping malformed cached quote", "symbol", symbol, "error", err)
		return nil, false
	}
	return &quote, true
}

func (p *HTTPProvider) store(ctx context.Context, quote *models.Quote) {
	if p.cache == nil {
		return
	}

	raw, err := json.Marshal(quote)
	if err != nil {
		return
	}
	if err := p.cache.Set(ctx, cacheKey(quote.Symbol), string(raw), p.cfg.CacheTTL); err != nil {
		p.log.Warn("quote cache write failed", "symbol", quote.Symbol, "error", err)
	}
}

func (p *HTTPProvider) publish(ctx context.Context, quote *models.Quote) {
	if p.cache == nil {
		return
	}

	priceFloat, _ := quote.Price.Float64()
	payload, err := json.Marshal(models.PriceUpdate{Symbol: quote.Symbol, Price: priceFloat})
	if err != nil {
		return
	}
	if err := p.cache.Publish(ctx, Channel(quote.Symbol), string(payload)); err != nil {
		p.log.Warn("failed to publish price update", "symbol", quote.Symbol, "error", err)
	}
}
