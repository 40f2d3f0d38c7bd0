package quotes

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Refresh bypasses the cache: it always hits the upstream and publishes the
// fresh price. Lookup stays read-through for the request path.
func (p *HTTPProvider) Refresh(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	quote, err := p.fetch(ctx, symbol)
	if err != nil {
		return err
	}

	p.store(ctx, quote)
	p.publish(ctx, quote)
	return nil
}

// Refresher keeps the prices of followed symbols flowing. Each websocket
// client following a symbol bumps its refcount; while the count is positive
// the run loop re-fetches and publishes the symbol every interval.
type Refresher struct {
	provider *HTTPProvider
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	followed map[string]int
}

func NewRefresher(provider *HTTPProvider, interval time.Duration, log *slog.Logger) *Refresher {
	return &Refresher{
		provider: provider,
		interval: interval,
		log:      log,
		followed: make(map[string]int),
	}
}

func (r *Refresher) Follow(symbol string) {
	symbol = strings.ToUpper(symbol)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.followed[symbol]++
	if r.followed[symbol] == 1 {
		r.log.Info("first follower for symbol, starting refresh", "symbol", symbol)
	}
}

func (r *Refresher) Unfollow(symbol string) {
	symbol = strings.ToUpper(symbol)

	r.mu.Lock()
	defer r.mu.Unlock()

	if count, ok := r.followed[symbol]; ok {
		if count <= 1 {
			delete(r.followed, symbol)
			r.log.Info("last follower left, stopping refresh", "symbol", symbol)
		} else {
			r.followed[symbol] = count - 1
		}
	}
}

func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("quote refresher stopping...")
			return
		case <-ticker.C:
			for _, symbol := range r.snapshot() {
				if err := r.provider.Refresh(ctx, symbol); err != nil {
					r.log.Warn("failed to refresh quote", "symbol", symbol, "error", err)
				}
			}
		}
	}
}

func (r *Refresher) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	symbols := make([]string, 0, len(r.followed))
	for symbol := range r.followed {
		symbols = append(symbols, symbol)
	}
	return symbols
}
