// Package tokens resolves and memoises ERC-20 token metadata.
package tokens

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/coachpo/swapbook/internal/chain"
	"github.com/coachpo/swapbook/internal/observability"
	"github.com/coachpo/swapbook/internal/schema"
)

// readTimeout bounds one shared metadata read.
const readTimeout = 15 * time.Second

// Reader reads raw token metadata from chain. *chain.ERC20 satisfies it.
type Reader interface {
	Info(ctx context.Context, token common.Address) (chain.TokenInfo, error)
}

// Config configures the cache.
type Config struct {
	// IconTemplate builds icon references; {address} and {symbol} are replaced.
	IconTemplate string
	// Seeds are known tokens served without a chain read.
	Seeds []schema.TokenMetadata
	// PrefetchConcurrency bounds Prefetch fan-out.
	PrefetchConcurrency int
}

type entry struct {
	meta   schema.TokenMetadata
	failed bool
}

// Cache memoises token metadata for the session. Failed reads are cached as
// fallback records until ClearFailed.
type Cache struct {
	reader Reader
	logger observability.Logger
	cfg    Config

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]entry

	lookups metric.Int64Counter
}

// New constructs a cache.
func New(reader Reader, cfg Config, logger observability.Logger) *Cache {
	if cfg.PrefetchConcurrency <= 0 {
		cfg.PrefetchConcurrency = 4
	}
	c := &Cache{
		reader:  reader,
		logger:  observability.OrDefault(logger),
		cfg:     cfg,
		entries: make(map[string]entry),
	}
	c.Seed(cfg.Seeds...)
	meter := otel.Meter("tokens")
	c.lookups, _ = meter.Int64Counter("tokens.lookups",
		metric.WithDescription("Token metadata lookups by result"),
		metric.WithUnit("{lookup}"))
	return c
}

// Seed installs known metadata, overriding cached entries.
func (c *Cache) Seed(metas ...schema.TokenMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, meta := range metas {
		if meta.Icon == "" {
			meta.Icon = c.icon(meta)
		}
		c.entries[schema.NormalizeAddress(meta.Address)] = entry{meta: meta}
	}
}

// Get returns metadata for token, reading it once on a miss. It never
// fails; unreadable tokens get a fallback record. The read is shared by
// concurrent callers and outlives a cancelled ctx, whose caller gets an
// uncached fallback.
func (c *Cache) Get(ctx context.Context, token common.Address) schema.TokenMetadata {
	key := schema.NormalizeAddress(token)
	if meta, ok := c.Peek(token); ok {
		c.count(ctx, "hit")
		return meta
	}

	shared := context.WithoutCancel(ctx)
	result := c.group.DoChan(key, func() (any, error) {
		if meta, ok := c.Peek(token); ok {
			return meta, nil
		}
		readCtx, cancel := context.WithTimeout(shared, readTimeout)
		defer cancel()
		meta, failed := c.resolve(readCtx, token)
		c.mu.Lock()
		c.entries[key] = entry{meta: meta, failed: failed}
		c.mu.Unlock()
		return meta, nil
	})
	c.count(ctx, "miss")
	select {
	case res := <-result:
		return res.Val.(schema.TokenMetadata)
	case <-ctx.Done():
		return c.fallback(token)
	}
}

func (c *Cache) resolve(ctx context.Context, token common.Address) (schema.TokenMetadata, bool) {
	if c.reader == nil {
		return c.fallback(token), true
	}
	info, err := c.reader.Info(ctx, token)
	if err != nil {
		c.logger.Warn("token metadata read failed, using fallback",
			observability.F("token", token.Hex()),
			observability.Err(err))
		return c.fallback(token), true
	}
	meta := schema.TokenMetadata{
		Address:  token,
		Symbol:   info.Symbol,
		Decimals: info.Decimals,
		Name:     info.Name,
	}
	if meta.Symbol == "" {
		meta.Symbol = schema.FallbackTokenMetadata(token).Symbol
	}
	if meta.Name == "" {
		meta.Name = meta.Symbol
	}
	meta.Icon = c.icon(meta)
	return meta, false
}

func (c *Cache) fallback(token common.Address) schema.TokenMetadata {
	meta := schema.FallbackTokenMetadata(token)
	meta.Icon = c.icon(meta)
	return meta
}

// Prefetch resolves every distinct token with bounded concurrency.
func (c *Cache) Prefetch(ctx context.Context, tokens []common.Address) {
	seen := make(map[common.Address]struct{}, len(tokens))
	p := pool.New().WithMaxGoroutines(c.cfg.PrefetchConcurrency)
	for _, token := range tokens {
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		if _, ok := c.Peek(token); ok {
			continue
		}
		p.Go(func() {
			c.Get(ctx, token)
		})
	}
	p.Wait()
}

// Peek returns cached metadata without reading chain.
func (c *Cache) Peek(token common.Address) (schema.TokenMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[schema.NormalizeAddress(token)]
	return e.meta, ok
}

// Failed reports whether token is cached as a fallback record.
func (c *Cache) Failed(token common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[schema.NormalizeAddress(token)].failed
}

// ClearFailed drops fallback records so the next Get retries the read.
func (c *Cache) ClearFailed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cleared := 0
	for key, e := range c.entries {
		if e.failed {
			delete(c.entries, key)
			cleared++
		}
	}
	return cleared
}

// Len returns the number of cached tokens.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) icon(meta schema.TokenMetadata) string {
	if c.cfg.IconTemplate == "" {
		return ""
	}
	return strings.NewReplacer(
		"{address}", schema.NormalizeAddress(meta.Address),
		"{symbol}", strings.ToLower(meta.Symbol),
	).Replace(c.cfg.IconTemplate)
}

func (c *Cache) count(ctx context.Context, result string) {
	if c.lookups != nil {
		c.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}
