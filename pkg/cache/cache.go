package cache

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/harmony-one/bonding-curve-prototype/pkg/chain"
	"github.com/harmony-one/bonding-curve-prototype/pkg/metrics"
	"github.com/harmony-one/bonding-curve-prototype/pkg/util"
)

type Config struct {
	Owner   common.Address // session account
	Spender common.Address // curve contract
	Reserve common.Address // reserve token

	ResyncInterval time.Duration
	SettleDelay    time.Duration
	FetchTimeout   time.Duration
}

// Cache holds the session account's balances and allowances. It is the only
// shared mutable store of the engine; every change goes through its methods.
//
// Fetches of one field are coalesced: concurrent readers share a single
// outstanding remote call. An invalidation starts a new generation, so a read
// issued after it never joins a call that started before it.
type Cache struct {
	reader  chain.Reader
	cfg     Config
	clock   util.Clock
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger

	group singleflight.Group

	mu      sync.RWMutex
	entries map[Field]*Entry
	gens    map[Field]uint64
	tracked map[common.Address]struct{}
}

func New(reader chain.Reader, cfg Config, logger *zap.SugaredLogger) *Cache {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	return &Cache{
		reader:  reader,
		cfg:     cfg,
		clock:   util.NewClock(),
		metrics: metrics.NopMetrics(),
		logger:  logger,
		entries: make(map[Field]*Entry),
		gens:    make(map[Field]uint64),
		tracked: make(map[common.Address]struct{}),
	}
}

func (c *Cache) WithClock(clock util.Clock) *Cache {
	c.clock = clock
	return c
}

func (c *Cache) WithMetrics(m *metrics.Metrics) *Cache {
	if m != nil {
		c.metrics = m
	}
	return c
}

// Get serves a fresh cached value or fetches it.
func (c *Cache) Get(ctx context.Context, f Field) (*big.Int, error) {
	k := f.key()
	c.mu.RLock()
	e, ok := c.entries[k]
	if ok && e.Value != nil && !e.Stale {
		v := new(big.Int).Set(e.Value)
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()
	return c.fetch(ctx, k)
}

// Refresh fetches exactly the named fields, in parallel. Every field is
// attempted; the first error is returned.
func (c *Cache) Refresh(ctx context.Context, fields ...Field) error {
	var g errgroup.Group
	seen := make(map[Field]struct{}, len(fields))
	for _, f := range fields {
		k := f.key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		g.Go(func() error {
			_, err := c.fetch(ctx, k)
			return err
		})
	}
	return g.Wait()
}

// RefreshAll refetches the four figures of instrument. A field that fails
// keeps its previous value, marked stale; the others are still updated.
func (c *Cache) RefreshAll(ctx context.Context, instrument common.Address) Snapshot {
	c.Track(instrument)
	if err := c.Refresh(ctx, Fields(instrument)...); err != nil {
		c.logger.Warnw("cache_refresh_partial",
			"instrument", instrument.Hex(),
			"error", err,
		)
	}
	return c.Snapshot(instrument)
}

// SettleAndRefresh waits for the settle delay and then refreshes fields.
// Used after a confirmed write, when nodes may still serve the prior state.
func (c *Cache) SettleAndRefresh(ctx context.Context, fields ...Field) error {
	if c.cfg.SettleDelay > 0 {
		select {
		case <-c.clock.After(c.cfg.SettleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.Refresh(ctx, fields...)
}

// Invalidate marks fields stale so the next Get refetches them.
func (c *Cache) Invalidate(fields ...Field) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range fields {
		k := f.key()
		c.gens[k]++
		if e, ok := c.entries[k]; ok {
			e.Stale = true
		}
	}
}

// Snapshot returns the current view of instrument without any remote call.
func (c *Cache) Snapshot(instrument common.Address) Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Snapshot{Instrument: instrument}
	for _, f := range Fields(instrument) {
		e, ok := c.entries[f.key()]
		if !ok {
			s.set(f.Kind, Entry{Stale: true})
			continue
		}
		s.set(f.Kind, e.clone())
	}
	return s
}

// Track adds instrument to the background resync set.
func (c *Cache) Track(instrument common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked[instrument] = struct{}{}
}

// Evict drops instrument's own figures and stops resyncing it.
func (c *Cache) Evict(instrument common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tracked, instrument)
	for _, kind := range []FieldKind{TokenBalance, TokenAllowance} {
		f := Field{Kind: kind, Instrument: instrument}
		delete(c.entries, f)
		c.gens[f]++
	}
}

// Tracked lists the instruments kept in sync, in address order.
func (c *Cache) Tracked() []common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]common.Address, 0, len(c.tracked))
	for addr := range c.tracked {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Cmp(out[j]) < 0
	})
	return out
}

// Run refreshes every tracked instrument each ResyncInterval until ctx ends.
func (c *Cache) Run(ctx context.Context) {
	if c.cfg.ResyncInterval <= 0 {
		return
	}
	c.logger.Infow("cache_resync_started", "interval", c.cfg.ResyncInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.cfg.ResyncInterval):
			c.resync(ctx)
		}
	}
}

func (c *Cache) resync(ctx context.Context) {
	var fields []Field
	for _, addr := range c.Tracked() {
		fields = append(fields, Fields(addr)...)
	}
	if len(fields) == 0 {
		return
	}
	if err := c.Refresh(ctx, fields...); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warnw("cache_resync_failed", "error", err)
	}
}

// fetched is the outcome of one remote call and the generation it started in.
type fetched struct {
	value *big.Int
	gen   uint64
}

func (c *Cache) generation(f Field) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[f]
}

func (c *Cache) fetch(ctx context.Context, f Field) (*big.Int, error) {
	want := c.generation(f)
	for {
		ch := c.group.DoChan(f.String(), func() (interface{}, error) {
			gen := c.generation(f)
			// The call outlives any single waiter.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
			defer cancel()
			v, err := c.load(rctx, f, gen)
			if err != nil {
				return nil, err
			}
			return fetched{value: v, gen: gen}, nil
		})

		var r singleflight.Result
		select {
		case r = <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if r.Shared {
			c.metrics.CacheCoalesced.Add(1)
		}
		if r.Err != nil {
			return nil, r.Err
		}
		res := r.Val.(fetched)
		// Joined a call that started before the field was invalidated:
		// go again now that it is done, so at most one call is ever out.
		if res.gen < want {
			continue
		}
		return new(big.Int).Set(res.value), nil
	}
}

func (c *Cache) read(ctx context.Context, f Field) (*big.Int, error) {
	switch f.Kind {
	case TokenBalance:
		return c.reader.BalanceOf(ctx, f.Instrument, c.cfg.Owner)
	case ReserveBalance:
		return c.reader.BalanceOf(ctx, c.cfg.Reserve, c.cfg.Owner)
	case ReserveAllowance:
		return c.reader.Allowance(ctx, c.cfg.Reserve, c.cfg.Owner, c.cfg.Spender)
	case TokenAllowance:
		return c.reader.Allowance(ctx, f.Instrument, c.cfg.Owner, c.cfg.Spender)
	default:
		return nil, fmt.Errorf("unknown field kind %d", f.Kind)
	}
}

func (c *Cache) load(ctx context.Context, f Field, gen uint64) (*big.Int, error) {
	v, err := c.read(ctx, f)
	if err == nil && v == nil {
		err = chain.ErrMalformedResponse
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.metrics.CacheFetches.With("field", f.Kind.String(), "result", "error").Add(1)
		e, ok := c.entries[f]
		if !ok {
			e = &Entry{}
			c.entries[f] = e
		}
		e.Stale = true
		e.Error = err.Error()
		c.logger.Debugw("cache_fetch_failed", "field", f.String(), "error", err)
		return nil, fmt.Errorf("%s: %w", f, err)
	}

	c.metrics.CacheFetches.With("field", f.Kind.String(), "result", "ok").Add(1)
	// An invalidation during the call makes this value outdated.
	if c.gens[f] == gen {
		c.entries[f] = &Entry{
			Value:     new(big.Int).Set(v),
			UpdatedAt: c.clock.Now(),
		}
	}
	return v, nil
}
