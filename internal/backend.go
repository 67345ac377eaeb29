package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lychee-technology/cardbase"
	"go.uber.org/zap"
)

type cardStore interface {
	cardReader
	Insert(ctx context.Context, card *cardbase.Card, replace bool) (*cardbase.Card, error)
}

type linkApplier interface {
	Apply(ctx context.Context, edge *cardbase.LinkEdge) ([]*cardbase.Card, error)
}

type typeIndexer interface {
	EnsureTypeIndexes(ctx context.Context, typeCard *cardbase.Card) error
}

type viewNotifier interface {
	Notify(ctx context.Context, card *cardbase.Card) error
}

// backendDeps are the connected collaborators of a Backend.
type backendDeps struct {
	pool      txBeginner
	store     cardStore
	links     linkApplier
	cache     CardCache
	indexes   typeIndexer
	refresher viewNotifier
	feed      *ChangeFeed
	shutdown  func(ctx context.Context) error
}

// Backend implements cardbase.Backend on Postgres.
type Backend struct {
	cfg *cardbase.Config

	mu        sync.RWMutex
	connected bool
	deps      backendDeps
	lookup    *cardLookup
	evaluator *linkEvaluator
	types     *typeValidator

	streamsMu sync.Mutex
	streams   map[uuid.UUID]*liveStream
}

var _ cardbase.Backend = (*Backend)(nil)

// NewBackend creates a disconnected backend.
func NewBackend(cfg *cardbase.Config) (*Backend, error) {
	if cfg == nil {
		cfg = cardbase.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Backend{cfg: cfg, streams: map[uuid.UUID]*liveStream{}}, nil
}

func newBackendWithDeps(cfg *cardbase.Config, deps backendDeps) *Backend {
	if cfg == nil {
		cfg = cardbase.DefaultConfig()
	}
	b := &Backend{cfg: cfg, streams: map[uuid.UUID]*liveStream{}}
	b.attach(deps)
	return b
}

func (b *Backend) attach(deps backendDeps) {
	b.deps = deps
	b.lookup = newCardLookup(deps.cache, deps.store)
	b.evaluator = newLinkEvaluator(b.lookup, b.cfg.Query.LinkEvaluationSize)
	b.types = newTypeValidator(b.lookup)
	b.connected = true
}

// Connect ensures the database and schema exist and starts the change feed
// and the view refresher. Calling it on a connected backend is a no-op.
func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}

	cfg := b.cfg
	names := cfg.Database.TableNames
	pool, err := connectPool(ctx, cfg)
	if err != nil {
		return cardbase.NewConnectionError("connect to database", err)
	}

	if err := Bootstrap(ctx, pool, names); err != nil {
		pool.Close()
		return cardbase.NewConnectionError("bootstrap schema", err)
	}
	views := NewViewManager(pool, names)
	if err := views.EnsureIndexes(ctx); err != nil {
		pool.Close()
		return cardbase.NewConnectionError("ensure indexes", err)
	}

	source, err := newPQFeedSource(cfg.Database.ConnString(), names.NotifyChannel,
		cfg.Stream.MinReconnectInterval, cfg.Stream.MaxReconnectInterval)
	if err != nil {
		pool.Close()
		return cardbase.NewConnectionError("start change feed", err)
	}

	// background workers outlive the Connect call
	background := context.WithoutCancel(ctx)
	refresher := NewViewRefresher(pool, names, cfg.Views)
	refresher.Start(background)

	cards := NewCardRepository(pool, names.Cards)
	feed := NewChangeFeed(source, cards)
	feed.Start(background)

	var cache CardCache
	if cfg.Cache.Enabled {
		cache = newGuardedCache(NewMemoryCache(cfg.Cache.MaxEntries, cfg.Cache.TTL), newCacheBreaker(cfg.Cache))
	}

	b.attach(backendDeps{
		pool:      pool,
		store:     cards,
		links:     NewLinkStore(pool, cards, names.Links),
		cache:     cache,
		indexes:   views,
		refresher: refresher,
		feed:      feed,
		shutdown: func(ctx context.Context) error {
			err := feed.Stop()
			refresher.Stop(ctx)
			pool.Close()
			return err
		},
	})
	zap.S().Infow("backend connected", "host", cfg.Database.Host, "database", cfg.Database.Database)
	return nil
}

// connectPool creates the database when needed and opens a verified pool,
// retrying at a fixed interval while the server is unavailable.
func connectPool(ctx context.Context, cfg *cardbase.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConnections)
	poolCfg.MinConns = int32(cfg.Database.MinConnections)
	poolCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime

	attempts := cfg.Connect.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.Connect.RetryDelay), uint64(attempts-1)),
		ctx,
	)
	return backoff.RetryNotifyWithData(func() (*pgxpool.Pool, error) {
		if err := EnsureDatabase(ctx, cfg.Database); err != nil {
			return nil, err
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, err
		}
		if err := pingPool(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	}, policy, func(err error, next time.Duration) {
		zap.S().Warnw("database not ready, retrying", "error", err, "retryIn", next)
	})
}

// Disconnect closes every stream, stops background work and releases the
// pool. Calling it on a disconnected backend is a no-op.
func (b *Backend) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	for _, s := range b.openStreams() {
		s.Close()
	}
	var err error
	if b.deps.shutdown != nil {
		err = b.deps.shutdown(ctx)
	}
	b.connected = false
	b.deps = backendDeps{}
	zap.S().Infow("backend disconnected")
	return err
}

// active returns the collaborators, failing when the backend is not
// connected.
func (b *Backend) active() (backendDeps, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return backendDeps{}, cardbase.NewConnectionError("backend is not connected", nil)
	}
	return b.deps, nil
}

// GetStatus reports how many streams are open and how the cache is doing.
func (b *Backend) GetStatus() cardbase.Status {
	var st cardbase.Status
	b.mu.RLock()
	switch c := b.deps.cache.(type) {
	case *guardedCache:
		st.Cache = c.status()
	case nil:
	default:
		st.Cache.Enabled = true
	}
	b.mu.RUnlock()

	b.streamsMu.Lock()
	defer b.streamsMu.Unlock()
	st.Streams.Waiting = len(b.streams)
	return st
}

func (b *Backend) openStreams() []*liveStream {
	b.streamsMu.Lock()
	defer b.streamsMu.Unlock()
	out := make([]*liveStream, 0, len(b.streams))
	for _, s := range b.streams {
		out = append(out, s)
	}
	return out
}
