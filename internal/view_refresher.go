package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lychee-technology/cardbase"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type execPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ViewRefresher refreshes materialized views after the writes that affect
// them, either inline or through a bounded, deduplicated background queue.
type ViewRefresher struct {
	pool    execPool
	names   cardbase.TableNames
	mode    cardbase.RefreshMode
	limiter *rate.Limiter

	mu      sync.Mutex
	pending map[string]bool
	stopped bool
	queue   chan string
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	failures chan error
}

// NewViewRefresher creates a refresher. Async refreshers do nothing until
// Start is called.
func NewViewRefresher(pool execPool, names cardbase.TableNames, cfg cardbase.ViewsConfig) *ViewRefresher {
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1
	}
	return &ViewRefresher{
		pool:     pool,
		names:    names,
		mode:     cfg.RefreshMode,
		limiter:  rate.NewLimiter(limit, 1),
		pending:  map[string]bool{},
		queue:    make(chan string, size),
		failures: make(chan error, size),
	}
}

// Start launches the background worker in async mode.
func (r *ViewRefresher) Start(ctx context.Context) {
	if r.mode != cardbase.RefreshAsync {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.run(ctx)
}

// Failures delivers async refresh errors. Errors are dropped when nobody
// reads them.
func (r *ViewRefresher) Failures() <-chan error {
	return r.failures
}

// Notify refreshes the views a written card affects.
func (r *ViewRefresher) Notify(ctx context.Context, card *cardbase.Card) error {
	for _, view := range affectedViews(r.names, card) {
		if r.mode == cardbase.RefreshSync {
			if err := r.Refresh(ctx, view); err != nil {
				return err
			}
			continue
		}
		r.enqueue(view)
	}
	return nil
}

func (r *ViewRefresher) enqueue(view string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.pending[view] {
		return
	}
	select {
	case r.queue <- view:
		r.pending[view] = true
	default:
		zap.S().Warnw("view refresh queue full, dropping refresh", "view", view)
	}
}

func (r *ViewRefresher) run(ctx context.Context) {
	defer r.wg.Done()
	for view := range r.queue {
		if err := r.limiter.Wait(ctx); err != nil {
			// cancelled: drain without refreshing
			r.clearPending(view)
			continue
		}
		r.clearPending(view)
		if err := r.Refresh(ctx, view); err != nil {
			zap.S().Warnw("view refresh failed", "view", view, "error", err)
			EmitRefreshFailure(ctx, view)
			select {
			case r.failures <- err:
			default:
			}
		}
	}
}

func (r *ViewRefresher) clearPending(view string) {
	r.mu.Lock()
	delete(r.pending, view)
	r.mu.Unlock()
}

// Refresh rebuilds one view without blocking readers.
func (r *ViewRefresher) Refresh(ctx context.Context, view string) error {
	start := time.Now()
	if _, err := r.pool.Exec(ctx, "REFRESH MATERIALIZED VIEW CONCURRENTLY "+sanitizeIdentifier(view)); err != nil {
		return fmt.Errorf("refresh view %s: %w", view, err)
	}
	zap.S().Debugw("view refreshed", "view", view, "duration", time.Since(start))
	return nil
}

// Stop drains queued refreshes and waits for the worker. Refreshes queued
// after ctx is done are discarded.
func (r *ViewRefresher) Stop(ctx context.Context) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if r.cancel != nil {
			r.cancel()
		}
		<-done
	}
	if r.cancel != nil {
		r.cancel()
	}
}
