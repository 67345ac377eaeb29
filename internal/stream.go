package internal

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/lychee-technology/cardbase"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type streamState int

const (
	streamOpen streamState = iota
	streamClosing
	streamClosed
)

// hydrateFunc resolves the $$links of one changed card by running the
// stream's schema as a point query. A nil card means no match.
type hydrateFunc func(ctx context.Context, id uuid.UUID) (*cardbase.Card, error)

// inbound is one feed delivery waiting for the stream's dispatch loop.
type inbound struct {
	change *cardbase.ChangeEvent
	err    error
}

// liveStream delivers the changes matching a query schema. Each stream
// runs its own dispatch loop, so a consumer that stops reading only
// stalls itself. Changes that need link hydration are resolved
// concurrently and their relative order is not guaranteed.
type liveStream struct {
	id      uuid.UUID
	filter  *CardFilter
	hydrate hydrateFunc
	sem     *semaphore.Weighted
	inbox   chan inbound
	events  chan cardbase.StreamEvent
	onClose func(id uuid.UUID)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   streamState
	failure error
	done    chan struct{}
	wg      sync.WaitGroup
}

func newLiveStream(ctx context.Context, filter *CardFilter, hydrate hydrateFunc, cfg cardbase.StreamConfig, onClose func(uuid.UUID)) *liveStream {
	concurrency := cfg.HydrationConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &liveStream{
		id:      uuid.New(),
		filter:  filter,
		hydrate: hydrate,
		sem:     semaphore.NewWeighted(concurrency),
		inbox:   make(chan inbound, max(cfg.BufferSize, 1)),
		events:  make(chan cardbase.StreamEvent, cfg.BufferSize+1),
		onClose: onClose,
		ctx:     sctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.dispatch()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s
}

func (s *liveStream) ID() uuid.UUID                       { return s.id }
func (s *liveStream) Events() <-chan cardbase.StreamEvent { return s.events }

// track registers in-flight work, refusing it once the stream is closing.
func (s *liveStream) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != streamOpen {
		return false
	}
	s.wg.Add(1)
	return true
}

// OnChange queues change for the dispatch loop without blocking the feed.
// A stream whose queue is full has fallen behind and is closed with an
// error.
func (s *liveStream) OnChange(_ context.Context, change cardbase.ChangeEvent) {
	s.enqueue(inbound{change: &change})
}

func (s *liveStream) OnError(err error) {
	s.enqueue(inbound{err: err})
}

func (s *liveStream) enqueue(in inbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != streamOpen || s.failure != nil {
		return
	}
	select {
	case s.inbox <- in:
	default:
		zap.S().Warnw("stream fell behind the change feed, closing", "stream", s.id)
		s.failure = cardbase.NewConnectionError("stream fell behind the change feed", nil)
		go s.Close()
	}
}

func (s *liveStream) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case in := <-s.inbox:
			if in.err != nil {
				s.emit(cardbase.StreamEvent{Type: cardbase.StreamEventError, Err: in.err})
				continue
			}
			s.deliver(*in.change)
		}
	}
}

func (s *liveStream) deliver(change cardbase.ChangeEvent) {
	if !s.filter.HasLinks() {
		if ev := s.narrow(change); ev != nil {
			s.emit(cardbase.StreamEvent{Type: cardbase.StreamEventData, Change: ev})
		}
		return
	}
	if !s.track() {
		return
	}
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		if ev := s.hydrateChange(change); ev != nil {
			s.emit(cardbase.StreamEvent{Type: cardbase.StreamEventData, Change: ev})
		}
	}()
}

// narrow keeps the sides of a change that match the schema. Inserts carry
// only after; an update that leaves the result set carries only before.
func (s *liveStream) narrow(change cardbase.ChangeEvent) *cardbase.ChangeEvent {
	after := s.side(change.After)
	var before *cardbase.Card
	if change.Type == cardbase.ChangeUpdate {
		before = s.side(change.Before)
	}
	if after == nil && before == nil {
		return nil
	}
	return &cardbase.ChangeEvent{Type: change.Type, ID: change.ID, Before: before, After: after}
}

func (s *liveStream) side(card *cardbase.Card) *cardbase.Card {
	if !s.filter.Matches(card) {
		return nil
	}
	projected, err := s.filter.Project(card)
	if err != nil {
		zap.S().Warnw("stream projection failed", "stream", s.id, "card", card.ID, "error", err)
		return nil
	}
	return projected
}

func (s *liveStream) hydrateChange(change cardbase.ChangeEvent) *cardbase.ChangeEvent {
	if change.After == nil || !s.filter.Matches(change.After) {
		return nil
	}
	after, err := s.hydrate(s.ctx, change.ID)
	if err != nil {
		if s.ctx.Err() == nil {
			zap.S().Warnw("stream hydration failed", "stream", s.id, "card", change.ID, "error", err)
		}
		return nil
	}
	if after == nil {
		return nil
	}
	return &cardbase.ChangeEvent{Type: change.Type, ID: change.ID, After: after}
}

func (s *liveStream) emit(ev cardbase.StreamEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Close stops delivery, waits for in-flight hydration and emits a single
// closed event before closing the channel. A stream closed for falling
// behind emits the error first. Later calls are no-ops.
func (s *liveStream) Close() error {
	s.mu.Lock()
	if s.state != streamOpen {
		s.mu.Unlock()
		return nil
	}
	s.state = streamClosing
	failure := s.failure
	close(s.done)
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose(s.id)
	}
	s.cancel()
	s.wg.Wait()

	if failure != nil {
		s.push(cardbase.StreamEvent{Type: cardbase.StreamEventError, Err: failure})
	}
	s.push(cardbase.StreamEvent{Type: cardbase.StreamEventClosed})
	close(s.events)
	s.mu.Lock()
	s.state = streamClosed
	s.mu.Unlock()
	return nil
}

// push sends a terminal event, discarding the oldest undelivered events to
// make room.
func (s *liveStream) push(ev cardbase.StreamEvent) {
	for {
		select {
		case s.events <- ev:
			return
		default:
			select {
			case <-s.events:
			default:
			}
		}
	}
}
