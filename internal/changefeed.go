package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/lychee-technology/cardbase"
	"go.uber.org/zap"
)

// feedPingInterval keeps idle listener connections verified.
const feedPingInterval = 90 * time.Second

// feedSource delivers raw change notifications. A nil notification means
// the connection was re-established and notifications may have been lost.
type feedSource interface {
	Notifications() <-chan *pq.Notification
	Errors() <-chan error
	Ping() error
	Close() error
}

// pqFeedSource listens on a notification channel with a reconnecting
// lib/pq listener.
type pqFeedSource struct {
	listener *pq.Listener
	errs     chan error
}

func newPQFeedSource(connString, channel string, minReconnect, maxReconnect time.Duration) (*pqFeedSource, error) {
	s := &pqFeedSource{errs: make(chan error, 16)}
	s.listener = pq.NewListener(connString, minReconnect, maxReconnect, s.onEvent)
	if err := s.listener.Listen(channel); err != nil {
		s.listener.Close()
		return nil, fmt.Errorf("listen on %s: %w", channel, err)
	}
	return s, nil
}

func (s *pqFeedSource) onEvent(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventReconnected:
		zap.S().Infow("change feed reconnected")
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		if err == nil {
			return
		}
		zap.S().Warnw("change feed connection problem", "error", err)
		select {
		case s.errs <- err:
		default:
		}
	}
}

func (s *pqFeedSource) Notifications() <-chan *pq.Notification { return s.listener.Notify }
func (s *pqFeedSource) Errors() <-chan error                   { return s.errs }
func (s *pqFeedSource) Ping() error                            { return s.listener.Ping() }
func (s *pqFeedSource) Close() error                           { return s.listener.Close() }

// changeListener receives decoded changes from the feed.
type changeListener interface {
	OnChange(ctx context.Context, change cardbase.ChangeEvent)
	OnError(err error)
}

type cardLoader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*cardbase.Card, error)
}

// changePayload is the JSON the change trigger publishes.
type changePayload struct {
	Op     string          `json:"op"`
	ID     uuid.UUID       `json:"id"`
	Before json.RawMessage `json:"before,omitempty"`
}

// ChangeFeed turns trigger notifications into change events and fans them
// out to the registered listeners.
type ChangeFeed struct {
	source feedSource
	loader cardLoader

	mu        sync.RWMutex
	listeners map[uuid.UUID]changeListener

	cancel context.CancelFunc
	done   chan struct{}
}

// NewChangeFeed creates a feed reading notifications from source and
// loading the post-change row through loader.
func NewChangeFeed(source feedSource, loader cardLoader) *ChangeFeed {
	return &ChangeFeed{
		source:    source,
		loader:    loader,
		listeners: map[uuid.UUID]changeListener{},
	}
}

// Start runs the dispatch loop until Stop or ctx is done.
func (f *ChangeFeed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	go f.run(ctx)
}

func (f *ChangeFeed) run(ctx context.Context) {
	defer close(f.done)
	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-f.source.Notifications():
			if !ok {
				return
			}
			if n == nil {
				zap.S().Warnw("change feed resynchronized, notifications may have been missed")
				continue
			}
			f.handle(ctx, n.Extra)
		case err := <-f.source.Errors():
			f.broadcastError(cardbase.NewConnectionError("change feed", err))
		case <-ticker.C:
			go func() {
				if err := f.source.Ping(); err != nil {
					zap.S().Debugw("change feed ping failed", "error", err)
				}
			}()
		}
	}
}

func (f *ChangeFeed) handle(ctx context.Context, payload string) {
	change, err := f.decode(ctx, payload)
	if err != nil {
		zap.S().Warnw("dropping change notification", "error", err)
		f.broadcastError(err)
		return
	}
	if change == nil {
		return
	}
	for _, l := range f.snapshot() {
		l.OnChange(ctx, *change)
	}
}

func (f *ChangeFeed) decode(ctx context.Context, payload string) (*cardbase.ChangeEvent, error) {
	var p changePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("decode change payload: %w", err)
	}
	change := &cardbase.ChangeEvent{ID: p.ID, Type: cardbase.ChangeUpdate}
	if p.Op == string(cardbase.ChangeInsert) {
		change.Type = cardbase.ChangeInsert
	}
	if len(p.Before) > 0 && string(p.Before) != "null" {
		before, err := cardbase.CardFromJSON(p.Before)
		if err != nil {
			return nil, err
		}
		change.Before = before
	}

	after, err := f.loader.GetByID(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("load changed card %s: %w", p.ID, err)
	}
	if after == nil {
		return nil, nil
	}
	change.After = after
	return change, nil
}

func (f *ChangeFeed) broadcastError(err error) {
	for _, l := range f.snapshot() {
		l.OnError(err)
	}
}

func (f *ChangeFeed) snapshot() []changeListener {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]changeListener, 0, len(f.listeners))
	for _, l := range f.listeners {
		out = append(out, l)
	}
	return out
}

// AddListener registers l under id.
func (f *ChangeFeed) AddListener(id uuid.UUID, l changeListener) {
	f.mu.Lock()
	f.listeners[id] = l
	f.mu.Unlock()
}

// RemoveListener unregisters id. Unknown ids are ignored.
func (f *ChangeFeed) RemoveListener(id uuid.UUID) {
	f.mu.Lock()
	delete(f.listeners, id)
	f.mu.Unlock()
}

// Listeners counts registered listeners.
func (f *ChangeFeed) Listeners() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.listeners)
}

// Stop ends the dispatch loop and closes the source.
func (f *ChangeFeed) Stop() error {
	if f.cancel != nil {
		f.cancel()
		<-f.done
		f.cancel = nil
	}
	return f.source.Close()
}
