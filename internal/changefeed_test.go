package internal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/lychee-technology/cardbase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeedSource struct {
	notes  chan *pq.Notification
	errs   chan error
	closed bool
	mu     sync.Mutex
}

func newFakeFeedSource() *fakeFeedSource {
	return &fakeFeedSource{notes: make(chan *pq.Notification, 16), errs: make(chan error, 4)}
}

func (s *fakeFeedSource) Notifications() <-chan *pq.Notification { return s.notes }
func (s *fakeFeedSource) Errors() <-chan error                   { return s.errs }
func (s *fakeFeedSource) Ping() error                            { return nil }
func (s *fakeFeedSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeFeedSource) publish(payload string) {
	s.notes <- &pq.Notification{Channel: "card_changes", Extra: payload}
}

type recordingListener struct {
	changes chan cardbase.ChangeEvent
	errs    chan error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{changes: make(chan cardbase.ChangeEvent, 16), errs: make(chan error, 16)}
}

func (l *recordingListener) OnChange(_ context.Context, change cardbase.ChangeEvent) {
	l.changes <- change
}

func (l *recordingListener) OnError(err error) { l.errs <- err }

func (l *recordingListener) nextChange(t *testing.T) cardbase.ChangeEvent {
	t.Helper()
	select {
	case c := <-l.changes:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}
	return cardbase.ChangeEvent{}
}

func (l *recordingListener) nextError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-l.errs:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
	return nil
}

func startTestFeed(t *testing.T, cards ...*cardbase.Card) (*fakeFeedSource, *ChangeFeed, *recordingListener, *fakeCardStore) {
	t.Helper()
	source := newFakeFeedSource()
	store := newFakeCardStore(cards...)
	feed := NewChangeFeed(source, store)
	listener := newRecordingListener()
	feed.AddListener(uuid.New(), listener)
	feed.Start(context.Background())
	t.Cleanup(func() { _ = feed.Stop() })
	return source, feed, listener, store
}

func TestChangeFeed_Insert(t *testing.T) {
	card := &cardbase.Card{ID: uuid.New(), Slug: "alice", Type: "user@1.0.0", Active: true}
	source, _, listener, _ := startTestFeed(t, card)

	source.publish(`{"op":"insert","id":"` + card.ID.String() + `"}`)
	change := listener.nextChange(t)
	assert.Equal(t, cardbase.ChangeInsert, change.Type)
	assert.Equal(t, card.ID, change.ID)
	assert.Nil(t, change.Before)
	require.NotNil(t, change.After)
	assert.Equal(t, "alice", change.After.Slug)
}

func TestChangeFeed_UpdateCarriesBefore(t *testing.T) {
	card := &cardbase.Card{ID: uuid.New(), Slug: "alice", Type: "user@1.0.0", Active: false}
	source, _, listener, _ := startTestFeed(t, card)

	source.publish(`{"op":"update","id":"` + card.ID.String() + `","before":{"id":"` + card.ID.String() + `","slug":"alice","active":true}}`)
	change := listener.nextChange(t)
	assert.Equal(t, cardbase.ChangeUpdate, change.Type)
	require.NotNil(t, change.Before)
	assert.True(t, change.Before.Active)
	assert.False(t, change.After.Active)

	// oversized payloads arrive without before
	source.publish(`{"op":"update","id":"` + card.ID.String() + `"}`)
	change = listener.nextChange(t)
	assert.Nil(t, change.Before)
	assert.NotNil(t, change.After)
}

func TestChangeFeed_SkipsVanishedCards(t *testing.T) {
	known := &cardbase.Card{ID: uuid.New(), Slug: "known"}
	source, _, listener, _ := startTestFeed(t, known)

	source.publish(`{"op":"insert","id":"` + uuid.New().String() + `"}`)
	source.publish(`{"op":"insert","id":"` + known.ID.String() + `"}`)
	change := listener.nextChange(t)
	assert.Equal(t, known.ID, change.ID)
}

func TestChangeFeed_Errors(t *testing.T) {
	source, _, listener, store := startTestFeed(t)

	source.publish(`not json`)
	assert.Contains(t, listener.nextError(t).Error(), "decode change payload")

	store.setErr(errors.New("db down"))
	source.publish(`{"op":"insert","id":"` + uuid.New().String() + `"}`)
	assert.Contains(t, listener.nextError(t).Error(), "db down")

	source.errs <- errors.New("connection reset")
	err := listener.nextError(t)
	assert.True(t, cardbase.IsKind(err, cardbase.KindConnection))

	// resync markers are not delivered
	source.notes <- nil
	select {
	case c := <-listener.changes:
		t.Fatalf("unexpected change %v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChangeFeed_Listeners(t *testing.T) {
	card := &cardbase.Card{ID: uuid.New(), Slug: "a"}
	source, feed, first, _ := startTestFeed(t, card)
	assert.Equal(t, 1, feed.Listeners())

	secondID := uuid.New()
	second := newRecordingListener()
	feed.AddListener(secondID, second)
	assert.Equal(t, 2, feed.Listeners())

	source.publish(`{"op":"insert","id":"` + card.ID.String() + `"}`)
	first.nextChange(t)
	second.nextChange(t)

	feed.RemoveListener(secondID)
	feed.RemoveListener(uuid.New())
	assert.Equal(t, 1, feed.Listeners())
}

func TestChangeFeed_StopClosesSource(t *testing.T) {
	source := newFakeFeedSource()
	feed := NewChangeFeed(source, newFakeCardStore())
	feed.Start(context.Background())
	require.NoError(t, feed.Stop())
	source.mu.Lock()
	defer source.mu.Unlock()
	assert.True(t, source.closed)
}
