package internal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/cardbase"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLinkApplier struct {
	store *fakeCardStore
	edges []*cardbase.LinkEdge
	err   error
}

func (f *fakeLinkApplier) Apply(_ context.Context, edge *cardbase.LinkEdge) ([]*cardbase.Card, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.edges = append(f.edges, edge)
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var out []*cardbase.Card
	to, okTo := f.store.cards[edge.To.ID]
	from, okFrom := f.store.cards[edge.From.ID]
	if okTo {
		to.Links = ProjectLink(to.Links, edge.InverseName, cardbase.LinkRef{ID: edge.From.ID, Type: edge.From.Type, LinkID: edge.ID}, edge.Active)
		out = append(out, to.Clone())
	}
	if okFrom {
		from.Links = ProjectLink(from.Links, edge.Name, cardbase.LinkRef{ID: edge.To.ID, Type: edge.To.Type, LinkID: edge.ID}, edge.Active)
		out = append(out, from.Clone())
	}
	return out, nil
}

type recordingIndexer struct {
	mu    sync.Mutex
	types []string
	err   error
}

func (r *recordingIndexer) EnsureTypeIndexes(_ context.Context, typeCard *cardbase.Card) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, typeCard.SlugVersion())
	return r.err
}

type recordingNotifier struct {
	mu    sync.Mutex
	slugs []string
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, card *cardbase.Card) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slugs = append(r.slugs, card.Slug)
	return r.err
}

type backendFixture struct {
	backend  *Backend
	store    *fakeCardStore
	links    *fakeLinkApplier
	indexer  *recordingIndexer
	notifier *recordingNotifier
	mock     pgxmock.PgxPoolIface
}

func newBackendFixture(t *testing.T, mutate func(*cardbase.Config)) *backendFixture {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	cfg := cardbase.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	store := newFakeCardStore()
	fx := &backendFixture{
		store:    store,
		links:    &fakeLinkApplier{store: store},
		indexer:  &recordingIndexer{},
		notifier: &recordingNotifier{},
		mock:     mock,
	}
	fx.backend = newBackendWithDeps(cfg, backendDeps{
		pool:      mock,
		store:     store,
		links:     fx.links,
		cache:     NewMemoryCache(100, time.Minute),
		indexes:   fx.indexer,
		refresher: fx.notifier,
	})
	return fx
}

func (fx *backendFixture) insert(t *testing.T, card *cardbase.Card) *cardbase.Card {
	t.Helper()
	stored, err := fx.backend.InsertElement(context.Background(), card)
	require.NoError(t, err)
	return stored
}

func TestBackend_QueryLimitCheckedBeforeIO(t *testing.T) {
	backend, err := NewBackend(nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = backend.Query(ctx, map[string]any{}, cardbase.QueryOptions{}.WithLimit(1001))
	require.Error(t, err)
	assert.True(t, cardbase.IsLimitInvalidError(err))

	_, err = backend.Query(ctx, map[string]any{}, cardbase.QueryOptions{}.WithLimit(-1))
	assert.True(t, cardbase.IsLimitInvalidError(err))

	cards, err := backend.Query(ctx, map[string]any{"not": "even valid"}, cardbase.QueryOptions{}.WithLimit(0))
	require.NoError(t, err)
	assert.Empty(t, cards)
	assert.NotNil(t, cards)

	_, err = backend.Query(ctx, map[string]any{}, cardbase.QueryOptions{})
	assert.True(t, cardbase.IsKind(err, cardbase.KindConnection))
}

func TestBackend_QueryInvalidSchema(t *testing.T) {
	fx := newBackendFixture(t, nil)
	_, err := fx.backend.Query(context.Background(), map[string]any{"properties": "nope"}, cardbase.QueryOptions{})
	require.Error(t, err)
	assert.True(t, cardbase.IsSchemaInvalidError(err))
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestBackend_WriteAndRead(t *testing.T) {
	fx := newBackendFixture(t, nil)
	ctx := context.Background()

	stored := fx.insert(t, &cardbase.Card{Slug: "alice", Type: "user", Active: true, Data: map[string]any{"n": 1}})
	assert.Equal(t, cardbase.DefaultVersion, stored.Version)
	assert.NotEqual(t, uuid.Nil, stored.ID)

	_, err := fx.backend.InsertElement(ctx, &cardbase.Card{Slug: "alice", Type: "user", Active: true})
	assert.True(t, cardbase.IsAlreadyExistsError(err))

	got, err := fx.backend.GetElementByID(ctx, stored.ID, cardbase.GetOptions{Type: "user"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int32(0), fx.store.byIDHits.Load(), "writes populate the cache")

	upserted, err := fx.backend.UpsertElement(ctx, &cardbase.Card{Slug: "alice", Type: "user", Active: true, Data: map[string]any{"n": 2}})
	require.NoError(t, err)
	assert.Equal(t, stored.ID, upserted.ID)

	got, err = fx.backend.GetElementBySlug(ctx, "alice@1.0.0", cardbase.GetOptions{Type: "user@1.0.0"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.EqualValues(t, 2, got.Data["n"], "cache reflects the upsert")

	mismatch, err := fx.backend.GetElementByID(ctx, stored.ID, cardbase.GetOptions{Type: "org"})
	require.NoError(t, err)
	assert.Nil(t, mismatch)

	assert.Equal(t, []string{"alice", "alice"}, fx.notifier.slugs)
}

func TestBackend_WriteValidation(t *testing.T) {
	fx := newBackendFixture(t, nil)
	ctx := context.Background()
	long := make([]byte, cardbase.MaxSlugLength+1)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		name string
		card *cardbase.Card
		kind cardbase.ErrorKind
	}{
		{name: "nil", card: nil, kind: cardbase.KindValidation},
		{name: "no slug", card: &cardbase.Card{Type: "user"}, kind: cardbase.KindValidation},
		{name: "no type", card: &cardbase.Card{Slug: "x"}, kind: cardbase.KindValidation},
		{name: "slug too long", card: &cardbase.Card{Slug: string(long), Type: "user"}, kind: cardbase.KindSlugTooLong},
		{name: "latest version", card: &cardbase.Card{Slug: "x", Type: "user", Version: "latest"}, kind: cardbase.KindValidation},
		{name: "link without endpoints", card: &cardbase.Card{Slug: "l", Type: "link@1.0.0", Name: strPtr("owns")}, kind: cardbase.KindSchemaInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fx.backend.InsertElement(ctx, tt.card)
			require.Error(t, err)
			assert.Equal(t, tt.kind, cardbase.KindOf(err))
		})
	}
	assert.Empty(t, fx.store.cards)
}

func TestBackend_LinkWriteRefreshesEndpoints(t *testing.T) {
	fx := newBackendFixture(t, nil)
	ctx := context.Background()

	alice := fx.insert(t, &cardbase.Card{Slug: "alice", Type: "user@1.0.0", Active: true})
	acme := fx.insert(t, &cardbase.Card{Slug: "acme", Type: "org@1.0.0", Active: true})
	fx.insert(t, &cardbase.Card{
		Slug: "alice-acme", Type: "link@1.0.0", Active: true, Name: strPtr(cardbase.LinkIsMemberOf),
		Data: map[string]any{
			"inverseName": cardbase.LinkHasMember,
			"from":        map[string]any{"id": alice.ID.String(), "type": alice.Type},
			"to":          map[string]any{"id": acme.ID.String(), "type": acme.Type},
		},
	})
	require.Len(t, fx.links.edges, 1)

	got, err := fx.backend.GetElementByID(ctx, alice.ID, cardbase.GetOptions{Type: "user"})
	require.NoError(t, err)
	require.Len(t, got.Links[cardbase.LinkIsMemberOf], 1)
	assert.Equal(t, acme.ID, got.Links[cardbase.LinkIsMemberOf][0].ID)

	// point query resolves $$links from the cached links map
	cards, err := fx.backend.Query(ctx, map[string]any{
		"properties": map[string]any{"id": map[string]any{"const": alice.ID.String()}},
		"$$links": map[string]any{
			cardbase.LinkIsMemberOf: map[string]any{"properties": map[string]any{"slug": map[string]any{"const": "acme"}}},
		},
	}, cardbase.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, cards, 1)
	require.Len(t, cards[0].Linked[cardbase.LinkIsMemberOf], 1)
	assert.Equal(t, acme.ID, cards[0].Linked[cardbase.LinkIsMemberOf][0].ID)

	fx.links.err = errors.New("deadlock")
	_, err = fx.backend.InsertElement(ctx, &cardbase.Card{
		Slug: "alice-acme-2", Type: "link@1.0.0", Active: true, Name: strPtr(cardbase.LinkIsMemberOf),
		Data: map[string]any{
			"inverseName": cardbase.LinkHasMember,
			"from":        map[string]any{"id": alice.ID.String(), "type": alice.Type},
			"to":          map[string]any{"id": acme.ID.String(), "type": acme.Type},
		},
	})
	assert.True(t, cardbase.IsKind(err, cardbase.KindStore))
}

func TestBackend_TypeCards(t *testing.T) {
	fx := newBackendFixture(t, func(cfg *cardbase.Config) { cfg.Query.ValidateTypes = true })
	ctx := context.Background()

	fx.indexer.err = errors.New("index failed")
	meta := &cardbase.Card{ID: uuid.New(), Slug: "type", Type: "type@1.0.0", Version: "1.0.0", Active: true}
	fx.store.cards[meta.ID] = meta
	typeCard := fx.insert(t, &cardbase.Card{
		Slug: "user", Type: "type@1.0.0", Active: true,
		Data: map[string]any{
			"schema": map[string]any{
				"type":       "object",
				"required":   []any{"email"},
				"properties": map[string]any{"email": map[string]any{"type": "string", "format": "email"}},
			},
		},
	})
	assert.Equal(t, []string{"user@1.0.0"}, fx.indexer.types, "index failures do not fail the write")

	fx.insert(t, &cardbase.Card{Slug: "alice", Type: "user@1.0.0", Active: true, Data: map[string]any{"email": "alice@example.com"}})

	_, err := fx.backend.InsertElement(ctx, &cardbase.Card{Slug: "bob", Type: "user@1.0.0", Active: true, Data: map[string]any{}})
	require.Error(t, err)
	assert.Equal(t, cardbase.KindValidation, cardbase.KindOf(err))

	_, err = fx.backend.InsertElement(ctx, &cardbase.Card{Slug: "w", Type: "widget@1.0.0", Active: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown type")

	// rewriting the type card drops the compiled schema
	typeCard.Data["schema"] = map[string]any{"type": "object"}
	_, err = fx.backend.UpsertElement(ctx, typeCard)
	require.NoError(t, err)
	fx.insert(t, &cardbase.Card{Slug: "bob", Type: "user@1.0.0", Active: true})
}

func TestBackend_Getters(t *testing.T) {
	fx := newBackendFixture(t, nil)
	ctx := context.Background()
	a := fx.insert(t, &cardbase.Card{Slug: "a", Type: "user@1.0.0", Active: true})
	b := fx.insert(t, &cardbase.Card{Slug: "b", Type: "user@1.0.0", Active: true})
	o := fx.insert(t, &cardbase.Card{Slug: "o", Type: "org@1.0.0", Active: true})

	_, err := fx.backend.GetElementByID(ctx, a.ID, cardbase.GetOptions{})
	assert.Equal(t, cardbase.KindIdentifierTypeMissing, cardbase.KindOf(err))
	_, err = fx.backend.GetElementBySlug(ctx, "a@1.0.0", cardbase.GetOptions{})
	assert.Equal(t, cardbase.KindIdentifierTypeMissing, cardbase.KindOf(err))
	_, err = fx.backend.GetElementsByID(ctx, []uuid.UUID{a.ID}, cardbase.GetOptions{})
	assert.Equal(t, cardbase.KindIdentifierTypeMissing, cardbase.KindOf(err))

	for _, slug := range []string{"a", "a@", "a@latest"} {
		_, err = fx.backend.GetElementBySlug(ctx, slug, cardbase.GetOptions{Type: "user"})
		assert.Equal(t, cardbase.KindVersionMissing, cardbase.KindOf(err), slug)
	}

	missing, err := fx.backend.GetElementBySlug(ctx, "ghost@1.0.0", cardbase.GetOptions{Type: "user"})
	require.NoError(t, err)
	assert.Nil(t, missing)

	cards, err := fx.backend.GetElementsByID(ctx, []uuid.UUID{b.ID, uuid.New(), a.ID, o.ID, b.ID}, cardbase.GetOptions{Type: "user"})
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.Equal(t, b.ID, cards[0].ID)
	assert.Equal(t, a.ID, cards[1].ID)

	empty, err := fx.backend.GetElementsByID(ctx, nil, cardbase.GetOptions{Type: "user"})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestBackend_PointQuery(t *testing.T) {
	fx := newBackendFixture(t, nil)
	ctx := context.Background()
	active := fx.insert(t, &cardbase.Card{Slug: "on", Type: "user@1.0.0", Active: true, Data: map[string]any{"secret": "x"}})
	inactive := fx.insert(t, &cardbase.Card{Slug: "off", Type: "user@1.0.0", Active: false})

	cards, err := fx.backend.Query(ctx, map[string]any{
		"additionalProperties": false,
		"properties": map[string]any{
			"id":   map[string]any{"const": active.ID.String()},
			"slug": map[string]any{"type": "string"},
		},
	}, cardbase.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, "on", cards[0].Slug)
	assert.Nil(t, cards[0].Data, "projection applies on the fast path")

	// inactive cards are hidden unless the schema asks about active
	cards, err = fx.backend.Query(ctx, map[string]any{
		"properties": map[string]any{"slug": map[string]any{"const": "off"}, "version": map[string]any{"const": "1.0.0"}},
	}, cardbase.QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, cards)

	cards, err = fx.backend.Query(ctx, map[string]any{
		"properties": map[string]any{"id": map[string]any{"const": inactive.ID.String()}, "active": map[string]any{"const": false}},
	}, cardbase.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, cards, 1)

	// the fast path never touches the pool
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestBackend_CompiledQuery(t *testing.T) {
	fx := newBackendFixture(t, nil)
	ctx := context.Background()
	id := uuid.New()

	var stages []string
	RegisterTelemetryEmitter(func(_ context.Context, name string, labels map[string]string, _ any) {
		if name == metricQueryLatency {
			stages = append(stages, labels["stage"])
		}
	})
	defer RegisterTelemetryEmitter(nil)

	fx.mock.ExpectBeginTx(pgx.TxOptions{AccessMode: pgx.ReadOnly})
	fx.mock.ExpectExec("SET LOCAL statement_timeout").WillReturnResult(pgxmock.NewResult("SET", 0))
	fx.mock.ExpectQuery(".+").
		WillReturnRows(pgxmock.NewRows([]string{"$node", "$parent", "$link", "$card", "$ord"}).
			AddRow(0, nil, nil, []byte(`{"id":"`+id.String()+`","slug":"alice","type":"user@1.0.0","active":true,"data":{"secret":1}}`), int64(1)))
	fx.mock.ExpectCommit()
	fx.mock.ExpectRollback()

	cards, err := fx.backend.Query(ctx, map[string]any{
		"additionalProperties": false,
		"properties": map[string]any{
			"type": map[string]any{"const": "user@1.0.0"},
			"slug": map[string]any{"type": "string"},
		},
	}, cardbase.QueryOptions{}.WithLimit(10))
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, id, cards[0].ID)
	assert.Equal(t, "alice", cards[0].Slug)
	assert.Nil(t, cards[0].Data)
	assert.Equal(t, []string{stageCompile, stageExecute}, stages)
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func expectCompiledRows(mock pgxmock.PgxPoolIface, rows *pgxmock.Rows) {
	mock.ExpectBeginTx(pgx.TxOptions{AccessMode: pgx.ReadOnly})
	mock.ExpectExec("SET LOCAL statement_timeout").WillReturnResult(pgxmock.NewResult("SET", 0))
	mock.ExpectQuery(".+").WillReturnRows(rows)
	mock.ExpectCommit()
	mock.ExpectRollback()
}

func resultRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"$node", "$parent", "$link", "$card", "$ord"})
}

func TestBackend_PinnedQueryWithFormatUsesSQL(t *testing.T) {
	fx := newBackendFixture(t, nil)
	ctx := context.Background()
	card := fx.insert(t, &cardbase.Card{Slug: "not-an-email", Type: "user@1.0.0", Active: true})

	// the in-memory validator does not assert format, so the compiled
	// query answers
	expectCompiledRows(fx.mock, resultRows())
	cards, err := fx.backend.Query(ctx, map[string]any{
		"properties": map[string]any{
			"id":   map[string]any{"const": card.ID.String()},
			"slug": map[string]any{"format": "email"},
		},
	}, cardbase.QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, cards)
	require.NoError(t, fx.mock.ExpectationsWereMet())

	expectCompiledRows(fx.mock, resultRows())
	cards, err = fx.backend.Query(ctx, map[string]any{
		"properties": map[string]any{
			"id":   map[string]any{"const": card.ID.String()},
			"slug": map[string]any{"pattern": "^not"},
		},
	}, cardbase.QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, cards)
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestEvaluatedExactly(t *testing.T) {
	for name, tc := range map[string]struct {
		schema map[string]any
		want   bool
	}{
		"empty":       {map[string]any{}, true},
		"consts":      {map[string]any{"properties": map[string]any{"id": map[string]any{"const": "x"}, "tags": map[string]any{"type": "array"}}}, true},
		"combinators": {map[string]any{"allOf": []any{map[string]any{"required": []any{"slug"}}}, "not": map[string]any{"enum": []any{1}}}, true},
		"links":       {map[string]any{"$$links": map[string]any{"owns": map[string]any{"title": "x"}, "none": nil}}, true},
		"format":      {map[string]any{"properties": map[string]any{"slug": map[string]any{"format": "email"}}}, false},
		"pattern":     {map[string]any{"anyOf": []any{map[string]any{"properties": map[string]any{"slug": map[string]any{"pattern": "a"}}}}}, false},
		"numeric":     {map[string]any{"properties": map[string]any{"data": map[string]any{"properties": map[string]any{"n": map[string]any{"minimum": 1}}}}}, false},
		"timestamp":   {map[string]any{"properties": map[string]any{"created_at": map[string]any{"const": "2024-01-01T00:00:00Z"}}}, false},
		"link format": {map[string]any{"$$links": map[string]any{"owns": map[string]any{"properties": map[string]any{"slug": map[string]any{"format": "uuid"}}}}}, false},
	} {
		assert.Equal(t, tc.want, evaluatedExactly(tc.schema, true), name)
	}
}

func TestBackend_CompiledQueryDropsRejectedRows(t *testing.T) {
	fx := newBackendFixture(t, nil)
	ctx := context.Background()
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	acme, other := uuid.New(), uuid.New()
	user := func(id uuid.UUID, slug, typ string) []byte {
		return []byte(`{"id":"` + id.String() + `","slug":"` + slug + `","type":"` + typ + `","version":"1.0.0","active":true}`)
	}
	org := func(id uuid.UUID, slug string) []byte {
		return []byte(`{"id":"` + id.String() + `","slug":"` + slug + `","type":"org@1.0.0","version":"1.0.0","active":true}`)
	}
	str := func(id uuid.UUID) *string {
		s := id.String()
		return &s
	}

	expectCompiledRows(fx.mock, resultRows().
		AddRow(0, nil, nil, user(alice, "alice", "user@1.0.0"), int64(1)).
		AddRow(0, nil, nil, user(bob, "bob", "org@1.0.0"), int64(2)).
		AddRow(0, nil, nil, user(carol, "carol", "user@1.0.0"), int64(3)).
		AddRow(1, str(alice), str(uuid.New()), org(acme, "acme"), int64(1)).
		AddRow(1, str(alice), str(uuid.New()), org(other, "other"), int64(2)).
		AddRow(1, str(carol), str(uuid.New()), org(other, "other"), int64(3)))

	cards, err := fx.backend.Query(ctx, map[string]any{
		"properties": map[string]any{"type": map[string]any{"const": "user@1.0.0"}},
		"$$links": map[string]any{
			"is member of": map[string]any{"properties": map[string]any{"slug": map[string]any{"const": "acme"}}},
		},
	}, cardbase.QueryOptions{}.WithLimit(10))
	require.NoError(t, err)
	require.Len(t, cards, 1, "bob has the wrong type and carol has no matching link")
	assert.Equal(t, alice, cards[0].ID)
	require.Len(t, cards[0].Linked["is member of"], 1)
	assert.Equal(t, acme, cards[0].Linked["is member of"][0].ID)
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestWithDefaultView(t *testing.T) {
	schema := map[string]any{
		"properties": map[string]any{"slug": map[string]any{"const": "a"}},
		"$$links": map[string]any{
			"owns":  map[string]any{"properties": map[string]any{"active": map[string]any{"const": false}}},
			"knows": map[string]any{},
			"none":  nil,
		},
	}
	out := withDefaultView(schema)

	activeOnly := map[string]any{"properties": map[string]any{"active": map[string]any{"const": true}}}
	assert.Equal(t, []any{activeOnly}, out["allOf"])
	assert.NotContains(t, schema, "allOf", "input is not modified")

	links := out["$$links"].(map[string]any)
	assert.NotContains(t, links["owns"].(map[string]any), "allOf")
	assert.Equal(t, []any{activeOnly}, links["knows"].(map[string]any)["allOf"])
	assert.Nil(t, links["none"])

	existing := withDefaultView(map[string]any{"allOf": []any{map[string]any{"required": []any{"slug"}}}})
	assert.Len(t, existing["allOf"], 2)

	assert.Equal(t, []any{activeOnly}, withDefaultView(nil)["allOf"])
}

func TestBackend_Streams(t *testing.T) {
	fx := newBackendFixture(t, nil)
	ctx := context.Background()

	_, err := fx.backend.Stream(ctx, map[string]any{})
	assert.True(t, cardbase.IsKind(err, cardbase.KindConnection), "no feed configured")

	source := newFakeFeedSource()
	feed := NewChangeFeed(source, fx.store)
	feed.Start(ctx)
	shutdownCalled := false
	fx.backend.deps.feed = feed
	fx.backend.deps.shutdown = func(context.Context) error {
		shutdownCalled = true
		return feed.Stop()
	}

	_, err = fx.backend.Stream(ctx, map[string]any{"properties": 5})
	assert.True(t, cardbase.IsSchemaInvalidError(err))

	stream, err := fx.backend.Stream(ctx, map[string]any{"properties": map[string]any{"type": map[string]any{"const": "user@1.0.0"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, fx.backend.GetStatus().Streams.Waiting)
	assert.Equal(t, 1, feed.Listeners())

	card := fx.insert(t, &cardbase.Card{Slug: "alice", Type: "user@1.0.0", Active: true})
	source.publish(`{"op":"insert","id":"` + card.ID.String() + `"}`)
	select {
	case ev := <-stream.Events():
		require.Equal(t, cardbase.StreamEventData, ev.Type)
		assert.Equal(t, card.ID, ev.Change.After.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream event")
	}

	second, err := fx.backend.Stream(ctx, map[string]any{})
	require.NoError(t, err)
	require.NoError(t, second.Close())
	assert.Equal(t, 1, fx.backend.GetStatus().Streams.Waiting)

	require.NoError(t, fx.backend.Disconnect(ctx))
	assert.True(t, shutdownCalled)
	assert.Equal(t, 0, fx.backend.GetStatus().Streams.Waiting)
	assert.Equal(t, 0, feed.Listeners())

	var last cardbase.StreamEvent
	for ev := range stream.Events() {
		last = ev
	}
	assert.Equal(t, cardbase.StreamEventClosed, last.Type)

	_, err = fx.backend.GetElementByID(ctx, card.ID, cardbase.GetOptions{Type: "user"})
	assert.True(t, cardbase.IsKind(err, cardbase.KindConnection))
}

type notifyingLoader struct {
	cardLoader
	loaded chan uuid.UUID
}

func (l *notifyingLoader) GetByID(ctx context.Context, id uuid.UUID) (*cardbase.Card, error) {
	card, err := l.cardLoader.GetByID(ctx, id)
	l.loaded <- id
	return card, err
}

func TestBackend_StreamCloseWhileHydratingUnderBackendLock(t *testing.T) {
	fx := newBackendFixture(t, nil)
	ctx := context.Background()
	source := newFakeFeedSource()
	loader := &notifyingLoader{cardLoader: fx.store, loaded: make(chan uuid.UUID, 1)}
	feed := NewChangeFeed(source, loader)
	feed.Start(ctx)
	defer feed.Stop()
	fx.backend.deps.feed = feed

	fx.mock.ExpectBeginTx(pgx.TxOptions{AccessMode: pgx.ReadOnly}).WillDelayFor(100 * time.Millisecond)

	stream, err := fx.backend.Stream(ctx, map[string]any{
		"$$links": map[string]any{"is member of": map[string]any{}},
	})
	require.NoError(t, err)
	card := fx.insert(t, &cardbase.Card{Slug: "alice", Type: "user@1.0.0", Active: true})

	// Disconnect holds the backend lock while it closes streams
	fx.backend.mu.Lock()
	defer fx.backend.mu.Unlock()
	source.publish(`{"op":"insert","id":"` + card.ID.String() + `"}`)
	select {
	case <-loader.loaded:
	case <-time.After(2 * time.Second):
		t.Fatal("change was never loaded")
	}
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- stream.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on in-flight hydration")
	}
}

func TestTruncateLinks(t *testing.T) {
	fx := newBackendFixture(t, func(cfg *cardbase.Config) { cfg.Query.MaxLinkDepth = 3 })
	schema := withDefaultView(map[string]any{
		"$$links": map[string]any{
			"is member of": map[string]any{
				"$$links": map[string]any{"has member": map[string]any{}},
			},
			"is owned by": nil,
		},
	})

	_, err := fx.backend.compileDepth(schema, 1, cardbase.QueryOptions{}, hydrationDepth)
	assert.True(t, cardbase.IsSchemaInvalidError(err), "nested clauses exceed the hydration depth")

	cut := truncateLinks(schema, hydrationDepth)
	q, err := fx.backend.compileDepth(cut, 1, cardbase.QueryOptions{}, hydrationDepth)
	require.NoError(t, err)
	assert.Len(t, q.Nodes, 2)

	links := cut["$$links"].(map[string]any)
	assert.NotContains(t, links["is member of"].(map[string]any), "$$links")
	assert.Contains(t, links, "is owned by")
	assert.Contains(t, schema["$$links"].(map[string]any)["is member of"].(map[string]any), "$$links", "input is not modified")

	filter, err := NewCardFilter(schema)
	require.NoError(t, err)
	short := filter.truncated(hydrationDepth)
	assert.Len(t, short.links, 2)
	assert.Nil(t, short.links["is owned by"])
	assert.Empty(t, short.links["is member of"].links)
	assert.Len(t, filter.links["is member of"].links, 1)
}
