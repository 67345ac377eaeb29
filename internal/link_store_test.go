package internal

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/cardbase"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectLink(t *testing.T) {
	linkA := uuid.New()
	linkB := uuid.New()
	target := uuid.New()
	refA := cardbase.LinkRef{ID: target, Slug: "acme", Type: "org@1.0.0", LinkID: linkA}
	refB := cardbase.LinkRef{ID: uuid.New(), Slug: "globex", Type: "org@1.0.0", LinkID: linkB}

	t.Run("adds to empty map", func(t *testing.T) {
		after := ProjectLink(nil, "is member of", refA, true)
		assert.Equal(t, map[string][]cardbase.LinkRef{"is member of": {refA}}, after)
	})

	t.Run("replaces entry with same link id", func(t *testing.T) {
		before := map[string][]cardbase.LinkRef{"is member of": {refA, refB}}
		renamed := refA
		renamed.Slug = "acme-renamed"
		after := ProjectLink(before, "is member of", renamed, true)
		assert.Equal(t, []cardbase.LinkRef{refB, renamed}, after["is member of"])
		assert.Equal(t, "acme", before["is member of"][0].Slug, "input must not change")
	})

	t.Run("inactive removes and drops empty key", func(t *testing.T) {
		before := map[string][]cardbase.LinkRef{"is member of": {refA}, "owns": {refB}}
		after := ProjectLink(before, "is member of", refA, false)
		assert.NotContains(t, after, "is member of")
		assert.Equal(t, []cardbase.LinkRef{refB}, after["owns"])
		assert.Len(t, before["is member of"], 1)
	})

	t.Run("inactive on unknown link is a no-op", func(t *testing.T) {
		before := map[string][]cardbase.LinkRef{"owns": {refB}}
		after := ProjectLink(before, "is member of", refA, false)
		assert.Equal(t, before, after)
	})
}

func TestRecentRefs(t *testing.T) {
	refs := []cardbase.LinkRef{{Slug: "a"}, {Slug: "b"}, {Slug: "c"}}
	assert.Equal(t, refs, recentRefs(refs, 0))
	assert.Equal(t, refs, recentRefs(refs, 5))
	assert.Equal(t, []cardbase.LinkRef{{Slug: "b"}, {Slug: "c"}}, recentRefs(refs, 2))
}

func testEdge(active bool) *cardbase.LinkEdge {
	return &cardbase.LinkEdge{
		ID:          uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001"),
		Slug:        "alice-acme",
		Name:        cardbase.LinkIsMemberOf,
		InverseName: cardbase.LinkHasMember,
		From:        cardbase.LinkEndpoint{ID: uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000002"), Type: "user@1.0.0"},
		To:          cardbase.LinkEndpoint{ID: uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000003"), Type: "org@1.0.0"},
		Active:      active,
		CreatedAt:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestLinkStoreApply(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cards := NewCardRepository(mock, "cards")
	fixed := time.Date(2024, 6, 7, 8, 9, 10, 0, time.UTC)
	cards.withClock(func() time.Time { return fixed })
	store := NewLinkStore(mock, cards, "links")
	edge := testEdge(true)

	mock.ExpectBegin()
	mock.ExpectExec(`^INSERT INTO "links"`).
		WithArgs(edge.ID, edge.Slug, edge.Name, edge.InverseName,
			edge.From.ID, edge.From.Type, edge.To.ID, edge.To.Type, edge.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	// the from side has the lower id and is locked first
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs(edge.From.ID).
		WillReturnRows(pgxmock.NewRows([]string{"slug", "links"}).AddRow("alice", []byte(`{}`)))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs(edge.To.ID).
		WillReturnRows(pgxmock.NewRows([]string{"slug", "links"}).AddRow("acme", []byte(`{}`)))
	mock.ExpectQuery(regexp.QuoteMeta("SET links = c.links || $2::jsonb")).
		WithArgs(edge.To.ID, pgxmock.AnyArg(), cardbase.LinkHasMember, fixed).
		WillReturnRows(pgxmock.NewRows([]string{"to_jsonb"}).AddRow([]byte(
			`{"id":"aaaaaaaa-0000-0000-0000-000000000003","slug":"acme","links":{"has member":[{"id":"aaaaaaaa-0000-0000-0000-000000000002","slug":"alice","type":"user@1.0.0","$link":"aaaaaaaa-0000-0000-0000-000000000001"}]}}`)))
	mock.ExpectQuery(regexp.QuoteMeta("SET links = c.links || $2::jsonb")).
		WithArgs(edge.From.ID, pgxmock.AnyArg(), cardbase.LinkIsMemberOf, fixed).
		WillReturnRows(pgxmock.NewRows([]string{"to_jsonb"}).AddRow([]byte(
			`{"id":"aaaaaaaa-0000-0000-0000-000000000002","slug":"alice","links":{"is member of":[{"id":"aaaaaaaa-0000-0000-0000-000000000003","slug":"acme","type":"org@1.0.0","$link":"aaaaaaaa-0000-0000-0000-000000000001"}]}}`)))
	mock.ExpectCommit()
	mock.ExpectRollback()

	updated, err := store.Apply(ctx, edge)
	require.NoError(t, err)
	require.Len(t, updated, 2)
	assert.Equal(t, edge.To.ID, updated[0].ID)
	assert.Equal(t, "alice", updated[0].Links[cardbase.LinkHasMember][0].Slug)
	assert.Equal(t, edge.ID, updated[1].Links[cardbase.LinkIsMemberOf][0].LinkID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkStoreApply_InactiveRemoves(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cards := NewCardRepository(mock, "cards")
	store := NewLinkStore(mock, cards, "links")
	edge := testEdge(false)
	existing := `{"has member":[{"id":"aaaaaaaa-0000-0000-0000-000000000002","slug":"alice","type":"user@1.0.0","$link":"aaaaaaaa-0000-0000-0000-000000000001"}]}`

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "links" WHERE id = $1`)).
		WithArgs(edge.ID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	// the from side is already gone
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs(edge.From.ID).
		WillReturnRows(pgxmock.NewRows([]string{"slug", "links"}))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs(edge.To.ID).
		WillReturnRows(pgxmock.NewRows([]string{"slug", "links"}).AddRow("acme", []byte(existing)))
	mock.ExpectQuery(regexp.QuoteMeta("SET links = c.links - $2::text")).
		WithArgs(edge.To.ID, cardbase.LinkHasMember, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"to_jsonb"}).AddRow([]byte(`{"id":"aaaaaaaa-0000-0000-0000-000000000003","links":{}}`)))
	mock.ExpectCommit()
	mock.ExpectRollback()

	updated, err := store.Apply(ctx, edge)
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Empty(t, updated[0].Links)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkStoreApply_LocksEndpointsInIDOrder(t *testing.T) {
	ctx := context.Background()
	low := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000002")
	high := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000003")

	forward := testEdge(true)
	backward := testEdge(true)
	backward.ID = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000009")
	backward.From, backward.To = forward.To, forward.From

	for _, edge := range []*cardbase.LinkEdge{forward, backward} {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		store := NewLinkStore(mock, NewCardRepository(mock, "cards"), "links")

		mock.ExpectBegin()
		mock.ExpectExec(`^INSERT INTO "links"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
			WithArgs(low).
			WillReturnRows(pgxmock.NewRows([]string{"slug", "links"}))
		mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
			WithArgs(high).
			WillReturnRows(pgxmock.NewRows([]string{"slug", "links"}))
		mock.ExpectCommit()
		mock.ExpectRollback()

		updated, err := store.Apply(ctx, edge)
		require.NoError(t, err)
		assert.Empty(t, updated)
		require.NoError(t, mock.ExpectationsWereMet(), "edge from %s", edge.From.ID)
		mock.Close()
	}
}

func TestLinkStoreApply_SelfLinkLocksOnce(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store := NewLinkStore(mock, NewCardRepository(mock, "cards"), "links")
	edge := testEdge(true)
	edge.To = edge.From

	mock.ExpectBegin()
	mock.ExpectExec(`^INSERT INTO "links"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs(edge.From.ID).
		WillReturnRows(pgxmock.NewRows([]string{"slug", "links"}))
	mock.ExpectCommit()
	mock.ExpectRollback()

	_, err = store.Apply(ctx, edge)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkStoreApply_RollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewLinkStore(mock, NewCardRepository(mock, "cards"), "links")

	mock.ExpectBegin()
	mock.ExpectExec(`^INSERT INTO "links"`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = store.Apply(ctx, testEdge(true))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert link edge")
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = store.Apply(ctx, nil)
	require.Error(t, err)
}
